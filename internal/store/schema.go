package store

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS spaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		context_markdown TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		space_id INTEGER NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		due_date TEXT,
		scheduled_date TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		agent_prompt TEXT NOT NULL DEFAULT '',
		system_role TEXT,
		web_search_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_notes (
		task_id INTEGER PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_edit_locks (
		task_id INTEGER PRIMARY KEY,
		locked_by TEXT NOT NULL CHECK (locked_by IN ('agent', 'user')),
		locked_at TIMESTAMP NOT NULL,
		original_content TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_edit_locks_locked_at ON agent_edit_locks(locked_at)`,
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		is_all_day BOOLEAN NOT NULL DEFAULT FALSE,
		location TEXT,
		notes TEXT,
		url TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS event_space_associations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		space_id INTEGER NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
		event_id_external TEXT NOT NULL,
		event_title TEXT NOT NULL,
		associated_date TEXT NOT NULL,
		UNIQUE (space_id, event_id_external)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS spaces (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		context_markdown TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		space_id BIGINT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		due_date TEXT,
		scheduled_date TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		agent_prompt TEXT NOT NULL DEFAULT '',
		system_role TEXT,
		web_search_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtasks (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		agent_id BIGINT REFERENCES agents(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_notes (
		task_id BIGINT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_edit_locks (
		task_id BIGINT PRIMARY KEY,
		locked_by TEXT NOT NULL CHECK (locked_by IN ('agent', 'user')),
		locked_at TIMESTAMPTZ NOT NULL,
		original_content TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_edit_locks_locked_at ON agent_edit_locks(locked_at)`,
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		is_all_day BOOLEAN NOT NULL DEFAULT FALSE,
		location TEXT,
		notes TEXT,
		url TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS event_space_associations (
		id BIGSERIAL PRIMARY KEY,
		space_id BIGINT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
		event_id_external TEXT NOT NULL,
		event_title TEXT NOT NULL,
		associated_date TEXT NOT NULL,
		UNIQUE (space_id, event_id_external)
	)`,
}
