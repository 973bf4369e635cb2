package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Space struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	ContextMarkdown string    `json:"context_markdown"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Task struct {
	ID            int64     `json:"id"`
	SpaceID       int64     `json:"space_id"`
	Title         string    `json:"title"`
	Description   *string   `json:"description,omitempty"`
	Status        string    `json:"status"`
	Priority      string    `json:"priority"`
	DueDate       *string   `json:"due_date,omitempty"`
	ScheduledDate *string   `json:"scheduled_date,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SubTask struct {
	ID          int64   `json:"id"`
	TaskID      int64   `json:"task_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Completed   bool    `json:"completed"`
	AgentID     *int64  `json:"agent_id,omitempty"`
}

// Agent is a configured assistant profile. System agents (SystemRole set)
// are internal and not offered for assignment.
type Agent struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	ModelName        string  `json:"model_name"`
	AgentPrompt      string  `json:"agent_prompt"`
	SystemRole       *string `json:"system_role,omitempty"`
	WebSearchEnabled bool    `json:"web_search_enabled"`
}

type CalendarEvent struct {
	ID         string  `json:"id"`
	CalendarID string  `json:"calendar_id"`
	Title      string  `json:"title"`
	StartDate  string  `json:"start_date"`
	EndDate    string  `json:"end_date"`
	IsAllDay   bool    `json:"is_all_day"`
	Location   *string `json:"location,omitempty"`
	Notes      *string `json:"notes,omitempty"`
	URL        *string `json:"url,omitempty"`
}

type EventAssociation struct {
	SpaceID        int64  `json:"space_id"`
	EventID        string `json:"event_id"`
	EventTitle     string `json:"event_title"`
	AssociatedDate string `json:"associated_date"`
}

const taskColumns = `id, space_id, title, description, status, priority, due_date, scheduled_date, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (Task, error) {
	var (
		task                        Task
		description, due, scheduled sql.NullString
	)
	if err := scanner.Scan(&task.ID, &task.SpaceID, &task.Title, &description, &task.Status, &task.Priority, &due, &scheduled, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return Task{}, err
	}
	task.Description = stringPtr(description)
	task.DueDate = stringPtr(due)
	task.ScheduledDate = stringPtr(scheduled)
	return task, nil
}

func (d *DB) CreateSpace(ctx context.Context, name, contextMarkdown string) (int64, error) {
	now := d.now()
	var id int64
	err := d.queryRow(ctx, `INSERT INTO spaces (name, context_markdown, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id`,
		name, contextMarkdown, now, now).Scan(&id)
	if err != nil {
		d.logger.Error("store.create_space_failed", "error", err)
	}
	return id, err
}

func (d *DB) GetSpace(ctx context.Context, spaceID int64) (Space, error) {
	var space Space
	err := d.queryRow(ctx, `SELECT id, name, context_markdown, created_at, updated_at FROM spaces WHERE id = ?`, spaceID).
		Scan(&space.ID, &space.Name, &space.ContextMarkdown, &space.CreatedAt, &space.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, fmt.Errorf("space %d: %w", spaceID, ErrNotFound)
	}
	return space, err
}

func (d *DB) WriteSpaceContext(ctx context.Context, spaceID int64, markdown string) error {
	res, err := d.exec(ctx, `UPDATE spaces SET context_markdown = ?, updated_at = ? WHERE id = ?`, markdown, d.now(), spaceID)
	if err != nil {
		d.logger.Error("store.write_space_context_failed", "space_id", spaceID, "error", err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("space %d: %w", spaceID, ErrNotFound)
	}
	return nil
}

type NewTask struct {
	SpaceID       int64
	Title         string
	Description   *string
	Status        string
	Priority      string
	DueDate       *string
	ScheduledDate *string
}

func (d *DB) CreateTask(ctx context.Context, task NewTask) (int64, error) {
	if task.Status == "" {
		task.Status = "todo"
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	now := d.now()
	var id int64
	err := d.queryRow(ctx, `INSERT INTO tasks (space_id, title, description, status, priority, due_date, scheduled_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		task.SpaceID, task.Title, nullableString(task.Description), task.Status, task.Priority,
		nullableString(task.DueDate), nullableString(task.ScheduledDate), now, now).Scan(&id)
	if err != nil {
		d.logger.Error("store.create_task_failed", "space_id", task.SpaceID, "error", err)
	}
	return id, err
}

func (d *DB) GetTask(ctx context.Context, taskID int64) (Task, error) {
	task, err := scanTask(d.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return task, err
}

// ListTasks returns a space's tasks, newest first; status "" matches all.
func (d *DB) ListTasks(ctx context.Context, spaceID int64, status string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE space_id = ?`
	args := []any{spaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return d.listTasks(ctx, query, args...)
}

func (d *DB) TasksScheduledFor(ctx context.Context, date string) ([]Task, error) {
	return d.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE scheduled_date = ? ORDER BY created_at DESC, id DESC`, date)
}

func (d *DB) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := d.query(ctx, query, args...)
	if err != nil {
		d.logger.Error("store.list_tasks_failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	tasks := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (d *DB) ListSubtasks(ctx context.Context, taskID int64) ([]SubTask, error) {
	rows, err := d.query(ctx, `SELECT id, task_id, title, description, completed, agent_id FROM subtasks WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		d.logger.Error("store.list_subtasks_failed", "task_id", taskID, "error", err)
		return nil, err
	}
	defer rows.Close()
	subtasks := []SubTask{}
	for rows.Next() {
		var (
			st          SubTask
			description sql.NullString
			agentID     sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Title, &description, &st.Completed, &agentID); err != nil {
			return nil, err
		}
		st.Description = stringPtr(description)
		if agentID.Valid {
			id := agentID.Int64
			st.AgentID = &id
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}

func (d *DB) CreateSubtask(ctx context.Context, taskID int64, title, description string, agentID *int64) (int64, error) {
	now := d.now()
	var agent sql.NullInt64
	if agentID != nil {
		agent = sql.NullInt64{Int64: *agentID, Valid: true}
	}
	var id int64
	err := d.queryRow(ctx, `INSERT INTO subtasks (task_id, title, description, agent_id, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, FALSE, ?, ?) RETURNING id`,
		taskID, title, description, agent, now, now).Scan(&id)
	if err != nil {
		d.logger.Error("store.create_subtask_failed", "task_id", taskID, "error", err)
	}
	return id, err
}

func (d *DB) CreateAgent(ctx context.Context, agent Agent) (int64, error) {
	var id int64
	err := d.queryRow(ctx, `INSERT INTO agents (name, model_name, agent_prompt, system_role, web_search_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		agent.Name, agent.ModelName, agent.AgentPrompt, nullableString(agent.SystemRole), agent.WebSearchEnabled, d.now()).Scan(&id)
	if err != nil {
		d.logger.Error("store.create_agent_failed", "error", err)
	}
	return id, err
}

func (d *DB) GetAgent(ctx context.Context, agentID int64) (Agent, error) {
	var (
		agent Agent
		role  sql.NullString
	)
	err := d.queryRow(ctx, `SELECT id, name, model_name, agent_prompt, system_role, web_search_enabled FROM agents WHERE id = ?`, agentID).
		Scan(&agent.ID, &agent.Name, &agent.ModelName, &agent.AgentPrompt, &role, &agent.WebSearchEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	agent.SystemRole = stringPtr(role)
	return agent, err
}

// ListAgents returns assignable agents; system agents are excluded.
func (d *DB) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := d.query(ctx, `SELECT id, name, model_name, agent_prompt, web_search_enabled FROM agents WHERE system_role IS NULL ORDER BY name`)
	if err != nil {
		d.logger.Error("store.list_agents_failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	agents := []Agent{}
	for rows.Next() {
		var agent Agent
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.ModelName, &agent.AgentPrompt, &agent.WebSearchEnabled); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpsertCalendarEvent caches an event synced from the user's calendars.
func (d *DB) UpsertCalendarEvent(ctx context.Context, event CalendarEvent) error {
	_, err := d.exec(ctx, `INSERT INTO calendar_events (id, calendar_id, title, start_date, end_date, is_all_day, location, notes, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET calendar_id = excluded.calendar_id, title = excluded.title, start_date = excluded.start_date,
			end_date = excluded.end_date, is_all_day = excluded.is_all_day, location = excluded.location, notes = excluded.notes, url = excluded.url`,
		event.ID, event.CalendarID, event.Title, event.StartDate, event.EndDate, event.IsAllDay,
		nullableString(event.Location), nullableString(event.Notes), nullableString(event.URL))
	if err != nil {
		d.logger.Error("store.upsert_calendar_event_failed", "event_id", event.ID, "error", err)
	}
	return err
}

// EventsForDate returns events whose start date (YYYY-MM-DD prefix) is date.
func (d *DB) EventsForDate(ctx context.Context, date string) ([]CalendarEvent, error) {
	rows, err := d.query(ctx, `SELECT id, calendar_id, title, start_date, end_date, is_all_day, location, notes, url
		FROM calendar_events WHERE substr(start_date, 1, 10) = ? ORDER BY start_date, id`, date)
	if err != nil {
		d.logger.Error("store.events_for_date_failed", "date", date, "error", err)
		return nil, err
	}
	defer rows.Close()
	events := []CalendarEvent{}
	for rows.Next() {
		var (
			ev                    CalendarEvent
			location, notes, link sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.CalendarID, &ev.Title, &ev.StartDate, &ev.EndDate, &ev.IsAllDay, &location, &notes, &link); err != nil {
			return nil, err
		}
		ev.Location = stringPtr(location)
		ev.Notes = stringPtr(notes)
		ev.URL = stringPtr(link)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *DB) TagEventToSpace(ctx context.Context, assoc EventAssociation) error {
	_, err := d.exec(ctx, `INSERT INTO event_space_associations (space_id, event_id_external, event_title, associated_date)
		VALUES (?, ?, ?, ?) ON CONFLICT (space_id, event_id_external) DO NOTHING`,
		assoc.SpaceID, assoc.EventID, assoc.EventTitle, assoc.AssociatedDate)
	if err != nil {
		d.logger.Error("store.tag_event_failed", "space_id", assoc.SpaceID, "error", err)
	}
	return err
}

// SpaceEvents lists events tagged to a space between two dates inclusive.
func (d *DB) SpaceEvents(ctx context.Context, spaceID int64, startDate, endDate string) ([]EventAssociation, error) {
	rows, err := d.query(ctx, `SELECT space_id, event_id_external, event_title, associated_date FROM event_space_associations
		WHERE space_id = ? AND associated_date >= ? AND associated_date <= ? ORDER BY associated_date`, spaceID, startDate, endDate)
	if err != nil {
		d.logger.Error("store.space_events_failed", "space_id", spaceID, "error", err)
		return nil, err
	}
	defer rows.Close()
	out := []EventAssociation{}
	for rows.Next() {
		var assoc EventAssociation
		if err := rows.Scan(&assoc.SpaceID, &assoc.EventID, &assoc.EventTitle, &assoc.AssociatedDate); err != nil {
			return nil, err
		}
		out = append(out, assoc)
	}
	return out, rows.Err()
}
