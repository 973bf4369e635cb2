package tools

import (
	"encoding/json"

	"orcascore/engine/internal/llm"
)

const (
	ReadTaskNotes       = "read_task_notes"
	WriteTaskNotes      = "write_task_notes"
	CheckTaskNotesExist = "check_task_notes_exist"
	ReadSpaceContext    = "read_space_context"
	UpdateSpaceContext  = "update_space_context"
	GetTaskDetails      = "get_task_details"
	ListTasks           = "list_tasks"
	GetScheduledTasks   = "get_scheduled_tasks"
	GetCalendarEvents   = "get_calendar_events"
	ListAgents          = "list_agents"
	CreateSubtask       = "create_subtask"
	GetSpaceEvents      = "get_space_events"
	TagEventToSpace     = "tag_event_to_space"
)

// Definitions holds every tool the agent may be offered, in declaration
// order.
var Definitions = []llm.Tool{
	{
		Name:        ReadTaskNotes,
		Description: "Read the shared notes document of a task. Returns the full markdown content, or an empty string when the task has no notes yet.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "integer", "description": "Task ID (defaults to the current task)"}
			}
		}`),
	},
	{
		Name: WriteTaskNotes,
		Description: `Write to the shared notes document of a task.
- mode "append" (default) adds content after the existing notes, separated by a blank line
- mode "replace" overwrites the whole document
The user reviews your changes after your turn ends.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "integer", "description": "Task ID (defaults to the current task)"},
				"content": {"type": "string", "description": "Markdown content to write"},
				"mode": {"type": "string", "enum": ["append", "replace"], "description": "append (default) or replace"}
			},
			"required": ["content"]
		}`),
	},
	{
		Name:        CheckTaskNotesExist,
		Description: "Check whether a task already has non-empty notes.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "integer", "description": "Task ID (defaults to the current task)"}
			}
		}`),
	},
	{
		Name:        ReadSpaceContext,
		Description: "Read the shared context markdown of a space. The context describes goals and conventions that apply to every task in the space.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"space_id": {"type": "integer", "description": "Space ID (defaults to the current space)"}
			}
		}`),
	},
	{
		Name:        UpdateSpaceContext,
		Description: "Update the shared context markdown of a space. Use mode \"append\" to add a section or \"replace\" (default) to rewrite it.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"space_id": {"type": "integer", "description": "Space ID (defaults to the current space)"},
				"content": {"type": "string", "description": "Markdown content"},
				"mode": {"type": "string", "enum": ["append", "replace"]}
			},
			"required": ["content"]
		}`),
	},
	{
		Name:        GetTaskDetails,
		Description: "Get a task's fields (title, description, status, priority, dates) and its subtasks as JSON.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "integer", "description": "Task ID (defaults to the current task)"}
			}
		}`),
	},
	{
		Name:        ListTasks,
		Description: "List the tasks of a space, newest first. Optionally filter by status.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"space_id": {"type": "integer", "description": "Space ID (defaults to the current space)"},
				"status": {"type": "string", "description": "Only return tasks with this status (e.g. todo, in_progress, done)"}
			}
		}`),
	},
	{
		Name:        GetScheduledTasks,
		Description: "List tasks scheduled for a date.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Date as YYYY-MM-DD (defaults to today)"}
			}
		}`),
	},
	{
		Name:        GetCalendarEvents,
		Description: "List the user's calendar events for a date.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Date as YYYY-MM-DD"}
			},
			"required": ["date"]
		}`),
	},
	{
		Name:        ListAgents,
		Description: "List the agent profiles that can be assigned to subtasks, with their IDs, names and models.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        CreateSubtask,
		Description: "Create a new subtask for a task and assign it to the agent best suited for it. Use list_agents to find agent IDs.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "integer", "description": "Parent task ID (defaults to the current task)"},
				"title": {"type": "string", "minLength": 1, "description": "Clear, action-oriented title"},
				"description": {"type": "string", "description": "Scope, deliverables and expectations"},
				"agent_id": {"type": "integer", "description": "ID of the agent to assign"}
			},
			"required": ["title", "description", "agent_id"]
		}`),
	},
	{
		Name:        GetSpaceEvents,
		Description: "List the calendar events tagged to a space between two dates (inclusive).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"space_id": {"type": "integer", "description": "Space ID (defaults to the current space)"},
				"start_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "First date as YYYY-MM-DD (defaults to today)"},
				"end_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Last date as YYYY-MM-DD (defaults to start_date)"}
			}
		}`),
	},
	{
		Name:        TagEventToSpace,
		Description: "Tag a calendar event to a space so it shows up in the space's schedule. Tagging the same event twice has no effect.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"space_id": {"type": "integer", "description": "Space ID (defaults to the current space)"},
				"event_id": {"type": "string", "minLength": 1, "description": "Calendar event ID from get_calendar_events"},
				"event_title": {"type": "string", "minLength": 1},
				"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Date the event belongs to, YYYY-MM-DD"}
			},
			"required": ["event_id", "event_title", "date"]
		}`),
	},
}

// Select returns the definitions with the given names, in declaration
// order. No names selects all.
func Select(names ...string) []llm.Tool {
	if len(names) == 0 {
		out := make([]llm.Tool, len(Definitions))
		copy(out, Definitions)
		return out
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out []llm.Tool
	for _, def := range Definitions {
		if wanted[def.Name] {
			out = append(out, def)
		}
	}
	return out
}
