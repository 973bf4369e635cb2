package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"orcascore/engine/internal/store"
)

const dateLayout = "2006-01-02"

type taskArgs struct {
	TaskID int64 `json:"task_id"`
}

type spaceArgs struct {
	SpaceID int64 `json:"space_id"`
}

type writeArgs struct {
	TaskID  int64  `json:"task_id"`
	SpaceID int64  `json:"space_id"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func decode(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func requireID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	return nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// merge applies a write mode to existing content.
func merge(existing, content, mode string) (string, error) {
	switch mode {
	case "replace":
		return content, nil
	case "append":
		if strings.TrimSpace(existing) == "" {
			return content, nil
		}
		return strings.TrimRight(existing, "\n") + "\n\n" + content, nil
	}
	return "", fmt.Errorf("%w: unsupported mode %q", ErrInvalidArgument, mode)
}

func (e *Executor) readTaskNotes(ctx context.Context, raw json.RawMessage) (string, error) {
	var args taskArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("task_id", args.TaskID); err != nil {
		return "", err
	}
	return e.store.ReadContent(ctx, args.TaskID)
}

func (e *Executor) writeTaskNotes(ctx context.Context, raw json.RawMessage) (string, error) {
	var args writeArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("task_id", args.TaskID); err != nil {
		return "", err
	}
	if args.Mode == "" {
		args.Mode = "append"
	}
	existing, err := e.store.ReadContent(ctx, args.TaskID)
	if err != nil {
		return "", err
	}
	updated, err := merge(existing, args.Content, args.Mode)
	if err != nil {
		return "", err
	}
	if err := e.store.WriteContent(ctx, args.TaskID, updated); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task notes updated (%s, %d characters).", args.Mode, len(updated)), nil
}

func (e *Executor) checkTaskNotesExist(ctx context.Context, raw json.RawMessage) (string, error) {
	var args taskArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("task_id", args.TaskID); err != nil {
		return "", err
	}
	content, err := e.store.ReadContent(ctx, args.TaskID)
	if err != nil {
		return "", err
	}
	return toJSON(map[string]any{
		"task_id": args.TaskID,
		"exists":  strings.TrimSpace(content) != "",
		"length":  len(content),
	})
}

func (e *Executor) readSpaceContext(ctx context.Context, raw json.RawMessage) (string, error) {
	var args spaceArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("space_id", args.SpaceID); err != nil {
		return "", err
	}
	space, err := e.store.GetSpace(ctx, args.SpaceID)
	if err != nil {
		return "", err
	}
	return space.ContextMarkdown, nil
}

func (e *Executor) updateSpaceContext(ctx context.Context, raw json.RawMessage) (string, error) {
	var args writeArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("space_id", args.SpaceID); err != nil {
		return "", err
	}
	if args.Mode == "" {
		args.Mode = "replace"
	}
	updated := args.Content
	if args.Mode == "append" {
		space, err := e.store.GetSpace(ctx, args.SpaceID)
		if err != nil {
			return "", err
		}
		if updated, err = merge(space.ContextMarkdown, args.Content, args.Mode); err != nil {
			return "", err
		}
	}
	if err := e.store.WriteSpaceContext(ctx, args.SpaceID, updated); err != nil {
		return "", err
	}
	return fmt.Sprintf("Space context updated (%s, %d characters).", args.Mode, len(updated)), nil
}

func (e *Executor) getTaskDetails(ctx context.Context, raw json.RawMessage) (string, error) {
	var args taskArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("task_id", args.TaskID); err != nil {
		return "", err
	}
	task, err := e.store.GetTask(ctx, args.TaskID)
	if err != nil {
		return "", err
	}
	subtasks, err := e.store.ListSubtasks(ctx, args.TaskID)
	if err != nil {
		return "", err
	}
	return toJSON(struct {
		store.Task
		Subtasks []store.SubTask `json:"subtasks"`
	}{task, subtasks})
}

func (e *Executor) listTasks(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SpaceID int64  `json:"space_id"`
		Status  string `json:"status"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("space_id", args.SpaceID); err != nil {
		return "", err
	}
	tasks, err := e.store.ListTasks(ctx, args.SpaceID, strings.TrimSpace(args.Status))
	if err != nil {
		return "", err
	}
	return toJSON(tasks)
}

func (e *Executor) getScheduledTasks(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Date string `json:"date"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if args.Date == "" {
		args.Date = e.now().Format(dateLayout)
	}
	tasks, err := e.store.TasksScheduledFor(ctx, args.Date)
	if err != nil {
		return "", err
	}
	return toJSON(tasks)
}

func (e *Executor) getCalendarEvents(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Date string `json:"date"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	events, err := e.store.EventsForDate(ctx, args.Date)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No calendar events on %s.", args.Date), nil
	}
	return toJSON(events)
}

func (e *Executor) listAgents(ctx context.Context, _ json.RawMessage) (string, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	type agentInfo struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		ModelName string `json:"model_name"`
		Prompt    string `json:"agent_prompt"`
	}
	out := make([]agentInfo, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agentInfo{ID: agent.ID, Name: agent.Name, ModelName: agent.ModelName, Prompt: agent.AgentPrompt})
	}
	return toJSON(out)
}

func (e *Executor) createSubtask(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID      int64  `json:"task_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		AgentID     int64  `json:"agent_id"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("task_id", args.TaskID); err != nil {
		return "", err
	}
	if _, err := e.store.GetTask(ctx, args.TaskID); err != nil {
		return "", err
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	known := false
	for _, agent := range agents {
		if agent.ID == args.AgentID {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("%w: invalid agent_id: %d", ErrInvalidArgument, args.AgentID)
	}
	agentID := args.AgentID
	if _, err := e.store.CreateSubtask(ctx, args.TaskID, args.Title, args.Description, &agentID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully created subtask: '%s'", args.Title), nil
}

func (e *Executor) getSpaceEvents(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SpaceID   int64  `json:"space_id"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("space_id", args.SpaceID); err != nil {
		return "", err
	}
	if args.StartDate == "" {
		args.StartDate = e.now().Format(dateLayout)
	}
	if args.EndDate == "" {
		args.EndDate = args.StartDate
	}
	if args.EndDate < args.StartDate {
		return "", fmt.Errorf("%w: end_date is before start_date", ErrInvalidArgument)
	}
	events, err := e.store.SpaceEvents(ctx, args.SpaceID, args.StartDate, args.EndDate)
	if err != nil {
		return "", err
	}
	return toJSON(events)
}

func (e *Executor) tagEventToSpace(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SpaceID    int64  `json:"space_id"`
		EventID    string `json:"event_id"`
		EventTitle string `json:"event_title"`
		Date       string `json:"date"`
	}
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if err := requireID("space_id", args.SpaceID); err != nil {
		return "", err
	}
	if _, err := e.store.GetSpace(ctx, args.SpaceID); err != nil {
		return "", err
	}
	err := e.store.TagEventToSpace(ctx, store.EventAssociation{
		SpaceID:        args.SpaceID,
		EventID:        args.EventID,
		EventTitle:     args.EventTitle,
		AssociatedDate: args.Date,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Tagged '%s' to space %d on %s.", args.EventTitle, args.SpaceID, args.Date), nil
}
