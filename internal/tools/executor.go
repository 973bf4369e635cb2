// Package tools implements the workspace tools an agent can call during a
// chat turn. Tools read and write task notes and space context and look up
// tasks, calendar events and agent profiles. Handlers never take edit
// locks; the caller holds the agent lock for the whole turn.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/logging"
	"orcascore/engine/internal/store"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrInvalidArgument = errors.New("invalid tool arguments")
)

// UnknownToolError is returned for a tool name with no handler.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}

func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

// UnknownTool marks the error for the chat loop.
func (e *UnknownToolError) UnknownTool() bool {
	return true
}

// Scope is the conversation context used to fill in omitted task_id and
// space_id arguments.
type Scope struct {
	TaskID  int64
	SpaceID int64
}

// Store is the workspace data the tools operate on; *store.DB implements it.
type Store interface {
	ReadContent(ctx context.Context, documentID int64) (string, error)
	WriteContent(ctx context.Context, documentID int64, content string) error
	GetSpace(ctx context.Context, spaceID int64) (store.Space, error)
	WriteSpaceContext(ctx context.Context, spaceID int64, markdown string) error
	GetTask(ctx context.Context, taskID int64) (store.Task, error)
	ListTasks(ctx context.Context, spaceID int64, status string) ([]store.Task, error)
	TasksScheduledFor(ctx context.Context, date string) ([]store.Task, error)
	ListSubtasks(ctx context.Context, taskID int64) ([]store.SubTask, error)
	CreateSubtask(ctx context.Context, taskID int64, title, description string, agentID *int64) (int64, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	EventsForDate(ctx context.Context, date string) ([]store.CalendarEvent, error)
	SpaceEvents(ctx context.Context, spaceID int64, startDate, endDate string) ([]store.EventAssociation, error)
	TagEventToSpace(ctx context.Context, assoc store.EventAssociation) error
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

type registered struct {
	def    llm.Tool
	schema *jsonschema.Schema
	// scoped lists which of task_id / space_id the schema declares.
	scoped map[string]bool
	run    handlerFunc
}

type Executor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	tools  map[string]*registered
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor compiles the argument schema of every tool in Definitions.
func NewExecutor(s Store, opts ...Option) (*Executor, error) {
	e := &Executor{
		store:  s,
		logger: logging.Nop(),
		now:    time.Now,
		tools:  make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(e)
	}
	handlers := map[string]handlerFunc{
		ReadTaskNotes:       e.readTaskNotes,
		WriteTaskNotes:      e.writeTaskNotes,
		CheckTaskNotesExist: e.checkTaskNotesExist,
		ReadSpaceContext:    e.readSpaceContext,
		UpdateSpaceContext:  e.updateSpaceContext,
		GetTaskDetails:      e.getTaskDetails,
		ListTasks:           e.listTasks,
		GetScheduledTasks:   e.getScheduledTasks,
		GetCalendarEvents:   e.getCalendarEvents,
		ListAgents:          e.listAgents,
		CreateSubtask:       e.createSubtask,
		GetSpaceEvents:      e.getSpaceEvents,
		TagEventToSpace:     e.tagEventToSpace,
	}
	for _, def := range Definitions {
		run, ok := handlers[def.Name]
		if !ok {
			return nil, fmt.Errorf("tool %s has no handler", def.Name)
		}
		schema, scoped, err := compileSchema(def)
		if err != nil {
			return nil, err
		}
		e.tools[def.Name] = &registered{def: def, schema: schema, scoped: scoped, run: run}
	}
	return e, nil
}

func compileSchema(def llm.Tool) (*jsonschema.Schema, map[string]bool, error) {
	url := "https://orcascore.local/tools/" + def.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(def.InputSchema)); err != nil {
		return nil, nil, fmt.Errorf("add schema %s: %w", def.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema %s: %w", def.Name, err)
	}
	var shape struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(def.InputSchema, &shape); err != nil {
		return nil, nil, fmt.Errorf("decode schema %s: %w", def.Name, err)
	}
	scoped := map[string]bool{}
	for _, key := range []string{"task_id", "space_id"} {
		if _, ok := shape.Properties[key]; ok {
			scoped[key] = true
		}
	}
	return schema, scoped, nil
}

// Tools returns the provider definitions for the named tools, or all of
// them when no names are given.
func (e *Executor) Tools(names ...string) []llm.Tool {
	return Select(names...)
}

// Execute validates input against the tool's schema, after filling omitted
// scope arguments, and runs the handler. Errors are returned as-is; callers
// turn them into error results for the model.
func (e *Executor) Execute(ctx context.Context, scope Scope, name string, input json.RawMessage) (string, error) {
	tool, ok := e.tools[name]
	if !ok {
		return "", &UnknownToolError{Name: name}
	}
	args, err := decodeArgs(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if tool.scoped["task_id"] && scope.TaskID != 0 {
		if _, ok := args["task_id"]; !ok {
			args["task_id"] = json.Number(fmt.Sprint(scope.TaskID))
		}
	}
	if tool.scoped["space_id"] && scope.SpaceID != 0 {
		if _, ok := args["space_id"]; !ok {
			args["space_id"] = json.Number(fmt.Sprint(scope.SpaceID))
		}
	}
	if err := tool.schema.Validate(args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	normalized, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start := time.Now()
	out, err := tool.run(ctx, normalized)
	if err != nil {
		e.logger.Warn("tools.failed", "tool", name, "error", err)
		return "", err
	}
	e.logger.Debug("tools.executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "result_chars", len(out))
	return out, nil
}

func decodeArgs(input json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(input)) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		return args, nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}
	return obj, nil
}

// Bound ties an Executor to one conversation scope.
type Bound struct {
	executor *Executor
	scope    Scope
	names    []string
}

// Bind returns a runner limited to the named tools (all when empty).
func (e *Executor) Bind(scope Scope, names ...string) *Bound {
	return &Bound{executor: e, scope: scope, names: names}
}

func (b *Bound) Tools() []llm.Tool {
	return b.executor.Tools(b.names...)
}

func (b *Bound) Execute(ctx context.Context, call llm.ContentBlock) (string, error) {
	if len(b.names) > 0 && !contains(b.names, call.Name) {
		return "", &UnknownToolError{Name: call.Name}
	}
	return b.executor.Execute(ctx, b.scope, call.Name, call.Input)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
