// Package chat runs one agent chat turn: it sends the conversation to the
// provider with retry, executes requested tools in order, resubmits paused
// turns, and reports progress as a stream of events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/logging"
)

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateExecutingTools   State = "executing_tools"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
	StateErrored          State = "errored"
)

const (
	DefaultMaxTokens        = 4096
	DefaultMaxResponseChars = 10000
	DefaultMaxToolRounds    = 20
)

var ErrTurnInProgress = errors.New("chat turn already in progress")

// ToolRunner executes the tools offered to the model.
type ToolRunner interface {
	Tools() []llm.Tool
	Execute(ctx context.Context, call llm.ContentBlock) (string, error)
}

type Config struct {
	ProviderID       string
	Model            string
	System           string
	MaxTokens        int
	MaxResponseChars int
	MaxToolRounds    int
	// ServerTools are provider-executed tools such as web search.
	ServerTools []llm.Tool
	// AbortInFlight cancels the outstanding provider request on Cancel
	// instead of letting it finish in the background.
	AbortInFlight bool
}

// TurnRequest is the input of one turn.
type TurnRequest struct {
	History  []llm.Message
	Message  string
	OnUpdate func(text string)
	OnEvent  func(Event)
}

type Result struct {
	State      State              `json:"state"`
	Text       string             `json:"text"`
	Response   string             `json:"response"`
	Usage      llm.Usage          `json:"usage"`
	Requests   int                `json:"requests"`
	ToolRounds int                `json:"tool_rounds"`
	Error      *errinfo.ErrorInfo `json:"error,omitempty"`
}

type Session struct {
	provider  llm.Provider
	tools     ToolRunner
	retry     RetryPolicy
	compactor Compactor
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	state  State
	active *turn
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Session) {
		s.retry = policy
	}
}

func WithCompactor(c Compactor) Option {
	return func(s *Session) {
		if c != nil {
			s.compactor = c
		}
	}
}

func WithTools(runner ToolRunner) Option {
	return func(s *Session) {
		s.tools = runner
	}
}

func NewSession(provider llm.Provider, cfg Config, opts ...Option) *Session {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxResponseChars <= 0 {
		cfg.MaxResponseChars = DefaultMaxResponseChars
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	s := &Session{
		provider:  provider,
		retry:     DefaultRetryPolicy(),
		compactor: TrimCompactor{},
		logger:    logging.Nop(),
		cfg:       cfg,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Logger == nil {
		s.retry.Logger = s.logger
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Session) setState(t *turn, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == t {
		s.state = state
	}
}

// Cancel stops the running turn. It reports false when no turn is running.
// Unless AbortInFlight is set, an outstanding provider request keeps running
// and its result is discarded.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	t := s.active
	s.mu.Unlock()
	if t == nil {
		return false
	}
	return t.cancel()
}

type turn struct {
	once      sync.Once
	cancelled chan struct{}
	abort     context.CancelFunc
}

func (t *turn) cancel() bool {
	fired := false
	t.once.Do(func() {
		close(t.cancelled)
		if t.abort != nil {
			t.abort()
		}
		fired = true
	})
	return fired
}

func (t *turn) isCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

type providerResult struct {
	resp     llm.Response
	attempts int
	err      error
}

// Send runs one turn to completion, cancellation or error. Only one turn may
// run per session at a time.
func (s *Session) Send(ctx context.Context, req TurnRequest) (Result, error) {
	t := &turn{cancelled: make(chan struct{})}
	requestCtx := ctx
	if s.cfg.AbortInFlight {
		requestCtx, t.abort = context.WithCancel(ctx)
		defer t.abort()
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return Result{}, ErrTurnInProgress
	}
	s.active = t
	s.state = StateAwaitingResponse
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active == t {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	run := &turnRun{
		session:    s,
		turn:       t,
		ctx:        ctx,
		requestCtx: requestCtx,
		acc:        NewAccumulator(req.OnUpdate),
		onEvent:    req.OnEvent,
		start:      time.Now(),
	}
	return run.execute(req), nil
}

type turnRun struct {
	session    *Session
	turn       *turn
	ctx        context.Context
	requestCtx context.Context
	acc        *Accumulator
	onEvent    func(Event)
	start      time.Time

	usage      llm.Usage
	requests   int
	toolRounds int
	citations  []llm.Citation
}

func (r *turnRun) emit(event Event) {
	r.acc.Handle(event)
	if r.onEvent != nil {
		r.onEvent(event)
	}
}

func (r *turnRun) result(state State) Result {
	return Result{
		State:      state,
		Text:       r.acc.Text(),
		Usage:      r.usage,
		Requests:   r.requests,
		ToolRounds: r.toolRounds,
	}
}

func (r *turnRun) execute(req TurnRequest) Result {
	s := r.session
	messages := CollapseHistory(req.History)
	messages = append(messages, llm.UserText(req.Message))
	messages = s.compactor.Compact(messages)

	var tools []llm.Tool
	if s.tools != nil {
		tools = append(tools, s.tools.Tools()...)
	}
	tools = append(tools, s.cfg.ServerTools...)

	s.logger.Info("chat.turn_start", "model", s.cfg.Model, "messages", len(messages), "tools", len(tools))
	rounds := 0
	for {
		resp, cancelled, err := r.request(llm.Request{
			Model:     s.cfg.Model,
			System:    s.cfg.System,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: s.cfg.MaxTokens,
		})
		if cancelled {
			return r.cancel()
		}
		if errors.Is(err, context.Canceled) {
			return r.fail(errinfo.UserCanceled(errinfo.PhaseChat, err.Error()))
		}
		if err != nil {
			return r.fail(errinfo.FromProviderError(errinfo.PhaseChat, s.cfg.ProviderID, err))
		}
		r.usage = r.usage.Add(resp.Usage)
		r.collectCitations(resp)

		switch {
		case resp.StopReason == llm.StopToolUse && len(resp.ToolUses()) > 0:
			if rounds >= s.cfg.MaxToolRounds {
				return r.fail(errinfo.AgentLoopDetected(errinfo.PhaseChat, fmt.Sprintf("exceeded maximum tool rounds (%d)", s.cfg.MaxToolRounds)))
			}
			rounds++
			if text := resp.Text(); text != "" {
				r.emit(Event{Type: EventTextDelta, Text: text})
			}
			s.setState(r.turn, StateExecutingTools)
			results, cancelled := r.runTools(resp.ToolUses())
			if cancelled {
				return r.cancel()
			}
			r.toolRounds++
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
				llm.Message{Role: llm.RoleUser, Content: results},
			)
			s.setState(r.turn, StateAwaitingResponse)
		case resp.StopReason == llm.StopPauseTurn:
			if rounds >= s.cfg.MaxToolRounds {
				return r.fail(errinfo.AgentLoopDetected(errinfo.PhaseChat, fmt.Sprintf("exceeded maximum tool rounds (%d)", s.cfg.MaxToolRounds)))
			}
			rounds++
			s.logger.Debug("chat.pause_turn", "round", rounds)
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		default:
			return r.complete(resp)
		}
		if r.turn.isCancelled() {
			return r.cancel()
		}
	}
}

// request sends req through the retry policy in its own goroutine so a
// cancellation returns without waiting for the provider.
func (r *turnRun) request(req llm.Request) (llm.Response, bool, error) {
	s := r.session
	done := make(chan providerResult, 1)
	policy := s.retry
	stop := policy.Stop
	policy.Stop = func() bool {
		return r.turn.isCancelled() || (stop != nil && stop())
	}
	go func() {
		resp, attempts, err := policy.Do(r.requestCtx, func(ctx context.Context) (llm.Response, error) {
			return s.provider.CreateMessage(ctx, req)
		})
		done <- providerResult{resp: resp, attempts: attempts, err: err}
	}()
	select {
	case res := <-done:
		r.requests += res.attempts
		if r.turn.isCancelled() {
			return llm.Response{}, true, nil
		}
		return res.resp, false, res.err
	case <-r.turn.cancelled:
		return llm.Response{}, true, nil
	case <-r.ctx.Done():
		return llm.Response{}, false, r.ctx.Err()
	}
}

func (r *turnRun) runTools(calls []llm.ContentBlock) ([]llm.ContentBlock, bool) {
	s := r.session
	results := make([]llm.ContentBlock, 0, len(calls))
	for _, call := range calls {
		if r.turn.isCancelled() {
			return nil, true
		}
		r.emit(Event{Type: EventToolRequested, ToolName: call.Name, ToolUseID: call.ID, ToolInput: call.Input})
		content, isError := r.runTool(call)
		s.logger.Info("chat.tool_result", "tool", call.Name, "tool_use_id", call.ID, "is_error", isError, "result_chars", len(content))
		r.emit(Event{Type: EventToolResult, ToolName: call.Name, ToolUseID: call.ID, Text: content, IsError: isError})
		results = append(results, llm.ToolResult(call.ID, content, isError))
	}
	return results, false
}

func (r *turnRun) runTool(call llm.ContentBlock) (string, bool) {
	if r.session.tools == nil {
		return "Unknown tool: " + call.Name, true
	}
	out, err := r.session.tools.Execute(r.ctx, call)
	if err != nil {
		if isUnknownTool(err) {
			return "Unknown tool: " + call.Name, true
		}
		return "Tool execution error: " + err.Error(), true
	}
	return out, false
}

// unknownTool is implemented by runner errors that mean the requested tool
// does not exist.
type unknownTool interface {
	UnknownTool() bool
}

func isUnknownTool(err error) bool {
	var u unknownTool
	return errors.As(err, &u) && u.UnknownTool()
}

func (r *turnRun) collectCitations(resp llm.Response) {
	for _, block := range resp.Content {
		if block.Type == llm.BlockText {
			r.citations = append(r.citations, block.Citations...)
		}
	}
}

func (r *turnRun) complete(resp llm.Response) Result {
	s := r.session
	text := resp.Text() + formatSources(r.citations)
	text = truncate(text, s.cfg.MaxResponseChars)
	r.emit(Event{Type: EventTextDelta, Text: text})
	r.emit(Event{Type: EventCompleted, Text: text, Usage: r.usage})
	s.setState(r.turn, StateCompleted)
	s.logger.Info("chat.turn_complete", "requests", r.requests, "tool_rounds", r.toolRounds,
		"input_tokens", r.usage.InputTokens, "output_tokens", r.usage.OutputTokens,
		"stop_reason", resp.StopReason, "elapsed_ms", time.Since(r.start).Milliseconds())
	out := r.result(StateCompleted)
	out.Response = text
	return out
}

func (r *turnRun) cancel() Result {
	s := r.session
	r.emit(Event{Type: EventCancelled, Usage: r.usage})
	s.setState(r.turn, StateCancelled)
	s.logger.Info("chat.turn_cancelled", "requests", r.requests, "abort_in_flight", s.cfg.AbortInFlight)
	return r.result(StateCancelled)
}

func (r *turnRun) fail(info *errinfo.ErrorInfo) Result {
	s := r.session
	info.ModelID = s.cfg.Model
	r.emit(Event{Type: EventErrored, Usage: r.usage, Error: info})
	s.setState(r.turn, StateErrored)
	s.logger.Warn("chat.turn_failed", "error_code", info.ErrorCode, "category", info.Category, "detail", info.Detail)
	out := r.result(StateErrored)
	out.Error = info
	return out
}

// formatSources renders citations as a markdown list, one entry per URL.
func formatSources(citations []llm.Citation) string {
	seen := make(map[string]bool)
	var sb strings.Builder
	n := 0
	for _, c := range citations {
		url := strings.TrimSpace(c.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		if n == 0 {
			sb.WriteString("\n\n**Sources:**\n")
		}
		n++
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = url
		}
		fmt.Fprintf(&sb, "%d. [%s](%s)\n", n, title, url)
	}
	return sb.String()
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + TruncatedMarker
}
