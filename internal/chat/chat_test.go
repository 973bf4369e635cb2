package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/llm"
)

type step struct {
	resp llm.Response
	err  error
	gate chan struct{}
}

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
	started  chan int
}

func (p *scriptedProvider) CreateMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	var st step
	if idx < len(p.steps) {
		st = p.steps[idx]
	} else {
		st = step{resp: textResponse("done", 1, 1)}
	}
	p.mu.Unlock()
	if p.started != nil {
		p.started <- idx
	}
	if st.gate != nil {
		select {
		case <-st.gate:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	return st.resp, st.err
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textResponse(text string, in, out int) llm.Response {
	return llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: in, OutputTokens: out},
	}
}

func toolResponse(id, name string, in, out int) llm.Response {
	return llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockText, Text: "Let me check."},
			{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(`{}`)},
		},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: in, OutputTokens: out},
	}
}

type unknownErr struct{ name string }

func (e unknownErr) Error() string { return "unknown tool: " + e.name }
func (e unknownErr) UnknownTool() bool { return true }

type fakeTools struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) Tools() []llm.Tool {
	return []llm.Tool{{Name: "read_task_notes", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}

func (f *fakeTools) Execute(ctx context.Context, call llm.ContentBlock) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call.ID)
	f.mu.Unlock()
	switch call.Name {
	case "read_task_notes":
		return "notes for " + call.ID, nil
	case "broken":
		return "", errors.New("disk full")
	}
	return "", unknownErr{call.Name}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestSession(p llm.Provider, tools ToolRunner, cfg Config) *Session {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	return NewSession(p, cfg, WithTools(tools), WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Sleep: noSleep}))
}

func TestToolLoopRunsEveryRoundAndSumsUsage(t *testing.T) {
	const rounds = 3
	p := &scriptedProvider{}
	for i := 0; i < rounds; i++ {
		p.steps = append(p.steps, step{resp: toolResponse("call-"+string(rune('a'+i)), "read_task_notes", 10, 2)})
	}
	p.steps = append(p.steps, step{resp: textResponse("All done.", 7, 5)})
	tools := &fakeTools{}
	session := newTestSession(p, tools, Config{})

	res, err := session.Send(context.Background(), TurnRequest{Message: "summarize"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%+v)", res.State, res.Error)
	}
	if res.ToolRounds != rounds || res.Requests != rounds+1 || p.requestCount() != rounds+1 {
		t.Fatalf("unexpected counts: rounds=%d requests=%d provider=%d", res.ToolRounds, res.Requests, p.requestCount())
	}
	if res.Usage.InputTokens != 37 || res.Usage.OutputTokens != 11 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
	if res.Response != "All done." {
		t.Fatalf("unexpected response: %q", res.Response)
	}
	if len(tools.calls) != rounds {
		t.Fatalf("expected %d tool calls, got %v", rounds, tools.calls)
	}

	last := p.requests[len(p.requests)-1].Messages
	if len(last) != 1+2*rounds {
		t.Fatalf("expected %d messages in final request, got %d", 1+2*rounds, len(last))
	}
	results := last[len(last)-1]
	if results.Role != llm.RoleUser || results.Content[0].Type != llm.BlockToolResult || results.Content[0].ToolUseID != "call-c" {
		t.Fatalf("unexpected tool result message: %+v", results)
	}
	if got := results.Content[0].ResultText(); got != "notes for call-c" {
		t.Fatalf("unexpected tool result: %q", got)
	}
}

func TestToolsRunInRequestOrder(t *testing.T) {
	resp := llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockToolUse, ID: "1", Name: "read_task_notes"},
			{Type: llm.BlockToolUse, ID: "2", Name: "broken"},
			{Type: llm.BlockToolUse, ID: "3", Name: "nope"},
		},
		StopReason: llm.StopToolUse,
	}
	p := &scriptedProvider{steps: []step{{resp: resp}, {resp: textResponse("ok", 0, 0)}}}
	tools := &fakeTools{}
	session := newTestSession(p, tools, Config{})
	if _, err := session.Send(context.Background(), TurnRequest{Message: "go"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Join(tools.calls, ",") != "1,2,3" {
		t.Fatalf("unexpected call order: %v", tools.calls)
	}
	results := p.requests[1].Messages[2].Content
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if results[0].IsError || results[0].ToolUseID != "1" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if !results[1].IsError || results[1].ResultText() != "Tool execution error: disk full" {
		t.Fatalf("unexpected error result: %+v", results[1].ResultText())
	}
	if !results[2].IsError || results[2].ResultText() != "Unknown tool: nope" {
		t.Fatalf("unexpected unknown result: %+v", results[2].ResultText())
	}
}

func TestPauseTurnResubmitsContent(t *testing.T) {
	paused := llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockServerToolUse, ID: "srv_1", Name: "web_search", Raw: json.RawMessage(`{"type":"server_tool_use","id":"srv_1","name":"web_search","input":{"query":"go"}}`)},
		},
		StopReason: llm.StopPauseTurn,
		Usage:      llm.Usage{InputTokens: 3, OutputTokens: 1},
	}
	p := &scriptedProvider{steps: []step{{resp: paused}, {resp: textResponse("found it", 2, 2)}}}
	tools := &fakeTools{}
	session := newTestSession(p, tools, Config{})

	res, _ := session.Send(context.Background(), TurnRequest{Message: "search"})
	if res.State != StateCompleted || res.Response != "found it" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("pause_turn must not run tools")
	}
	second := p.requests[1].Messages
	if len(second) != 2 || second[1].Role != llm.RoleAssistant {
		t.Fatalf("expected paused content appended, got %+v", second)
	}
	raw, _ := json.Marshal(second[1].Content[0])
	if !strings.Contains(string(raw), `"query":"go"`) {
		t.Fatalf("expected verbatim server block, got %s", raw)
	}
	if res.Usage.InputTokens != 5 {
		t.Fatalf("expected summed usage, got %+v", res.Usage)
	}
}

func TestCitationsAppendedOnceAndTruncated(t *testing.T) {
	resp := llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockText, Text: "Go 1.24 is out.", Citations: []llm.Citation{
				{URL: "https://go.dev/blog", Title: "Go Blog"},
				{URL: "https://go.dev/blog", Title: "Go Blog"},
				{URL: "https://go.dev/doc"},
			}},
		},
		StopReason: llm.StopEndTurn,
	}
	p := &scriptedProvider{steps: []step{{resp: resp}}}
	session := newTestSession(p, nil, Config{})
	res, _ := session.Send(context.Background(), TurnRequest{Message: "news"})
	want := "Go 1.24 is out.\n\n**Sources:**\n1. [Go Blog](https://go.dev/blog)\n2. [https://go.dev/doc](https://go.dev/doc)\n"
	if res.Response != want {
		t.Fatalf("unexpected response:\n%q\nwant\n%q", res.Response, want)
	}

	p = &scriptedProvider{steps: []step{{resp: textResponse(strings.Repeat("x", 50), 0, 0)}}}
	session = newTestSession(p, nil, Config{MaxResponseChars: 10})
	res, _ = session.Send(context.Background(), TurnRequest{Message: "long"})
	if res.Response != strings.Repeat("x", 10)+TruncatedMarker {
		t.Fatalf("unexpected truncation: %q", res.Response)
	}
}

func TestMaxToolRoundsEndsTurn(t *testing.T) {
	p := &scriptedProvider{}
	for i := 0; i < 5; i++ {
		p.steps = append(p.steps, step{resp: toolResponse("x", "read_task_notes", 1, 1)})
	}
	session := newTestSession(p, &fakeTools{}, Config{MaxToolRounds: 2})
	res, _ := session.Send(context.Background(), TurnRequest{Message: "loop"})
	if res.State != StateErrored || res.Error == nil || res.Error.ErrorCode != errinfo.CodeAgentLoopDetected {
		t.Fatalf("expected loop error, got %+v", res)
	}
	if p.requestCount() != 3 {
		t.Fatalf("expected 3 requests, got %d", p.requestCount())
	}
}

func TestRetryBackoffOn503(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Sleep: func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}}
	calls := 0
	_, attempts, err := policy.Do(context.Background(), func(ctx context.Context) (llm.Response, error) {
		calls++
		return llm.Response{}, llm.NewStatusError(503, "overloaded")
	})
	if err == nil || !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if calls != 4 || attempts != 4 {
		t.Fatalf("expected 4 attempts, got calls=%d attempts=%d", calls, attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestRetrySkipsClientErrors(t *testing.T) {
	slept := false
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Sleep: func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}}
	calls := 0
	_, _, err := policy.Do(context.Background(), func(ctx context.Context) (llm.Response, error) {
		calls++
		return llm.Response{}, llm.NewStatusError(404, "not found")
	})
	if err == nil || calls != 1 || slept {
		t.Fatalf("expected single attempt without backoff, calls=%d slept=%v err=%v", calls, slept, err)
	}

	calls = 0
	_, _, err = policy.Do(context.Background(), func(ctx context.Context) (llm.Response, error) {
		calls++
		if calls < 3 {
			return llm.Response{}, llm.NewStatusError(429, "slow down")
		}
		return textResponse("ok", 0, 0), nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected 429 to be retried, calls=%d err=%v", calls, err)
	}
}

func TestRetryStopsWhenStopReportsTrue(t *testing.T) {
	stopped := false
	retries := 0
	slept := 0
	policy := RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept++
			return nil
		},
		OnRetry: func(attempt int, wait time.Duration, err error) { retries++ },
		Stop:    func() bool { return stopped },
	}
	calls := 0
	_, attempts, err := policy.Do(context.Background(), func(ctx context.Context) (llm.Response, error) {
		calls++
		stopped = true
		return llm.Response{}, llm.NewStatusError(503, "overloaded")
	})
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected the attempt's error, got %v", err)
	}
	if calls != 1 || attempts != 1 || retries != 0 || slept != 0 {
		t.Fatalf("expected a single attempt, calls=%d attempts=%d retries=%d slept=%d", calls, attempts, retries, slept)
	}
}

func TestCancelledTurnStopsRetrying(t *testing.T) {
	gate := make(chan struct{})
	unavailable := llm.NewStatusError(503, "overloaded")
	p := &scriptedProvider{
		steps: []step{
			{err: unavailable, gate: gate},
			{err: unavailable},
			{err: unavailable},
			{err: unavailable},
		},
		started: make(chan int, 8),
	}
	var mu sync.Mutex
	retries := 0
	session := NewSession(p, Config{Model: "claude-sonnet-4-5"}, WithRetryPolicy(RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Sleep:      noSleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			mu.Lock()
			retries++
			mu.Unlock()
		},
	}))
	done := make(chan Result, 1)
	go func() {
		res, _ := session.Send(context.Background(), TurnRequest{Message: "slow"})
		done <- res
	}()
	<-p.started
	session.Cancel()
	if res := <-done; res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
	close(gate)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if p.requestCount() > 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if n := p.requestCount(); n != 1 || retries != 0 {
		t.Fatalf("expected no requests after cancel, requests=%d retries=%d", n, retries)
	}
}

func TestProviderErrorEndsTurnWithCategory(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: llm.NewStatusError(401, "bad key")}}}
	session := newTestSession(p, nil, Config{ProviderID: "anthropic"})
	res, _ := session.Send(context.Background(), TurnRequest{Message: "hi"})
	if res.State != StateErrored || res.Error.ErrorCode != errinfo.CodeProviderAuthFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error.Category != string(llm.CategoryAuthentication) || res.Error.ProviderID != "anthropic" {
		t.Fatalf("unexpected error info: %+v", res.Error)
	}
	if session.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", session.State())
	}
}

func TestCancelWhileAwaitingResponse(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	p := &scriptedProvider{
		steps:   []step{{resp: textResponse("late", 1, 1), gate: gate}, {resp: textResponse("second turn", 1, 1)}},
		started: make(chan int, 4),
	}
	session := newTestSession(p, nil, Config{})

	var updates []string
	done := make(chan Result, 1)
	go func() {
		res, _ := session.Send(context.Background(), TurnRequest{Message: "slow", OnUpdate: func(text string) {
			updates = append(updates, text)
		}})
		done <- res
	}()
	<-p.started
	if session.State() != StateAwaitingResponse {
		t.Fatalf("expected awaiting response, got %s", session.State())
	}
	if !session.Cancel() {
		t.Fatalf("expected cancel to fire")
	}
	session.Cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled turn did not return")
	}
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
	if strings.Count(res.Text, CancelledMarker) != 1 || !strings.HasSuffix(res.Text, CancelledMarker) {
		t.Fatalf("expected one cancellation marker, got %q", res.Text)
	}
	if len(updates) != 1 || updates[0] != res.Text {
		t.Fatalf("unexpected updates: %q", updates)
	}

	next, err := session.Send(context.Background(), TurnRequest{Message: "again"})
	if err != nil {
		t.Fatalf("expected new turn to start, got %v", err)
	}
	if next.State != StateCompleted || next.Response != "second turn" {
		t.Fatalf("unexpected second turn: %+v", next)
	}
}

func TestAbortInFlightCancelsRequest(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{steps: []step{{gate: gate}}, started: make(chan int, 1)}
	session := newTestSession(p, nil, Config{AbortInFlight: true})
	done := make(chan Result, 1)
	go func() {
		res, _ := session.Send(context.Background(), TurnRequest{Message: "slow"})
		done <- res
	}()
	<-p.started
	session.Cancel()
	res := <-done
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
}

func TestSecondTurnRejectedWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{steps: []step{{resp: textResponse("ok", 0, 0), gate: gate}}, started: make(chan int, 1)}
	session := newTestSession(p, nil, Config{})
	done := make(chan struct{})
	go func() {
		session.Send(context.Background(), TurnRequest{Message: "first"})
		close(done)
	}()
	<-p.started
	if _, err := session.Send(context.Background(), TurnRequest{Message: "second"}); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected turn in progress, got %v", err)
	}
	close(gate)
	<-done
	if session.InProgress() {
		t.Fatalf("expected no turn in progress")
	}
}

func TestHistoryCollapsedToText(t *testing.T) {
	history := []llm.Message{
		llm.UserText("what is in my notes?"),
		{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
			{Type: llm.BlockText, Text: "Reading."},
			{Type: llm.BlockToolUse, ID: "t1", Name: "read_task_notes"},
		}},
		{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.ToolResult("t1", "notes", false)}},
		llm.AssistantText("Your notes say hello."),
	}
	p := &scriptedProvider{}
	session := newTestSession(p, nil, Config{})
	session.Send(context.Background(), TurnRequest{History: history, Message: "thanks"})

	msgs := p.requests[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if block.Type != llm.BlockText {
				t.Fatalf("expected only text blocks, got %s", block.Type)
			}
		}
	}
	if msgs[3].Text() != "thanks" {
		t.Fatalf("expected new message last, got %q", msgs[3].Text())
	}
}

func TestTrimCompactorKeepsNewestUserMessage(t *testing.T) {
	msgs := []llm.Message{
		llm.UserText("one"),
		llm.AssistantText("two"),
		llm.UserText("three"),
		llm.AssistantText("four"),
		llm.UserText(strings.Repeat("z", 100)),
	}
	out := TrimCompactor{MaxMessages: 3, MaxChars: 1000}.Compact(msgs)
	if len(out) != 3 || !strings.HasPrefix(out[0].Text(), historyTruncatedNote) || out[0].Role != llm.RoleUser {
		t.Fatalf("unexpected compaction: %+v", out)
	}
	if msgs[2].Text() != "three" {
		t.Fatalf("compaction must not mutate its input")
	}

	out = TrimCompactor{MaxMessages: 10, MaxChars: 10}.Compact(msgs)
	if len(out) != 1 || !strings.HasSuffix(out[0].Text(), strings.Repeat("z", 100)) {
		t.Fatalf("expected only newest message, got %+v", out)
	}

	out = TrimCompactor{}.Compact(msgs)
	if len(out) != len(msgs) {
		t.Fatalf("expected no compaction within defaults")
	}
}

func TestAccumulatorRendersToolAnnotations(t *testing.T) {
	var last string
	acc := NewAccumulator(func(text string) { last = text })
	acc.Handle(Event{Type: EventTextDelta, Text: "Checking."})
	acc.Handle(Event{Type: EventToolRequested, ToolName: "read_task_notes"})
	acc.Handle(Event{Type: EventToolResult, ToolName: "read_task_notes", Text: "line one\nline two"})
	acc.Handle(Event{Type: EventCompleted})
	acc.Handle(Event{Type: EventTextDelta, Text: "ignored"})
	want := "Checking.\n\n_Using tool: read_task_notes_\n_Tool result: line one line two_\n"
	if acc.Text() != want || last != want {
		t.Fatalf("unexpected text: %q", acc.Text())
	}
}
