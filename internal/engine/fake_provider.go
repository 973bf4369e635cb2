package engine

import (
	"context"
	"encoding/json"
	"strings"

	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/tools"
)

// Markers recognised in the user message by the fake provider used for
// end-to-end runs without network access (ORCASCORE_FAKE_PROVIDER=1).
const (
	fakeNetworkMarker = "[network-error]"
	fakeWriteMarker   = "[write]"
	fakeReadMarker    = "[read]"
)

func newFakeProvider() llm.Provider {
	return &fakeProvider{}
}

type fakeProvider struct{}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "network unavailable" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func (f *fakeProvider) TestConnection(context.Context, string) error {
	return nil
}

// CreateMessage answers with one tool call for [write] or [read] messages
// and with an echo otherwise. Once a tool result is present the turn ends.
func (f *fakeProvider) CreateMessage(_ context.Context, req llm.Request) (llm.Response, error) {
	prompt := lastUserText(req.Messages)
	usage := llm.Usage{InputTokens: len(prompt) / 4, OutputTokens: 8}
	if strings.Contains(prompt, fakeNetworkMarker) {
		return llm.Response{}, fakeNetErr{}
	}
	if result, ok := lastToolResult(req.Messages); ok {
		return endTurn("Done. "+firstLine(result), usage), nil
	}
	switch {
	case strings.Contains(prompt, fakeWriteMarker):
		note := strings.TrimSpace(strings.ReplaceAll(prompt, fakeWriteMarker, ""))
		input, _ := json.Marshal(map[string]any{"content": note, "mode": "append"})
		return toolCall(tools.WriteTaskNotes, input, usage), nil
	case strings.Contains(prompt, fakeReadMarker):
		return toolCall(tools.ReadTaskNotes, json.RawMessage(`{}`), usage), nil
	}
	return endTurn("Echo: "+prompt, usage), nil
}

func endTurn(text string, usage llm.Usage) llm.Response {
	return llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEndTurn,
		Usage:      usage,
	}
}

func toolCall(name string, input json.RawMessage, usage llm.Usage) llm.Response {
	return llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockToolUse, ID: "fake_" + name, Name: name, Input: input}},
		StopReason: llm.StopToolUse,
		Usage:      usage,
	}
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleUser {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}

func lastToolResult(messages []llm.Message) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	last := messages[len(messages)-1]
	for _, block := range last.Content {
		if block.Type == llm.BlockToolResult {
			return block.ResultText(), true
		}
	}
	return "", false
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
