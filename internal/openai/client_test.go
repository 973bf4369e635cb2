package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"orcascore/engine/internal/llm"
)

func TestCreateMessageTranslatesToolLoop(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"resp_1","status":"completed","output":[{"type":"function_call","call_id":"call_2","name":"read_task_notes","arguments":"{\"task_id\":3}"}],"usage":{"input_tokens":40,"output_tokens":9}}`))
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, apiKey: "sk-test", client: server.Client()}
	resp, err := client.CreateMessage(context.Background(), llm.Request{
		Model:  "gpt-4.1",
		System: "Be terse.",
		Messages: []llm.Message{
			llm.UserText("What's in my notes?"),
			{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
				{Type: llm.BlockText, Text: "Checking."},
				{Type: llm.BlockToolUse, ID: "call_1", Name: "list_tasks", Input: json.RawMessage(`{}`)},
			}},
			{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.ToolResult("call_1", "[]", false)}},
		},
		Tools:     []llm.Tool{{Name: "read_task_notes", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if resp.StopReason != llm.StopToolUse {
		t.Fatalf("expected tool_use stop reason, got %s", resp.StopReason)
	}
	calls := resp.ToolUses()
	if len(calls) != 1 || calls[0].ID != "call_2" || string(calls[0].Input) != `{"task_id":3}` {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
	if resp.Usage.InputTokens != 40 || resp.Usage.OutputTokens != 9 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	if payload["instructions"] != "Be terse." {
		t.Fatalf("expected instructions, got %#v", payload["instructions"])
	}
	input := payload["input"].([]any)
	if len(input) != 4 {
		t.Fatalf("expected 4 input items, got %d: %#v", len(input), input)
	}
	call := input[2].(map[string]any)
	if call["type"] != "function_call" || call["call_id"] != "call_1" {
		t.Fatalf("unexpected function_call item: %#v", call)
	}
	output := input[3].(map[string]any)
	if output["type"] != "function_call_output" || output["output"] != "[]" {
		t.Fatalf("unexpected function_call_output item: %#v", output)
	}
}

func TestCreateMessageMapsCitations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Done.","annotations":[{"type":"url_citation","url":"https://example.com","title":"Example"}]}]}]}`))
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, apiKey: "sk-test", client: server.Client()}
	resp, err := client.CreateMessage(context.Background(), llm.Request{Model: "gpt-4.1", Messages: []llm.Message{llm.UserText("hi")}})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if resp.StopReason != llm.StopEndTurn || resp.Text() != "Done." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Content[0].Citations) != 1 || resp.Content[0].Citations[0].URL != "https://example.com" {
		t.Fatalf("expected citation, got %+v", resp.Content[0].Citations)
	}
}

func TestCreateMessageStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, apiKey: "sk-test", client: server.Client()}
	_, err := client.CreateMessage(context.Background(), llm.Request{Model: "gpt-4.1", Messages: []llm.Message{llm.UserText("hi")}})
	if !errors.Is(err, llm.ErrRateLimited) || !llm.Retryable(err) {
		t.Fatalf("expected retryable rate limit, got %v", err)
	}
}
