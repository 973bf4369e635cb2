package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orcascore/engine/internal/egress"
	"orcascore/engine/internal/llm"
)

const defaultBaseURL = "https://api.openai.com"

const maxErrorBodyBytes = 2048

type responseEnvelope struct {
	ID                string            `json:"id"`
	Model             string            `json:"model"`
	Status            string            `json:"status"`
	IncompleteDetails *incompleteDetail `json:"incomplete_details,omitempty"`
	Output            []responseItem    `json:"output"`
	Usage             responseUsage     `json:"usage"`
}

type incompleteDetail struct {
	Reason string `json:"reason"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseItem struct {
	Type      string            `json:"type"`
	Role      string            `json:"role,omitempty"`
	Content   []responseContent `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
}

type responseContent struct {
	Type        string               `json:"type"`
	Text        string               `json:"text,omitempty"`
	Annotations []responseAnnotation `json:"annotations,omitempty"`
}

type responseAnnotation struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Client implements llm.Provider over the OpenAI Responses API. Content
// blocks are translated to and from the Anthropic-shaped llm types so the
// conversation engine stays provider-agnostic.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai API key cannot be empty: %w", llm.ErrNotConfigured)
	}
	transport := egress.NewPolicy("api.openai.com").Transport(http.DefaultTransport)
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   120 * time.Second,
			Transport: transport,
		},
	}, nil
}

func (c *Client) CreateMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	payload := buildRequestPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return llm.Response{}, llm.ErrEgressBlocked
		}
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.Response{}, fmt.Errorf("openai error: %w", llm.NewStatusError(resp.StatusCode, readErrorBody(resp)))
	}
	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return llm.Response{}, fmt.Errorf("openai decode response: %w", err)
	}
	out := toResponse(envelope)
	if len(out.Content) == 0 {
		return llm.Response{}, errors.New("openai empty response")
	}
	return out, nil
}

func (c *Client) TestConnection(ctx context.Context, model string) error {
	_, err := c.CreateMessage(ctx, llm.Request{
		Model:     model,
		MaxTokens: 16,
		Messages:  []llm.Message{llm.UserText("Hi")},
	})
	return err
}

func buildRequestPayload(req llm.Request) map[string]any {
	payload := map[string]any{
		"model": req.Model,
		"input": buildInput(req.Messages),
	}
	if strings.TrimSpace(req.System) != "" {
		payload["instructions"] = strings.TrimSpace(req.System)
	}
	if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}
	if tools := buildToolPayload(req.Tools); len(tools) > 0 {
		payload["tools"] = tools
		payload["parallel_tool_calls"] = false
	}
	return payload
}

func buildInput(messages []llm.Message) []map[string]any {
	input := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		var text strings.Builder
		flushText := func() {
			if text.Len() == 0 {
				return
			}
			input = append(input, map[string]any{"role": msg.Role, "content": text.String()})
			text.Reset()
		}
		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockText:
				text.WriteString(block.Text)
			case llm.BlockToolUse:
				flushText()
				args := string(block.Input)
				if args == "" {
					args = "{}"
				}
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   block.ID,
					"name":      block.Name,
					"arguments": args,
				})
			case llm.BlockToolResult:
				flushText()
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": block.ToolUseID,
					"output":  block.ResultText(),
				})
			}
		}
		flushText()
	}
	return input
}

func buildToolPayload(tools []llm.Tool) []map[string]any {
	payload := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if tool.Type == llm.WebSearchToolType {
			payload = append(payload, map[string]any{"type": "web_search_preview"})
			continue
		}
		if tool.Type != "" {
			continue
		}
		entry := map[string]any{
			"type": "function",
			"name": tool.Name,
		}
		if tool.Description != "" {
			entry["description"] = tool.Description
		}
		if len(tool.InputSchema) > 0 {
			entry["parameters"] = tool.InputSchema
		}
		payload = append(payload, entry)
	}
	return payload
}

func toResponse(envelope responseEnvelope) llm.Response {
	out := llm.Response{
		ID:         envelope.ID,
		Model:      envelope.Model,
		StopReason: llm.StopEndTurn,
		Usage: llm.Usage{
			InputTokens:  envelope.Usage.InputTokens,
			OutputTokens: envelope.Usage.OutputTokens,
		},
	}
	for _, item := range envelope.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type != "output_text" && part.Type != "text" {
					continue
				}
				block := llm.ContentBlock{Type: llm.BlockText, Text: part.Text}
				for _, ann := range part.Annotations {
					if ann.Type == "url_citation" && ann.URL != "" {
						block.Citations = append(block.Citations, llm.Citation{Type: "web_search_result_location", URL: ann.URL, Title: ann.Title})
					}
				}
				out.Content = append(out.Content, block)
			}
		case "function_call":
			args := strings.TrimSpace(item.Arguments)
			if args == "" {
				args = "{}"
			}
			out.Content = append(out.Content, llm.ContentBlock{
				Type:  llm.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: json.RawMessage(args),
			})
			out.StopReason = llm.StopToolUse
		}
	}
	if envelope.Status == "incomplete" && envelope.IncompleteDetails != nil && envelope.IncompleteDetails.Reason == "max_output_tokens" && out.StopReason != llm.StopToolUse {
		out.StopReason = llm.StopMaxTokens
	}
	return out
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}
