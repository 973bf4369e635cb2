package llm

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	BlockText          = "text"
	BlockToolUse       = "tool_use"
	BlockToolResult    = "tool_result"
	BlockServerToolUse = "server_tool_use"
)

const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopPauseTurn = "pause_turn"
	StopMaxTokens = "max_tokens"
)

// Provider sends one non-streaming request to a model backend.
type Provider interface {
	CreateMessage(ctx context.Context, req Request) (Response, error)
}

// ConnectionTester is implemented by providers that can verify credentials
// with a minimal request.
type ConnectionTester interface {
	TestConnection(ctx context.Context, model string) error
}

// Message is one conversation entry in provider wire shape.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text joins the text blocks of the message.
func (m Message) Text() string {
	return joinText(m.Content)
}

// ContentBlock is a tagged content element. Blocks decoded from a provider
// keep their original bytes in Raw and are re-encoded verbatim, so server
// tool blocks the engine does not model survive a pause_turn resubmission.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type plainBlock ContentBlock

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var p plainBlock
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = ContentBlock(p)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return json.Marshal(plainBlock(b))
}

// ResultText returns a tool_result's content as plain text.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		return joinText(parts)
	}
	return string(b.Content)
}

func ToolResult(toolUseID, content string, isError bool) ContentBlock {
	raw, _ := json.Marshal(content)
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: raw, IsError: isError}
}

type Citation struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	CitedText string `json:"cited_text,omitempty"`
}

// Tool is a callable tool definition. Server tools (web search) set Type
// and leave InputSchema empty.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
}

const WebSearchToolType = "web_search_20250305"

func WebSearchTool(maxUses int) Tool {
	return Tool{Type: WebSearchToolType, Name: "web_search", MaxUses: maxUses}
}

type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

type Response struct {
	ID         string         `json:"id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

func (r Response) Text() string {
	return joinText(r.Content)
}

func (r Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type != BlockText {
			continue
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}
