package chat

import (
	"encoding/json"
	"strings"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/llm"
)

type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolRequested EventType = "tool_requested"
	EventToolResult    EventType = "tool_result"
	EventCompleted     EventType = "completed"
	EventCancelled     EventType = "cancelled"
	EventErrored       EventType = "errored"
)

// Event is one step of a chat turn. Completed, Cancelled and Errored are
// terminal; exactly one of them ends every turn.
type Event struct {
	Type      EventType          `json:"type"`
	Text      string             `json:"text,omitempty"`
	ToolName  string             `json:"tool_name,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage    `json:"tool_input,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
	Usage     llm.Usage          `json:"usage"`
	Error     *errinfo.ErrorInfo `json:"error,omitempty"`
}

func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventCancelled, EventErrored:
		return true
	}
	return false
}

const (
	CancelledMarker = "\n\n[Cancelled by user]"
	TruncatedMarker = "\n\n[Response truncated]"
)

const maxToolResultPreview = 200

// Accumulator renders turn events into the visible assistant text and
// reports the full text after every change.
type Accumulator struct {
	sb       strings.Builder
	onUpdate func(string)
	finished bool
}

func NewAccumulator(onUpdate func(string)) *Accumulator {
	return &Accumulator{onUpdate: onUpdate}
}

// Handle applies one event. Events after a terminal event are ignored.
func (a *Accumulator) Handle(event Event) {
	if a.finished {
		return
	}
	changed := false
	switch event.Type {
	case EventTextDelta:
		if event.Text != "" {
			a.sb.WriteString(event.Text)
			changed = true
		}
	case EventToolRequested:
		a.sb.WriteString("\n\n_Using tool: " + event.ToolName + "_\n")
		changed = true
	case EventToolResult:
		a.sb.WriteString("_Tool result: " + previewResult(event) + "_\n")
		changed = true
	case EventCancelled:
		a.sb.WriteString(CancelledMarker)
		changed = true
	}
	if event.Terminal() {
		a.finished = true
	}
	if changed && a.onUpdate != nil {
		a.onUpdate(a.sb.String())
	}
}

func (a *Accumulator) Text() string {
	return a.sb.String()
}

func previewResult(event Event) string {
	text := strings.Join(strings.Fields(event.Text), " ")
	if event.IsError {
		text = "error: " + text
	}
	runes := []rune(text)
	if len(runes) > maxToolResultPreview {
		return string(runes[:maxToolResultPreview]) + "..."
	}
	return text
}
