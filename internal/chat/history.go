package chat

import (
	"strings"

	"orcascore/engine/internal/llm"
)

const (
	DefaultMaxHistoryMessages = 20
	DefaultMaxHistoryChars    = 40000
)

const historyTruncatedNote = "[Earlier conversation omitted]\n\n"

// CollapseHistory reduces prior turns to their final text so no tool_use or
// tool_result block from an earlier turn is replayed. Entries with no text
// are dropped.
func CollapseHistory(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: msg.Role, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: text}}})
	}
	return out
}

// Compactor reduces the outbound message list. Implementations must keep
// the last message.
type Compactor interface {
	Compact(messages []llm.Message) []llm.Message
}

// TrimCompactor keeps the newest messages that fit within MaxMessages and
// MaxChars. The last message is always kept, even when it alone exceeds
// MaxChars.
type TrimCompactor struct {
	MaxMessages int
	MaxChars    int
}

func (c TrimCompactor) Compact(messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return messages
	}
	maxMessages := c.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxHistoryMessages
	}
	maxChars := c.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxHistoryChars
	}

	start := len(messages) - 1
	total := len(messages[start].Text())
	for i := start - 1; i >= 0; i-- {
		size := len(messages[i].Text())
		if len(messages)-i > maxMessages || total+size > maxChars {
			break
		}
		total += size
		start = i
	}
	// Providers expect the conversation to open with a user message.
	for start < len(messages)-1 && messages[start].Role != llm.RoleUser {
		start++
	}
	if start == 0 {
		return messages
	}
	kept := make([]llm.Message, len(messages)-start)
	copy(kept, messages[start:])
	first := kept[0]
	content := make([]llm.ContentBlock, len(first.Content))
	copy(content, first.Content)
	for i := range content {
		if content[i].Type == llm.BlockText {
			content[i].Text = historyTruncatedNote + content[i].Text
			content[i].Raw = nil
			break
		}
	}
	kept[0] = llm.Message{Role: first.Role, Content: content}
	return kept
}
