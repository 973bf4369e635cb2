package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"orcascore/engine/internal/chat"
	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/llm"
	"orcascore/engine/internal/locks"
	"orcascore/engine/internal/review"
	"orcascore/engine/internal/store"
	"orcascore/engine/internal/tools"
)

const defaultSystemPrompt = `You are a helpful assistant working on a task together with the user.
The task has a shared notes document you can read and write with the provided tools.
Write concise, well-structured markdown. The user reviews every change you make to the notes.`

// chatEntry is the latest session of a document. running is set while a
// ChatSendMessage call owns the document's turn.
type chatEntry struct {
	session *chat.Session
	model   string
	running bool
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatSendParams struct {
	documentParams
	SpaceID int64          `json:"space_id"`
	AgentID *int64         `json:"agent_id"`
	Message string         `json:"message"`
	History []historyEntry `json:"history"`
	Tools   []string       `json:"tools"`
}

// turnProfile is what an agent profile contributes to a turn.
type turnProfile struct {
	system    string
	model     string
	webSearch bool
}

func (e *Engine) profileFor(ctx context.Context, agentID *int64, fallbackModel string) (turnProfile, *errinfo.ErrorInfo) {
	profile := turnProfile{system: defaultSystemPrompt, model: fallbackModel}
	if agentID == nil {
		return profile, nil
	}
	agent, err := e.db.GetAgent(ctx, *agentID)
	if err != nil {
		return profile, storageError(errinfo.PhaseChat, err)
	}
	if strings.TrimSpace(agent.AgentPrompt) != "" {
		profile.system = agent.AgentPrompt
	}
	if strings.TrimSpace(agent.ModelName) != "" {
		profile.model = agent.ModelName
	}
	profile.webSearch = agent.WebSearchEnabled
	return profile, nil
}

// beginTurn claims the document's turn slot.
func (e *Engine) beginTurn(documentID int64, session *chat.Session, model string) bool {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	if entry, ok := e.chats[documentID]; ok && entry.running {
		return false
	}
	e.chats[documentID] = &chatEntry{session: session, model: model, running: true}
	return true
}

func (e *Engine) endTurn(documentID int64, session *chat.Session) {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	if entry, ok := e.chats[documentID]; ok && entry.session == session {
		entry.running = false
	}
}

func (e *Engine) chatEntry(documentID int64) (chatEntry, bool) {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	entry, ok := e.chats[documentID]
	if !ok {
		return chatEntry{}, false
	}
	return *entry, true
}

// ChatSendMessage runs one agent turn on a task's notes document: it locks
// the document with a snapshot, runs the conversation with the task's
// tools, releases the lock and opens a review when the notes changed.
// Lock failures are logged and the turn proceeds without a lock.
func (e *Engine) ChatSendMessage(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req chatSendParams
	if errInfo := decodeParams(params, errinfo.PhaseChat, &req); errInfo != nil {
		return nil, errInfo
	}
	if errInfo := req.validate(errinfo.PhaseChat); errInfo != nil {
		return nil, errInfo
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseChat, "message is required")
	}
	documentID := req.DocumentID
	if req.SpaceID == 0 {
		task, err := e.db.GetTask(ctx, documentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, storageError(errinfo.PhaseChat, err)
		}
		req.SpaceID = task.SpaceID
	}

	cfg := e.Settings()
	providerID := cfg.Provider
	provider, errInfo := e.providerFor(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	profile, errInfo := e.profileFor(ctx, req.AgentID, cfg.Providers[providerID].DefaultModel)
	if errInfo != nil {
		return nil, errInfo
	}
	session := e.newSession(provider, providerID, profile, tools.Scope{TaskID: documentID, SpaceID: req.SpaceID}, req.Tools)
	if !e.beginTurn(documentID, session, profile.model) {
		return nil, errinfo.TurnInProgress(errinfo.PhaseChat)
	}
	defer e.endTurn(documentID, session)

	locked := e.acquireAgentLock(ctx, documentID)

	result, err := session.Send(ctx, chat.TurnRequest{
		History: toMessages(req.History),
		Message: req.Message,
		OnUpdate: func(text string) {
			e.emit(NotifyChatStreamUpdate, map[string]any{"document_id": documentID, "text": text})
		},
		OnEvent: func(event chat.Event) {
			e.emit(NotifyChatEvent, struct {
				DocumentID int64 `json:"document_id"`
				chat.Event
			}{documentID, event})
		},
	})

	reviewState := e.releaseAgentLock(context.WithoutCancel(ctx), documentID, locked)
	if errors.Is(err, chat.ErrTurnInProgress) {
		return nil, errinfo.TurnInProgress(errinfo.PhaseChat)
	}
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseChat, err.Error())
	}
	return map[string]any{
		"document_id": documentID,
		"model":       profile.model,
		"model_name":  llm.FriendlyModelName(profile.model),
		"result":      result,
		"review":      reviewState,
	}, nil
}

func (e *Engine) newSession(provider llm.Provider, providerID string, profile turnProfile, scope tools.Scope, toolNames []string) *chat.Session {
	cfg := e.Settings()
	chatCfg := chat.Config{
		ProviderID:       providerID,
		Model:            profile.model,
		System:           profile.system,
		MaxTokens:        cfg.Chat.MaxOutputTokens,
		MaxResponseChars: cfg.Chat.MaxResponseChars,
		MaxToolRounds:    cfg.Chat.MaxToolRounds,
		AbortInFlight:    cfg.Chat.AbortInFlight,
	}
	if profile.webSearch {
		chatCfg.ServerTools = append(chatCfg.ServerTools, llm.WebSearchTool(cfg.Chat.WebSearchMaxUses))
	}
	policy := chat.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Duration,
		Sleep:      e.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			e.emit(NotifyChatEvent, map[string]any{
				"document_id": scope.TaskID,
				"type":        "retrying",
				"attempt":     attempt,
				"wait_ms":     wait.Milliseconds(),
				"category":    string(llm.Classify(err)),
			})
		},
	}
	logger := e.logger.With("component", "chat", "document_id", scope.TaskID)
	policy.Logger = logger
	return chat.NewSession(provider, chatCfg,
		chat.WithLogger(logger),
		chat.WithRetryPolicy(policy),
		chat.WithCompactor(chat.TrimCompactor{
			MaxMessages: cfg.Chat.MaxHistoryMessages,
			MaxChars:    cfg.Chat.MaxHistoryChars,
		}),
		chat.WithTools(e.tools.Bind(scope, toolNames...)),
	)
}

func (e *Engine) acquireAgentLock(ctx context.Context, documentID int64) bool {
	var snapshot *string
	content, err := e.db.ReadContent(ctx, documentID)
	if err != nil {
		e.logger.Warn("chat.snapshot_failed", "document_id", documentID, "error", err)
	} else {
		snapshot = &content
	}
	ok, err := e.locks.Acquire(ctx, documentID, locks.HolderAgent, snapshot)
	if err != nil || !ok {
		e.logger.Warn("chat.lock_not_acquired", "document_id", documentID, "error", err)
		return false
	}
	e.review.OnLockAcquired(documentID, locks.HolderAgent)
	return true
}

func (e *Engine) releaseAgentLock(ctx context.Context, documentID int64, locked bool) review.State {
	if !locked {
		return e.review.State(documentID)
	}
	released, err := e.locks.Release(ctx, documentID)
	if err != nil {
		e.logger.Warn("chat.lock_release_failed", "document_id", documentID, "error", err)
		return e.review.State(documentID)
	}
	if released == nil {
		// Swept while the turn ran.
		return e.review.State(documentID)
	}
	state, err := e.review.OnLockReleased(ctx, documentID, released.OriginalContent)
	if err != nil {
		e.logger.Warn("chat.review_failed", "document_id", documentID, "error", err)
	}
	return state
}

func toMessages(history []historyEntry) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, entry := range history {
		switch entry.Role {
		case llm.RoleUser:
			out = append(out, llm.UserText(entry.Content))
		case llm.RoleAssistant:
			out = append(out, llm.AssistantText(entry.Content))
		}
	}
	return out
}

func (e *Engine) ChatCancel(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseChat)
	if errInfo != nil {
		return nil, errInfo
	}
	entry, ok := e.chatEntry(documentID)
	cancelled := ok && entry.session.Cancel()
	e.logger.Info("chat.cancel", "document_id", documentID, "cancelled", cancelled)
	return map[string]any{"cancelled": cancelled}, nil
}

func (e *Engine) ChatGetState(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	documentID, errInfo := decodeDocument(params, errinfo.PhaseChat)
	if errInfo != nil {
		return nil, errInfo
	}
	entry, ok := e.chatEntry(documentID)
	if !ok {
		return map[string]any{"document_id": documentID, "state": chat.StateIdle, "in_progress": false}, nil
	}
	return map[string]any{
		"document_id": documentID,
		"state":       entry.session.State(),
		"in_progress": entry.running,
		"model":       entry.model,
		"model_name":  llm.FriendlyModelName(entry.model),
	}, nil
}
