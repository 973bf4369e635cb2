// Package review tracks whether an agent's edits to a document await the
// user's decision. A release that leaves the document different from its
// lock snapshot opens a pending review, resolved by Accept or Revert.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orcascore/engine/internal/diff"
	"orcascore/engine/internal/locks"
	"orcascore/engine/internal/logging"
)

type Phase string

const (
	PhaseClean         Phase = "clean"
	PhaseLocked        Phase = "locked"
	PhasePendingReview Phase = "pending_review"
)

var ErrNoPendingReview = errors.New("no pending review")

type State struct {
	DocumentID int64        `json:"document_id"`
	Phase      Phase        `json:"phase"`
	Holder     locks.Holder `json:"holder,omitempty"`
	Original   string       `json:"original,omitempty"`
	Current    string       `json:"current,omitempty"`
	Since      time.Time    `json:"since"`
}

// DocumentStore reads and writes document content.
type DocumentStore interface {
	ReadContent(ctx context.Context, documentID int64) (string, error)
	WriteContent(ctx context.Context, documentID int64, content string) error
}

// Releaser frees a lock regardless of holder.
type Releaser interface {
	ForceRelease(ctx context.Context, documentID int64) (*locks.Released, error)
}

// Notifier receives review notifications.
type Notifier func(method string, params any)

const (
	NotifyStateChanged    = "ReviewStateChanged"
	NotifySnapshotMissing = "ReviewSnapshotMissing"
)

type Controller struct {
	docs   DocumentStore
	locks  Releaser
	logger *slog.Logger
	notify Notifier
	now    func() time.Time

	mu     sync.Mutex
	states map[int64]State
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithNotifier(fn Notifier) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(docs DocumentStore, releaser Releaser, opts ...Option) *Controller {
	c := &Controller{
		docs:   docs,
		locks:  releaser,
		logger: logging.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		states: make(map[int64]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State(documentID int64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[documentID]; ok {
		return st
	}
	return State{DocumentID: documentID, Phase: PhaseClean}
}

func (c *Controller) set(st State) State {
	st.Since = c.now()
	c.mu.Lock()
	if st.Phase == PhaseClean {
		delete(c.states, st.DocumentID)
	} else {
		c.states[st.DocumentID] = st
	}
	c.mu.Unlock()
	c.emit(NotifyStateChanged, map[string]any{
		"document_id": st.DocumentID,
		"phase":       st.Phase,
		"holder":      st.Holder,
	})
	return st
}

func (c *Controller) clean(documentID int64) State {
	return c.set(State{DocumentID: documentID, Phase: PhaseClean})
}

func (c *Controller) emit(method string, params any) {
	if c.notify != nil {
		c.notify(method, params)
	}
}

// OnLockAcquired marks the document as being edited. A pending review is
// left in place; its original stays the baseline.
func (c *Controller) OnLockAcquired(documentID int64, holder locks.Holder) State {
	if current := c.State(documentID); current.Phase == PhasePendingReview {
		return current
	}
	return c.set(State{DocumentID: documentID, Phase: PhaseLocked, Holder: holder})
}

// OnLockReleased compares the document with the snapshot taken at acquire
// time, or with the original of a review still pending from an earlier
// turn. A nil snapshot cannot be compared: the document stays as it is, a
// pending review keeps its baseline and anything else returns to clean.
func (c *Controller) OnLockReleased(ctx context.Context, documentID int64, snapshot *string) (State, error) {
	if snapshot == nil {
		c.logger.Warn("review.snapshot_missing", "document_id", documentID)
		c.emit(NotifySnapshotMissing, map[string]any{"document_id": documentID})
		if prev := c.State(documentID); prev.Phase == PhasePendingReview {
			return c.refreshPending(ctx, prev)
		}
		return c.clean(documentID), nil
	}
	current, err := c.docs.ReadContent(ctx, documentID)
	if err != nil {
		c.logger.Warn("review.read_failed", "document_id", documentID, "error", err)
		return c.clean(documentID), fmt.Errorf("read document: %w", err)
	}
	prev := c.State(documentID)
	original := *snapshot
	if prev.Phase == PhasePendingReview {
		original = prev.Original
	}
	if current == original {
		c.logger.Debug("review.unchanged", "document_id", documentID)
		return c.clean(documentID), nil
	}
	c.logger.Info("review.pending", "document_id", documentID, "original_chars", len(original), "current_chars", len(current))
	return c.set(State{
		DocumentID: documentID,
		Phase:      PhasePendingReview,
		Holder:     prev.Holder,
		Original:   original,
		Current:    current,
	}), nil
}

// refreshPending re-reads the document into a pending review so Diff and
// Revert see the latest edits.
func (c *Controller) refreshPending(ctx context.Context, prev State) (State, error) {
	current, err := c.docs.ReadContent(ctx, prev.DocumentID)
	if err != nil {
		c.logger.Warn("review.read_failed", "document_id", prev.DocumentID, "error", err)
		return prev, fmt.Errorf("read document: %w", err)
	}
	switch current {
	case prev.Original:
		return c.clean(prev.DocumentID), nil
	case prev.Current:
		return prev, nil
	}
	prev.Current = current
	return c.set(prev), nil
}

// Accept keeps the current content as the new baseline.
func (c *Controller) Accept(documentID int64) (State, error) {
	if c.State(documentID).Phase != PhasePendingReview {
		return c.State(documentID), fmt.Errorf("document %d: %w", documentID, ErrNoPendingReview)
	}
	c.logger.Info("review.accepted", "document_id", documentID)
	return c.clean(documentID), nil
}

// Revert writes the original snapshot back over the agent's edits.
func (c *Controller) Revert(ctx context.Context, documentID int64) (State, error) {
	st := c.State(documentID)
	if st.Phase != PhasePendingReview {
		return st, fmt.Errorf("document %d: %w", documentID, ErrNoPendingReview)
	}
	if err := c.docs.WriteContent(ctx, documentID, st.Original); err != nil {
		return st, fmt.Errorf("restore original: %w", err)
	}
	c.logger.Info("review.reverted", "document_id", documentID, "restored_chars", len(st.Original))
	return c.clean(documentID), nil
}

// ForceUnlock releases the lock whoever holds it. No review is opened.
func (c *Controller) ForceUnlock(ctx context.Context, documentID int64) (*locks.Released, error) {
	released, err := c.locks.ForceRelease(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c.logger.Warn("review.force_unlocked", "document_id", documentID, "had_lock", released != nil)
	c.clean(documentID)
	return released, nil
}

// Reset drops any review state for the document.
func (c *Controller) Reset(documentID int64) {
	if c.State(documentID).Phase == PhaseClean {
		return
	}
	c.clean(documentID)
}

// Diff returns the line diff of a pending review.
func (c *Controller) Diff(documentID int64) (diff.Result, error) {
	st := c.State(documentID)
	if st.Phase != PhasePendingReview {
		return diff.Result{}, fmt.Errorf("document %d: %w", documentID, ErrNoPendingReview)
	}
	return diff.Compute(st.Original, st.Current, diff.DefaultContextLines), nil
}
