// Package locks implements the advisory single-writer edit lock held on a
// task's notes document while a user or an agent is editing it.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orcascore/engine/internal/logging"
	"orcascore/engine/internal/store"
)

type Holder string

const (
	HolderUser  Holder = "user"
	HolderAgent Holder = "agent"
)

var (
	ErrInvalidHolder = errors.New("invalid lock holder")
	ErrLockConflict  = errors.New("document is locked by another holder")
)

func ParseHolder(value string) (Holder, error) {
	switch Holder(value) {
	case HolderUser, HolderAgent:
		return Holder(value), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHolder, value)
}

// ConflictError reports who holds a lock that could not be acquired.
type ConflictError struct {
	DocumentID int64
	LockedBy   Holder
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %d is locked by %s", e.DocumentID, e.LockedBy)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// Store is the persistence the manager needs; *store.DB implements it.
type Store interface {
	InsertLock(ctx context.Context, row store.LockRow) (bool, error)
	GetLock(ctx context.Context, documentID int64) (*store.LockRow, error)
	DeleteLock(ctx context.Context, documentID int64) (bool, error)
	StaleLocks(ctx context.Context, cutoff time.Time) ([]int64, error)
	DeleteLockIfOlder(ctx context.Context, documentID int64, cutoff time.Time) (bool, error)
	DeleteAllLocks(ctx context.Context) ([]store.LockRow, error)
}

type Status struct {
	IsLocked bool      `json:"is_locked"`
	LockedBy Holder    `json:"locked_by,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
}

// Released is the lock a Release call removed.
type Released struct {
	DocumentID      int64
	LockedBy        Holder
	LockedAt        time.Time
	OriginalContent *string
}

// Change reasons carried by Event.
const (
	ReasonAcquired = "acquired"
	ReasonReleased = "released"
	ReasonForced   = "forced"
	ReasonExpired  = "expired"
)

// Event describes a lock state change.
type Event struct {
	DocumentID      int64   `json:"document_id"`
	Locked          bool    `json:"locked"`
	Holder          Holder  `json:"holder,omitempty"`
	OriginalContent *string `json:"original_content,omitempty"`
	Reason          string  `json:"reason"`
}

type Manager struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	listener func(Event)

	mu   sync.Mutex
	docs map[int64]*sync.Mutex
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithListener registers a callback invoked after every state change. It
// runs synchronously and must not call back into the manager for the same
// document.
func WithListener(fn func(Event)) Option {
	return func(m *Manager) {
		m.listener = fn
	}
}

func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: logging.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		docs:   make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) docLock(documentID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.docs[documentID]
	if !ok {
		mu = &sync.Mutex{}
		m.docs[documentID] = mu
	}
	return mu
}

// Acquire locks the document for holder, recording snapshot as the
// pre-edit content. It returns false when a different holder has the lock.
// Re-acquiring as the current holder succeeds and keeps the original
// snapshot and timestamp.
func (m *Manager) Acquire(ctx context.Context, documentID int64, holder Holder, snapshot *string) (bool, error) {
	if _, err := ParseHolder(string(holder)); err != nil {
		return false, err
	}
	mu := m.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("check lock: %w", err)
	}
	if existing != nil {
		if Holder(existing.LockedBy) == holder {
			m.logger.Debug("locks.reacquired", "document_id", documentID, "holder", holder)
			return true, nil
		}
		m.logger.Info("locks.conflict", "document_id", documentID, "holder", holder, "locked_by", existing.LockedBy)
		return false, nil
	}
	inserted, err := m.store.InsertLock(ctx, store.LockRow{
		DocumentID:      documentID,
		LockedBy:        string(holder),
		LockedAt:        m.now(),
		OriginalContent: snapshot,
	})
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if !inserted {
		// Another process won the insert.
		m.logger.Info("locks.conflict", "document_id", documentID, "holder", holder)
		return false, nil
	}
	m.logger.Info("locks.acquired", "document_id", documentID, "holder", holder, "has_snapshot", snapshot != nil)
	m.publish(Event{DocumentID: documentID, Locked: true, Holder: holder, OriginalContent: snapshot, Reason: ReasonAcquired})
	return true, nil
}

// AcquireStrict is Acquire that reports a conflict as *ConflictError.
func (m *Manager) AcquireStrict(ctx context.Context, documentID int64, holder Holder, snapshot *string) error {
	ok, err := m.Acquire(ctx, documentID, holder, snapshot)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	status, err := m.Check(ctx, documentID)
	if err != nil {
		return err
	}
	return &ConflictError{DocumentID: documentID, LockedBy: status.LockedBy}
}

// Release removes the lock and returns it. A document that is not locked
// yields (nil, nil).
func (m *Manager) Release(ctx context.Context, documentID int64) (*Released, error) {
	return m.release(ctx, documentID, ReasonReleased)
}

// ForceRelease removes the lock regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, documentID int64) (*Released, error) {
	return m.release(ctx, documentID, ReasonForced)
}

func (m *Manager) release(ctx context.Context, documentID int64, reason string) (*Released, error) {
	mu := m.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	row, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if row == nil {
		m.logger.Debug("locks.release_not_found", "document_id", documentID)
		return nil, nil
	}
	if _, err := m.store.DeleteLock(ctx, documentID); err != nil {
		return nil, fmt.Errorf("delete lock: %w", err)
	}
	released := &Released{
		DocumentID:      documentID,
		LockedBy:        Holder(row.LockedBy),
		LockedAt:        row.LockedAt,
		OriginalContent: row.OriginalContent,
	}
	m.logger.Info("locks.released", "document_id", documentID, "holder", row.LockedBy, "reason", reason)
	m.publish(Event{
		DocumentID:      documentID,
		Locked:          false,
		Holder:          released.LockedBy,
		OriginalContent: released.OriginalContent,
		Reason:          reason,
	})
	return released, nil
}

func (m *Manager) Check(ctx context.Context, documentID int64) (Status, error) {
	row, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return Status{}, fmt.Errorf("check lock: %w", err)
	}
	if row == nil {
		return Status{}, nil
	}
	return Status{IsLocked: true, LockedBy: Holder(row.LockedBy), LockedAt: row.LockedAt}, nil
}

// OriginalContent returns the snapshot stored with the current lock, or nil
// when the document is unlocked or was locked without one.
func (m *Manager) OriginalContent(ctx context.Context, documentID int64) (*string, error) {
	row, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return row.OriginalContent, nil
}

// Sweep force-releases locks older than maxAge and returns the documents
// it cleaned.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) ([]int64, error) {
	cutoff := m.now().Add(-maxAge)
	stale, err := m.store.StaleLocks(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale locks: %w", err)
	}
	var cleaned []int64
	for _, documentID := range stale {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		removed, err := m.sweepOne(ctx, documentID, cutoff)
		if err != nil {
			m.logger.Warn("locks.sweep_failed", "document_id", documentID, "error", err)
			continue
		}
		if removed {
			cleaned = append(cleaned, documentID)
		}
	}
	if len(cleaned) > 0 {
		m.logger.Info("locks.swept", "count", len(cleaned), "document_ids", cleaned, "max_age", maxAge.String())
	}
	return cleaned, nil
}

func (m *Manager) sweepOne(ctx context.Context, documentID int64, cutoff time.Time) (bool, error) {
	mu := m.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()
	row, err := m.store.GetLock(ctx, documentID)
	if err != nil || row == nil {
		return false, err
	}
	removed, err := m.store.DeleteLockIfOlder(ctx, documentID, cutoff)
	if err != nil || !removed {
		return false, err
	}
	m.publish(Event{
		DocumentID:      documentID,
		Locked:          false,
		Holder:          Holder(row.LockedBy),
		OriginalContent: row.OriginalContent,
		Reason:          ReasonExpired,
	})
	return true, nil
}

// ForceReleaseAll clears every lock in one statement.
func (m *Manager) ForceReleaseAll(ctx context.Context) ([]int64, error) {
	rows, err := m.store.DeleteAllLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete all locks: %w", err)
	}
	m.logger.Warn("locks.force_released_all", "count", len(rows))
	var ids []int64
	for _, row := range rows {
		ids = append(ids, row.DocumentID)
		m.publish(Event{
			DocumentID:      row.DocumentID,
			Locked:          false,
			Holder:          Holder(row.LockedBy),
			OriginalContent: row.OriginalContent,
			Reason:          ReasonForced,
		})
	}
	return ids, nil
}

func (m *Manager) publish(event Event) {
	if m.listener != nil {
		m.listener(event)
	}
}
