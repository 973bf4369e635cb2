package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"orcascore/engine/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	rows map[int64]store.LockRow
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]store.LockRow)}
}

func (s *memStore) InsertLock(ctx context.Context, row store.LockRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.DocumentID]; ok {
		return false, nil
	}
	s.rows[row.DocumentID] = row
	return true, nil
}

func (s *memStore) GetLock(ctx context.Context, documentID int64) (*store.LockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[documentID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *memStore) DeleteLock(ctx context.Context, documentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[documentID]
	delete(s.rows, documentID)
	return ok, nil
}

func (s *memStore) StaleLocks(ctx context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, row := range s.rows {
		if row.LockedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) DeleteLockIfOlder(ctx context.Context, documentID int64, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[documentID]
	if !ok || !row.LockedAt.Before(cutoff) {
		return false, nil
	}
	delete(s.rows, documentID)
	return true, nil
}

func (s *memStore) DeleteAllLocks(ctx context.Context) ([]store.LockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []store.LockRow
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DocumentID < rows[j].DocumentID })
	s.rows = make(map[int64]store.LockRow)
	return rows, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *memStore, *fakeClock, *[]Event) {
	s := newMemStore()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var (
		mu     sync.Mutex
		events []Event
	)
	mgr := NewManager(s, WithClock(clock.Now), WithListener(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	return mgr, s, clock, &events
}

func strPtr(s string) *string { return &s }

func TestAcquireConflictAndRelease(t *testing.T) {
	mgr, _, _, events := newTestManager()
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, 1, HolderAgent, strPtr("before"))
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = mgr.Acquire(ctx, 1, HolderUser, nil)
	if err != nil || ok {
		t.Fatalf("expected user acquire to fail while agent holds lock, ok=%v err=%v", ok, err)
	}
	status, err := mgr.Check(ctx, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !status.IsLocked || status.LockedBy != HolderAgent {
		t.Fatalf("unexpected status: %+v", status)
	}

	released, err := mgr.Release(ctx, 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released == nil || released.OriginalContent == nil || *released.OriginalContent != "before" {
		t.Fatalf("expected snapshot on release, got %+v", released)
	}
	status, _ = mgr.Check(ctx, 1)
	if status.IsLocked {
		t.Fatalf("expected unlocked after release")
	}
	if len(*events) != 2 || (*events)[0].Reason != ReasonAcquired || (*events)[1].Reason != ReasonReleased {
		t.Fatalf("unexpected events: %+v", *events)
	}
	last := (*events)[1]
	if last.Locked || last.Holder != HolderAgent || last.OriginalContent == nil || *last.OriginalContent != "before" {
		t.Fatalf("expected release event to carry the snapshot, got %+v", last)
	}
}

func TestReacquireBySameHolderKeepsSnapshot(t *testing.T) {
	mgr, _, clock, _ := newTestManager()
	ctx := context.Background()

	if ok, _ := mgr.Acquire(ctx, 2, HolderAgent, strPtr("v1")); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	first, _ := mgr.Check(ctx, 2)
	clock.Advance(time.Minute)
	if ok, _ := mgr.Acquire(ctx, 2, HolderAgent, strPtr("v2")); !ok {
		t.Fatalf("expected same-holder acquire to succeed")
	}
	snapshot, err := mgr.OriginalContent(ctx, 2)
	if err != nil {
		t.Fatalf("original content: %v", err)
	}
	if snapshot == nil || *snapshot != "v1" {
		t.Fatalf("expected original snapshot to be kept, got %v", snapshot)
	}
	second, _ := mgr.Check(ctx, 2)
	if !second.LockedAt.Equal(first.LockedAt) {
		t.Fatalf("expected locked_at unchanged")
	}
}

func TestReleaseMissingLockIsBenign(t *testing.T) {
	mgr, _, _, events := newTestManager()
	released, err := mgr.Release(context.Background(), 99)
	if err != nil || released != nil {
		t.Fatalf("expected nil release for unlocked document, got %+v err=%v", released, err)
	}
	if len(*events) != 0 {
		t.Fatalf("expected no events")
	}
}

func TestAcquireStrictReportsHolder(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	ctx := context.Background()
	if err := mgr.AcquireStrict(ctx, 3, HolderUser, nil); err != nil {
		t.Fatalf("acquire strict: %v", err)
	}
	err := mgr.AcquireStrict(ctx, 3, HolderAgent, nil)
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.LockedBy != HolderUser {
		t.Fatalf("expected conflict naming user, got %v", err)
	}
}

func TestAcquireRejectsUnknownHolder(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	if _, err := mgr.Acquire(context.Background(), 1, Holder("robot"), nil); !errors.Is(err, ErrInvalidHolder) {
		t.Fatalf("expected invalid holder, got %v", err)
	}
}

func TestSweepReleasesOnlyStaleLocks(t *testing.T) {
	mgr, _, clock, events := newTestManager()
	ctx := context.Background()

	mgr.Acquire(ctx, 1, HolderAgent, strPtr("old"))
	clock.Advance(4 * time.Minute)
	mgr.Acquire(ctx, 2, HolderUser, nil)
	clock.Advance(2 * time.Minute)

	cleaned, err := mgr.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != 1 {
		t.Fatalf("expected only document 1 swept, got %v", cleaned)
	}
	if status, _ := mgr.Check(ctx, 2); !status.IsLocked {
		t.Fatalf("expected fresh lock to survive sweep")
	}
	last := (*events)[len(*events)-1]
	if last.Reason != ReasonExpired || last.DocumentID != 1 || last.Locked {
		t.Fatalf("expected expiry event, got %+v", last)
	}
	if last.Holder != HolderAgent || last.OriginalContent == nil || *last.OriginalContent != "old" {
		t.Fatalf("expected expiry event to carry holder and snapshot, got %+v", last)
	}
}

func TestSweepSkipsLockReacquiredAfterListing(t *testing.T) {
	s := newMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.rows[7] = store.LockRow{DocumentID: 7, LockedBy: "agent", LockedAt: now}
	mgr := NewManager(s, WithClock(func() time.Time { return now.Add(10 * time.Minute) }))

	// The row is replaced by a fresh lock after StaleLocks would have listed it.
	cutoff := now.Add(5 * time.Minute)
	s.rows[7] = store.LockRow{DocumentID: 7, LockedBy: "user", LockedAt: now.Add(9 * time.Minute)}
	removed, err := mgr.sweepOne(context.Background(), 7, cutoff)
	if err != nil || removed {
		t.Fatalf("expected fresh lock to be kept, removed=%v err=%v", removed, err)
	}
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[Holder]int{}
	for i := 0; i < 40; i++ {
		holder := HolderAgent
		if i%2 == 0 {
			holder = HolderUser
		}
		wg.Add(1)
		go func(h Holder) {
			defer wg.Done()
			ok, err := mgr.Acquire(ctx, 5, h, nil)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners[h]++
				mu.Unlock()
			}
		}(holder)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one holder to win, got %v", winners)
	}
}

func TestForceReleaseAll(t *testing.T) {
	mgr, _, _, events := newTestManager()
	ctx := context.Background()
	mgr.Acquire(ctx, 1, HolderAgent, strPtr("draft"))
	mgr.Acquire(ctx, 2, HolderUser, nil)

	ids, err := mgr.ForceReleaseAll(ctx)
	if err != nil {
		t.Fatalf("force release all: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 released, got %v", ids)
	}
	for _, id := range []int64{1, 2} {
		if status, _ := mgr.Check(ctx, id); status.IsLocked {
			t.Fatalf("expected document %d unlocked", id)
		}
	}
	forced := 0
	for _, e := range *events {
		if e.Reason != ReasonForced {
			continue
		}
		forced++
		if e.DocumentID == 1 && (e.OriginalContent == nil || *e.OriginalContent != "draft") {
			t.Fatalf("expected forced event to carry the snapshot, got %+v", e)
		}
	}
	if forced != 2 {
		t.Fatalf("expected 2 forced events, got %d", forced)
	}
}

func TestRunSweeperSweepsAtStartup(t *testing.T) {
	s := newMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.rows[4] = store.LockRow{DocumentID: 4, LockedBy: "agent", LockedAt: now.Add(-time.Hour)}
	swept := make(chan Event, 1)
	mgr := NewManager(s, WithClock(func() time.Time { return now }), WithListener(func(e Event) { swept <- e }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.RunSweeper(ctx, time.Hour, 5*time.Minute)
		close(done)
	}()
	select {
	case e := <-swept:
		if e.DocumentID != 4 || e.Reason != ReasonExpired {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected startup sweep")
	}
	cancel()
	<-done
}
