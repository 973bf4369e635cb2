package review

import (
	"context"
	"errors"
	"sync"
	"testing"

	"orcascore/engine/internal/locks"
)

type memDocs struct {
	mu      sync.Mutex
	content map[int64]string
	writes  int
}

func (m *memDocs) ReadContent(ctx context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[id], nil
}

func (m *memDocs) WriteContent(ctx context.Context, id int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.content[id] = content
	return nil
}

type fakeReleaser struct {
	released []int64
}

func (f *fakeReleaser) ForceRelease(ctx context.Context, id int64) (*locks.Released, error) {
	f.released = append(f.released, id)
	return &locks.Released{DocumentID: id, LockedBy: locks.HolderAgent}, nil
}

type recorded struct {
	method string
	params any
}

func newTestController() (*Controller, *memDocs, *fakeReleaser, *[]recorded) {
	docs := &memDocs{content: map[int64]string{}}
	rel := &fakeReleaser{}
	var notes []recorded
	c := NewController(docs, rel, WithNotifier(func(method string, params any) {
		notes = append(notes, recorded{method, params})
	}))
	return c, docs, rel, &notes
}

func strPtr(s string) *string { return &s }

func TestUnchangedReleaseIsClean(t *testing.T) {
	c, docs, _, _ := newTestController()
	docs.content[1] = "A"
	c.OnLockAcquired(1, locks.HolderAgent)
	if c.State(1).Phase != PhaseLocked {
		t.Fatalf("expected locked")
	}
	st, err := c.OnLockReleased(context.Background(), 1, strPtr("A"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if st.Phase != PhaseClean {
		t.Fatalf("expected clean, got %s", st.Phase)
	}
}

func TestChangedReleaseThenAccept(t *testing.T) {
	c, docs, _, _ := newTestController()
	ctx := context.Background()
	c.OnLockAcquired(1, locks.HolderAgent)
	docs.content[1] = "B"

	st, err := c.OnLockReleased(ctx, 1, strPtr("A"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if st.Phase != PhasePendingReview || st.Original != "A" || st.Current != "B" || st.Holder != locks.HolderAgent {
		t.Fatalf("unexpected pending state: %+v", st)
	}
	d, err := c.Diff(1)
	if err != nil || !d.Changed() {
		t.Fatalf("expected diff, got %+v %v", d, err)
	}

	st, err = c.Accept(1)
	if err != nil || st.Phase != PhaseClean {
		t.Fatalf("accept: %+v %v", st, err)
	}
	if docs.content[1] != "B" || docs.writes != 0 {
		t.Fatalf("accept must not write the document")
	}
}

func TestRevertRestoresOriginal(t *testing.T) {
	c, docs, _, _ := newTestController()
	ctx := context.Background()
	docs.content[1] = "B"
	c.OnLockReleased(ctx, 1, strPtr("A"))

	st, err := c.Revert(ctx, 1)
	if err != nil || st.Phase != PhaseClean {
		t.Fatalf("revert: %+v %v", st, err)
	}
	if docs.content[1] != "A" {
		t.Fatalf("expected original restored, got %q", docs.content[1])
	}
	if _, err := c.Revert(ctx, 1); !errors.Is(err, ErrNoPendingReview) {
		t.Fatalf("expected no pending review, got %v", err)
	}
}

func TestMissingSnapshotKeepsEdits(t *testing.T) {
	c, docs, _, notes := newTestController()
	docs.content[1] = "agent edit"
	st, err := c.OnLockReleased(context.Background(), 1, nil)
	if err != nil || st.Phase != PhaseClean {
		t.Fatalf("expected clean, got %+v %v", st, err)
	}
	if docs.content[1] != "agent edit" || docs.writes != 0 {
		t.Fatalf("edits must be kept")
	}
	found := false
	for _, n := range *notes {
		if n.method == NotifySnapshotMissing {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected snapshot missing notification")
	}
}

func TestPendingBaselineSurvivesSecondTurn(t *testing.T) {
	c, docs, _, _ := newTestController()
	ctx := context.Background()
	docs.content[1] = "B"
	c.OnLockReleased(ctx, 1, strPtr("A"))

	if st := c.OnLockAcquired(1, locks.HolderAgent); st.Phase != PhasePendingReview {
		t.Fatalf("expected pending review to persist, got %s", st.Phase)
	}
	docs.content[1] = "C"
	st, _ := c.OnLockReleased(ctx, 1, strPtr("B"))
	if st.Original != "A" || st.Current != "C" {
		t.Fatalf("expected original baseline kept, got %+v", st)
	}
}

func TestMissingSnapshotKeepsPendingReview(t *testing.T) {
	c, docs, _, _ := newTestController()
	ctx := context.Background()
	docs.content[1] = "B"
	c.OnLockReleased(ctx, 1, strPtr("A"))

	docs.content[1] = "C"
	st, err := c.OnLockReleased(ctx, 1, nil)
	if err != nil || st.Phase != PhasePendingReview {
		t.Fatalf("expected pending review to be kept, got %+v %v", st, err)
	}
	if st.Original != "A" || st.Current != "C" {
		t.Fatalf("expected baseline A with current C, got %+v", st)
	}
	if _, err := c.Revert(ctx, 1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if docs.content[1] != "A" {
		t.Fatalf("expected revert to the pending baseline, got %q", docs.content[1])
	}
}

func TestForceUnlockSuppressesReview(t *testing.T) {
	c, docs, rel, _ := newTestController()
	c.OnLockAcquired(1, locks.HolderAgent)
	docs.content[1] = "B"
	released, err := c.ForceUnlock(context.Background(), 1)
	if err != nil || released == nil {
		t.Fatalf("force unlock: %v", err)
	}
	if len(rel.released) != 1 || c.State(1).Phase != PhaseClean {
		t.Fatalf("expected released and clean, got %+v", c.State(1))
	}
}

func TestAcceptWithoutPending(t *testing.T) {
	c, _, _, _ := newTestController()
	if _, err := c.Accept(9); !errors.Is(err, ErrNoPendingReview) {
		t.Fatalf("expected no pending review, got %v", err)
	}
	if _, err := c.Diff(9); !errors.Is(err, ErrNoPendingReview) {
		t.Fatalf("expected no pending review for diff, got %v", err)
	}
}
