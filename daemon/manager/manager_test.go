package manager

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

func TestSessionTransitions(t *testing.T) {
	s := NewSession(hashtree.LeafHash(0, nil), "peer-a", DirectionReceive)
	if s.GetState() != StateNegotiating {
		t.Fatalf("new session in %s", s.GetState())
	}

	steps := []TransferState{StateStreaming, StateVerifying, StateStreaming, StateVerifying, StateCompleted}
	for _, st := range steps {
		if err := s.TransitionTo(st, "", ""); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	err := s.TransitionTo(StateStreaming, "", "")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition leaving COMPLETED, got %v", err)
	}
}

func TestSessionFailureRecordsKind(t *testing.T) {
	s := NewSession(hashtree.LeafHash(0, nil), "peer-a", DirectionReceive)
	if err := s.TransitionTo(StateFailed, "VerificationFailure", "chunk 3"); err != nil {
		t.Fatal(err)
	}
	sum := s.Summary()
	if sum.ErrorKind != "VerificationFailure" || sum.ErrorMessage != "chunk 3" {
		t.Fatalf("summary lost error: %+v", sum)
	}
	if !sum.State.Terminal() {
		t.Fatal("FAILED should be terminal")
	}
}

func TestSessionProgress(t *testing.T) {
	s := NewSession(hashtree.LeafHash(0, nil), "", DirectionReceive)
	s.SetPlan(4096, rangeset.New(rangeset.Range{Start: 0, End: 4096}))
	s.AddProgress(rangeset.Range{Start: 0, End: 1024})
	s.AddProgress(rangeset.Range{Start: 1024, End: 2048})

	if got := s.GetProgressPercent(); got != 50 {
		t.Fatalf("progress = %v, want 50", got)
	}
	if got := s.Bytes(); got != 2048 {
		t.Fatalf("bytes = %d", got)
	}
	if got := s.Committed().String(); got != "0-2048" {
		t.Fatalf("committed = %s", got)
	}
	// Must not deadlock on the nested rate lookup.
	_ = s.GetEstimatedTimeRemaining()
}

func TestParseRoundTrip(t *testing.T) {
	for st := StateNegotiating; st <= StateAborted; st++ {
		got, err := ParseState(st.String())
		if err != nil || got != st {
			t.Fatalf("ParseState(%s) = %v, %v", st, got, err)
		}
	}
	if _, err := ParseState("PAUSED"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	for _, d := range []TransferDirection{DirectionSend, DirectionReceive} {
		got, err := ParseDirection(d.String())
		if err != nil || got != d {
			t.Fatalf("ParseDirection(%s) = %v, %v", d, got, err)
		}
	}
}

func TestSessionStorePerPeerLimit(t *testing.T) {
	store := NewSessionStore(2)
	h := hashtree.LeafHash(0, nil)

	a := NewSession(h, "peer", DirectionSend)
	b := NewSession(h, "peer", DirectionSend)
	c := NewSession(h, "peer", DirectionSend)
	other := NewSession(h, "other", DirectionSend)

	for _, s := range []*Session{a, b, other} {
		if err := store.Add(s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := store.Add(c); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if err := store.Add(a); !errors.Is(err, ErrSessionAlreadyExists) {
		t.Fatalf("expected ErrSessionAlreadyExists, got %v", err)
	}

	if err := a.TransitionTo(StateAborted, "TransportClosed", "reset"); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(c); err != nil {
		t.Fatalf("terminal sessions should not count: %v", err)
	}

	aborted := StateAborted
	list, total := store.List(&aborted, 0, 0)
	if total != 1 || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("List(ABORTED) = %v, %d", list, total)
	}

	if n := store.CleanupOldSessions(-time.Second); n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
	if _, err := store.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if store.Count() != 3 {
		t.Fatalf("count = %d", store.Count())
	}
}

func TestHistorySaveLoadListPrune(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer h.Close()

	hash, _ := hashtree.Build([]byte("history"))
	done := NewSession(hash, "peer-a", DirectionReceive)
	done.SetPlan(7, rangeset.New(rangeset.Range{Start: 0, End: 7}))
	done.AddProgress(rangeset.Range{Start: 0, End: 7})
	if err := done.TransitionTo(StateCompleted, "", ""); err != nil {
		t.Fatal(err)
	}
	running := NewSession(hash, "peer-b", DirectionSend)

	for _, s := range []*Session{done, running} {
		if err := h.Save(s.Summary()); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := h.Load(done.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Hash != hash || got.State != StateCompleted || got.Committed.String() != "0-7" || got.Bytes != 7 {
		t.Fatalf("loaded %+v", got)
	}
	if _, err := h.Load("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	all, total, err := h.List(nil, 0, 0)
	if err != nil || total != 2 || len(all) != 2 {
		t.Fatalf("List = %d rows, total %d, err %v", len(all), total, err)
	}

	n, err := h.Prune(time.Hour, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want only the completed one", n)
	}
	if _, err := h.Load(running.ID); err != nil {
		t.Fatalf("running session pruned: %v", err)
	}
}
