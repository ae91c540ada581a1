package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/verisync/daemon/config"
	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/collection"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

func newService(t *testing.T, withHistory bool) *TransferService {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.GCGracePeriod = time.Hour
	deps := Deps{Store: store.NewMemStore(store.RetainOutboard)}
	if withHistory {
		h, err := manager.OpenHistory(filepath.Join(t.TempDir(), "sessions.db"))
		if err != nil {
			t.Fatalf("OpenHistory: %v", err)
		}
		t.Cleanup(func() { h.Close() })
		deps.History = h
	}
	s, err := NewTransferService(cfg, deps)
	if err != nil {
		t.Fatalf("NewTransferService: %v", err)
	}
	return s
}

// opener connects requests from one service to Serve on another.
func opener(responder *TransferService) transport.Opener {
	return transport.PipeOpener{Serve: func(ctx context.Context, remote transport.Stream) {
		responder.Serve(ctx, remote, "test-requester")
	}}
}

func TestServiceFetchPublishesEvents(t *testing.T) {
	src := newService(t, false)
	dst := newService(t, true)
	data := []byte("events follow every session from start to finish")
	h, err := store.ImportBytes(src.Store(), data)
	if err != nil {
		t.Fatal(err)
	}

	sub := dst.Events().Subscribe(h.String())
	defer dst.Events().Unsubscribe(sub.ID)

	res, err := dst.Fetch(context.Background(), opener(src), "test-responder", h, rangeset.RangeSet{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.State != manager.StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	var types []EventType
	for len(types) < 2 {
		select {
		case ev := <-sub.Channel:
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("got events %v, want STARTED then COMPLETED", types)
		}
	}
	if types[0] != EventStarted || types[1] != EventCompleted {
		t.Fatalf("events = %v", types)
	}

	st, err := dst.Status(res.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != manager.StateCompleted || st.Bytes != uint64(len(data)) {
		t.Fatalf("status = %+v", st.Summary)
	}
}

func TestServiceStatusFallsBackToHistory(t *testing.T) {
	src := newService(t, false)
	dst := newService(t, true)
	h, _ := hashtree.Build([]byte("missing everywhere"))

	res, err := dst.Fetch(context.Background(), opener(src), "test-responder", h, rangeset.RangeSet{})
	if err == nil {
		t.Fatal("expected NotFound")
	}

	// Drop the live session; the history row remains.
	if err := dst.Sessions().Delete(res.SessionID); err != nil {
		t.Fatal(err)
	}
	st, err := dst.Status(res.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != manager.StateFailed || st.ErrorKind != "NotFound" {
		t.Fatalf("status = %+v", st.Summary)
	}

	list, total, err := dst.ListTransfers(nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != res.SessionID {
		t.Fatalf("list = %+v, total %d", list, total)
	}

	if _, err := dst.Status("no-such-session"); err != ErrSessionNotFound {
		t.Fatalf("got %v", err)
	}
}

func TestServiceFetchCollection(t *testing.T) {
	src := newService(t, false)
	dst := newService(t, false)

	m := &collection.Manifest{}
	for i, body := range []string{"first entry", "second entry"} {
		h, err := store.ImportBytes(src.Store(), []byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Add(string(rune('a'+i)), h, uint64(len(body))); err != nil {
			t.Fatal(err)
		}
	}
	_, enc, err := m.Hash()
	if err != nil {
		t.Fatal(err)
	}
	mh, err := store.ImportBytes(src.Store(), enc)
	if err != nil {
		t.Fatal(err)
	}

	sub := dst.Events().Subscribe(mh.String())
	defer dst.Events().Unsubscribe(sub.ID)

	c, err := dst.FetchCollection(context.Background(), opener(src), "test-responder", mh, true)
	if err != nil {
		t.Fatalf("FetchCollection: %v", err)
	}
	if len(c.Entries) != 2 {
		t.Fatalf("entries = %d", len(c.Entries))
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Channel:
			if ev.EventType == EventCollectionResolved {
				if ev.Metadata["failed"] != "0" {
					t.Fatalf("event = %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("no collection event")
		}
	}
}

func TestServiceCollectGarbage(t *testing.T) {
	s := newService(t, true)
	kept, err := store.ImportBytes(s.Store(), []byte("pinned"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store().AddRef(kept); err != nil {
		t.Fatal(err)
	}
	dropped, err := store.ImportBytes(s.Store(), []byte("unreferenced"))
	if err != nil {
		t.Fatal(err)
	}

	rep, err := s.CollectGarbage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Blobs) != 0 {
		t.Fatalf("collected %v inside the grace period", rep.Blobs)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rep, err = s.CollectGarbage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Blobs) != 1 || rep.Blobs[0] != dropped {
		t.Fatalf("collected %v, want %s", rep.Blobs, dropped.Short())
	}
	if _, err := s.Store().Record(kept); err != nil {
		t.Fatalf("pinned blob removed: %v", err)
	}
}

func TestAdmission(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admission.ConnectionsPerSecond = 1
	cfg.Admission.Burst = 2
	s, err := NewTransferService(cfg, Deps{Store: store.NewMemStore(store.RetainOutboard)})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Admit("peer-a") || !s.Admit("peer-a") {
		t.Fatal("burst rejected")
	}
	if s.Admit("peer-a") {
		t.Fatal("third connection within a second admitted")
	}
	if !s.Admit("peer-b") {
		t.Fatal("limits leaked across peers")
	}
}

func TestEventPublisherFilter(t *testing.T) {
	p := NewEventPublisher(4)
	all := p.Subscribe("")
	one := p.Subscribe("abc")

	p.PublishCollected("abc")
	p.PublishCollected("def")

	if len(all.Channel) != 2 || len(one.Channel) != 1 {
		t.Fatalf("delivered %d and %d", len(all.Channel), len(one.Channel))
	}
	ev := <-one.Channel
	if ev.Type != "BLOB_COLLECTED" || ev.Timestamp.IsZero() {
		t.Fatalf("event = %+v", ev)
	}

	p.Unsubscribe(all.ID)
	p.Unsubscribe(one.ID)
	if p.GetSubscriptionCount() != 0 {
		t.Fatal("subscriptions left")
	}
}
