// Package service ties the store, sessions, history, resolver and event
// stream together for the daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantarax/verisync/daemon/config"
	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/resolver"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transfer"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/observability"
	"github.com/quantarax/verisync/internal/quicutil"
	"github.com/quantarax/verisync/internal/rangeset"
	"github.com/quantarax/verisync/internal/ratelimit"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAdmission       = errors.New("connection rate exceeded")
)

// Deps are the collaborators of a TransferService. Store is required.
type Deps struct {
	Store    store.Store
	History  *manager.History
	Identity *identity.Identity
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Events   *EventPublisher
}

// TransferService manages transfer sessions for the daemon.
type TransferService struct {
	cfg       *config.Config
	store     store.Store
	sessions  *manager.SessionStore
	history   *manager.History
	events    *EventPublisher
	ident     *identity.Identity
	cache     *transfer.OutboardCache
	limiter   *ratelimit.Bandwidth
	admission *ratelimit.Registry
	encodings []transport.Encoding
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewTransferService creates a new transfer service
func NewTransferService(cfg *config.Config, deps Deps) (*TransferService, error) {
	if deps.Store == nil {
		return nil, errors.New("transfer service needs a store")
	}
	encodings := make([]transport.Encoding, 0, len(cfg.Transfer.Encodings))
	for _, name := range cfg.Transfer.Encodings {
		enc, err := transport.ParseEncoding(name)
		if err != nil {
			return nil, err
		}
		encodings = append(encodings, enc)
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	events := deps.Events
	if events == nil {
		events = NewEventPublisher(cfg.EventBufferSize)
	}
	return &TransferService{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  manager.NewSessionStore(cfg.Transfer.MaxSessionsPerPeer),
		history:   deps.History,
		events:    events,
		ident:     deps.Identity,
		cache:     transfer.NewOutboardCache(cfg.Transfer.OutboardCacheSize),
		limiter:   ratelimit.NewBandwidth(cfg.Transfer.MaxBytesPerSecond),
		admission: ratelimit.NewRegistry(cfg.Admission.ConnectionsPerSecond, cfg.Admission.Burst),
		encodings: encodings,
		logger:    logger,
		metrics:   deps.Metrics,
		now:       time.Now,
	}, nil
}

// Store returns the blob store the service serves from.
func (s *TransferService) Store() store.Store { return s.store }

// Sessions returns the live session registry.
func (s *TransferService) Sessions() *manager.SessionStore { return s.sessions }

// Events returns the event publisher.
func (s *TransferService) Events() *EventPublisher { return s.events }

// Identity returns the daemon identity, or nil.
func (s *TransferService) Identity() *identity.Identity { return s.ident }

func (s *TransferService) options(peer string) transfer.Options {
	return transfer.Options{
		Logger:      s.logger,
		Metrics:     s.metrics,
		Sessions:    s.sessions,
		History:     s.history,
		Peer:        peer,
		MaxBlobSize: s.cfg.Transfer.MaxBlobSize,
		Notify:      s.events.PublishSession,
	}
}

// Admit reports whether a new connection from peer is within its rate.
func (s *TransferService) Admit(peer string) bool {
	return s.admission.Allow(peer)
}

// Listen accepts connections until ctx is done, serving every stream of
// every admitted connection.
func (s *TransferService) Listen(ctx context.Context, ln *transport.QUICListener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error(err, "accepting connection")
			if s.metrics != nil {
				s.metrics.RecordQUICConnection(false)
			}
			continue
		}
		peer := conn.RemotePeerID().String()
		if !s.Admit(peer) {
			s.logger.ConnectionFailed(conn.RemoteAddr().String(), ErrAdmission)
			conn.Close()
			continue
		}
		s.logger.ConnectionEstablished(conn.RemoteAddr().String(), peer)
		if s.metrics != nil {
			s.metrics.RecordQUICConnection(true)
		}
		go s.HandleConnection(ctx, conn)
	}
}

// HandleConnection serves one session per incoming stream until the
// connection closes.
func (s *TransferService) HandleConnection(ctx context.Context, conn *transport.QUICConnection) {
	defer func() {
		conn.Close()
		if s.metrics != nil {
			s.metrics.RecordQUICConnectionClose()
		}
	}()
	peer := conn.RemotePeerID().Short()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !transport.IsClosed(err) {
				s.logger.WithPeer(peer).Error(err, "accepting stream")
			}
			return
		}
		go s.Serve(ctx, stream, peer)
	}
}

// Serve answers one session on stream.
func (s *TransferService) Serve(ctx context.Context, stream transport.Stream, peer string) error {
	return transfer.Serve(ctx, stream, s.store, transfer.ServeOptions{
		Options:   s.options(peer),
		Encodings: s.encodings,
		Cache:     s.cache,
		Limiter:   s.limiter,
	})
}

// Peer addresses a remote daemon.
type Peer struct {
	Addr string
	// ID pins the remote identity when set.
	ID *identity.PeerID
}

// Dial connects to p with the service identity.
func (s *TransferService) Dial(ctx context.Context, p Peer) (*transport.QUICConnection, error) {
	if s.ident == nil {
		return nil, errors.New("no identity configured")
	}
	tlsConf, err := quicutil.MakeClientTLSConfig(s.ident, p.ID)
	if err != nil {
		return nil, err
	}
	conn, err := transport.DialQUIC(ctx, p.Addr, tlsConf)
	if s.metrics != nil {
		s.metrics.RecordQUICConnection(err == nil)
	}
	if err != nil {
		s.logger.ConnectionFailed(p.Addr, err)
		return nil, fmt.Errorf("dialing %s: %w", p.Addr, err)
	}
	s.logger.ConnectionEstablished(p.Addr, conn.RemotePeerID().String())
	return conn, nil
}

func (s *TransferService) acceptEncodings() []string {
	out := make([]string, len(s.encodings))
	for i, e := range s.encodings {
		out[i] = string(e)
	}
	return out
}

// Fetch fetches ranges of hash (all of it when ranges is empty) through
// opener into the store.
func (s *TransferService) Fetch(ctx context.Context, opener transport.Opener, peer string, hash hashtree.Hash, ranges rangeset.RangeSet) (*transfer.Result, error) {
	stream, err := opener.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	req := transfer.Request{Hash: hash, Ranges: ranges, Encodings: s.acceptEncodings()}
	return transfer.Fetch(ctx, stream, s.store, req, s.options(peer))
}

// FetchCollection resolves the collection with manifest hash through
// opener, pinning it when pin is set.
func (s *TransferService) FetchCollection(ctx context.Context, opener transport.Opener, peer string, hash hashtree.Hash, pin bool) (*resolver.Collection, error) {
	c, err := resolver.Resolve(ctx, opener, s.store, hash, resolver.Options{
		Options:     s.options(peer),
		Concurrency: s.cfg.Resolver.Concurrency,
		Encodings:   s.acceptEncodings(),
		Pin:         pin,
	})
	if c != nil {
		failed := 0
		var cerr *resolver.CollectionError
		if errors.As(err, &cerr) {
			failed = len(cerr.Failed)
		}
		s.events.PublishCollection(hash.String(), len(c.Entries), failed)
	}
	return c, err
}

// Status returns a live session, or its persisted summary once the
// session has been cleaned up.
func (s *TransferService) Status(sessionID string) (*TransferStatus, error) {
	if sess, err := s.sessions.Get(sessionID); err == nil {
		return &TransferStatus{
			Summary:                sess.Summary(),
			ProgressPercent:        sess.GetProgressPercent(),
			TransferRate:           sess.GetTransferRate(),
			EstimatedTimeRemaining: sess.GetEstimatedTimeRemaining(),
		}, nil
	}
	if s.history != nil {
		if sum, err := s.history.Load(sessionID); err == nil {
			st := &TransferStatus{Summary: sum}
			if sum.State == manager.StateCompleted {
				st.ProgressPercent = 100
			}
			return st, nil
		}
	}
	return nil, ErrSessionNotFound
}

// ListTransfers lists sessions, live ones when no history is kept.
func (s *TransferService) ListTransfers(filter *manager.TransferState, limit, offset int) ([]manager.Summary, int, error) {
	if s.history == nil {
		list, total := s.sessions.List(filter, limit, offset)
		return list, total, nil
	}
	live, _ := s.sessions.List(filter, 0, 0)
	var active []manager.Summary
	for _, sum := range live {
		if !sum.State.Terminal() {
			active = append(active, sum)
		}
	}
	if offset < len(active) {
		page := active[offset:]
		if limit > 0 && len(page) > limit {
			page = page[:limit]
		}
		// History holds terminal sessions only; fill the page from it.
		rest := 0
		if limit > 0 {
			rest = limit - len(page)
			if rest == 0 {
				rest = 1
			}
		}
		hist, total, err := s.history.List(filter, rest, 0)
		if limit > 0 && len(page) == limit {
			hist = nil
		}
		return append(page, hist...), total + len(active), err
	}
	hist, total, err := s.history.List(filter, limit, offset-len(active))
	return hist, total + len(active), err
}

// TransferStatus is a session with its live rates.
type TransferStatus struct {
	manager.Summary
	ProgressPercent        float64
	TransferRate           float64
	EstimatedTimeRemaining int64
}

// GCReport summarizes one collection pass.
type GCReport struct {
	Blobs    []hashtree.Hash
	Sessions int
	History  int64
}

// CollectGarbage removes unreferenced blobs older than the grace period,
// terminal sessions from memory and session history past retention.
func (s *TransferService) CollectGarbage(ctx context.Context) (GCReport, error) {
	var rep GCReport
	removed, err := store.GC(ctx, s.store, s.cfg.Store.GCGracePeriod, s.now())
	rep.Blobs = removed
	for _, h := range removed {
		s.cache.Forget(h)
		s.events.PublishCollected(h.String())
	}
	rep.Sessions = s.sessions.CleanupOldSessions(time.Hour)
	if s.history != nil && s.cfg.Transfer.HistoryRetention > 0 {
		n, herr := s.history.Prune(s.cfg.Transfer.HistoryRetention, s.now())
		rep.History = n
		err = errors.Join(err, herr)
	}
	return rep, err
}

// RunGC collects garbage every interval until ctx is done.
func (s *TransferService) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.CollectGarbage(ctx)
			if err != nil {
				s.logger.Error(err, "garbage collection")
				continue
			}
			s.logger.Info(fmt.Sprintf("gc removed %d blobs, %d sessions, %d history rows",
				len(rep.Blobs), rep.Sessions, rep.History))
		}
	}
}
