// Package transfer runs the two sides of a transfer session over one
// stream: Fetch on the requester and Serve on the responder.
package transfer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/observability"
)

// DefaultMaxBlobSize is the largest blob a requester accepts unless
// Options.MaxBlobSize says otherwise.
const DefaultMaxBlobSize = 1 << 40

// Options carries the shared collaborators of both session sides. Every
// field is optional.
type Options struct {
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Sessions *manager.SessionStore
	History  *manager.History
	// Peer names the remote side in logs and history.
	Peer string
	// MaxBlobSize caps the size a responder may announce; zero means
	// DefaultMaxBlobSize.
	MaxBlobSize uint64
	// Notify, when set, receives a summary when a session starts and
	// when it ends.
	Notify func(manager.Summary)
}

func (o Options) maxBlobSize() uint64 {
	if o.MaxBlobSize == 0 {
		return DefaultMaxBlobSize
	}
	return o.MaxBlobSize
}

// tracker owns the bookkeeping of one session: registry entry, metrics,
// logs, history row and trace span.
type tracker struct {
	opts  Options
	sess  *manager.Session
	log   *observability.Logger
	span  trace.Span
	start time.Time
}

func begin(ctx context.Context, opts Options, hash hashtree.Hash, dir manager.TransferDirection, spanName string) (context.Context, *tracker, error) {
	sess := manager.NewSession(hash, opts.Peer, dir)
	if opts.Sessions != nil {
		if err := opts.Sessions.Add(sess); err != nil {
			return ctx, nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	log = log.WithSession(sess.ID)
	if opts.Peer != "" {
		log = log.WithPeer(opts.Peer)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordSessionStart(dir.Role())
	}
	ctx, span := observability.Tracer().Start(ctx, spanName, trace.WithAttributes(
		attribute.String("blob.hash", hash.String()),
		attribute.String("session.id", sess.ID),
		attribute.String("session.role", dir.Role()),
	))
	if opts.Notify != nil {
		opts.Notify(sess.Summary())
	}
	return ctx, &tracker{opts: opts, sess: sess, log: log, span: span, start: time.Now()}, nil
}

func (t *tracker) transition(state manager.TransferState) {
	if err := t.sess.TransitionTo(state, "", ""); err != nil {
		t.log.Debug(err.Error())
	}
}

// finish moves the session to its terminal state and records it.
func (t *tracker) finish(state manager.TransferState, serr *Error) {
	var kind, msg string
	var err error
	if serr != nil {
		kind, msg, err = serr.Kind.String(), serr.Error(), serr
	}
	if terr := t.sess.TransitionTo(state, kind, msg); terr != nil {
		t.log.Debug(terr.Error())
	}
	sum := t.sess.Summary()
	dur := time.Since(t.start)

	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordSessionEnd(sum.Direction.Role(), state.String(), dur.Seconds())
	}
	t.log.SessionFinished(sum.ID, state.String(), sum.Committed.String(), sum.Bytes, dur, err)
	if t.opts.History != nil {
		if herr := t.opts.History.Save(sum); herr != nil {
			t.log.Error(herr, "saving session history")
		}
	}
	if t.opts.Notify != nil {
		t.opts.Notify(sum)
	}

	t.span.SetAttributes(
		attribute.String("session.state", state.String()),
		attribute.Int64("session.bytes", int64(sum.Bytes)),
	)
	if err != nil && !errors.Is(err, ErrTransportClosed) {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, kind)
	}
	t.span.End()
}
