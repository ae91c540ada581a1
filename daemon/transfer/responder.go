package transfer

import (
	"context"
	"errors"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
	"github.com/quantarax/verisync/internal/ratelimit"
)

// DefaultEncodings is the responder preference used when none is
// configured.
var DefaultEncodings = []transport.Encoding{transport.EncodingZstd, transport.EncodingLZ4, transport.EncodingNone}

// ServeOptions configures the responder.
type ServeOptions struct {
	Options
	// Encodings lists the encodings the responder is willing to use, in
	// preference order.
	Encodings []transport.Encoding
	Cache     *OutboardCache
	// Limiter caps outgoing chunk bytes across sessions sharing it.
	Limiter *ratelimit.Bandwidth
}

type server struct {
	*tracker
	ms   *transport.MessageStream
	st   store.Store
	opts ServeOptions
}

// Serve answers one RequestRanges on stream from st. It sends every
// requested chunk it holds verified, each with the proof the requester
// needs, and never sends unverified bytes.
//
// A peer that closes the stream without asking anything is not an error.
func Serve(ctx context.Context, stream transport.Stream, st store.Store, opts ServeOptions) error {
	ms := transport.NewMessageStream(stream)
	req, err := ms.ReceiveRequest()
	if err != nil {
		if transport.IsClosed(err) {
			stream.Close()
			return nil
		}
		serr := classifyRecv(err)
		ms.Send(&transport.ErrorMessage{Kind: serr.Kind.String(), Detail: err.Error()})
		stream.Close()
		return serr
	}

	ctx, t, err := begin(ctx, opts.Options, req.Hash, manager.DirectionSend, "transfer.Serve")
	if err != nil {
		ms.Send(&transport.ErrorMessage{Kind: KindStorageIoFailure.String(), Detail: err.Error()})
		stream.Close()
		return err
	}
	stop := context.AfterFunc(ctx, stream.Reset)
	defer stop()

	s := &server{tracker: t, ms: ms, st: st, opts: opts}
	state, serr := s.run(ctx, req)
	// A failed session has already sent its ErrorMessage; closing rather
	// than resetting lets it reach the requester.
	if state == manager.StateAborted {
		stream.Reset()
	} else {
		stream.Close()
	}
	t.finish(state, serr)
	if serr != nil {
		return serr
	}
	return nil
}

func (s *server) run(ctx context.Context, req *transport.RequestRanges) (manager.TransferState, *Error) {
	rec, err := s.st.Record(req.Hash)
	if err == nil && rec.Size == 0 && !rec.SizeVerified {
		err = store.ErrNotFound
	}
	if err != nil {
		return s.fail(classifyStore(err, req.Hash))
	}

	want := rangeset.New(rangeset.Whole)
	if req.Wanted != "" {
		if want, err = rangeset.ParseLimit(req.Wanted, transport.MaxWireRanges); err != nil {
			return s.fail(newError(KindProtocolViolation, err, "wanted ranges"))
		}
	}
	s.log.SessionStarted(s.sess.ID, manager.DirectionSend.Role(), req.Hash.String(), req.Wanted)

	available := availableChunks(rec, want)
	prefs := s.opts.Encodings
	if len(prefs) == 0 {
		prefs = DefaultEncodings
	}
	enc := transport.Negotiate(req.AcceptEncodings, prefs)
	s.sess.SetPlan(rec.Size, available)

	if _, err := s.ms.Send(&transport.ResponseMeta{
		Size:      rec.Size,
		SizeKnown: rec.SizeVerified,
		Available: available.String(),
		Encoding:  string(enc),
	}); err != nil {
		return manager.StateAborted, newError(KindTransportClosed, err, "sending meta")
	}

	ob, err := s.opts.Cache.Outboard(s.st, rec)
	if err != nil {
		return s.fail(classifyStore(err, req.Hash))
	}
	r, err := store.NewRangeReader(s.st, req.Hash)
	if err != nil {
		return s.fail(classifyStore(err, req.Hash))
	}

	s.transition(manager.StateStreaming)
	it := hashtree.NewIterator(r, ob, available)
	for it.Next() {
		c := it.Chunk()
		payload, used, err := transport.Compress(c.Data, enc)
		if err != nil {
			return s.fail(newError(KindStorageIoFailure, err, "encoding chunk %d", c.Index))
		}
		if err := s.opts.Limiter.WaitN(ctx, len(payload)); err != nil {
			return manager.StateAborted, newError(KindTransportClosed, err, "cancelled")
		}
		n, err := s.ms.Send(&transport.Chunk{
			Offset:   c.Offset,
			Length:   uint32(len(c.Data)),
			Proof:    transport.EncodeProof(c.Proof),
			Encoding: string(used),
			Data:     payload,
		})
		if err != nil {
			return manager.StateAborted, newError(KindTransportClosed, err, "sending chunk %d", c.Index)
		}
		s.sess.AddProgress(hashtree.ChunkRange(rec.Size, c.Index))
		s.log.ChunkSent(s.sess.ID, c.Index, n, string(used))
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordChunkSent(len(c.Data), n, len(c.Proof), string(used))
		}
	}
	if err := it.Err(); err != nil {
		return s.fail(newError(KindStorageIoFailure, err, "reading %s", req.Hash.Short()))
	}

	if _, err := s.ms.Send(&transport.Complete{}); err != nil {
		return manager.StateAborted, newError(KindTransportClosed, err, "sending complete")
	}
	return manager.StateCompleted, nil
}

// fail tells the requester why the session ends, best effort.
func (s *server) fail(serr *Error) (manager.TransferState, *Error) {
	if _, err := s.ms.Send(&transport.ErrorMessage{Kind: serr.Kind.String(), Detail: serr.Detail}); err != nil {
		serr.Err = errors.Join(serr.Err, err)
	}
	return manager.StateFailed, serr
}

// availableChunks returns the chunk-aligned part of want that rec holds
// verified. Only whole chunks are offered. The chunk of an empty blob is
// always available once its size is proven.
func availableChunks(rec *store.BlobRecord, want rangeset.RangeSet) rangeset.RangeSet {
	var out rangeset.RangeSet
	for _, i := range hashtree.ChunkIndices(want.Clip(rec.Size), rec.Size) {
		rng := hashtree.ChunkRange(rec.Size, i)
		if rec.Verified.Covered(rng) {
			out.Insert(rng)
		}
	}
	return out
}
