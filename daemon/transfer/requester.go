package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

// Request describes what to fetch.
type Request struct {
	Hash hashtree.Hash
	// Ranges restricts the fetch; empty means the whole blob.
	Ranges rangeset.RangeSet
	// Size, when SizeKnown, is the size the caller expects, for instance
	// from a collection manifest. A responder announcing another size is
	// a SizeMismatch.
	Size      uint64
	SizeKnown bool
	// Encodings lists acceptable chunk encodings in preference order.
	Encodings []string
}

// Result reports what a session achieved. It is returned for every
// outcome so callers know what was committed.
type Result struct {
	SessionID string
	State     manager.TransferState
	Hash      hashtree.Hash
	Size      uint64
	// Committed holds the ranges verified and stored by this session.
	Committed rangeset.RangeSet
	// Missing holds requested ranges still not verified locally.
	Missing       rangeset.RangeSet
	BytesReceived uint64
	Err           error
}

type fetcher struct {
	*tracker
	ms    *transport.MessageStream
	st    store.Store
	req   Request
	size  uint64
	want  rangeset.RangeSet
	whole bool
}

// Fetch requests req.Hash over stream, verifies every chunk as it arrives
// and commits verified chunks to st. Ranges already verified in st are
// not requested again, so calling Fetch after an abort resumes.
//
// Fetch owns stream: it is closed on success and reset otherwise.
func Fetch(ctx context.Context, stream transport.Stream, st store.Store, req Request, opts Options) (*Result, error) {
	ctx, t, err := begin(ctx, opts, req.Hash, manager.DirectionReceive, "transfer.Fetch")
	if err != nil {
		stream.Reset()
		return nil, err
	}
	f := &fetcher{
		tracker: t,
		ms:      transport.NewMessageStream(stream),
		st:      st,
		req:     req,
		want:    req.Ranges.Clone(),
		whole:   req.Ranges.IsEmpty(),
	}
	if f.whole {
		f.want = rangeset.New(rangeset.Whole)
	}

	stop := context.AfterFunc(ctx, stream.Reset)
	defer stop()

	state, serr := f.run(ctx)
	if serr != nil && ctx.Err() != nil && serr.Kind == KindTransportClosed {
		serr.Err = errors.Join(serr.Err, ctx.Err())
	}
	if state == manager.StateCompleted {
		stream.Close()
	} else {
		stream.Reset()
	}
	t.finish(state, serr)
	return f.result(state, serr)
}

func (f *fetcher) result(state manager.TransferState, serr *Error) (*Result, error) {
	sum := f.sess.Summary()
	res := &Result{
		SessionID:     sum.ID,
		State:         state,
		Hash:          f.req.Hash,
		Size:          f.size,
		Committed:     sum.Committed,
		BytesReceived: sum.Bytes,
	}
	if rec, err := f.st.Record(f.req.Hash); err == nil {
		res.Size = rec.Size
		res.Missing = rec.Verified.Missing(f.want, rec.Size)
	}
	if serr != nil {
		res.Err = serr
		return res, serr
	}
	return res, nil
}

func (f *fetcher) run(ctx context.Context) (manager.TransferState, *Error) {
	release, err := f.st.Acquire(f.req.Hash)
	if err != nil {
		return manager.StateFailed, newError(KindStorageIoFailure, err, "acquiring %s", f.req.Hash.Short())
	}
	defer release()

	rec, err := f.st.Record(f.req.Hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		return manager.StateFailed, classifyStore(err, f.req.Hash)
	}
	if rec != nil && f.req.SizeKnown && rec.SizeVerified && rec.Size != f.req.Size {
		return manager.StateFailed, newError(KindSizeMismatch, nil, "stored size %d, expected %d", rec.Size, f.req.Size)
	}
	if rec != nil && f.satisfied(rec) {
		f.size = rec.Size
		f.sess.SetPlan(rec.Size, rangeset.RangeSet{})
		return manager.StateCompleted, nil
	}

	// Negotiating. Only ranges not yet verified locally are asked for; a
	// whole-blob request with nothing verified goes out as "".
	ask := f.want
	if rec != nil && !rec.Verified.IsEmpty() {
		ask = rec.Verified.Missing(f.want, rec.Size)
	}
	wanted := ""
	if !f.whole || (rec != nil && !rec.Verified.IsEmpty()) {
		wanted = ask.String()
	}
	f.log.SessionStarted(f.sess.ID, manager.DirectionReceive.Role(), f.req.Hash.String(), wanted)
	if _, err := f.ms.Send(&transport.RequestRanges{
		Hash:            f.req.Hash,
		Wanted:          wanted,
		AcceptEncodings: f.req.Encodings,
	}); err != nil {
		return manager.StateAborted, newError(KindTransportClosed, err, "sending request")
	}

	msg, err := f.ms.Receive()
	if err != nil {
		serr := classifyRecv(err)
		return stateFor(serr), serr
	}
	var meta *transport.ResponseMeta
	switch m := msg.(type) {
	case *transport.ResponseMeta:
		meta = m
	case *transport.ErrorMessage:
		return manager.StateFailed, remoteError(m)
	default:
		return manager.StateFailed, newError(KindProtocolViolation, nil, "expected %s, got %s", transport.MessageTypeResponseMeta, msg.Type())
	}

	if f.req.SizeKnown && meta.Size != f.req.Size {
		return manager.StateFailed, newError(KindSizeMismatch, nil, "responder says %d bytes, expected %d", meta.Size, f.req.Size)
	}
	// The announced size is unproven until the last chunk verifies, so
	// nothing is sized by it before it passes the cap.
	if limit := f.opts.maxBlobSize(); meta.Size > limit {
		return manager.StateFailed, newError(KindProtocolViolation, nil, "responder announces %d bytes, limit %d", meta.Size, limit)
	}
	created, err := f.st.GetOrCreate(f.req.Hash, meta.Size)
	if err != nil {
		return manager.StateFailed, classifyStore(err, f.req.Hash)
	}
	f.size = meta.Size
	if rec != nil && !rec.Verified.IsEmpty() && created.Verified.IsEmpty() {
		// An unproven size was replaced, dropping what this request
		// skipped. It is asked for again on the next fetch.
		f.log.Warn(fmt.Sprintf("unproven size %d of %s replaced by %d", rec.Size, f.req.Hash.Short(), meta.Size))
	}

	available, err := rangeset.ParseLimit(meta.Available, transport.MaxWireRanges)
	if err != nil {
		return manager.StateFailed, newError(KindProtocolViolation, err, "available ranges")
	}
	ask = ask.Clip(f.size)
	aligned := ask.AlignToChunks(hashtree.ChunkSize, f.size)
	if !aligned.CoversSet(available) {
		return manager.StateFailed, newError(KindProtocolViolation, nil, "responder offers %s outside %s", available, aligned)
	}
	f.sess.SetPlan(f.size, ask)

	indices := hashtree.ChunkIndices(available, f.size)
	if serr := f.stream(ctx, indices); serr != nil {
		return stateFor(serr), serr
	}

	rec, err = f.st.Record(f.req.Hash)
	if err != nil {
		return manager.StateFailed, classifyStore(err, f.req.Hash)
	}
	if rec.HasAllData() && !rec.Complete {
		if err := f.st.Finalize(f.req.Hash); err != nil {
			return manager.StateFailed, classifyStore(err, f.req.Hash)
		}
	}
	if missing := rec.Verified.Missing(f.want, rec.Size); !missing.IsEmpty() {
		return manager.StateFailed, newError(KindNotFound, nil, "responder lacks %s", missing)
	}
	if f.whole && !rec.SizeVerified {
		return manager.StateFailed, newError(KindNotFound, nil, "responder did not prove size")
	}
	return manager.StateCompleted, nil
}

// satisfied reports whether rec already holds everything requested.
func (f *fetcher) satisfied(rec *store.BlobRecord) bool {
	if rec.Complete {
		return true
	}
	if !rec.Verified.Missing(f.want, rec.Size).IsEmpty() {
		return false
	}
	return !f.whole || rec.SizeVerified
}

// stream receives and commits the chunks at indices, in order, then
// expects Complete.
func (f *fetcher) stream(ctx context.Context, indices []uint64) *Error {
	f.transition(manager.StateStreaming)
	v := hashtree.NewVerifier(f.req.Hash, f.size)
	next := 0
	for {
		msg, err := f.ms.Receive()
		if err != nil {
			return classifyRecv(err)
		}
		switch m := msg.(type) {
		case *transport.Chunk:
			if next >= len(indices) {
				return newError(KindProtocolViolation, nil, "unrequested chunk at %d", m.Offset)
			}
			i := indices[next]
			if serr := f.commit(v, i, m); serr != nil {
				return serr
			}
			next++
		case *transport.Complete:
			if next < len(indices) {
				return newError(KindProtocolViolation, nil, "complete after %d of %d chunks", next, len(indices))
			}
			return nil
		case *transport.ErrorMessage:
			return remoteError(m)
		default:
			return newError(KindProtocolViolation, nil, "unexpected %s while streaming", msg.Type())
		}
		if err := ctx.Err(); err != nil {
			return newError(KindTransportClosed, err, "cancelled")
		}
	}
}

// commit verifies one chunk message expected to be chunk i and stores it.
func (f *fetcher) commit(v *hashtree.Verifier, i uint64, m *transport.Chunk) *Error {
	rng := hashtree.ChunkRange(f.size, i)
	if m.Offset != rng.Start || uint64(m.Length) != rng.Len() {
		return newError(KindProtocolViolation, nil, "got chunk %d+%d, expected %s", m.Offset, m.Length, rng)
	}
	enc, err := transport.ParseEncoding(m.Encoding)
	if err != nil {
		return newError(KindProtocolViolation, err, "chunk %d", i)
	}
	data, err := transport.Decompress(m.Data, enc, int(m.Length))
	if err != nil {
		return newError(KindProtocolViolation, err, "chunk %d", i)
	}
	proof, err := transport.DecodeProof(m.Proof)
	if err != nil {
		return newError(KindProtocolViolation, err, "chunk %d", i)
	}

	f.transition(manager.StateVerifying)
	nodes, err := v.Verify(i, data, proof)
	if err != nil {
		f.log.ChunkRejected(f.sess.ID, i, err)
		if f.opts.Metrics != nil {
			f.opts.Metrics.RecordChunkRejected()
		}
		if errors.Is(err, hashtree.ErrProofLength) || errors.Is(err, hashtree.ErrChunkLength) {
			return newError(KindProtocolViolation, err, "chunk %d", i)
		}
		return newError(KindVerificationFailure, err, "chunk %d of %s", i, f.req.Hash.Short())
	}

	if err := f.st.PutPartial(f.req.Hash, rng.Start, data); err != nil {
		return newError(KindStorageIoFailure, err, "writing chunk %d", i)
	}
	if err := f.st.RecordVerified(f.req.Hash, rng, nodes); err != nil {
		return newError(KindStorageIoFailure, err, "recording chunk %d", i)
	}
	f.sess.AddProgress(rng)
	f.log.ChunkVerified(f.sess.ID, i, len(data), len(proof))
	if f.opts.Metrics != nil {
		f.opts.Metrics.RecordChunkVerified(len(data))
	}
	f.transition(manager.StateStreaming)
	return nil
}

func remoteError(m *transport.ErrorMessage) *Error {
	return newError(ParseKind(m.Kind), nil, "responder: %s", m.Detail)
}

// stateFor picks the terminal state for a session error: transport loss
// is resumable and so Aborted, everything else Failed.
func stateFor(serr *Error) manager.TransferState {
	if serr.Kind == KindTransportClosed {
		return manager.StateAborted
	}
	return manager.StateFailed
}

// String renders a result for CLI output.
func (r *Result) String() string {
	s := fmt.Sprintf("%s %s: %s committed, %d bytes", r.State, r.Hash.Short(), r.Committed, r.BytesReceived)
	if r.Err != nil {
		s += " (" + r.Err.Error() + ")"
	}
	return s
}
