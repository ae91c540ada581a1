package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/quicutil"
	"github.com/quantarax/verisync/internal/rangeset"
)

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func seeded(t *testing.T, data []byte) (*store.MemStore, hashtree.Hash) {
	t.Helper()
	st := store.NewMemStore(store.RetainOutboard)
	h, err := store.ImportBytes(st, data)
	require.NoError(t, err)
	return st, h
}

// fetchFrom runs Serve over one end of a pipe and Fetch over the other.
func fetchFrom(t *testing.T, ctx context.Context, src store.Store, dst store.Store, req Request, serve ServeOptions) (*Result, error) {
	t.Helper()
	local, remote := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, remote, src, serve) }()
	res, err := Fetch(ctx, local, dst, req, Options{})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not return")
	}
	return res, err
}

func requireStored(t *testing.T, st store.Store, h hashtree.Hash, data []byte) {
	t.Helper()
	rec, err := st.Record(h)
	require.NoError(t, err)
	require.True(t, rec.Complete)
	require.Equal(t, uint64(len(data)), rec.Size)
	got, err := st.GetRange(h, rangeset.Range{Start: 0, End: rec.Size})
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "stored bytes differ")
}

func TestFetchWholeBlob(t *testing.T) {
	data := randomBytes(10<<20, 1)
	src, h := seeded(t, data)
	dst := store.NewMemStore(store.RetainOutboard)

	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	require.Equal(t, uint64(len(data)), res.Size)
	require.Equal(t, uint64(len(data)), res.BytesReceived)
	require.True(t, res.Missing.IsEmpty())
	requireStored(t, dst, h, data)
}

func TestFetchCompressed(t *testing.T) {
	data := bytes.Repeat([]byte("every chunk is verified before it is stored\n"), 2000)
	src, h := seeded(t, data)

	for _, enc := range []string{"zstd", "lz4"} {
		t.Run(enc, func(t *testing.T) {
			dst := store.NewMemStore(store.RetainOutboard)
			req := Request{Hash: h, Encodings: []string{enc}}
			res, err := fetchFrom(t, context.Background(), src, dst, req, ServeOptions{})
			require.NoError(t, err)
			require.Equal(t, manager.StateCompleted, res.State)
			requireStored(t, dst, h, data)
		})
	}
}

func TestFetchEmptyBlob(t *testing.T) {
	src, h := seeded(t, nil)
	dst := store.NewMemStore(store.RetainOutboard)

	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	rec, err := dst.Record(h)
	require.NoError(t, err)
	require.True(t, rec.Complete)
	require.True(t, rec.SizeVerified)
	require.Zero(t, rec.Size)
}

func TestFetchRange(t *testing.T) {
	data := randomBytes(20000, 2)
	src, h := seeded(t, data)
	dst := store.NewMemStore(store.RetainOutboard)

	want := rangeset.New(rangeset.Range{Start: 5000, End: 9000})
	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h, Ranges: want}, ServeOptions{})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	require.Equal(t, "4096-9216", res.Committed.String())

	rec, err := dst.Record(h)
	require.NoError(t, err)
	require.False(t, rec.Complete)
	got, err := dst.GetRange(h, rangeset.Range{Start: 5000, End: 9000})
	require.NoError(t, err)
	require.Equal(t, data[5000:9000], got)
}

func TestFetchResumesAfterPartial(t *testing.T) {
	data := randomBytes(100*hashtree.ChunkSize, 3)
	src, h := seeded(t, data)
	dst := store.NewMemStore(store.RetainOutboard)

	// The first session is cut off after 40 of 100 chunks.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local, remote := transport.Pipe()
	go fakeResponder(ctx, remote, data, nil, 40)
	done := make(chan *Result, 1)
	go func() {
		res, _ := Fetch(ctx, local, dst, Request{Hash: h}, Options{})
		done <- res
	}()
	firstForty := rangeset.Range{Start: 0, End: 40 * hashtree.ChunkSize}
	require.Eventually(t, func() bool {
		rec, err := dst.Record(h)
		return err == nil && rec.Verified.Covered(firstForty)
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	var aborted *Result
	select {
	case aborted = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}
	require.Equal(t, manager.StateAborted, aborted.State)
	require.Equal(t, "0-40960", aborted.Committed.String())

	sessions := manager.NewSessionStore(0)
	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{Options: Options{Sessions: sessions}})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	require.Equal(t, uint64(60*hashtree.ChunkSize), res.BytesReceived)
	require.Equal(t, "40960-102400", res.Committed.String())
	requireStored(t, dst, h, data)

	// The responder was only asked for what was missing.
	served, total := sessions.List(nil, 0, 0)
	require.Equal(t, 1, total)
	require.Equal(t, "40960-102400", served[0].Wanted.String())
}

func TestFetchResumesAcrossStoreReopen(t *testing.T) {
	data := randomBytes(64*hashtree.ChunkSize, 4)
	src, h := seeded(t, data)
	dir := t.TempDir()
	ctx := context.Background()

	dst, err := store.Open(ctx, dir, store.Options{})
	require.NoError(t, err)
	half := rangeset.New(rangeset.Range{Start: 0, End: 32 * hashtree.ChunkSize})
	_, err = fetchFrom(t, ctx, src, dst, Request{Hash: h, Ranges: half}, ServeOptions{})
	require.NoError(t, err)
	require.NoError(t, dst.Close())

	dst, err = store.Open(ctx, dir, store.Options{})
	require.NoError(t, err)
	defer dst.Close()
	res, err := fetchFrom(t, ctx, src, dst, Request{Hash: h}, ServeOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(32*hashtree.ChunkSize), res.BytesReceived)
	requireStored(t, dst, h, data)
}

func TestFetchAlreadyStored(t *testing.T) {
	data := randomBytes(5000, 5)
	dst, h := seeded(t, data)

	// Nobody serves the other end: a satisfied fetch sends nothing.
	local, remote := transport.Pipe()
	defer remote.Reset()
	res, err := Fetch(context.Background(), local, dst, Request{Hash: h}, Options{})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	require.Zero(t, res.BytesReceived)
}

func TestFetchNotFound(t *testing.T) {
	src := store.NewMemStore(store.RetainOutboard)
	dst := store.NewMemStore(store.RetainOutboard)
	h, _ := hashtree.Build([]byte("nobody has this"))

	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, manager.StateFailed, res.State)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindNotFound, kind)
}

func TestFetchSizeMismatch(t *testing.T) {
	data := randomBytes(3000, 6)
	src, h := seeded(t, data)
	dst := store.NewMemStore(store.RetainOutboard)

	req := Request{Hash: h, Size: 4000, SizeKnown: true}
	res, err := fetchFrom(t, context.Background(), src, dst, req, ServeOptions{})
	require.ErrorIs(t, err, ErrSizeMismatch)
	require.Equal(t, manager.StateFailed, res.State)
	require.True(t, res.Committed.IsEmpty())
}

func TestFetchPartialResponder(t *testing.T) {
	data := randomBytes(10*hashtree.ChunkSize, 7)
	full, h := seeded(t, data)

	// The responder itself only holds chunks 0-4.
	partial := store.NewMemStore(store.RetainOutboard)
	half := rangeset.New(rangeset.Range{Start: 0, End: 5 * hashtree.ChunkSize})
	_, err := fetchFrom(t, context.Background(), full, partial, Request{Hash: h, Ranges: half}, ServeOptions{})
	require.NoError(t, err)

	dst := store.NewMemStore(store.RetainOutboard)
	res, err := fetchFrom(t, context.Background(), partial, dst, Request{Hash: h}, ServeOptions{})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "0-5120", res.Committed.String())
	require.Equal(t, "5120-10240", res.Missing.String())
}

// fakeResponder answers one request from a complete in-memory copy of
// data, letting tamper rewrite chunks before they are sent. It stops
// after sending limit chunks when limit >= 0 and then waits for ctx.
func fakeResponder(ctx context.Context, stream transport.Stream, data []byte, tamper func(*transport.Chunk), limit int) {
	defer stream.Reset()
	ms := transport.NewMessageStream(stream)
	if _, err := ms.ReceiveRequest(); err != nil {
		return
	}
	_, ob := hashtree.Build(data)
	size := uint64(len(data))
	all := rangeset.New(rangeset.Range{Start: 0, End: size})
	if _, err := ms.Send(&transport.ResponseMeta{Size: size, SizeKnown: true, Available: all.String()}); err != nil {
		return
	}
	it := hashtree.NewIterator(bytes.NewReader(data), ob, all)
	for sent := 0; it.Next(); sent++ {
		if limit >= 0 && sent == limit {
			<-ctx.Done()
			return
		}
		c := it.Chunk()
		msg := &transport.Chunk{
			Offset: c.Offset,
			Length: uint32(len(c.Data)),
			Proof:  transport.EncodeProof(c.Proof),
			Data:   append([]byte(nil), c.Data...),
		}
		if tamper != nil {
			tamper(msg)
		}
		if _, err := ms.Send(msg); err != nil {
			return
		}
	}
	ms.Send(&transport.Complete{})
}

func TestFetchRejectsTamperedChunk(t *testing.T) {
	data := randomBytes(8*hashtree.ChunkSize, 8)
	h, _ := hashtree.Build(data)
	dst := store.NewMemStore(store.RetainOutboard)

	local, remote := transport.Pipe()
	go fakeResponder(context.Background(), remote, data, func(c *transport.Chunk) {
		if c.Offset == 3*hashtree.ChunkSize {
			c.Data[17] ^= 0x01
		}
	}, -1)

	res, err := Fetch(context.Background(), local, dst, Request{Hash: h}, Options{})
	require.ErrorIs(t, err, ErrVerification)
	require.Equal(t, manager.StateFailed, res.State)
	require.Equal(t, "0-3072", res.Committed.String())

	rec, err := dst.Record(h)
	require.NoError(t, err)
	require.False(t, rec.Verified.Contains(3*hashtree.ChunkSize))
	_, err = dst.GetRange(h, hashtree.ChunkRange(rec.Size, 3))
	require.ErrorIs(t, err, store.ErrRangeNotVerified)
}

func TestFetchRejectsShortProof(t *testing.T) {
	data := randomBytes(8*hashtree.ChunkSize, 9)
	h, _ := hashtree.Build(data)
	dst := store.NewMemStore(store.RetainOutboard)

	local, remote := transport.Pipe()
	go fakeResponder(context.Background(), remote, data, func(c *transport.Chunk) {
		c.Proof = nil
	}, -1)

	_, err := Fetch(context.Background(), local, dst, Request{Hash: h}, Options{})
	require.ErrorIs(t, err, ErrProtocolViolation)
}

// announce answers one request with meta and then waits for ctx.
func announce(ctx context.Context, stream transport.Stream, meta *transport.ResponseMeta) {
	defer stream.Reset()
	ms := transport.NewMessageStream(stream)
	if _, err := ms.ReceiveRequest(); err != nil {
		return
	}
	if _, err := ms.Send(meta); err != nil {
		return
	}
	<-ctx.Done()
}

func TestFetchRejectsUntrustedAnnouncement(t *testing.T) {
	h, _ := hashtree.Build(randomBytes(4*hashtree.ChunkSize, 12))

	var many []rangeset.Range
	for i := uint64(0); i <= transport.MaxWireRanges; i++ {
		many = append(many, rangeset.Range{Start: 2 * i, End: 2*i + 1})
	}

	cases := []struct {
		name  string
		meta  transport.ResponseMeta
		limit uint64
	}{
		{"huge size", transport.ResponseMeta{Size: 1 << 60, Available: "0-1024"}, 0},
		{"max size", transport.ResponseMeta{Size: ^uint64(0), Available: "0-1024"}, 0},
		{"over configured limit", transport.ResponseMeta{Size: 8192, Available: "0-8192"}, 4096},
		{"too many ranges", transport.ResponseMeta{Size: 1 << 20, Available: rangeset.New(many...).String()}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			dst := store.NewMemStore(store.RetainOutboard)
			local, remote := transport.Pipe()
			go announce(ctx, remote, &c.meta)

			res, err := Fetch(ctx, local, dst, Request{Hash: h}, Options{MaxBlobSize: c.limit})
			require.ErrorIs(t, err, ErrProtocolViolation)
			require.Equal(t, manager.StateFailed, res.State)
			require.True(t, res.Committed.IsEmpty())
		})
	}
}

func TestFetchCancelKeepsCommittedChunks(t *testing.T) {
	data := randomBytes(16*hashtree.ChunkSize, 10)
	src, h := seeded(t, data)
	dst := store.NewMemStore(store.RetainOutboard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local, remote := transport.Pipe()
	go fakeResponder(ctx, remote, data, nil, 3)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := Fetch(ctx, local, dst, Request{Hash: h}, Options{})
		done <- outcome{res, err}
	}()

	firstThree := rangeset.Range{Start: 0, End: 3 * hashtree.ChunkSize}
	require.Eventually(t, func() bool {
		rec, err := dst.Record(h)
		return err == nil && rec.Verified.Covered(firstThree)
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}
	require.ErrorIs(t, out.err, ErrTransportClosed)
	require.ErrorIs(t, out.err, context.Canceled)
	require.Equal(t, manager.StateAborted, out.res.State)
	require.Equal(t, "0-3072", out.res.Committed.String())

	// A later session picks up where this one stopped.
	res, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{})
	require.NoError(t, err)
	require.Equal(t, "3072-16384", res.Committed.String())
	requireStored(t, dst, h, data)
}

func TestServeRejectsBadRequest(t *testing.T) {
	src, _ := seeded(t, []byte("x"))
	local, remote := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), remote, src, ServeOptions{}) }()

	ms := transport.NewMessageStream(local)
	_, err := ms.Send(&transport.Complete{})
	require.NoError(t, err)
	msg, err := ms.Receive()
	require.NoError(t, err)
	em, ok := msg.(*transport.ErrorMessage)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, "ProtocolViolation", em.Kind)
	require.ErrorIs(t, <-done, ErrProtocolViolation)
}

func TestServeUsesOutboardCache(t *testing.T) {
	data := randomBytes(4*hashtree.ChunkSize, 11)
	src := store.NewMemStore(store.DiscardOutboard)
	h, err := store.ImportBytes(src, data)
	require.NoError(t, err)

	cache := NewOutboardCache(4)
	for i := 0; i < 2; i++ {
		dst := store.NewMemStore(store.RetainOutboard)
		_, err := fetchFrom(t, context.Background(), src, dst, Request{Hash: h}, ServeOptions{Cache: cache})
		require.NoError(t, err)
		requireStored(t, dst, h, data)
	}
	require.Equal(t, 1, cache.Len())
	cache.Forget(h)
	require.Zero(t, cache.Len())
}

func TestErrorKinds(t *testing.T) {
	for kind, name := range kindNames {
		require.Equal(t, kind, ParseKind(name))
		err := error(newError(kind, nil, "x"))
		require.True(t, errors.Is(err, kind.sentinel()))
	}
	require.Equal(t, KindProtocolViolation, ParseKind("FromTheFuture"))
}

func TestFetchOverQUIC(t *testing.T) {
	serverID, err := identity.Generate()
	require.NoError(t, err)
	clientID, err := identity.Generate()
	require.NoError(t, err)
	serverTLS, err := quicutil.MakeServerTLSConfig(serverID)
	require.NoError(t, err)
	clientTLS, err := quicutil.MakeClientTLSConfig(clientID, &serverID.ID)
	require.NoError(t, err)

	ln, err := transport.ListenQUIC("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Skipf("cannot listen on loopback UDP: %v", err)
	}
	defer ln.Close()

	data := randomBytes(256*hashtree.ChunkSize+17, 12)
	src, h := seeded(t, data)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		Serve(ctx, stream, src, ServeOptions{Options: Options{Peer: conn.RemotePeerID().Short()}})
		// Wait for the requester to finish reading before closing.
		<-conn.Context().Done()
	}()

	conn, err := transport.DialQUIC(ctx, ln.Addr(), clientTLS)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, serverID.ID, conn.RemotePeerID())

	stream, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	dst := store.NewMemStore(store.RetainOutboard)
	res, err := Fetch(ctx, stream, dst, Request{Hash: h, Encodings: []string{"zstd"}}, Options{})
	require.NoError(t, err)
	require.Equal(t, manager.StateCompleted, res.State)
	requireStored(t, dst, h, data)
}
