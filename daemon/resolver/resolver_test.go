package resolver

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transfer"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/collection"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

func blob(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// countingOpener serves every opened stream from src and counts the
// streams opened.
type countingOpener struct {
	src    store.Store
	opened atomic.Int64
}

func (o *countingOpener) OpenStream(ctx context.Context) (transport.Stream, error) {
	o.opened.Add(1)
	return transport.PipeOpener{Serve: func(ctx context.Context, remote transport.Stream) {
		transfer.Serve(ctx, remote, o.src, transfer.ServeOptions{})
	}}.OpenStream(ctx)
}

// publish imports blobs into src and stores a manifest naming them.
func publish(t *testing.T, src store.Store, blobs map[string][]byte, names ...string) (hashtree.Hash, *collection.Manifest) {
	t.Helper()
	m := &collection.Manifest{}
	for _, name := range names {
		h, _ := hashtree.Build(blobs[name])
		require.NoError(t, m.Add(name, h, uint64(len(blobs[name]))))
	}
	_, data, err := m.Hash()
	require.NoError(t, err)
	mh, err := store.ImportBytes(src, data)
	require.NoError(t, err)
	return mh, m
}

func TestResolveCollection(t *testing.T) {
	blobs := map[string][]byte{
		"a.bin":     blob(10_000, 1),
		"b/c.bin":   blob(3*hashtree.ChunkSize, 2),
		"empty.txt": nil,
	}
	src := store.NewMemStore(store.RetainOutboard)
	for _, data := range blobs {
		_, err := store.ImportBytes(src, data)
		require.NoError(t, err)
	}
	mh, m := publish(t, src, blobs, "a.bin", "b/c.bin", "empty.txt")

	opener := &countingOpener{src: src}
	dst := store.NewMemStore(store.RetainOutboard)
	c, err := Resolve(context.Background(), opener, dst, mh, Options{Concurrency: 2, Pin: true})
	require.NoError(t, err)
	require.Len(t, c.Entries, 3)
	require.Equal(t, int64(4), opener.opened.Load())

	for i, e := range c.Entries {
		require.Equal(t, m.Entries[i].Name, e.Name)
		rec, err := dst.Record(e.Hash)
		require.NoError(t, err)
		require.True(t, rec.Complete, e.Name)
		require.Equal(t, int64(1), rec.RefCount, e.Name)
	}

	require.NoError(t, Unpin(dst, mh))
	rec, err := dst.Record(mh)
	require.NoError(t, err)
	require.Zero(t, rec.RefCount)
}

func TestResolveReportsFailedEntry(t *testing.T) {
	blobs := map[string][]byte{
		"one":   blob(5000, 3),
		"two":   blob(7000, 4),
		"three": blob(2000, 5),
	}
	src := store.NewMemStore(store.RetainOutboard)
	for _, name := range []string{"one", "three"} {
		_, err := store.ImportBytes(src, blobs[name])
		require.NoError(t, err)
	}
	mh, m := publish(t, src, blobs, "one", "two", "three")

	dst := store.NewMemStore(store.RetainOutboard)
	c, err := Resolve(context.Background(), &countingOpener{src: src}, dst, mh, Options{Pin: true})
	require.Error(t, err)
	require.ErrorIs(t, err, transfer.ErrNotFound)

	var cerr *CollectionError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, 3, cerr.Total)
	require.Len(t, cerr.Failed, 1)
	require.Equal(t, "two", cerr.Failed[0].Name)
	require.Equal(t, m.Entries[1].Hash, cerr.Failed[0].Hash)

	// The other entries completed and nothing was pinned.
	for _, i := range []int{0, 2} {
		rec, err := dst.Record(c.Entries[i].Hash)
		require.NoError(t, err)
		require.True(t, rec.Complete)
		require.Zero(t, rec.RefCount)
	}
}

func TestResolveEntrySizeMismatch(t *testing.T) {
	data := blob(4000, 6)
	src := store.NewMemStore(store.RetainOutboard)
	h, err := store.ImportBytes(src, data)
	require.NoError(t, err)

	m := &collection.Manifest{}
	require.NoError(t, m.Add("lies.bin", h, 4001))
	_, enc, err := m.Hash()
	require.NoError(t, err)
	mh, err := store.ImportBytes(src, enc)
	require.NoError(t, err)

	dst := store.NewMemStore(store.RetainOutboard)
	_, err = Resolve(context.Background(), &countingOpener{src: src}, dst, mh, Options{})
	require.ErrorIs(t, err, transfer.ErrSizeMismatch)

	var cerr *CollectionError
	require.True(t, errors.As(err, &cerr))
	require.True(t, cerr.Failed[0].Committed.Equal(rangeset.RangeSet{}))
}

func TestResolveMissingManifest(t *testing.T) {
	src := store.NewMemStore(store.RetainOutboard)
	dst := store.NewMemStore(store.RetainOutboard)
	mh, _ := hashtree.Build([]byte("no such manifest"))

	_, err := Resolve(context.Background(), &countingOpener{src: src}, dst, mh, Options{})
	require.ErrorIs(t, err, transfer.ErrNotFound)
	var cerr *CollectionError
	require.False(t, errors.As(err, &cerr))
}
