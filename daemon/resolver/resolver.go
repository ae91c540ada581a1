// Package resolver fetches a collection: its manifest blob first, then
// every entry with bounded concurrency.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transfer"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/collection"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/observability"
	"github.com/quantarax/verisync/internal/rangeset"
)

// MaxManifestSize bounds the manifest blob, which is decoded in memory.
const MaxManifestSize = 64 << 20

// Options configures Resolve.
type Options struct {
	transfer.Options
	// Concurrency bounds simultaneous entry sessions, and so open
	// streams. Zero means runtime.NumCPU().
	Concurrency int
	Encodings   []string
	// Pin adds a store reference to the manifest and every entry once
	// the whole collection is present.
	Pin bool
}

// Entry is the outcome for one manifest entry.
type Entry struct {
	collection.Entry
	Result *transfer.Result
}

// Collection is a resolved collection.
type Collection struct {
	Hash     hashtree.Hash
	Manifest *collection.Manifest
	Entries  []Entry
}

// EntryError describes one entry that did not complete.
type EntryError struct {
	Name      string
	Hash      hashtree.Hash
	Err       error
	Committed rangeset.RangeSet
}

// CollectionError lists the entries that failed. Entries not listed
// completed.
type CollectionError struct {
	Hash   hashtree.Hash
	Total  int
	Failed []EntryError
}

func (e *CollectionError) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = f.Name
	}
	return fmt.Sprintf("collection %s: %d of %d entries failed: %s",
		e.Hash.Short(), len(e.Failed), e.Total, strings.Join(names, ", "))
}

// Unwrap exposes the entry errors to errors.Is and errors.As.
func (e *CollectionError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// Resolve fetches the collection whose manifest has content hash
// manifestHash, opening one stream per blob through opener. Entries are
// started in manifest order; there is no retry, so a failed Resolve can
// simply be called again and resumes every partial entry.
func Resolve(ctx context.Context, opener transport.Opener, st store.Store, manifestHash hashtree.Hash, opts Options) (*Collection, error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "resolver.Resolve",
		trace.WithAttributes(attribute.String("collection.hash", manifestHash.String())))
	defer span.End()
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}

	m, err := fetchManifest(ctx, opener, st, manifestHash, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest")
		return nil, err
	}
	span.SetAttributes(attribute.Int("collection.entries", len(m.Entries)))

	c := &Collection{Hash: manifestHash, Manifest: m, Entries: make([]Entry, len(m.Entries))}
	results := fetchEntries(ctx, opener, st, m, opts)
	cerr := &CollectionError{Hash: manifestHash, Total: len(m.Entries)}
	for i, e := range m.Entries {
		r := results[e.Hash]
		c.Entries[i] = Entry{Entry: e, Result: r.res}
		if r.err != nil {
			ee := EntryError{Name: e.Name, Hash: e.Hash, Err: r.err}
			if r.res != nil {
				ee.Committed = r.res.Committed
			}
			cerr.Failed = append(cerr.Failed, ee)
		}
		if opts.Metrics != nil {
			opts.Metrics.RecordCollectionEntry(r.err == nil)
		}
	}
	log.CollectionResolved(manifestHash.String(), len(m.Entries), len(cerr.Failed), time.Since(start))

	if len(cerr.Failed) > 0 {
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "entries failed")
		return c, cerr
	}
	if opts.Pin {
		if err := pin(st, manifestHash, m); err != nil {
			return c, err
		}
	}
	return c, nil
}

func fetchManifest(ctx context.Context, opener transport.Opener, st store.Store, hash hashtree.Hash, opts Options) (*collection.Manifest, error) {
	res, err := fetchOne(ctx, opener, st, transfer.Request{Hash: hash, Encodings: opts.Encodings}, opts.Options)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", hash.Short(), err)
	}
	if res.Size > MaxManifestSize {
		return nil, fmt.Errorf("%w: manifest is %d bytes", collection.ErrBadManifest, res.Size)
	}
	data, err := st.GetRange(hash, rangeset.Range{Start: 0, End: res.Size})
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", hash.Short(), err)
	}
	return collection.Decode(data)
}

type outcome struct {
	res *transfer.Result
	err error
}

// fetchEntries fetches every distinct entry hash once. A failing entry
// does not stop the others.
func fetchEntries(ctx context.Context, opener transport.Opener, st store.Store, m *collection.Manifest, opts Options) map[hashtree.Hash]outcome {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	var order []collection.Entry
	seen := make(map[hashtree.Hash]bool, len(m.Entries))
	for _, e := range m.Entries {
		if !seen[e.Hash] {
			seen[e.Hash] = true
			order = append(order, e)
		}
	}

	out := make([]outcome, len(order))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, e := range order {
		g.Go(func() error {
			req := transfer.Request{Hash: e.Hash, Size: e.Size, SizeKnown: true, Encodings: opts.Encodings}
			res, err := fetchOne(ctx, opener, st, req, opts.Options)
			out[i] = outcome{res: res, err: err}
			return nil
		})
	}
	g.Wait()

	results := make(map[hashtree.Hash]outcome, len(order))
	for i, e := range order {
		results[e.Hash] = out[i]
	}
	return results
}

func fetchOne(ctx context.Context, opener transport.Opener, st store.Store, req transfer.Request, opts transfer.Options) (*transfer.Result, error) {
	stream, err := opener.OpenStream(ctx)
	if err != nil {
		serr := &transfer.Error{Kind: transfer.KindTransportClosed, Detail: "opening stream", Err: err}
		return &transfer.Result{State: manager.StateAborted, Hash: req.Hash, Err: serr}, serr
	}
	return transfer.Fetch(ctx, stream, st, req, opts)
}

// pin references every blob of the collection, undoing on failure.
func pin(st store.Store, manifestHash hashtree.Hash, m *collection.Manifest) error {
	hashes := []hashtree.Hash{manifestHash}
	for _, e := range m.Entries {
		hashes = append(hashes, e.Hash)
	}
	for i, h := range hashes {
		if err := st.AddRef(h); err != nil {
			for _, done := range hashes[:i] {
				st.Unref(done)
			}
			return fmt.Errorf("pinning %s: %w", h.Short(), err)
		}
	}
	return nil
}

// Unpin drops the references Pin added.
func Unpin(st store.Store, manifestHash hashtree.Hash) error {
	rec, err := st.Record(manifestHash)
	if err != nil {
		return err
	}
	data, err := st.GetRange(manifestHash, rangeset.Range{Start: 0, End: rec.Size})
	if err != nil {
		return err
	}
	m, err := collection.Decode(data)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range m.Entries {
		if err := st.Unref(e.Hash); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, st.Unref(manifestHash))
	return errors.Join(errs...)
}
