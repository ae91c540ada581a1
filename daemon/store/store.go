// Package store persists blobs, their verified byte ranges and their hash
// tree outboards. Only bytes that passed verification are ever reported
// as present.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

var (
	ErrNotFound         = errors.New("blob not found")
	ErrSizeMismatch     = errors.New("blob size conflicts with recorded size")
	ErrRangeNotVerified = errors.New("range not verified")
	ErrIncomplete       = errors.New("blob incomplete")
	ErrBlobBusy         = errors.New("blob is being written by another session")
	ErrClosed           = errors.New("store closed")
)

// OutboardPolicy decides whether a complete blob keeps its outboard.
type OutboardPolicy int

const (
	// RetainOutboard keeps every node hash on disk.
	RetainOutboard OutboardPolicy = iota
	// DiscardOutboard drops the outboard at Finalize and rebuilds it from
	// the data when needed.
	DiscardOutboard
)

func (p OutboardPolicy) String() string {
	switch p {
	case RetainOutboard:
		return "retain"
	case DiscardOutboard:
		return "discard"
	default:
		return "unknown"
	}
}

// ParseOutboardPolicy parses the String form.
func ParseOutboardPolicy(s string) (OutboardPolicy, error) {
	switch s {
	case "", "retain":
		return RetainOutboard, nil
	case "discard":
		return DiscardOutboard, nil
	default:
		return 0, fmt.Errorf("unknown outboard policy %q", s)
	}
}

// BlobRecord is the index entry for one blob.
type BlobRecord struct {
	Hash     hashtree.Hash     `cbor:"hash"`
	Size     uint64            `cbor:"size"`
	Verified rangeset.RangeSet `cbor:"verified"`
	// SizeVerified is set once the last chunk verified, which proves Size.
	SizeVerified    bool      `cbor:"size_verified"`
	Complete        bool      `cbor:"complete"`
	RefCount        int64     `cbor:"refcount"`
	OutboardDropped bool      `cbor:"outboard_dropped,omitempty"`
	CreatedAt       time.Time `cbor:"created_at"`
	UpdatedAt       time.Time `cbor:"updated_at"`
}

// HasAllData reports whether every byte and the size are verified.
func (r *BlobRecord) HasAllData() bool {
	return r.SizeVerified && r.Verified.IsComplete(r.Size)
}

func (r *BlobRecord) clone() *BlobRecord {
	c := *r
	c.Verified = r.Verified.Clone()
	return &c
}

// Store is implemented by MemStore and FileStore.
//
// Writers call PutPartial only with bytes that already verified, then
// RecordVerified for the same range. A blob has at most one writer at a
// time; see Acquire.
type Store interface {
	// Record returns a copy of the index entry, or ErrNotFound.
	Record(hash hashtree.Hash) (*BlobRecord, error)
	// GetOrCreate returns the entry for hash, creating an empty one with
	// the given size. A different size on an entry whose size is proven
	// is ErrSizeMismatch; an unproven size is replaced and the entry
	// emptied.
	GetOrCreate(hash hashtree.Hash, size uint64) (*BlobRecord, error)
	// PutPartial writes data at offset without marking it verified.
	PutPartial(hash hashtree.Hash, offset uint64, data []byte) error
	// RecordVerified adds rng to the verified set and merges tree nodes
	// established while verifying it.
	RecordVerified(hash hashtree.Hash, rng rangeset.Range, nodes []hashtree.Node) error
	// GetRange returns verified bytes, or ErrRangeNotVerified.
	GetRange(hash hashtree.Hash, rng rangeset.Range) ([]byte, error)
	// Outboard returns a copy of the full or partial outboard.
	Outboard(hash hashtree.Hash) (*hashtree.Outboard, error)
	// Reset narrows the verified set to keep and clears Complete if data
	// was dropped.
	Reset(hash hashtree.Hash, keep rangeset.RangeSet) error
	// Finalize marks a blob whose data is all verified as complete, or
	// returns ErrIncomplete.
	Finalize(hash hashtree.Hash) error
	// Acquire enters the exclusive write section for hash. The returned
	// func leaves it. ErrBlobBusy when another writer holds it.
	Acquire(hash hashtree.Hash) (func(), error)
	// AddRef and Unref adjust the reference count that garbage
	// collection consults.
	AddRef(hash hashtree.Hash) error
	Unref(hash hashtree.Hash) error
	// List returns every entry ordered by hash.
	List() ([]BlobRecord, error)
	// Delete removes the blob and its files.
	Delete(hash hashtree.Hash) error
	Close() error
}

// writeLocks is the per-blob exclusive write section shared by both
// stores.
type writeLocks struct {
	mu   sync.Mutex
	held map[hashtree.Hash]struct{}
}

func newWriteLocks() *writeLocks {
	return &writeLocks{held: make(map[hashtree.Hash]struct{})}
}

func (w *writeLocks) acquire(hash hashtree.Hash) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.held[hash]; busy {
		return nil, fmt.Errorf("%w: %s", ErrBlobBusy, hash.Short())
	}
	w.held[hash] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.held, hash)
			w.mu.Unlock()
		})
	}, nil
}

func (w *writeLocks) busy(hash hashtree.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.held[hash]
	return ok
}

// newRecord builds an empty entry whose outboard will be seeded with the
// root.
func newRecord(hash hashtree.Hash, size uint64, now time.Time) *BlobRecord {
	return &BlobRecord{Hash: hash, Size: size, CreatedAt: now, UpdatedAt: now}
}

// resize applies GetOrCreate's size rule to an existing entry. It reports
// whether the entry was reset to the new size.
func resize(rec *BlobRecord, size uint64) (bool, error) {
	if rec.Size == size {
		return false, nil
	}
	if rec.SizeVerified {
		return false, fmt.Errorf("%w: %s recorded %d, declared %d", ErrSizeMismatch, rec.Hash.Short(), rec.Size, size)
	}
	// Chunks verified under an unproven size may sit at node positions
	// of the wrong tree shape, so they go with it.
	rec.Size = size
	rec.Verified = rangeset.RangeSet{}
	rec.Complete = false
	return true, nil
}

// checkRange rejects ranges that fall outside the blob.
func checkRange(rec *BlobRecord, offset, length uint64) error {
	if offset+length > rec.Size || offset+length < offset {
		return fmt.Errorf("%w: range %d+%d beyond size %d", ErrSizeMismatch, offset, length, rec.Size)
	}
	return nil
}

// applyVerified updates rec for a newly verified range.
func applyVerified(rec *BlobRecord, rng rangeset.Range, now time.Time) error {
	if err := checkRange(rec, rng.Start, rng.Len()); err != nil {
		return err
	}
	rec.Verified.Insert(rng)
	if rng.End == rec.Size {
		rec.SizeVerified = true
	}
	rec.UpdatedAt = now
	return nil
}

// narrow intersects rec's verified set with keep. An empty blob has no
// bytes to drop and keeps its proven size.
func narrow(rec *BlobRecord, keep rangeset.RangeSet, now time.Time) {
	rec.Verified = rec.Verified.Intersect(keep)
	if rec.Size > 0 && !rec.Verified.Contains(rec.Size-1) {
		rec.SizeVerified = false
	}
	if rec.Complete && !rec.HasAllData() {
		rec.Complete = false
	}
	rec.UpdatedAt = now
}
