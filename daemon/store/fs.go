package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quantarax/verisync/internal/codec"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/observability"
	"github.com/quantarax/verisync/internal/rangeset"
)

var bucketBlobs = []byte("blobs")

// Options configures a FileStore.
type Options struct {
	OutboardPolicy OutboardPolicy
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// FileStore keeps a bolt index of BlobRecords next to one sparse data file
// and one outboard file per blob:
//
//	<dir>/index.db
//	<dir>/blobs/<hex>.data
//	<dir>/blobs/<hex>.obao
//
// Data and outboard nodes are written before the index is updated, so a
// crash can leave unindexed bytes on disk but never indexed bytes that were
// not written. Open re-verifies every incomplete blob.
type FileStore struct {
	dir     string
	db      *bolt.DB
	policy  OutboardPolicy
	locks   *writeLocks
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Open opens or creates a store under dir and recovers incomplete blobs.
func Open(ctx context.Context, dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketBlobs)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index bucket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &FileStore{
		dir:     dir,
		db:      db,
		policy:  opts.OutboardPolicy,
		locks:   newWriteLocks(),
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.refreshStats()
	return s, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) dataPath(hash hashtree.Hash) string {
	return filepath.Join(s.dir, "blobs", hash.String()+".data")
}

func (s *FileStore) outboardPath(hash hashtree.Hash) string {
	return filepath.Join(s.dir, "blobs", hash.String()+".obao")
}

func (s *FileStore) recover(ctx context.Context) error {
	recs, err := s.List()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Complete {
			continue
		}
		kept, dropped, err := Reverify(ctx, s, rec.Hash)
		if err != nil {
			return fmt.Errorf("recovering %s: %w", rec.Hash.Short(), err)
		}
		s.logger.StoreRecovered(rec.Hash.String(), kept, dropped)
	}
	return nil
}

func (s *FileStore) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordStoreOperation(op, err)
	}
}

func (s *FileStore) refreshStats() {
	if s.metrics == nil {
		return
	}
	recs, err := s.List()
	if err != nil {
		return
	}
	var complete, partial int
	var verified uint64
	for _, rec := range recs {
		if rec.Complete {
			complete++
		} else {
			partial++
		}
		verified += rec.Verified.Len()
	}
	s.metrics.SetStoreStats(complete, partial, verified)
}

func getRecord(tx *bolt.Tx, hash hashtree.Hash) (*BlobRecord, error) {
	v := tx.Bucket(bucketBlobs).Get(hash[:])
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	var rec BlobRecord
	if err := codec.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", hash.Short(), err)
	}
	return &rec, nil
}

func putRecord(tx *bolt.Tx, rec *BlobRecord) error {
	v, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Hash.Short(), err)
	}
	return tx.Bucket(bucketBlobs).Put(rec.Hash[:], v)
}

// update applies fn to the stored record inside one index transaction.
func (s *FileStore) update(hash hashtree.Hash, fn func(rec *BlobRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, hash)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		return putRecord(tx, rec)
	})
}

func (s *FileStore) Record(hash hashtree.Hash) (*BlobRecord, error) {
	var rec *BlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, hash)
		return err
	})
	return rec, err
}

func (s *FileStore) GetOrCreate(hash hashtree.Hash, size uint64) (*BlobRecord, error) {
	var out *BlobRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, hash)
		switch {
		case errors.Is(err, ErrNotFound):
			rec = newRecord(hash, size, s.now())
		case err != nil:
			return err
		default:
			reset, err := resize(rec, size)
			if err != nil {
				return err
			}
			if !reset {
				out = rec
				return nil
			}
			rec.UpdatedAt = s.now()
		}
		if err := s.createFiles(hash, size); err != nil {
			return err
		}
		out = rec
		return putRecord(tx, rec)
	})
	s.observe("create", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// createFiles lays out an empty sparse data file and an outboard holding
// only the root.
func (s *FileStore) createFiles(hash hashtree.Hash, size uint64) error {
	df, err := os.OpenFile(s.dataPath(hash), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating data file: %w", err)
	}
	if err := df.Truncate(int64(size)); err != nil {
		df.Close()
		return fmt.Errorf("sizing data file: %w", err)
	}
	if err := df.Close(); err != nil {
		return err
	}

	of, err := os.OpenFile(s.outboardPath(hash), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating outboard file: %w", err)
	}
	defer of.Close()
	if err := of.Truncate(hashtree.EncodedSize(size)); err != nil {
		return fmt.Errorf("sizing outboard file: %w", err)
	}
	if _, err := of.WriteAt(hashtree.EncodeHeader(size), 0); err != nil {
		return fmt.Errorf("writing outboard header: %w", err)
	}
	if _, err := of.WriteAt(hash[:], hashtree.NodeOffset(hashtree.RootPos(size))); err != nil {
		return fmt.Errorf("writing outboard root: %w", err)
	}
	return of.Close()
}

func (s *FileStore) PutPartial(hash hashtree.Hash, offset uint64, data []byte) error {
	rec, err := s.Record(hash)
	if err != nil {
		return err
	}
	if err := checkRange(rec, offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.dataPath(hash), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening data file: %w", err)
	}
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		f.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	return f.Close()
}

func (s *FileStore) writeNodes(hash hashtree.Hash, size uint64, nodes []hashtree.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	limit := 2*hashtree.ChunkCount(size) - 1
	f, err := os.OpenFile(s.outboardPath(hash), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening outboard file: %w", err)
	}
	for _, nd := range nodes {
		if nd.Pos >= limit {
			f.Close()
			return fmt.Errorf("%w: node %d beyond %d", hashtree.ErrBadOutboard, nd.Pos, limit)
		}
		if _, err := f.WriteAt(nd.Hash[:], hashtree.NodeOffset(nd.Pos)); err != nil {
			f.Close()
			return fmt.Errorf("writing outboard node: %w", err)
		}
	}
	return f.Close()
}

func (s *FileStore) RecordVerified(hash hashtree.Hash, rng rangeset.Range, nodes []hashtree.Node) error {
	rec, err := s.Record(hash)
	if err != nil {
		return err
	}
	if !rec.OutboardDropped {
		if err := s.writeNodes(hash, rec.Size, nodes); err != nil {
			s.observe("record_verified", err)
			return err
		}
	}
	err = s.update(hash, func(rec *BlobRecord) error {
		return applyVerified(rec, rng, s.now())
	})
	s.observe("record_verified", err)
	return err
}

func (s *FileStore) GetRange(hash hashtree.Hash, rng rangeset.Range) ([]byte, error) {
	rec, err := s.Record(hash)
	if err != nil {
		return nil, err
	}
	if err := checkRange(rec, rng.Start, rng.Len()); err != nil {
		return nil, err
	}
	if !rec.Verified.Covered(rng) {
		return nil, fmt.Errorf("%w: %s %s", ErrRangeNotVerified, hash.Short(), rng)
	}
	out := make([]byte, rng.Len())
	if len(out) == 0 {
		return out, nil
	}
	f, err := os.Open(s.dataPath(hash))
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(out, int64(rng.Start)); err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	return out, nil
}

func (s *FileStore) Outboard(hash hashtree.Hash) (*hashtree.Outboard, error) {
	rec, err := s.Record(hash)
	if err != nil {
		return nil, err
	}
	if rec.OutboardDropped {
		return s.rebuildOutboard(rec)
	}
	raw, err := os.ReadFile(s.outboardPath(hash))
	if err != nil {
		return nil, fmt.Errorf("reading outboard: %w", err)
	}
	ob, err := hashtree.DecodeOutboard(raw)
	if err != nil {
		return nil, err
	}
	if ob.Size() != rec.Size {
		return nil, fmt.Errorf("%w: outboard for %d bytes, record says %d", hashtree.ErrBadOutboard, ob.Size(), rec.Size)
	}
	return ob, nil
}

func (s *FileStore) rebuildOutboard(rec *BlobRecord) (*hashtree.Outboard, error) {
	f, err := os.Open(s.dataPath(rec.Hash))
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()
	root, ob, err := hashtree.BuildFrom(io.LimitReader(f, int64(rec.Size)), rec.Size)
	if err != nil {
		return nil, fmt.Errorf("rebuilding outboard: %w", err)
	}
	if root != rec.Hash {
		return nil, fmt.Errorf("rebuilding outboard for %s: data hashes to %s", rec.Hash.Short(), root.Short())
	}
	return ob, nil
}

func (s *FileStore) Reset(hash hashtree.Hash, keep rangeset.RangeSet) error {
	return s.update(hash, func(rec *BlobRecord) error {
		narrow(rec, keep, s.now())
		return nil
	})
}

func (s *FileStore) Finalize(hash hashtree.Hash) error {
	drop := false
	err := s.update(hash, func(rec *BlobRecord) error {
		if !rec.HasAllData() {
			return fmt.Errorf("%w: %s has %s of %d", ErrIncomplete, hash.Short(), rec.Verified, rec.Size)
		}
		rec.Complete = true
		rec.UpdatedAt = s.now()
		if s.policy == DiscardOutboard && !rec.OutboardDropped {
			rec.OutboardDropped = true
			drop = true
		}
		return nil
	})
	s.observe("finalize", err)
	if err != nil {
		return err
	}
	if drop {
		if err := os.Remove(s.outboardPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error(err, "removing discarded outboard")
		}
	}
	s.refreshStats()
	return nil
}

func (s *FileStore) Acquire(hash hashtree.Hash) (func(), error) {
	return s.locks.acquire(hash)
}

func (s *FileStore) AddRef(hash hashtree.Hash) error {
	return s.update(hash, func(rec *BlobRecord) error {
		rec.RefCount++
		rec.UpdatedAt = s.now()
		return nil
	})
}

func (s *FileStore) Unref(hash hashtree.Hash) error {
	return s.update(hash, func(rec *BlobRecord) error {
		if rec.RefCount > 0 {
			rec.RefCount--
		}
		rec.UpdatedAt = s.now()
		return nil
	})
}

func (s *FileStore) List() ([]BlobRecord, error) {
	var out []BlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var rec BlobRecord
			if err := codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %x: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *FileStore) Delete(hash hashtree.Hash) error {
	if s.locks.busy(hash) {
		return fmt.Errorf("%w: %s", ErrBlobBusy, hash.Short())
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getRecord(tx, hash); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobs).Delete(hash[:])
	})
	s.observe("delete", err)
	if err != nil {
		return err
	}
	for _, p := range []string{s.dataPath(hash), s.outboardPath(hash)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	s.refreshStats()
	return nil
}

func (s *FileStore) Close() error {
	return s.db.Close()
}
