package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
	"github.com/quantarax/verisync/internal/validation"
)

// copyBlock is the unit of import and export I/O.
const copyBlock = 1024 * hashtree.ChunkSize

// ProgressFunc reports bytes done out of total.
type ProgressFunc func(done, total uint64)

// ImportBytes stores data as a complete blob and returns its hash.
func ImportBytes(s Store, data []byte) (hashtree.Hash, error) {
	hash, ob := hashtree.Build(data)
	size := uint64(len(data))
	return hash, commitImport(s, hash, ob, func() error {
		return s.PutPartial(hash, 0, data)
	}, size)
}

// Import reads r to the end and stores it as a complete blob.
func Import(ctx context.Context, s Store, r io.Reader) (hashtree.Hash, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return hashtree.Hash{}, fmt.Errorf("reading import: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return hashtree.Hash{}, err
	}
	return ImportBytes(s, data)
}

// ImportFile hashes the file at path, then copies it into the store in
// blocks. The copy is re-hashed against the first pass so a file modified
// mid-import is rejected.
func ImportFile(ctx context.Context, s Store, path string, progress ProgressFunc) (hashtree.Hash, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return hashtree.Hash{}, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return hashtree.Hash{}, 0, err
	}
	if !info.Mode().IsRegular() {
		return hashtree.Hash{}, 0, fmt.Errorf("%s is not a regular file", path)
	}
	size := uint64(info.Size())

	hash, ob, err := hashtree.BuildFrom(f, size)
	if err != nil {
		return hashtree.Hash{}, 0, fmt.Errorf("hashing %s: %w", path, err)
	}

	copyData := func() error {
		buf := make([]byte, copyBlock)
		for off := uint64(0); off < size; {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(uint64(len(buf)), size-off)
			block := buf[:n]
			if _, err := f.ReadAt(block, int64(off)); err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			for c := uint64(0); c < n; c += hashtree.ChunkSize {
				idx := (off + c) / hashtree.ChunkSize
				end := min(c+hashtree.ChunkSize, n)
				leaf, _ := ob.Node(2 * idx)
				if hashtree.LeafHash(idx, block[c:end]) != leaf {
					return fmt.Errorf("%s changed during import", path)
				}
			}
			if err := s.PutPartial(hash, off, block); err != nil {
				return err
			}
			off += n
			if progress != nil {
				progress(off, size)
			}
		}
		return nil
	}
	if err := commitImport(s, hash, ob, copyData, size); err != nil {
		return hashtree.Hash{}, 0, err
	}
	return hash, size, nil
}

// commitImport writes a locally hashed blob under its write section.
// Blobs that are already complete are left alone.
func commitImport(s Store, hash hashtree.Hash, ob *hashtree.Outboard, write func() error, size uint64) error {
	release, err := s.Acquire(hash)
	if err != nil {
		return err
	}
	defer release()

	rec, err := s.GetOrCreate(hash, size)
	if err != nil {
		return err
	}
	if rec.Complete {
		return nil
	}
	if err := write(); err != nil {
		return err
	}
	if err := s.RecordVerified(hash, rangeset.Range{Start: 0, End: size}, ob.Nodes()); err != nil {
		return err
	}
	return s.Finalize(hash)
}

// Export writes a complete blob to w.
func Export(ctx context.Context, s Store, hash hashtree.Hash, w io.Writer) error {
	rec, err := s.Record(hash)
	if err != nil {
		return err
	}
	if !rec.Complete {
		return fmt.Errorf("%w: %s", ErrIncomplete, hash.Short())
	}
	for off := uint64(0); off < rec.Size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+copyBlock, rec.Size)
		data, err := s.GetRange(hash, rangeset.Range{Start: off, End: end})
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		off = end
	}
	return nil
}

// ExportFile writes a complete blob to the absolute path, replacing it
// atomically.
func ExportFile(ctx context.Context, s Store, hash hashtree.Hash, path string) error {
	if err := validation.ValidateAbsPath(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := Export(ctx, s, hash, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// rangeReader adapts a store to io.ReaderAt over one blob's verified bytes.
type rangeReader struct {
	s    Store
	hash hashtree.Hash
	size uint64
}

// NewRangeReader returns an io.ReaderAt over the verified bytes of hash.
// Reads that touch unverified bytes fail with ErrRangeNotVerified.
func NewRangeReader(s Store, hash hashtree.Hash) (io.ReaderAt, error) {
	rec, err := s.Record(hash)
	if err != nil {
		return nil, err
	}
	return &rangeReader{s: s, hash: hash, size: rec.Size}, nil
}

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if uint64(off) >= r.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	rng := rangeset.Range{Start: uint64(off), End: uint64(off) + uint64(len(p))}.Clip(r.size)
	data, err := r.s.GetRange(r.hash, rng)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ListPartial returns the records that are not complete.
func ListPartial(s Store) ([]BlobRecord, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if !rec.Complete {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Report is Validate's result for one blob.
type Report struct {
	Hash     hashtree.Hash
	Size     uint64
	Complete bool
	// Checked is the number of verified chunks re-hashed.
	Checked uint64
	// Bad lists chunk indices that no longer match the tree.
	Bad []uint64
	Err error
}

// OK reports whether every checked chunk matched.
func (r Report) OK() bool { return r.Err == nil && len(r.Bad) == 0 }

// check re-hashes every verified chunk of hash against its outboard and
// returns the set of chunks that still verify.
func check(ctx context.Context, s Store, hash hashtree.Hash) (rangeset.RangeSet, Report, error) {
	rec, err := s.Record(hash)
	if err != nil {
		return rangeset.RangeSet{}, Report{}, err
	}
	rep := Report{Hash: hash, Size: rec.Size, Complete: rec.Complete}
	var good rangeset.RangeSet
	if rec.Verified.IsEmpty() && !(rec.Size == 0 && rec.SizeVerified) {
		return good, rep, nil
	}
	ob, err := s.Outboard(hash)
	if err != nil {
		return rangeset.RangeSet{}, rep, err
	}
	if ob.Root() != hash {
		return rangeset.RangeSet{}, rep, fmt.Errorf("%w: root does not match %s", hashtree.ErrBadOutboard, hash.Short())
	}
	for _, i := range hashtree.ChunkIndices(rec.Verified.Clone(), rec.Size) {
		if err := ctx.Err(); err != nil {
			return rangeset.RangeSet{}, rep, err
		}
		cr := hashtree.ChunkRange(rec.Size, i)
		if !rec.Verified.Covered(cr) {
			continue
		}
		rep.Checked++
		data, err := s.GetRange(hash, cr)
		if err != nil {
			if errors.Is(err, ErrRangeNotVerified) {
				continue
			}
			return rangeset.RangeSet{}, rep, err
		}
		proof, err := ob.Proof(i)
		if err != nil || !hashtree.VerifyChunk(hash, rec.Size, i, data, proof) {
			rep.Bad = append(rep.Bad, i)
			continue
		}
		good.Insert(cr)
	}
	return good, rep, nil
}

// Reverify re-hashes the verified chunks of one blob and drops those that
// fail, returning the number of chunks kept and dropped.
func Reverify(ctx context.Context, s Store, hash hashtree.Hash) (kept, dropped uint64, err error) {
	good, rep, err := check(ctx, s, hash)
	if err != nil {
		if !errors.Is(err, hashtree.ErrBadOutboard) {
			return 0, 0, err
		}
		// An unreadable outboard vouches for nothing.
		rec, rerr := s.Record(hash)
		if rerr != nil {
			return 0, 0, rerr
		}
		if err := s.Reset(hash, rangeset.RangeSet{}); err != nil {
			return 0, 0, err
		}
		return 0, uint64(len(hashtree.ChunkIndices(rec.Verified, rec.Size))), nil
	}
	dropped = uint64(len(rep.Bad))
	if dropped == 0 {
		return rep.Checked, 0, nil
	}
	if err := s.Reset(hash, good); err != nil {
		return 0, 0, err
	}
	return rep.Checked - dropped, dropped, nil
}

// Validate checks every blob in the store with at most concurrency blobs
// in flight. Per-blob failures are reported, not returned.
func Validate(ctx context.Context, s Store, concurrency int) ([]Report, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	reports := make([]Report, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for i, rec := range recs {
		g.Go(func() error {
			_, rep, err := check(ctx, s, rec.Hash)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			rep.Hash, rep.Size, rep.Complete = rec.Hash, rec.Size, rec.Complete
			rep.Err = err
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// GC deletes blobs with no references that have not changed for grace.
// Blobs being written are skipped.
func GC(ctx context.Context, s Store, grace time.Duration, now time.Time) ([]hashtree.Hash, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []hashtree.Hash
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if rec.RefCount > 0 || now.Sub(rec.UpdatedAt) < grace {
			continue
		}
		if err := s.Delete(rec.Hash); err != nil {
			if errors.Is(err, ErrBlobBusy) || errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed = append(removed, rec.Hash)
	}
	return removed, nil
}
