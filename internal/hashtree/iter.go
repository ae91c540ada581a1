package hashtree

import (
	"fmt"
	"io"

	"github.com/quantarax/verisync/internal/rangeset"
)

// Chunk is one step of an Iterator: the chunk bytes with the proof a
// session Verifier expects for them.
type Chunk struct {
	Index  uint64
	Offset uint64
	Data   []byte
	Proof  []Hash
}

// Checkpoint records where an Iterator stopped. A new session can resume
// from it with ResumeIterator.
type Checkpoint struct {
	NextChunk uint64
}

// ChunkIndices lists, in ascending order, the chunks that overlap want
// within a blob of size bytes. The single chunk of an empty blob is
// always included so that its emptiness can be proven.
func ChunkIndices(want rangeset.RangeSet, size uint64) []uint64 {
	if size == 0 {
		return []uint64{0}
	}
	var out []uint64
	for _, r := range want.AlignToChunks(ChunkSize, size).Ranges() {
		for i := r.Start / ChunkSize; i*ChunkSize < r.End; i++ {
			out = append(out, i)
		}
	}
	return out
}

// ChunkRange returns the byte range of chunk i.
func ChunkRange(size, i uint64) rangeset.Range {
	start := i * ChunkSize
	return rangeset.Range{Start: start, End: start + ChunkLen(size, i)}
}

// Iterator pulls (chunk, proof) pairs over a set of chunks in ascending
// order. It reads one chunk at a time from r and never holds the blob in
// memory.
type Iterator struct {
	r       io.ReaderAt
	planner *ProofPlanner
	size    uint64
	indices []uint64
	next    int
	cur     Chunk
	buf     []byte
	err     error
}

// NewIterator iterates the chunks of want, reading data from r and proofs
// from ob.
func NewIterator(r io.ReaderAt, ob *Outboard, want rangeset.RangeSet) *Iterator {
	return &Iterator{
		r:       r,
		planner: NewProofPlanner(ob),
		size:    ob.Size(),
		indices: ChunkIndices(want, ob.Size()),
		buf:     make([]byte, ChunkSize),
	}
}

// ResumeIterator is NewIterator restricted to chunks at or after cp.
// Proof state restarts, as it does for every new session.
func ResumeIterator(r io.ReaderAt, ob *Outboard, want rangeset.RangeSet, cp Checkpoint) *Iterator {
	it := NewIterator(r, ob, want)
	for it.next < len(it.indices) && it.indices[it.next] < cp.NextChunk {
		it.next++
	}
	return it
}

// Len returns the total number of chunks the iterator will produce from
// its start.
func (it *Iterator) Len() int { return len(it.indices) }

// Next advances to the next chunk. It returns false when the iterator is
// exhausted or failed; check Err.
func (it *Iterator) Next() bool {
	if it.err != nil || it.next >= len(it.indices) {
		return false
	}
	i := it.indices[it.next]
	rng := ChunkRange(it.size, i)
	data := it.buf[:rng.Len()]
	if len(data) > 0 {
		n, err := it.r.ReadAt(data, int64(rng.Start))
		if n < len(data) || (err != nil && err != io.EOF) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			it.err = fmt.Errorf("reading chunk %d: %w", i, err)
			return false
		}
	}
	proof, err := it.planner.Next(i)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = Chunk{Index: i, Offset: rng.Start, Data: data, Proof: proof}
	it.next++
	return true
}

// Chunk returns the current chunk. Data is only valid until the next call
// to Next.
func (it *Iterator) Chunk() Chunk { return it.cur }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// Checkpoint returns the position after the last chunk produced.
func (it *Iterator) Checkpoint() Checkpoint {
	if it.next >= len(it.indices) {
		if len(it.indices) == 0 {
			return Checkpoint{}
		}
		return Checkpoint{NextChunk: it.indices[len(it.indices)-1] + 1}
	}
	return Checkpoint{NextChunk: it.indices[it.next]}
}
