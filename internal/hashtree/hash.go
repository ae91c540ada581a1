// Package hashtree implements the content hash of a blob: a keyed BLAKE3
// binary tree over fixed-size chunks that supports verifying any single
// chunk against the root.
//
// Tree shape. A blob of size bytes has n = max(1, ceil(size/ChunkSize))
// leaves; an empty blob has one empty leaf. A node spanning leaves
// [lo, hi) with more than one leaf splits after the largest power of two
// strictly below hi-lo, so every left subtree is complete.
//
// Hashing. Leaves hash the little-endian chunk index followed by the
// chunk bytes under leafDomainKey. Parents hash left||right under
// parentDomainKey. The content hash is the root node's hash, which for a
// single-chunk blob is its leaf hash.
//
// Node numbering. Nodes are numbered by in-order position: leaf i is at
// 2i, and the parent whose left subtree ends at leaf s is at 2s-1. A tree
// with n leaves has 2n-1 nodes, stored flat in an Outboard.
package hashtree

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"
)

// ChunkSize is the leaf size in bytes.
const ChunkSize = 1024

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

type domainKey [32]byte

// Domain keys are ASCII, zero-padded to 32 bytes. Changing them changes
// every content hash.
var (
	leafDomainKey = domainKey{
		'v', 'e', 'r', 'i', 's', 'y', 'n', 'c', '.', 't', 'r', 'e', 'e', '.',
		'l', 'e', 'a', 'f', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	parentDomainKey = domainKey{
		'v', 'e', 'r', 'i', 's', 'y', 'n', 'c', '.', 't', 'r', 'e', 'e', '.',
		'p', 'a', 'r', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// String returns the lowercase hex form of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// IsZero reports whether h is all zero bytes. Outboards use the zero hash
// to mark nodes that are not known yet.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("content hash is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

// LeafHash hashes chunk data bound to its index.
func LeafHash(index uint64, data []byte) Hash {
	hasher, err := blake3.NewKeyed(leafDomainKey[:])
	if err != nil {
		panic("hashtree: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], index)
	hasher.Write(prefix[:])
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// ParentHash hashes two child hashes.
func ParentHash(left, right Hash) Hash {
	hasher, err := blake3.NewKeyed(parentDomainKey[:])
	if err != nil {
		panic("hashtree: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var combined [64]byte
	copy(combined[:32], left[:])
	copy(combined[32:], right[:])
	hasher.Write(combined[:])
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// ChunkCount returns the number of leaves for a blob of size bytes.
func ChunkCount(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	n := size / ChunkSize
	if size%ChunkSize != 0 {
		n++
	}
	return n
}

// ChunkLen returns the length of chunk index in a blob of size bytes.
func ChunkLen(size, index uint64) uint64 {
	start := index * ChunkSize
	if start >= size {
		return 0
	}
	return min(size-start, ChunkSize)
}

// span is the leaf interval [lo, hi) covered by one tree node.
type span struct {
	lo, hi uint64
}

func (s span) isLeaf() bool { return s.hi-s.lo == 1 }

// split returns the first leaf of the right child.
func (s span) split() uint64 {
	k := s.hi - s.lo
	return s.lo + uint64(1)<<(bits.Len64(k-1)-1)
}

func (s span) children() (span, span) {
	mid := s.split()
	return span{s.lo, mid}, span{mid, s.hi}
}

// pos is the node's in-order position.
func (s span) pos() uint64 {
	if s.isLeaf() {
		return 2 * s.lo
	}
	return 2*s.split() - 1
}

// pathTo returns the spans from the root down to leaf i, root first.
func pathTo(n, i uint64) []span {
	cur := span{0, n}
	path := []span{cur}
	for !cur.isLeaf() {
		left, right := cur.children()
		if i < left.hi {
			cur = left
		} else {
			cur = right
		}
		path = append(path, cur)
	}
	return path
}

// siblingOf returns the sibling of path[k] (k >= 1) and whether path[k]
// is the left child.
func siblingOf(path []span, k int) (span, bool) {
	left, right := path[k-1].children()
	if path[k] == left {
		return right, true
	}
	return left, false
}
