package hashtree

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrNodeMissing     = errors.New("outboard node not known")
	ErrBadOutboard     = errors.New("malformed outboard")
)

var outboardMagic = [4]byte{'V', 'S', 'O', 'B'}

const outboardVersion = 1

// OutboardHeaderSize is the encoded size of the header preceding the
// node arena.
const OutboardHeaderSize = 4 + 1 + 8

// Node is one hash in the tree at its in-order position.
type Node struct {
	Pos  uint64
	Hash Hash
}

// Outboard holds the hash of every node in a blob's tree. A partial
// outboard leaves unknown nodes as the zero hash.
type Outboard struct {
	size  uint64
	nodes []Hash
}

// NewOutboard returns an outboard for a blob of size bytes with no nodes
// known.
func NewOutboard(size uint64) *Outboard {
	return &Outboard{size: size, nodes: make([]Hash, 2*ChunkCount(size)-1)}
}

// NewPartialOutboard returns an outboard that knows only its root.
func NewPartialOutboard(root Hash, size uint64) *Outboard {
	ob := NewOutboard(size)
	ob.nodes[RootPos(size)] = root
	return ob
}

// RootPos returns the root's position for a blob of size bytes.
func RootPos(size uint64) uint64 {
	return span{0, ChunkCount(size)}.pos()
}

// Build hashes data and returns its content hash together with the full
// outboard.
func Build(data []byte) (Hash, *Outboard) {
	ob := NewOutboard(uint64(len(data)))
	n := ChunkCount(ob.size)
	for i := uint64(0); i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkLen(ob.size, i)
		ob.nodes[2*i] = LeafHash(i, data[start:end])
	}
	return ob.fillParents(span{0, n}), ob
}

// BuildFrom hashes exactly size bytes read from r.
func BuildFrom(r io.Reader, size uint64) (Hash, *Outboard, error) {
	ob := NewOutboard(size)
	n := ChunkCount(size)
	br := bufio.NewReaderSize(r, 64*ChunkSize)
	buf := make([]byte, ChunkSize)
	for i := uint64(0); i < n; i++ {
		chunk := buf[:ChunkLen(size, i)]
		if _, err := io.ReadFull(br, chunk); err != nil {
			return Hash{}, nil, fmt.Errorf("reading chunk %d: %w", i, err)
		}
		ob.nodes[2*i] = LeafHash(i, chunk)
	}
	return ob.fillParents(span{0, n}), ob, nil
}

func (o *Outboard) fillParents(s span) Hash {
	if s.isLeaf() {
		return o.nodes[s.pos()]
	}
	left, right := s.children()
	h := ParentHash(o.fillParents(left), o.fillParents(right))
	o.nodes[s.pos()] = h
	return h
}

// Size returns the blob size the outboard describes.
func (o *Outboard) Size() uint64 { return o.size }

// ChunkCount returns the number of leaves.
func (o *Outboard) ChunkCount() uint64 { return ChunkCount(o.size) }

// Root returns the root node's hash, or the zero hash when unknown.
func (o *Outboard) Root() Hash {
	return o.nodes[RootPos(o.size)]
}

// Node returns the hash at pos and whether it is known.
func (o *Outboard) Node(pos uint64) (Hash, bool) {
	if pos >= uint64(len(o.nodes)) {
		return Hash{}, false
	}
	h := o.nodes[pos]
	return h, !h.IsZero()
}

// Set records nodes. Positions outside the tree are rejected.
func (o *Outboard) Set(nodes ...Node) error {
	for _, nd := range nodes {
		if nd.Pos >= uint64(len(o.nodes)) {
			return fmt.Errorf("%w: node %d beyond %d", ErrBadOutboard, nd.Pos, len(o.nodes))
		}
		o.nodes[nd.Pos] = nd.Hash
	}
	return nil
}

// Nodes returns every known node in position order.
func (o *Outboard) Nodes() []Node {
	out := make([]Node, 0, len(o.nodes))
	for pos, h := range o.nodes {
		if !h.IsZero() {
			out = append(out, Node{Pos: uint64(pos), Hash: h})
		}
	}
	return out
}

// IsComplete reports whether every node is known.
func (o *Outboard) IsComplete() bool {
	for _, h := range o.nodes {
		if h.IsZero() {
			return false
		}
	}
	return true
}

// Proof returns the full sibling path for chunk i, bottom-up.
func (o *Outboard) Proof(i uint64) ([]Hash, error) {
	n := o.ChunkCount()
	if i >= n {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, i, n)
	}
	path := pathTo(n, i)
	proof := make([]Hash, 0, len(path)-1)
	for k := len(path) - 1; k >= 1; k-- {
		sib, _ := siblingOf(path, k)
		h, ok := o.Node(sib.pos())
		if !ok {
			return nil, fmt.Errorf("%w: sibling %d of chunk %d", ErrNodeMissing, sib.pos(), i)
		}
		proof = append(proof, h)
	}
	return proof, nil
}

// Clone returns an independent copy.
func (o *Outboard) Clone() *Outboard {
	nodes := make([]Hash, len(o.nodes))
	copy(nodes, o.nodes)
	return &Outboard{size: o.size, nodes: nodes}
}

// EncodedSize returns the byte length of EncodeOutboard's output for a
// blob of size bytes.
func EncodedSize(size uint64) int64 {
	return OutboardHeaderSize + int64(2*ChunkCount(size)-1)*32
}

// NodeOffset returns the byte offset of node pos inside an encoded
// outboard, so stores can update single nodes in place.
func NodeOffset(pos uint64) int64 {
	return OutboardHeaderSize + int64(pos)*32
}

// EncodeOutboard serializes o as magic, version, little-endian size and
// the node arena.
func EncodeOutboard(o *Outboard) []byte {
	buf := make([]byte, EncodedSize(o.size))
	copy(buf, outboardMagic[:])
	buf[4] = outboardVersion
	binary.LittleEndian.PutUint64(buf[5:13], o.size)
	for pos, h := range o.nodes {
		copy(buf[NodeOffset(uint64(pos)):], h[:])
	}
	return buf
}

// EncodeHeader returns just the header for a blob of size bytes.
func EncodeHeader(size uint64) []byte {
	buf := make([]byte, OutboardHeaderSize)
	copy(buf, outboardMagic[:])
	buf[4] = outboardVersion
	binary.LittleEndian.PutUint64(buf[5:13], size)
	return buf
}

// DecodeOutboard parses the output of EncodeOutboard.
func DecodeOutboard(data []byte) (*Outboard, error) {
	if len(data) < OutboardHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadOutboard, len(data))
	}
	if [4]byte(data[:4]) != outboardMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadOutboard)
	}
	if data[4] != outboardVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadOutboard, data[4])
	}
	size := binary.LittleEndian.Uint64(data[5:13])
	if int64(len(data)) != EncodedSize(size) {
		return nil, fmt.Errorf("%w: %d bytes for blob of %d", ErrBadOutboard, len(data), size)
	}
	ob := NewOutboard(size)
	for pos := range ob.nodes {
		copy(ob.nodes[pos][:], data[NodeOffset(uint64(pos)):])
	}
	return ob, nil
}
