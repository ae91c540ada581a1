package hashtree

import (
	"errors"
	"fmt"
)

var (
	ErrVerification = errors.New("chunk does not verify against content hash")
	ErrProofLength  = errors.New("proof has wrong length")
	ErrChunkLength  = errors.New("chunk has wrong length")
)

// VerifyChunk checks chunk i of a blob with the given root and size
// against a full bottom-up sibling path. It never trusts data that does
// not hash to root.
func VerifyChunk(root Hash, size, i uint64, chunk []byte, proof []Hash) bool {
	n := ChunkCount(size)
	if i >= n || uint64(len(chunk)) != ChunkLen(size, i) {
		return false
	}
	path := pathTo(n, i)
	if len(proof) != len(path)-1 {
		return false
	}
	h := LeafHash(i, chunk)
	for k := len(path) - 1; k >= 1; k-- {
		sib := proof[len(path)-1-k]
		if _, isLeft := siblingOf(path, k); isLeft {
			h = ParentHash(h, sib)
		} else {
			h = ParentHash(sib, h)
		}
	}
	return h == root
}

// knownSet holds the node positions both ends of a session consider
// established, with their hashes. It grows with the chunks actually
// exchanged, never with the declared size.
type knownSet map[uint64]Hash

func (k knownSet) has(pos uint64) bool {
	_, ok := k[pos]
	return ok
}

// proofDepth returns how many siblings the proof for leaf i carries: the
// path is cut at the lowest node already in known.
func proofDepth(known knownSet, path []span) int {
	depth := 0
	for k := len(path) - 1; k >= 0; k-- {
		if known.has(path[k].pos()) {
			return depth
		}
		depth++
	}
	// The root is always known, so this is unreachable for a valid set.
	return depth
}

// Verifier checks chunks of one blob as they stream in. It starts out
// trusting only the root; every chunk that verifies adds its path and
// siblings to the trusted set, so later proofs stop at the first
// trusted ancestor. A chunk that fails changes nothing.
//
// The responder's ProofPlanner applies the same rule, so both sides agree
// on each proof's length without negotiating it.
type Verifier struct {
	root  Hash
	size  uint64
	n     uint64
	known knownSet
}

// NewVerifier returns a verifier for the blob with content hash root and
// the declared size. The size is not trusted: nothing is allocated in
// proportion to it.
func NewVerifier(root Hash, size uint64) *Verifier {
	v := &Verifier{
		root:  root,
		size:  size,
		n:     ChunkCount(size),
		known: knownSet{},
	}
	v.known[span{0, v.n}.pos()] = root
	return v
}

// Size returns the declared size being verified.
func (v *Verifier) Size() uint64 { return v.size }

// ProofLen returns the number of sibling hashes expected with chunk i.
func (v *Verifier) ProofLen(i uint64) (int, error) {
	if i >= v.n {
		return 0, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, i, v.n)
	}
	return proofDepth(v.known, pathTo(v.n, i)), nil
}

// Verify checks chunk i against the truncated proof. On success it
// returns every node the chunk established, including ones learned from
// the proof, so callers can persist them.
func (v *Verifier) Verify(i uint64, chunk []byte, proof []Hash) ([]Node, error) {
	if i >= v.n {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, i, v.n)
	}
	if want := ChunkLen(v.size, i); uint64(len(chunk)) != want {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrChunkLength, i, len(chunk), want)
	}
	path := pathTo(v.n, i)
	depth := proofDepth(v.known, path)
	if len(proof) != depth {
		return nil, fmt.Errorf("%w: chunk %d carries %d hashes, want %d", ErrProofLength, i, len(proof), depth)
	}

	learned := make([]Node, 0, 2*depth+1)
	h := LeafHash(i, chunk)
	k := len(path) - 1
	for step := 0; step < depth; step++ {
		learned = append(learned, Node{Pos: path[k].pos(), Hash: h})
		sib, isLeft := siblingOf(path, k)
		learned = append(learned, Node{Pos: sib.pos(), Hash: proof[step]})
		if isLeft {
			h = ParentHash(h, proof[step])
		} else {
			h = ParentHash(proof[step], h)
		}
		k--
	}

	anchor := path[k].pos()
	if v.known[anchor] != h {
		return nil, fmt.Errorf("%w: chunk %d", ErrVerification, i)
	}
	if depth == 0 {
		// The leaf itself was already established; nothing new learned
		// but report it so the caller can keep its outboard in step.
		learned = append(learned, Node{Pos: anchor, Hash: h})
	}
	for _, nd := range learned {
		v.known[nd.Pos] = nd.Hash
	}
	return learned, nil
}

// ProofPlanner produces the truncated proofs a Verifier expects, from a
// complete or partial outboard.
type ProofPlanner struct {
	ob    *Outboard
	n     uint64
	known knownSet
}

// NewProofPlanner starts a fresh session over ob.
func NewProofPlanner(ob *Outboard) *ProofPlanner {
	p := &ProofPlanner{ob: ob, n: ob.ChunkCount(), known: knownSet{}}
	p.known[span{0, p.n}.pos()] = ob.Root()
	return p
}

// Next returns the proof for chunk i and marks its path as established.
// Chunks must be requested in the order they are sent.
func (p *ProofPlanner) Next(i uint64) ([]Hash, error) {
	if i >= p.n {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, i, p.n)
	}
	path := pathTo(p.n, i)
	depth := proofDepth(p.known, path)
	proof := make([]Hash, 0, depth)
	k := len(path) - 1
	for step := 0; step < depth; step++ {
		sib, _ := siblingOf(path, k)
		h, ok := p.ob.Node(sib.pos())
		if !ok {
			return nil, fmt.Errorf("%w: sibling %d of chunk %d", ErrNodeMissing, sib.pos(), i)
		}
		proof = append(proof, h)
		k--
	}
	k = len(path) - 1
	for step := 0; step < depth; step++ {
		sib, _ := siblingOf(path, k)
		p.known[path[k].pos()] = Hash{}
		p.known[sib.pos()] = proof[step]
		k--
	}
	return proof, nil
}
