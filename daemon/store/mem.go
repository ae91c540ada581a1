package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

type memBlob struct {
	rec  *BlobRecord
	data []byte
	ob   *hashtree.Outboard
}

// MemStore keeps everything in memory. It is used by tests and by blobctl
// for one-shot fetches that are exported straight away.
type MemStore struct {
	mu     sync.RWMutex
	blobs  map[hashtree.Hash]*memBlob
	policy OutboardPolicy
	locks  *writeLocks
	closed bool
	now    func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore(policy OutboardPolicy) *MemStore {
	return &MemStore{
		blobs:  make(map[hashtree.Hash]*memBlob),
		policy: policy,
		locks:  newWriteLocks(),
		now:    time.Now,
	}
}

func (m *MemStore) get(hash hashtree.Hash) (*memBlob, error) {
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	return b, nil
}

func (m *MemStore) Record(hash hashtree.Hash) (*BlobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.get(hash)
	if err != nil {
		return nil, err
	}
	return b.rec.clone(), nil
}

func (m *MemStore) GetOrCreate(hash hashtree.Hash, size uint64) (*BlobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.blobs[hash]
	if !ok {
		b = &memBlob{
			rec: newRecord(hash, size, m.now()),
			ob:  hashtree.NewPartialOutboard(hash, size),
		}
		m.blobs[hash] = b
		return b.rec.clone(), nil
	}
	reset, err := resize(b.rec, size)
	if err != nil {
		return nil, err
	}
	if reset {
		b.data = nil
		b.ob = hashtree.NewPartialOutboard(hash, size)
		b.rec.UpdatedAt = m.now()
	}
	return b.rec.clone(), nil
}

func (m *MemStore) PutPartial(hash hashtree.Hash, offset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(hash)
	if err != nil {
		return err
	}
	if err := checkRange(b.rec, offset, uint64(len(data))); err != nil {
		return err
	}
	if b.data == nil {
		b.data = make([]byte, b.rec.Size)
	}
	copy(b.data[offset:], data)
	return nil
}

func (m *MemStore) RecordVerified(hash hashtree.Hash, rng rangeset.Range, nodes []hashtree.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(hash)
	if err != nil {
		return err
	}
	if b.ob != nil {
		if err := b.ob.Set(nodes...); err != nil {
			return err
		}
	}
	return applyVerified(b.rec, rng, m.now())
}

func (m *MemStore) GetRange(hash hashtree.Hash, rng rangeset.Range) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.get(hash)
	if err != nil {
		return nil, err
	}
	if err := checkRange(b.rec, rng.Start, rng.Len()); err != nil {
		return nil, err
	}
	if !b.rec.Verified.Covered(rng) {
		return nil, fmt.Errorf("%w: %s %s", ErrRangeNotVerified, hash.Short(), rng)
	}
	out := make([]byte, rng.Len())
	if b.data != nil {
		copy(out, b.data[rng.Start:rng.End])
	}
	return out, nil
}

func (m *MemStore) Outboard(hash hashtree.Hash) (*hashtree.Outboard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.get(hash)
	if err != nil {
		return nil, err
	}
	if b.ob != nil {
		return b.ob.Clone(), nil
	}
	root, ob := hashtree.Build(b.data)
	if root != hash {
		return nil, fmt.Errorf("rebuilding outboard for %s: data hashes to %s", hash.Short(), root.Short())
	}
	return ob, nil
}

func (m *MemStore) Reset(hash hashtree.Hash, keep rangeset.RangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(hash)
	if err != nil {
		return err
	}
	narrow(b.rec, keep, m.now())
	return nil
}

func (m *MemStore) Finalize(hash hashtree.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(hash)
	if err != nil {
		return err
	}
	if !b.rec.HasAllData() {
		return fmt.Errorf("%w: %s has %s of %d", ErrIncomplete, hash.Short(), b.rec.Verified, b.rec.Size)
	}
	if b.data == nil {
		b.data = []byte{}
	}
	b.rec.Complete = true
	b.rec.UpdatedAt = m.now()
	if m.policy == DiscardOutboard {
		b.ob = nil
		b.rec.OutboardDropped = true
	}
	return nil
}

func (m *MemStore) Acquire(hash hashtree.Hash) (func(), error) {
	return m.locks.acquire(hash)
}

func (m *MemStore) AddRef(hash hashtree.Hash) error {
	return m.addRef(hash, 1)
}

func (m *MemStore) Unref(hash hashtree.Hash) error {
	return m.addRef(hash, -1)
}

func (m *MemStore) addRef(hash hashtree.Hash, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(hash)
	if err != nil {
		return err
	}
	b.rec.RefCount = max(0, b.rec.RefCount+delta)
	b.rec.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) List() ([]BlobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]BlobRecord, 0, len(m.blobs))
	for _, b := range m.blobs {
		out = append(out, *b.rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out, nil
}

func (m *MemStore) Delete(hash hashtree.Hash) error {
	if m.locks.busy(hash) {
		return fmt.Errorf("%w: %s", ErrBlobBusy, hash.Short())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(hash); err != nil {
		return err
	}
	delete(m.blobs, hash)
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
