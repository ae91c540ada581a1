package transfer

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/internal/hashtree"
)

// DefaultCacheEntries bounds an OutboardCache created with a size <= 0.
const DefaultCacheEntries = 256

// OutboardCache keeps the outboards of complete blobs in memory so that
// popular blobs are not re-read, or rebuilt when the store discards
// outboards, for every session. Partial blobs are never cached since
// their outboards grow.
type OutboardCache struct {
	lru *lru.Cache[hashtree.Hash, *hashtree.Outboard]
}

func NewOutboardCache(entries int) *OutboardCache {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	c, err := lru.New[hashtree.Hash, *hashtree.Outboard](entries)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &OutboardCache{lru: c}
}

// Outboard returns the outboard of rec, from the cache when rec is
// complete. A nil cache reads straight from st.
func (c *OutboardCache) Outboard(st store.Store, rec *store.BlobRecord) (*hashtree.Outboard, error) {
	if c == nil || !rec.Complete {
		return st.Outboard(rec.Hash)
	}
	if ob, ok := c.lru.Get(rec.Hash); ok {
		return ob, nil
	}
	ob, err := st.Outboard(rec.Hash)
	if err != nil {
		return nil, err
	}
	c.lru.Add(rec.Hash, ob)
	return ob, nil
}

// Forget drops hash, e.g. after the blob was deleted.
func (c *OutboardCache) Forget(hash hashtree.Hash) {
	if c != nil {
		c.lru.Remove(hash)
	}
}

func (c *OutboardCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
