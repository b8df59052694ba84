package sstable

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// OpenFileCache bounds the number of concurrently open table file
// descriptors, the concrete home for the max_open_files configuration
// option: eviction closes the handle it replaces.
type OpenFileCache struct {
	cache *lru.Cache[uint64, *os.File]
}

// NewOpenFileCache builds a cache holding at most maxOpen file handles.
func NewOpenFileCache(maxOpen int) (*OpenFileCache, error) {
	if maxOpen <= 0 {
		maxOpen = 64
	}
	c, err := lru.NewWithEvict[uint64, *os.File](maxOpen, func(_ uint64, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, err
	}
	return &OpenFileCache{cache: c}, nil
}

func (c *OpenFileCache) open(id uint64, path string) (*os.File, error) {
	if f, ok := c.cache.Get(id); ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, f)
	return f, nil
}

// Evict closes and drops the handle for id, if cached. Called after a
// table is deleted by compaction so a stale descriptor isn't reused.
func (c *OpenFileCache) Evict(id uint64) {
	c.cache.Remove(id)
}

// Close evicts every cached handle.
func (c *OpenFileCache) Close() {
	for _, id := range c.cache.Keys() {
		c.cache.Remove(id)
	}
}
