package hashindex

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached keeps recently used entries of a slower index in memory. Misses
// are not cached, since another pipeline may place the content at any time.
type Cached struct {
	Index
	cache *lru.Cache[string, Entry]
}

// NewCached wraps next with an LRU cache holding up to size entries.
func NewCached(next Index, size int) (*Cached, error) {
	cache, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &Cached{Index: next, cache: cache}, nil
}

func (c *Cached) Lookup(ctx context.Context, md5 string) (Entry, bool, error) {
	if e, ok := c.cache.Get(md5); ok {
		return e, true, nil
	}
	e, ok, err := c.Index.Lookup(ctx, md5)
	if err != nil || !ok {
		return e, ok, err
	}
	c.cache.Add(md5, e)
	return e, true, nil
}

func (c *Cached) Put(ctx context.Context, md5, path string) error {
	if err := c.Index.Put(ctx, md5, path); err != nil {
		c.cache.Remove(md5)
		return err
	}
	c.cache.Add(md5, Entry{MD5: md5, Path: path})
	return nil
}

func (c *Cached) MarkDeleted(ctx context.Context, md5, path string) error {
	if err := c.Index.MarkDeleted(ctx, md5, path); err != nil {
		c.cache.Remove(md5)
		return err
	}
	c.cache.Add(md5, Entry{MD5: md5, Path: path, Deleted: true})
	return nil
}

func (c *Cached) Remove(ctx context.Context, md5 string) error {
	c.cache.Remove(md5)
	return c.Index.Remove(ctx, md5)
}

func (c *Cached) Close() error {
	c.cache.Purge()
	return c.Index.Close()
}
