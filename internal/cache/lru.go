package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRU is the in-memory Cache variant: bounded item count, per-entry absolute
// expiry, expired entries discarded on read.
type LRU struct {
	maxItems int

	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element
	now   func() time.Time
}

type lruEntry struct {
	key string
	val []byte
	exp time.Time
}

func NewLRU(maxItems int) *LRU {
	if maxItems <= 0 {
		maxItems = 10_000
	}
	return &LRU{
		maxItems: maxItems,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *LRU) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	ent := el.Value.(*lruEntry)
	if c.now().After(ent.exp) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return ent.val, true, nil
}

func (c *LRU) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	cp := append([]byte(nil), val...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.val = cp
		ent.exp = c.now().Add(ttl)
		c.order.MoveToFront(el)
		return nil
	}
	el := c.order.PushFront(&lruEntry{key: key, val: cp, exp: c.now().Add(ttl)})
	c.items[key] = el
	for len(c.items) > c.maxItems {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	return nil
}

// Len reports the current item count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
