package cache

import (
	"container/list"
	"context"
	"sync"
)

type memoryItem struct {
	key   string
	entry Entry
}

// memoryCache keeps entries in a map plus a list ordered by creation time.
// Every Store stamps a fresh creation time, so the list front is always the
// oldest entry.
type memoryCache struct {
	maxSize int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// NewMemory returns an in-process backend holding at most maxSize entries.
func NewMemory(maxSize int) Backend {
	if maxSize < 0 {
		maxSize = 0
	}
	return &memoryCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := elem.Value.(*memoryItem)
	return cloneEntry(item.entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	if c.maxSize == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*memoryItem).entry = cloneEntry(entry)
		c.order.MoveToBack(elem)
		return nil
	}
	for len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushBack(&memoryItem{key: key, entry: cloneEntry(entry)})
	return nil
}

func (c *memoryCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*memoryItem).key)
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	return nil
}

func (c *memoryCache) Purge(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.entries)
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	return Entry{Decision: in.Decision.Clone(), CreatedAt: in.CreatedAt}
}
