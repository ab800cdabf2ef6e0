// Package passcache keeps first-pass results resident so that replay passes
// return identical answers without touching live state.
package passcache

import (
	"github.com/patrickmn/go-cache"

	"firestige.xyz/dissect/internal/core"
)

// Cache maps a message (or whole record) to the value computed for it on the
// initial pass. Entries never expire; they are dropped together by Reset
// when the session is torn down.
type Cache[V any] struct {
	entries *cache.Cache
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{entries: cache.New(cache.NoExpiration, 0)}
}

// Resolve runs compute on the initial pass and remembers its value for ref.
// On a replay pass compute is never called; the stored value is returned and
// ok is false if the initial pass never produced one.
func (c *Cache[V]) Resolve(pass core.Pass, ref core.MessageRef, compute func() V) (v V, ok bool) {
	if pass.IsReplay() {
		return c.Get(ref)
	}
	v = compute()
	c.entries.Set(ref.String(), v, cache.NoExpiration)
	return v, true
}

// Store records v for ref. Replay passes are ignored.
func (c *Cache[V]) Store(pass core.Pass, ref core.MessageRef, v V) {
	if pass.IsReplay() {
		return
	}
	c.entries.Set(ref.String(), v, cache.NoExpiration)
}

// Get returns the value stored for ref.
func (c *Cache[V]) Get(ref core.MessageRef) (V, bool) {
	var zero V
	item, ok := c.entries.Get(ref.String())
	if !ok {
		return zero, false
	}
	v, ok := item.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Len returns the number of remembered entries.
func (c *Cache[V]) Len() int {
	return c.entries.ItemCount()
}

// Reset drops every entry. Called at session teardown.
func (c *Cache[V]) Reset() {
	c.entries.Flush()
}
