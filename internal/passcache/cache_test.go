package passcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/dissect/internal/core"
)

func TestCache_ResolveInitialThenReplay(t *testing.T) {
	c := New[int]()
	calls := 0
	compute := func() int {
		calls++
		return 42
	}

	v, ok := c.Resolve(core.Initial, core.RecordRef(7), compute)
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = c.Resolve(core.Replay, core.RecordRef(7), compute)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls, "replay must not recompute")
}

func TestCache_ReplayMiss(t *testing.T) {
	c := New[string]()
	v, ok := c.Resolve(core.Replay, core.RecordRef(1), func() string {
		t.Fatal("compute called on replay")
		return ""
	})
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.Equal(t, 0, c.Len())
}

func TestCache_StoreIgnoresReplay(t *testing.T) {
	c := New[int]()
	c.Store(core.Initial, core.RecordRef(1), 10)
	c.Store(core.Replay, core.RecordRef(1), 99)
	c.Store(core.Replay, core.RecordRef(2), 99)

	v, ok := c.Get(core.RecordRef(1))
	assert.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.Get(core.RecordRef(2))
	assert.False(t, ok)

	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestCache_MessagesOfOneRecordKeptApart(t *testing.T) {
	c := New[string]()
	c.Store(core.Initial, core.MessageRef{Seq: 3}, "open")
	c.Store(core.Initial, core.MessageRef{Seq: 3, Index: 1}, "closing")
	c.Store(core.Initial, core.MessageRef{Seq: 31}, "other record")

	v, ok := c.Get(core.MessageRef{Seq: 3})
	assert.True(t, ok)
	assert.Equal(t, "open", v)
	v, ok = c.Get(core.MessageRef{Seq: 3, Index: 1})
	assert.True(t, ok)
	assert.Equal(t, "closing", v)
	assert.Equal(t, 3, c.Len())
}
