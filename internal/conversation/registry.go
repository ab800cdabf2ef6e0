package conversation

import (
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
)

// Registry maps flows to conversations for one session. Conversations are
// created lazily and only released together by Release.
type Registry struct {
	byFlow map[core.FlowID]*Conversation
	byID   []*Conversation // index = id-1
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byFlow: make(map[core.FlowID]*Conversation),
	}
}

// Key returns the registry key for flow. Direction-insensitive protocols fold
// both directions onto the canonical flow.
func Key(flow core.FlowID, symmetric bool) core.FlowID {
	if symmetric {
		return flow.Canonical()
	}
	return flow
}

// GetOrCreate returns the conversation for flow, creating it with machine's
// initial state on the initial pass. On replay it never creates; a miss
// returns nil.
func (r *Registry) GetOrCreate(pass core.Pass, flow core.FlowID, seq uint64, symmetric bool, machine *Machine) (c *Conversation, created bool) {
	key := Key(flow, symmetric)
	if c, ok := r.byFlow[key]; ok {
		return c, false
	}
	if pass.IsReplay() {
		return nil, false
	}
	c = newConversation(uint64(len(r.byID)+1), key, seq, machine)
	r.byFlow[key] = c
	r.byID = append(r.byID, c)
	metrics.ConversationsActive.Inc()
	return c, true
}

// Lookup finds the conversation for flow without creating one.
func (r *Registry) Lookup(flow core.FlowID, symmetric bool) (*Conversation, bool) {
	c, ok := r.byFlow[Key(flow, symmetric)]
	return c, ok
}

// ByID returns the conversation with the given index.
func (r *Registry) ByID(id uint64) (*Conversation, bool) {
	if id == 0 || id > uint64(len(r.byID)) {
		return nil, false
	}
	return r.byID[id-1], true
}

// All returns every conversation ordered by creation.
func (r *Registry) All() []*Conversation {
	return append([]*Conversation(nil), r.byID...)
}

// Len returns the number of conversations.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Release drops every conversation at session teardown.
func (r *Registry) Release() {
	metrics.ConversationsActive.Sub(float64(len(r.byID)))
	for _, c := range r.byID {
		c.history.Reset()
		clear(c.data)
	}
	clear(r.byFlow)
	r.byID = nil
}
