// Package conversation tracks one stateful record per logical flow and drives
// its protocol state machine.
package conversation

import (
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/passcache"
)

// Conversation is the state kept for one logical exchange between two
// endpoints. It lives until the owning session is closed.
type Conversation struct {
	id        uint64
	flow      core.FlowID
	firstSeen uint64
	machine   *Machine
	state     State

	// Deferred identifier resolution: a value only learned from a later
	// message (e.g. the session handle returned by an open response).
	sessionKey      uint32
	sessionKeyKnown bool
	sessionKeySeq   uint64

	history *passcache.Cache[State]
	data    map[string]any
}

func newConversation(id uint64, flow core.FlowID, seq uint64, m *Machine) *Conversation {
	return &Conversation{
		id:        id,
		flow:      flow,
		firstSeen: seq,
		machine:   m,
		state:     m.Initial(),
		history:   passcache.New[State](),
		data:      make(map[string]any),
	}
}

// ID returns the conversation index, unique within a session, starting at 1.
func (c *Conversation) ID() uint64 {
	return c.id
}

// Flow returns the registry key of the conversation.
func (c *Conversation) Flow() core.FlowID {
	return c.flow
}

// FirstSeen returns the sequence number of the record that created it.
func (c *Conversation) FirstSeen() uint64 {
	return c.firstSeen
}

// CurrentState returns the state after the last initial-pass transition.
func (c *Conversation) CurrentState() State {
	return c.state
}

// StateAt returns the state recorded after the message at ref was applied.
func (c *Conversation) StateAt(ref core.MessageRef) (State, bool) {
	return c.history.Get(ref)
}

// SessionKey returns the remembered session key and the record that supplied it.
func (c *Conversation) SessionKey() (key uint32, seq uint64, ok bool) {
	return c.sessionKey, c.sessionKeySeq, c.sessionKeyKnown
}

// ResolveKey returns the value a deferred key field should take, if the
// conversation already knows it and its state machine allows resolution in
// the current state.
func (c *Conversation) ResolveKey() (uint32, bool) {
	if !c.sessionKeyKnown || !c.machine.resolves(c.state) {
		return 0, false
	}
	return c.sessionKey, true
}

// SetData attaches protocol-specific data under name.
func (c *Conversation) SetData(name string, v any) {
	c.data[name] = v
}

// Attributes returns a copy of every protocol-specific value, nil if none.
func (c *Conversation) Attributes() map[string]any {
	if len(c.data) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

func (c *Conversation) rememberSessionKey(key uint32, seq uint64) {
	c.sessionKey = key
	c.sessionKeyKnown = true
	c.sessionKeySeq = seq
}
