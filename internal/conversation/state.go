package conversation

import (
	"log/slog"

	"firestige.xyz/dissect/internal/core"
)

// State is a protocol-defined state name.
type State string

// AnyState matches every source state in Machine.On.
const AnyState State = "*"

// Event is the coarse classification of one message, supplied by the
// protocol profile. The machine never looks at payload bytes.
type Event struct {
	Tag      string // e.g. "open.request", "close.response"
	Value    uint32 // Side value carried by the message, e.g. a session handle
	HasValue bool
}

// Effect runs when a transition fires and may record side data on the
// conversation.
type Effect func(c *Conversation, seq uint64, ev Event)

// RememberSessionKey stores the event value as the conversation's session key.
func RememberSessionKey(c *Conversation, seq uint64, ev Event) {
	if ev.HasValue {
		c.rememberSessionKey(ev.Value, seq)
	}
}

// ForgetSessionKey clears a remembered session key.
func ForgetSessionKey(c *Conversation, _ uint64, _ Event) {
	c.sessionKeyKnown = false
}

type transition struct {
	to      State
	effects []Effect
}

// Machine is a finite state machine driven by classified message events.
// An event with no transition from the current state is ignored and the
// conversation stays where it is; terminal states keep accepting messages.
type Machine struct {
	initial   State
	table     map[State]map[string]transition
	terminal  map[State]bool
	resolving map[State]bool
}

// NewMachine creates a machine starting in initial.
func NewMachine(initial State) *Machine {
	return &Machine{
		initial:   initial,
		table:     make(map[State]map[string]transition),
		terminal:  make(map[State]bool),
		resolving: make(map[State]bool),
	}
}

// On registers a transition from one state (or AnyState) on tag.
// Specific source states take precedence over AnyState.
func (m *Machine) On(from State, tag string, to State, effects ...Effect) *Machine {
	row, ok := m.table[from]
	if !ok {
		row = make(map[string]transition)
		m.table[from] = row
	}
	row[tag] = transition{to: to, effects: effects}
	return m
}

// Terminal marks states that end the exchange.
func (m *Machine) Terminal(states ...State) *Machine {
	for _, s := range states {
		m.terminal[s] = true
	}
	return m
}

// ResolvesIn marks states in which a deferred key field may be filled from
// the remembered session key.
func (m *Machine) ResolvesIn(states ...State) *Machine {
	for _, s := range states {
		m.resolving[s] = true
	}
	return m
}

// Initial returns the initial state.
func (m *Machine) Initial() State {
	return m.initial
}

// IsTerminal reports whether s is terminal.
func (m *Machine) IsTerminal(s State) bool {
	return m.terminal[s]
}

func (m *Machine) resolves(s State) bool {
	return m.resolving[s]
}

func (m *Machine) lookup(from State, tag string) (transition, bool) {
	if t, ok := m.table[from][tag]; ok {
		return t, true
	}
	t, ok := m.table[AnyState][tag]
	return t, ok
}

// Apply advances c on the initial pass and returns the resulting state.
// On replay nothing changes; the state recorded for ref is returned.
func (m *Machine) Apply(pass core.Pass, c *Conversation, ref core.MessageRef, ev Event) State {
	if pass.IsReplay() {
		if s, ok := c.StateAt(ref); ok {
			return s
		}
		return c.state
	}

	t, ok := m.lookup(c.state, ev.Tag)
	if !ok {
		slog.Debug("ignoring event", "conversation", c.id, "message", ref.String(), "state", c.state, "event", ev.Tag)
		c.history.Store(pass, ref, c.state)
		return c.state
	}
	for _, effect := range t.effects {
		effect(c, ref.Seq, ev)
	}
	if t.to != c.state {
		slog.Debug("conversation transition", "conversation", c.id, "message", ref.String(), "from", c.state, "to", t.to, "event", ev.Tag)
	}
	c.state = t.to
	c.history.Store(pass, ref, c.state)
	return c.state
}
