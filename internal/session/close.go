package session

import (
	"log/slog"
	"sort"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/reassembly"
)

// ConversationSummary is the end-of-session view of one conversation.
type ConversationSummary struct {
	ID              uint64
	Flow            core.FlowID
	FirstSeen       uint64
	State           conversation.State
	SessionKey      uint32
	SessionKeyKnown bool
	Attributes      map[string]any // protocol-specific data, e.g. the open response record
}

// Summary is what a session reports when it is closed.
type Summary struct {
	ID            string
	Records       uint64
	Messages      int
	Conversations []ConversationSummary
	Incomplete    []Annotation              // unfinished stream tails and fragment sets
	Unmatched     []correlate.PendingRequest // requests that never got a response
}

// Close reports every incomplete message and unanswered request, then
// releases all session tables at once. Further calls to Process fail.
func (s *Session) Close() *Summary {
	if s.closed {
		return nil
	}
	sum := &Summary{ID: s.id, Records: s.records, Messages: s.messages}

	for _, c := range s.registry.All() {
		key, _, known := c.SessionKey()
		sum.Conversations = append(sum.Conversations, ConversationSummary{
			ID:              c.ID(),
			Flow:            c.Flow(),
			FirstSeen:       c.FirstSeen(),
			State:           c.CurrentState(),
			SessionKey:      key,
			SessionKeyKnown: known,
			Attributes:      c.Attributes(),
		})
	}

	names := make([]string, 0, len(s.framers))
	for name := range s.framers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sum.Incomplete = append(sum.Incomplete, s.incomplete(name, "stream", s.framers[name].Close())...)
	}
	sum.Incomplete = append(sum.Incomplete, s.incomplete("", "datagram", s.datagrams.Close())...)
	sum.Incomplete = append(sum.Incomplete, s.incomplete("", "fragment", s.fragments.Close())...)

	for _, p := range s.correlator.Pending() {
		sum.Unmatched = append(sum.Unmatched, *p)
	}

	slog.Info("session closed", "session", s.id, "records", s.records, "messages", s.messages,
		"conversations", len(sum.Conversations), "incomplete", len(sum.Incomplete), "unmatched", len(sum.Unmatched))

	s.registry.Release()
	s.correlator.Release()
	clear(s.flows)
	s.closed = true
	return sum
}

func (s *Session) incomplete(profile, source string, list []reassembly.Incomplete) []Annotation {
	out := make([]Annotation, 0, len(list))
	for _, inc := range list {
		a := Annotation{
			Message:     inc.Message,
			Profile:     profile,
			Degraded:    true,
			Diagnostics: []error{inc.Err},
		}
		if p, ok := s.flows[inc.Message.Flow.Canonical()]; ok {
			if a.Profile == "" {
				a.Profile = p.Name()
			}
			if c, ok := s.registry.Lookup(inc.Message.Flow, p.Symmetric()); ok {
				a.Conversation = c.ID()
				a.State = c.CurrentState()
			}
		}
		metrics.IncompleteTotal.WithLabelValues(source).Inc()
		out = append(out, a)
	}
	return out
}
