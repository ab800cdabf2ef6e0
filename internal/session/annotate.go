package session

import (
	"fmt"
	"strconv"
	"time"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/protocol"
)

// Annotation is a reassembled message together with everything the session
// derived for it. It is handed to the field-level decoder unchanged.
type Annotation struct {
	Message      core.Message
	Profile      string
	Conversation uint64
	State        conversation.State // state after this message
	Role         protocol.Role
	Summary      string
	Key          correlate.Key
	RequestSeq   uint64        // response: the request it answers, 0 if none
	ResponseSeq  uint64        // request: the response it got, known on replay
	ResponseTime time.Duration // response: delay since the request
	Degraded     bool          // incomplete, conflicting or unclassifiable
	Diagnostics  []error
}

// annotate derives conversation, state and correlation for the message at
// ref, the index-th message completed by record ref.Seq.
func (s *Session) annotate(pass core.Pass, profile protocol.Profile, msg *core.Message, ref core.MessageRef, ts time.Time) Annotation {
	a := Annotation{
		Message:  *msg,
		Profile:  profile.Name(),
		Degraded: !msg.Complete || msg.Conflict,
	}
	if msg.Conflict {
		a.Diagnostics = append(a.Diagnostics, core.ErrReassemblyConflict)
	}
	if !pass.IsReplay() {
		s.messages++
		metrics.MessagesTotal.WithLabelValues(profile.Name(), strconv.FormatBool(msg.Complete)).Inc()
	}
	cls, err := profile.Classify(msg)
	if err != nil {
		// Still tracked: the state machine records that nothing happened.
		a.Diagnostics = append(a.Diagnostics, fmt.Errorf("classify: %w", err))
		a.Degraded = true
		cls = protocol.Classification{}
	}
	a.Role = cls.Role
	a.Summary = cls.Summary

	flow := msg.Flow
	if cls.SubFlow != 0 {
		flow = flow.WithSub(cls.SubFlow)
	}
	conv, _ := s.registry.GetOrCreate(pass, flow, ref.Seq, profile.Symmetric(), profile.Machine())
	if conv == nil {
		a.Diagnostics = append(a.Diagnostics, fmt.Errorf("%w: no conversation for %s", core.ErrNotVisited, flow))
		a.Degraded = true
		return a
	}
	a.Conversation = conv.ID()
	a.State = profile.Machine().Apply(pass, conv, ref, cls.Event)

	if cls.Role == protocol.RoleOther {
		return a
	}

	key := cls.Key
	key.Conversation = conv.ID()
	if key.Partial && !pass.IsReplay() {
		if v, ok := conv.ResolveKey(); ok {
			key.Sub = v
			key.Partial = false
		}
	}

	switch cls.Role {
	case protocol.RoleRequest:
		// On replay the stored entry carries the key completed by its response.
		if p := s.correlator.RecordRequest(pass, key, ref, ts); p != nil {
			key = p.Key
			if p.Matched {
				a.ResponseSeq = p.ResponseSeq
			}
		}
	case protocol.RoleResponse:
		req, err := s.correlator.RecordResponse(pass, key, ref)
		if err != nil {
			a.Diagnostics = append(a.Diagnostics, err)
			break
		}
		a.RequestSeq = req.Seq
		a.ResponseTime = s.responseTime(req, ts)
	}
	a.Key = key
	return a
}

func (s *Session) responseTime(req core.MessageRef, ts time.Time) time.Duration {
	p, ok := s.correlator.Request(req)
	if !ok || p.Time.IsZero() || ts.IsZero() {
		return 0
	}
	return ts.Sub(p.Time)
}
