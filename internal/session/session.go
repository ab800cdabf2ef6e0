// Package session owns every per-capture table (conversations, stream
// buffers, fragment sets, correlation entries) and runs records through them
// in order. A Session is created per capture and released as one unit.
package session

import (
	"fmt"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/protocol"
	"firestige.xyz/dissect/internal/reassembly"
)

// Config contains configuration for a session.
type Config struct {
	MaxMessageSize         int // Stream framing guard
	MaxFragmentMessageSize int // Fragment reassembly guard
}

// Binding selects a profile for flows using one of Ports on either side.
// A binding without ports only applies through payload detection.
type Binding struct {
	Profile protocol.Profile
	Ports   []uint16
}

// Result is what one record produced.
type Result struct {
	Seq         uint64
	Pass        core.Pass
	Profile     string
	Annotations []Annotation
	Diagnostics []error // Record-level problems, e.g. a discarded stream buffer
}

// Session is the processing context of one capture. It is not safe for
// concurrent use: records are processed strictly in order.
type Session struct {
	id       string
	cfg      Config
	bindings []Binding
	byPort   map[uint16]protocol.Profile

	registry   *conversation.Registry
	framers    map[string]*reassembly.Framer
	datagrams  *reassembly.Reassembler // network-layer fragments
	fragments  *reassembly.Reassembler // application-layer fragments
	correlator *correlate.Correlator

	// profile chosen for each flow (canonical key) on the initial pass
	flows map[core.FlowID]protocol.Profile

	records  uint64
	messages int
	closed   bool
}

// New creates a session. Bindings are consulted in order; the first port
// match wins, then the first detector that recognizes the payload.
func New(cfg Config, bindings []Binding) (*Session, error) {
	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		bindings:   bindings,
		byPort:     make(map[uint16]protocol.Profile),
		registry:   conversation.NewRegistry(),
		framers:    make(map[string]*reassembly.Framer),
		datagrams:  reassembly.NewReassembler(reassembly.ReassemblyConfig{MaxMessageSize: cfg.MaxFragmentMessageSize}),
		fragments:  reassembly.NewReassembler(reassembly.ReassemblyConfig{MaxMessageSize: cfg.MaxFragmentMessageSize}),
		correlator: correlate.New(),
		flows:      make(map[core.FlowID]protocol.Profile),
	}
	for _, b := range bindings {
		if b.Profile == nil {
			return nil, fmt.Errorf("binding without profile")
		}
		for _, port := range b.Ports {
			if prev, ok := s.byPort[port]; ok {
				return nil, fmt.Errorf("port %d bound to both %s and %s", port, prev.Name(), b.Profile.Name())
			}
			s.byPort[port] = b.Profile
		}
		if dec := b.Profile.Framing(); dec != nil {
			if _, ok := s.framers[b.Profile.Name()]; !ok {
				s.framers[b.Profile.Name()] = reassembly.NewFramer(dec, reassembly.FramerConfig{MaxMessageSize: cfg.MaxMessageSize})
			}
		}
	}
	slog.Debug("session created", "session", s.id, "bindings", len(bindings))
	return s, nil
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Process runs one record through the session. The returned error is only
// set when the record cannot be processed at all; data-quality problems are
// reported in the Result and never stop the session.
func (s *Session) Process(rec *core.RawRecord) (*Result, error) {
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	pass := core.PassOf(rec)
	metrics.RecordsTotal.WithLabelValues(pass.String()).Inc()
	if !pass.IsReplay() {
		s.records++
	}

	res := &Result{Seq: rec.Seq, Pass: pass}
	flow := rec.Flow
	payload := rec.Payload
	var records []uint64

	if rec.Fragment != nil {
		msg, err := s.datagrams.Add(pass, rec.Flow, rec.Seq, *rec.Fragment, rec.Payload)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, err)
		}
		if msg == nil {
			return res, nil
		}
		payload = msg.Data
		records = msg.Records
		if msg.Conflict {
			res.Diagnostics = append(res.Diagnostics, fmt.Errorf("datagram reassembled from conflicting fragments: %w", core.ErrReassemblyConflict))
		}
		if rec.Fragment.Encapsulated {
			flow, payload, err = unwrapUDP(flow, payload)
			if err != nil {
				res.Diagnostics = append(res.Diagnostics, err)
				return res, nil
			}
		}
	}

	profile := s.profileFor(pass, flow, payload)
	if profile == nil {
		return res, nil
	}
	res.Profile = profile.Name()

	msgs, err := s.extract(pass, profile, flow, rec.Seq, payload, records)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, err)
	}
	if records != nil {
		for i := range msgs {
			msgs[i].Records = mergeRecords(records, msgs[i].Records)
		}
	}
	for i := range msgs {
		ref := core.MessageRef{Seq: rec.Seq, Index: i}
		res.Annotations = append(res.Annotations, s.annotate(pass, profile, &msgs[i], ref, rec.Timestamp))
	}
	return res, nil
}

// extract turns a payload into zero or more complete messages.
func (s *Session) extract(pass core.Pass, profile protocol.Profile, flow core.FlowID, seq uint64, payload []byte, records []uint64) ([]core.Message, error) {
	if framer, ok := s.framers[profile.Name()]; ok && flow.Kind.IsStream() {
		return framer.Feed(pass, flow, seq, payload)
	}

	if f, ok := profile.(protocol.Fragmenter); ok {
		if info, data, ok := f.Fragment(payload); ok {
			msg, err := s.fragments.Add(pass, flow, seq, info, data)
			if msg == nil {
				return nil, err
			}
			return []core.Message{*msg}, err
		}
	}

	if len(payload) == 0 {
		return nil, nil
	}
	if records == nil {
		records = []uint64{seq}
	}
	return []core.Message{{
		Flow:     flow,
		Data:     append([]byte(nil), payload...),
		Records:  records,
		Complete: true,
	}}, nil
}

// profileFor picks the profile of a flow: the one chosen earlier, a port
// binding, or a detector. Only the initial pass remembers the choice.
func (s *Session) profileFor(pass core.Pass, flow core.FlowID, payload []byte) protocol.Profile {
	key := flow.Canonical()
	if p, ok := s.flows[key]; ok {
		return p
	}
	if flow.SrcPort() == 0 && flow.DstPort() == 0 {
		return nil
	}
	p := s.byPort[flow.DstPort()]
	if p == nil {
		p = s.byPort[flow.SrcPort()]
	}
	if p == nil {
		for _, b := range s.bindings {
			if d, ok := b.Profile.(protocol.Detector); ok && d.Detect(payload) {
				p = b.Profile
				break
			}
		}
	}
	if p != nil && !pass.IsReplay() {
		s.flows[key] = p
		slog.Debug("flow bound to profile", "session", s.id, "flow", key.String(), "profile", p.Name())
	}
	return p
}

// mergeRecords joins two ascending sequence lists without duplicates.
func mergeRecords(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var next uint64
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			next = a[i]
			i++
		case i >= len(a) || b[j] < a[i]:
			next = b[j]
			j++
		default:
			next = a[i]
			i++
			j++
		}
		if len(out) == 0 || out[len(out)-1] != next {
			out = append(out, next)
		}
	}
	return out
}

func unwrapUDP(flow core.FlowID, data []byte) (core.FlowID, []byte, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return flow, nil, fmt.Errorf("reassembled datagram: %w", err)
	}
	return flow.WithPorts(uint16(udp.SrcPort), uint16(udp.DstPort)), udp.Payload, nil
}

// CurrentState returns the state of a conversation after the last record of
// the initial pass.
func (s *Session) CurrentState(conv uint64) (conversation.State, bool) {
	c, ok := s.registry.ByID(conv)
	if !ok {
		return "", false
	}
	return c.CurrentState(), true
}

// Conversations returns every conversation ordered by ID.
func (s *Session) Conversations() []*conversation.Conversation {
	return s.registry.All()
}

// RequestFor returns the record holding the request answered by the response
// at seq.
func (s *Session) RequestFor(seq uint64) (uint64, bool) {
	return s.correlator.RequestFor(seq)
}

// ResponseFor returns the record holding the response to the request at seq.
func (s *Session) ResponseFor(seq uint64) (uint64, bool) {
	return s.correlator.ResponseFor(seq)
}
