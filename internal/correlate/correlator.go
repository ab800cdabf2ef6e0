// Package correlate binds responses to the requests they answer, at most one
// response per request, including requests sent before the whole key was
// known.
package correlate

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/passcache"
)

// Key identifies a request inside a conversation. Sub is the disambiguating
// field that may only be learned from the response (a session handle, a
// dialog hash); Partial marks it as a wildcard.
type Key struct {
	Conversation uint64
	Request      uint32
	Sub          uint32
	Partial      bool
}

func (k Key) String() string {
	if k.Partial {
		return fmt.Sprintf("conv=%d req=%d sub=*", k.Conversation, k.Request)
	}
	return fmt.Sprintf("conv=%d req=%d sub=%d", k.Conversation, k.Request, k.Sub)
}

// PendingRequest is one recorded request. Entries are kept for the whole
// session so later passes can read the bindings made on the first one.
type PendingRequest struct {
	Key         Key
	Seq         uint64
	Index       int // position among the messages completed by record Seq
	Time        time.Time
	ResponseSeq uint64
	Response    core.MessageRef
	Matched     bool
}

// Ref returns the message the request was recorded for.
func (p *PendingRequest) Ref() core.MessageRef {
	return core.MessageRef{Seq: p.Seq, Index: p.Index}
}

type bucketKey struct {
	conv uint64
	req  uint32
}

// bucket holds the requests sharing a conversation and request id. Slices are
// ordered by Seq.
type bucket struct {
	exact map[uint32][]*PendingRequest
	wild  []*PendingRequest
}

type outcome struct {
	request core.MessageRef
	err     error
}

// Correlator is the per-session correlation table.
type Correlator struct {
	buckets  map[bucketKey]*bucket
	requests map[core.MessageRef]*PendingRequest
	byRecord map[uint64]*PendingRequest // first request of each record
	answers  map[uint64]uint64          // response seq -> request seq, first response of a record
	results  *passcache.Cache[outcome]
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		buckets:  make(map[bucketKey]*bucket),
		requests: make(map[core.MessageRef]*PendingRequest),
		byRecord: make(map[uint64]*PendingRequest),
		answers:  make(map[uint64]uint64),
		results:  passcache.New[outcome](),
	}
}

func (c *Correlator) bucket(k Key, create bool) *bucket {
	bk := bucketKey{conv: k.Conversation, req: k.Request}
	b, ok := c.buckets[bk]
	if !ok && create {
		b = &bucket{exact: make(map[uint32][]*PendingRequest)}
		c.buckets[bk] = b
	}
	return b
}

// RecordRequest registers the request message at ref. A partial key goes to
// the wildcard pool and is completed when a response adopts it. On replay the
// entry recorded on the first pass is returned and nothing is inserted.
func (c *Correlator) RecordRequest(pass core.Pass, key Key, ref core.MessageRef, ts time.Time) *PendingRequest {
	if p, ok := c.requests[ref]; ok || pass.IsReplay() {
		return p
	}
	p := &PendingRequest{Key: key, Seq: ref.Seq, Index: ref.Index, Time: ts}
	b := c.bucket(key, true)
	if key.Partial {
		b.wild = insertBySeq(b.wild, p)
	} else {
		b.exact[key.Sub] = insertBySeq(b.exact[key.Sub], p)
	}
	c.requests[ref] = p
	if _, ok := c.byRecord[ref.Seq]; !ok {
		c.byRecord[ref.Seq] = p
	}
	return p
}

// RecordResponse finds the request answered by the response message at ref.
//
// The nearest preceding unmatched request with the exact key wins. Failing
// that, the nearest preceding unmatched wildcard request is adopted and its
// key completed from the response. With no candidate at all the response is
// unsolicited; when every candidate is already bound it is a duplicate.
// Neither case is fatal. On replay the first-pass result is returned.
func (c *Correlator) RecordResponse(pass core.Pass, key Key, ref core.MessageRef) (core.MessageRef, error) {
	if pass.IsReplay() {
		o, ok := c.results.Get(ref)
		if !ok {
			return core.MessageRef{}, fmt.Errorf("%w: response %s", core.ErrNotVisited, ref)
		}
		return o.request, o.err
	}
	if o, ok := c.results.Get(ref); ok {
		return o.request, o.err
	}
	o := c.match(key, ref)
	c.results.Store(pass, ref, o)
	return o.request, o.err
}

func (c *Correlator) match(key Key, ref core.MessageRef) outcome {
	b := c.bucket(key, false)
	if b == nil {
		return c.unsolicited(key, ref)
	}

	var exact []*PendingRequest
	if key.Partial {
		for _, list := range b.exact {
			exact = append(exact, list...)
		}
		sort.Slice(exact, func(i, j int) bool { return exact[i].Ref().Less(exact[j].Ref()) })
	} else {
		exact = b.exact[key.Sub]
	}

	if p := nearestUnmatched(exact, ref); p != nil {
		c.bind(p, ref)
		metrics.CorrelationsTotal.WithLabelValues(metrics.OutcomeMatched).Inc()
		return outcome{request: p.Ref()}
	}

	if p := nearestUnmatched(b.wild, ref); p != nil {
		c.bind(p, ref)
		if !key.Partial {
			b.wild = removeByRef(b.wild, p.Ref())
			p.Key.Sub = key.Sub
			p.Key.Partial = false
			b.exact[key.Sub] = insertBySeq(b.exact[key.Sub], p)
			slog.Debug("adopted wildcard request", "request", p.Ref().String(), "response", ref.String(), "key", p.Key)
		}
		metrics.CorrelationsTotal.WithLabelValues(metrics.OutcomeAdopted).Inc()
		return outcome{request: p.Ref()}
	}

	if bound := nearest(exact, ref); bound != nil {
		return c.duplicate(bound, ref)
	}
	if bound := nearest(b.wild, ref); bound != nil {
		return c.duplicate(bound, ref)
	}
	return c.unsolicited(key, ref)
}

func (c *Correlator) bind(p *PendingRequest, ref core.MessageRef) {
	p.Matched = true
	p.ResponseSeq = ref.Seq
	p.Response = ref
	if _, ok := c.answers[ref.Seq]; !ok {
		c.answers[ref.Seq] = p.Seq
	}
}

func (c *Correlator) unsolicited(key Key, ref core.MessageRef) outcome {
	metrics.CorrelationsTotal.WithLabelValues(metrics.OutcomeUnsolicited).Inc()
	slog.Debug("unsolicited response", "response", ref.String(), "key", key)
	return outcome{err: fmt.Errorf("%w: response %s (%s)", core.ErrUnsolicitedResponse, ref, key)}
}

func (c *Correlator) duplicate(p *PendingRequest, ref core.MessageRef) outcome {
	metrics.CorrelationsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	slog.Debug("duplicate response", "response", ref.String(), "request", p.Ref().String(), "answered_in", p.Response.String())
	return outcome{err: fmt.Errorf("%w: request %s already answered in %s, ignoring response %s",
		core.ErrDuplicateCorrelation, p.Ref(), p.Response, ref)}
}

// RequestFor returns the request answered by the first response in record
// seq.
func (c *Correlator) RequestFor(seq uint64) (uint64, bool) {
	req, ok := c.answers[seq]
	return req, ok
}

// ResponseFor returns the response bound to the first request in record seq.
func (c *Correlator) ResponseFor(seq uint64) (uint64, bool) {
	p, ok := c.byRecord[seq]
	if !ok || !p.Matched {
		return 0, false
	}
	return p.ResponseSeq, true
}

// Request returns the request recorded for the message at ref.
func (c *Correlator) Request(ref core.MessageRef) (*PendingRequest, bool) {
	p, ok := c.requests[ref]
	return p, ok
}

// Pending returns the requests that never received a response, by Seq.
func (c *Correlator) Pending() []*PendingRequest {
	var out []*PendingRequest
	for _, p := range c.requests {
		if !p.Matched {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().Less(out[j].Ref()) })
	return out
}

// Len returns the number of recorded requests.
func (c *Correlator) Len() int {
	return len(c.requests)
}

// Release drops every table at session teardown.
func (c *Correlator) Release() {
	clear(c.buckets)
	clear(c.requests)
	clear(c.byRecord)
	clear(c.answers)
	c.results.Reset()
}

// nearestUnmatched returns the latest unmatched request that precedes ref.
func nearestUnmatched(list []*PendingRequest, ref core.MessageRef) *PendingRequest {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Ref().Less(ref) && !list[i].Matched {
			return list[i]
		}
	}
	return nil
}

func nearest(list []*PendingRequest, ref core.MessageRef) *PendingRequest {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Ref().Less(ref) {
			return list[i]
		}
	}
	return nil
}

func insertBySeq(list []*PendingRequest, p *PendingRequest) []*PendingRequest {
	i := sort.Search(len(list), func(i int) bool { return p.Ref().Less(list[i].Ref()) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = p
	return list
}

func removeByRef(list []*PendingRequest, ref core.MessageRef) []*PendingRequest {
	for i, p := range list {
		if p.Ref() == ref {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
