// Package reassembly turns raw transport records into complete messages:
// Framer slices ordered byte streams by a declared length, Reassembler merges
// datagram fragments by offset.
package reassembly

import (
	"log/slog"
	"sort"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/passcache"
)

// DefaultMaxMessageSize bounds a declared message length when the caller
// configures none.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// LengthDecoder extracts the total length of the message that starts at
// buf[0]. It returns ok=false when buf is too short to tell, and an error when
// the header is malformed.
type LengthDecoder interface {
	DecodeLength(buf []byte) (n int, ok bool, err error)
}

// LengthDecoderFunc adapts a function to LengthDecoder.
type LengthDecoderFunc func(buf []byte) (int, bool, error)

// DecodeLength implements LengthDecoder.
func (f LengthDecoderFunc) DecodeLength(buf []byte) (int, bool, error) {
	return f(buf)
}

// FramerConfig contains configuration for stream framing.
type FramerConfig struct {
	MaxMessageSize int // Declared lengths above this are malformed (default 16 MiB)
}

// span records which input record supplied buffer bytes up to end.
type span struct {
	seq uint64
	end int
}

// streamBuffer holds the unconsumed bytes of one direction of one flow.
type streamBuffer struct {
	data  []byte
	spans []span
}

type feedResult struct {
	msgs []core.Message
	err  error
}

// Framer splits per-flow byte streams into length-delimited messages.
// Buffers are direction-sensitive: each FlowID owns one.
type Framer struct {
	decoder LengthDecoder
	maxSize int
	flows   map[core.FlowID]*streamBuffer
	results *passcache.Cache[feedResult]
}

// NewFramer creates a framer using decoder for header interpretation.
func NewFramer(decoder LengthDecoder, cfg FramerConfig) *Framer {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Framer{
		decoder: decoder,
		maxSize: cfg.MaxMessageSize,
		flows:   make(map[core.FlowID]*streamBuffer),
		results: passcache.New[feedResult](),
	}
}

// Feed appends payload to the flow's buffer and returns every message that
// became complete, in stream order. A partial trailing message stays buffered.
// A malformed header returns a *core.FramingError and discards the buffer;
// messages completed before it in the same call are still returned.
// On replay nothing is buffered and the initial-pass result for seq is returned.
func (f *Framer) Feed(pass core.Pass, flow core.FlowID, seq uint64, payload []byte) ([]core.Message, error) {
	res, _ := f.results.Resolve(pass, core.RecordRef(seq), func() feedResult {
		msgs, err := f.feed(flow, seq, payload)
		return feedResult{msgs: msgs, err: err}
	})
	return res.msgs, res.err
}

func (f *Framer) feed(flow core.FlowID, seq uint64, payload []byte) ([]core.Message, error) {
	buf, ok := f.flows[flow]
	if !ok {
		buf = &streamBuffer{}
		f.flows[flow] = buf
	}
	if len(payload) > 0 {
		buf.data = append(buf.data, payload...)
		buf.spans = append(buf.spans, span{seq: seq, end: len(buf.data)})
		metrics.FramerBufferedBytes.Add(float64(len(payload)))
	}

	var msgs []core.Message
	for len(buf.data) > 0 {
		n, ok, err := f.decoder.DecodeLength(buf.data)
		if err == nil && ok && (n < 1 || n > f.maxSize) {
			err = core.ErrInvalidLength
		}
		if err == nil && !ok && len(buf.data) > f.maxSize {
			// A header that never resolves would grow the buffer without bound.
			err = core.ErrInvalidLength
			n = -1
		}
		if err != nil {
			if !ok {
				n = -1
			}
			fe := &core.FramingError{Flow: flow, Seq: seq, Declared: n, Discarded: len(buf.data), Err: err}
			slog.Warn("discarding stream buffer after malformed header",
				"flow", flow.String(), "seq", seq, "declared", n, "discarded", len(buf.data), "error", err)
			metrics.FramingErrorsTotal.Inc()
			f.discard(buf)
			return msgs, fe
		}
		if !ok || len(buf.data) < n {
			break
		}

		data := make([]byte, n)
		copy(data, buf.data[:n])
		msgs = append(msgs, core.Message{
			Flow:     flow,
			Data:     data,
			Records:  buf.consume(n),
			Complete: true,
		})
		metrics.FramerBufferedBytes.Sub(float64(n))
	}
	return msgs, nil
}

// consume drops n leading bytes and returns the sequence numbers of the
// records that contributed to them.
func (b *streamBuffer) consume(n int) []uint64 {
	var seqs []uint64
	start := 0
	keep := b.spans[:0]
	for _, s := range b.spans {
		if start < n {
			seqs = append(seqs, s.seq)
		}
		start = s.end
		if s.end > n {
			keep = append(keep, span{seq: s.seq, end: s.end - n})
		}
	}
	b.spans = keep

	if n == len(b.data) {
		b.data = nil
	} else {
		// Copy the remainder so the consumed prefix can be collected.
		b.data = append([]byte(nil), b.data[n:]...)
	}
	return seqs
}

func (f *Framer) discard(b *streamBuffer) {
	metrics.FramerBufferedBytes.Sub(float64(len(b.data)))
	b.data = nil
	b.spans = nil
}

// Buffered returns the number of bytes waiting on flow.
func (f *Framer) Buffered(flow core.FlowID) int {
	if b, ok := f.flows[flow]; ok {
		return len(b.data)
	}
	return 0
}

// Close reports every non-empty buffer as an incomplete tail, ordered by the
// first contributing record, and releases all buffers.
func (f *Framer) Close() []Incomplete {
	var tails []Incomplete
	for flow, b := range f.flows {
		if len(b.data) == 0 {
			continue
		}
		want := 0
		if n, ok, err := f.decoder.DecodeLength(b.data); err == nil && ok {
			want = n
		}
		seqs := make([]uint64, 0, len(b.spans))
		for _, s := range b.spans {
			seqs = append(seqs, s.seq)
		}
		tails = append(tails, Incomplete{
			Message: core.Message{Flow: flow, Data: b.data, Records: seqs},
			Err:     &core.IncompleteError{Flow: flow, Have: len(b.data), Want: want},
		})
		metrics.FramerBufferedBytes.Sub(float64(len(b.data)))
	}
	sortIncomplete(tails)
	clear(f.flows)
	f.results.Reset()
	return tails
}

// Incomplete is a message that never completed before teardown, surfaced with
// whatever bytes were recovered.
type Incomplete struct {
	Message core.Message
	Err     *core.IncompleteError
}

func sortIncomplete(list []Incomplete) {
	sort.Slice(list, func(i, j int) bool {
		ri, rj := list[i].Message.Records, list[j].Message.Records
		if len(ri) == 0 || len(rj) == 0 {
			return len(ri) < len(rj)
		}
		return ri[0] < rj[0]
	})
}
