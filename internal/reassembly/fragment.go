package reassembly

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/passcache"
)

// ReassemblyConfig contains configuration for fragment reassembly.
type ReassemblyConfig struct {
	MaxMessageSize int // Fragments ending beyond this are rejected (default 16 MiB)
}

// fragmentKey identifies one fragmented message.
type fragmentKey struct {
	flow core.FlowID
	id   uint64
}

// piece is a run of message bytes starting at offset.
type piece struct {
	offset int
	data   []byte
}

func (p piece) end() int {
	return p.offset + len(p.data)
}

// fragmentSet holds the pieces of one message, sorted by offset and never
// overlapping. Overlaps are resolved on insertion, last writer wins.
type fragmentSet struct {
	key      fragmentKey
	pieces   []piece
	total    int
	locked   bool
	conflict bool
	records  []uint64
}

type addResult struct {
	msg *core.Message
	err error
}

// Reassembler merges fragments that share a message id into one message.
type Reassembler struct {
	sets    map[fragmentKey]*fragmentSet
	maxSize int
	results *passcache.Cache[addResult]
}

// NewReassembler creates a fragment reassembler.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Reassembler{
		sets:    make(map[fragmentKey]*fragmentSet),
		maxSize: cfg.MaxMessageSize,
		results: passcache.New[addResult](),
	}
}

// Add inserts one fragment. Returns:
//   - (msg, nil): the fragment completed the message
//   - (nil, nil): more fragments needed
//   - (msg or nil, *core.ReassemblyConflictError): overlapping bytes or totals
//     disagreed; the fragment was still applied (last writer wins)
//   - (nil, err wrapping core.ErrFragmentTooLarge or core.ErrInvalidLength): fragment rejected
//
// On replay nothing is inserted and the initial-pass result for seq is returned.
func (r *Reassembler) Add(pass core.Pass, flow core.FlowID, seq uint64, info core.FragmentInfo, payload []byte) (*core.Message, error) {
	res, _ := r.results.Resolve(pass, core.RecordRef(seq), func() addResult {
		msg, err := r.add(flow, seq, info, payload)
		return addResult{msg: msg, err: err}
	})
	return res.msg, res.err
}

func (r *Reassembler) add(flow core.FlowID, seq uint64, info core.FragmentInfo, payload []byte) (*core.Message, error) {
	if info.Offset < 0 || info.DeclaredTotal < 0 {
		return nil, fmt.Errorf("fragment id=%d offset=%d declared=%d: %w", info.MessageID, info.Offset, info.DeclaredTotal, core.ErrInvalidLength)
	}
	end := info.Offset + len(payload)
	if end > r.maxSize || info.DeclaredTotal > r.maxSize {
		return nil, fmt.Errorf("fragment id=%d offset=%d len=%d limit=%d: %w", info.MessageID, info.Offset, len(payload), r.maxSize, core.ErrFragmentTooLarge)
	}

	key := fragmentKey{flow: flow, id: info.MessageID}
	set, ok := r.sets[key]
	if !ok {
		set = &fragmentSet{key: key}
		r.sets[key] = set
		metrics.ReassemblyActiveSets.Inc()
	}
	set.records = append(set.records, seq)

	var conflict *core.ReassemblyConflictError
	noteConflict := func(offset int, reason string) {
		set.conflict = true
		if conflict == nil {
			conflict = &core.ReassemblyConflictError{Flow: flow, MessageID: info.MessageID, Offset: offset, Reason: reason}
		}
	}

	if info.DeclaredTotal > 0 {
		if prev, ok := set.lock(info.DeclaredTotal); !ok {
			noteConflict(info.Offset, fmt.Sprintf("declared total %d differs from locked %d", info.DeclaredTotal, prev))
		}
	}
	if info.Last {
		if prev, ok := set.lock(end); !ok {
			noteConflict(info.Offset, fmt.Sprintf("last fragment ends at %d, total locked at %d", end, prev))
		}
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	if at, differs := set.insert(piece{offset: info.Offset, data: data}); differs {
		noteConflict(at, "overlapping bytes differ")
	}

	var err error
	if conflict != nil {
		metrics.ReassemblyConflictsTotal.Inc()
		slog.Warn("fragment overlap conflict", "flow", flow.String(), "id", info.MessageID, "seq", seq, "reason", conflict.Reason)
		err = conflict
	}

	if !set.complete() {
		return nil, err
	}

	msg := &core.Message{
		Flow:     flow,
		Data:     set.build(),
		Records:  sortedUnique(set.records),
		Complete: true,
		Conflict: set.conflict,
	}
	delete(r.sets, key)
	metrics.ReassemblyActiveSets.Dec()
	return msg, err
}

// lock fixes the total length. It returns the previously locked value and
// false if a different total was already locked; the first lock stays.
func (s *fragmentSet) lock(total int) (int, bool) {
	if !s.locked {
		s.total = total
		s.locked = true
		return total, true
	}
	return s.total, s.total == total
}

// insert places p, trimming any existing pieces it overlaps. It reports the
// first offset where overlapping bytes differed.
func (s *fragmentSet) insert(p piece) (conflictAt int, differs bool) {
	if len(p.data) == 0 {
		return 0, false
	}
	out := make([]piece, 0, len(s.pieces)+2)
	for _, old := range s.pieces {
		if old.end() <= p.offset || old.offset >= p.end() {
			out = append(out, old)
			continue
		}
		lo := max(old.offset, p.offset)
		hi := min(old.end(), p.end())
		if !differs && !bytes.Equal(old.data[lo-old.offset:hi-old.offset], p.data[lo-p.offset:hi-p.offset]) {
			differs = true
			conflictAt = lo
		}
		if old.offset < p.offset {
			out = append(out, piece{offset: old.offset, data: old.data[:p.offset-old.offset]})
		}
		if old.end() > p.end() {
			out = append(out, piece{offset: p.end(), data: old.data[p.end()-old.offset:]})
		}
	}
	out = append(out, p)
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	s.pieces = out
	return conflictAt, differs
}

// covered returns the length of the gap-free prefix starting at offset 0.
func (s *fragmentSet) covered() int {
	pos := 0
	for _, p := range s.pieces {
		if p.offset > pos {
			break
		}
		pos = max(pos, p.end())
	}
	return pos
}

func (s *fragmentSet) complete() bool {
	return s.locked && s.covered() >= s.total
}

// build concatenates pieces in offset order, clipped to the locked total.
func (s *fragmentSet) build() []byte {
	out := make([]byte, s.total)
	for _, p := range s.pieces {
		if p.offset >= s.total {
			break
		}
		copy(out[p.offset:], p.data)
	}
	return out
}

// prefix returns the recoverable bytes of an unfinished set: everything up to
// the first gap.
func (s *fragmentSet) prefix() []byte {
	n := s.covered()
	if s.locked && n > s.total {
		n = s.total
	}
	out := make([]byte, n)
	for _, p := range s.pieces {
		if p.offset >= n {
			break
		}
		copy(out[p.offset:], p.data)
	}
	return out
}

// Pending returns the number of unfinished fragment sets.
func (r *Reassembler) Pending() int {
	return len(r.sets)
}

// Close surfaces every unfinished set exactly once as an incomplete message,
// ordered by first contributing record, and releases the table.
func (r *Reassembler) Close() []Incomplete {
	list := make([]Incomplete, 0, len(r.sets))
	for key, set := range r.sets {
		want := 0
		if set.locked {
			want = set.total
		}
		data := set.prefix()
		list = append(list, Incomplete{
			Message: core.Message{
				Flow:     key.flow,
				Data:     data,
				Records:  sortedUnique(set.records),
				Conflict: set.conflict,
			},
			Err: &core.IncompleteError{Flow: key.flow, MessageID: key.id, Have: len(data), Want: want},
		})
	}
	metrics.ReassemblyActiveSets.Sub(float64(len(r.sets)))
	sortIncomplete(list)
	clear(r.sets)
	r.results.Reset()
	return list
}

func sortedUnique(seqs []uint64) []uint64 {
	out := append([]uint64(nil), seqs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, s := range out {
		if i == 0 || s != out[n-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
