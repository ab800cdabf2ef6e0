// Package core defines core types.
package core

// Pass tags one traversal of the record sequence. The first traversal mutates
// state; replays only read what the first traversal left behind.
type Pass struct {
	replay bool
}

var (
	// Initial is the first, state-mutating traversal.
	Initial = Pass{}
	// Replay is any later, read-only traversal.
	Replay = Pass{replay: true}
)

// PassOf returns the pass a record belongs to.
func PassOf(rec *RawRecord) Pass {
	if rec.IsReplay {
		return Replay
	}
	return Initial
}

// IsReplay reports whether p is a read-only traversal.
func (p Pass) IsReplay() bool {
	return p.replay
}

// String implements fmt.Stringer.
func (p Pass) String() string {
	if p.replay {
		return "replay"
	}
	return "initial"
}
