// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts raw records processed, by pass
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_records_total",
			Help: "Total number of raw records processed",
		},
		[]string{"pass"},
	)

	// MessagesTotal counts reassembled messages by profile and completeness
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_messages_total",
			Help: "Total number of reassembled messages",
		},
		[]string{"profile", "complete"},
	)

	// FramingErrorsTotal counts malformed stream headers (buffer discarded)
	FramingErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_framing_errors_total",
			Help: "Total number of malformed stream headers",
		},
	)

	// FramerBufferedBytes tracks bytes held in partial stream buffers
	FramerBufferedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_framer_buffered_bytes",
			Help: "Bytes buffered awaiting a complete stream message",
		},
	)

	// ReassemblyActiveSets tracks fragment sets awaiting completion
	ReassemblyActiveSets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_reassembly_active_sets",
			Help: "Number of fragment sets in the reassembly table",
		},
	)

	// ReassemblyConflictsTotal counts overlapping fragments with differing content
	ReassemblyConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_reassembly_conflicts_total",
			Help: "Total number of overlapping fragment conflicts",
		},
	)

	// IncompleteTotal counts messages still unfinished at session teardown
	IncompleteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_incomplete_messages_total",
			Help: "Total number of messages reported incomplete at teardown",
		},
		[]string{"source"},
	)

	// ConversationsActive tracks conversations in live sessions
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_conversations_active",
			Help: "Number of conversations held by open sessions",
		},
	)

	// CorrelationsTotal counts correlation outcomes
	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_correlations_total",
			Help: "Total number of response correlation outcomes",
		},
		[]string{"outcome"},
	)
)

// Correlation outcome label values
const (
	OutcomeMatched     = "matched"
	OutcomeAdopted     = "adopted"
	OutcomeUnsolicited = "unsolicited"
	OutcomeDuplicate   = "duplicate"
)
