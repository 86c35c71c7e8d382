package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Commit outcomes recorded by RelayCommits.
const (
	OutcomeCommitted     = "committed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeCommitFailed  = "commit_failed"
	OutcomeTimeout       = "timeout"
	OutcomeAborted       = "aborted"
)

var (
	// RelayFrames counts upstream frames by kind (progress, complete, error,
	// unknown).
	RelayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Upstream frames seen by the relay, by frame type.",
		},
		[]string{"type"},
	)

	// RelayCommits counts finished relay invocations by outcome.
	RelayCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commits_total",
			Help: "Finished relay invocations, by outcome.",
		},
		[]string{"outcome"},
	)

	// LedgerDebits counts ledger debits by reason.
	LedgerDebits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_debits_total",
			Help: "Credits debited from account balances, by reason.",
		},
		[]string{"reason"},
	)

	// ConsistencyAlerts counts commit failures that happened after upstream
	// success, by the step that failed.
	ConsistencyAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_consistency_alerts_total",
			Help: "Upstream succeeded but the local debit or persistence failed.",
		},
		[]string{"step"},
	)

	// ClientDroppedFrames counts non-terminal frames dropped for slow or
	// departed clients.
	ClientDroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_client_dropped_frames_total",
			Help: "Progress frames not delivered because the client could not keep up.",
		},
	)
)

func init() {
	prometheus.MustRegister(RelayFrames, RelayCommits, LedgerDebits, ConsistencyAlerts, ClientDroppedFrames)
}
