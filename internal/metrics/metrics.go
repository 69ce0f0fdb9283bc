package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Trigger labels for commit counters.
const (
	TriggerAutosave = "autosave"
	TriggerManual   = "manual"
	TriggerRevert   = "revert"
	TriggerFork     = "fork"
	TriggerAPI      = "api"
)

var (
	CommitsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docvs", Name: "commits_created_total", Help: "Number of commits appended, by trigger."},
		[]string{"trigger"},
	)
	SaveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docvs", Name: "save_failures_total", Help: "Number of failed commit attempts, by trigger."},
		[]string{"trigger"},
	)
	SnapshotRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "docvs", Name: "snapshot_refresh_failures_total", Help: "Number of swallowed snapshot cache refresh failures."},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "docvs", Name: "active_sessions", Help: "Number of open editing sessions."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(CommitsCreated)
	reg.MustRegister(SaveFailures)
	reg.MustRegister(SnapshotRefreshFailures)
	reg.MustRegister(ActiveSessions)
}
