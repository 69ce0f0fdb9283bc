package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCollectors(reg)

	CommitsCreated.WithLabelValues(TriggerManual).Inc()
	SnapshotRefreshFailures.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["docvs_commits_created_total"])
	require.True(t, names["docvs_snapshot_refresh_failures_total"])
	require.True(t, names["docvs_active_sessions"])

	require.GreaterOrEqual(t, testutil.ToFloat64(CommitsCreated.WithLabelValues(TriggerManual)), 1.0)
	require.Panics(t, func() { RegisterCollectors(reg) })
}
