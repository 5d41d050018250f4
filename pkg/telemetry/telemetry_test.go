package telemetry_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/kvs-migration-orchestrator/pkg/telemetry"
)

func TestMetricsAreRegisteredAndObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)

	m.KeysApplied.WithLabelValues("Copy").Add(5)
	m.CatchupIteration.Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "migration_keys_applied_total" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(5), f.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "migration_keys_applied_total must be registered")
}
