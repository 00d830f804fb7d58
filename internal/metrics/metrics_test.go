package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SDFJobStarted()
		m.MeshGenerated(10)
		m.ObjectConsumed()
		m.DamageDeferred()
		m.SetRequiredChunks("obs", 3)
		m.SetRecencyCached(1)
		m.RecencyEvicted()
	})
	assert.Nil(t, m.Registry())
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.SDFJobStarted()
	m.SDFJobStarted()
	m.FragmentsDiscarded(3)
	m.FragmentsDiscarded(0)
	m.SetRequiredChunks("alice", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sdfJobsStarted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.fragmentsDiscarded))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.requiredChunks.WithLabelValues("alice")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
