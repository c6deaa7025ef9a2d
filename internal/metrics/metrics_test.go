package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NotNil(t, m)

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"BackupsTotal", m.BackupsTotal},
		{"RestoresTotal", m.RestoresTotal},
		{"RunDuration", m.RunDuration},
		{"BlocksProcessed", m.BlocksProcessed},
		{"BlocksWritten", m.BlocksWritten},
		{"DedupHits", m.DedupHits},
		{"BytesRead", m.BytesRead},
		{"BytesStored", m.BytesStored},
		{"BytesRestored", m.BytesRestored},
		{"IndexBlocks", m.IndexBlocks},
		{"DedupRatio", m.DedupRatio},
	}
	for _, tt := range tests {
		assert.NotNil(t, tt.metric, tt.name)
	}
}

func TestObserveBlock(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBlock(100, 40, true, false)
	m.ObserveBlock(100, 40, false, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupHits))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.BytesStored))
}

func TestObserveRuns(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBackup(nil, time.Second)
	m.ObserveBackup(errors.New("boom"), time.Second)
	m.ObserveRestore(nil, time.Millisecond, 1234)
	m.ObserveRestore(errors.New("boom"), time.Millisecond, 99)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupsTotal.WithLabelValues(StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupsTotal.WithLabelValues(StatusFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestoresTotal.WithLabelValues(StatusFailure)))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.BytesRestored), "failed restores write nothing")

	m.SetIndex(7, 1.5)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.IndexBlocks))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.DedupRatio))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *VaultMetrics
	assert.NotPanics(t, func() {
		m.ObserveBlock(1, 1, true, true)
		m.ObserveBackup(nil, time.Second)
		m.ObserveRestore(nil, time.Second, 1)
		m.SetIndex(1, 1)
	})
}
