package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Row("created")
	m.Row("created")
	m.Row("failed")
	m.Track("next").End("completed")
	m.SetLastFile(4)
	m.Decision("debounced")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rows.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rows.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("next", "completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.lastFile))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("debounced")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Row("created")
		m.Track("next").End("error")
		m.SetLastFile(1)
		m.Decision("ran")
	})
}
