package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCompile("app.js", time.Millisecond, nil)
	m.ObserveCompile("bad.js", time.Millisecond, errors.New("syntax"))
	m.ObserveRender("once", 2*time.Millisecond, nil)
	m.ObserveRender("once", 2*time.Millisecond, nil)
	m.ObserveResolution(true)
	m.ObserveResolution(false)
	m.ObserveResolution(false)
	m.ObserveEvaluation("bundle")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Renders.WithLabelValues("once", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModuleEvaluations.WithLabelValues("bundle")))

	n, err := testutil.GatherAndCount(reg, "vmrun_render_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCompile("x", 0, nil)
		m.ObserveRender("fresh", 0, nil)
		m.ObserveResolution(true)
		m.ObserveEvaluation("file")
	})
}
