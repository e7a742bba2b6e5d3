package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"bridge/apps/bridge/internal/fallback"
)

func TestRecordOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordOutcome(fallback.Outcome{Operation: "chainA.getTransaction", Path: fallback.PathPrimary, Success: true})
	m.RecordOutcome(fallback.Outcome{Operation: "chainA.getTransaction", Path: fallback.PathFallback, Success: false})
	m.RecordOutcome(fallback.Outcome{Operation: "chainA.getTransaction", Path: fallback.PathFallback, Success: false})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackCalls.WithLabelValues("chainA.getTransaction", "primary", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FallbackCalls.WithLabelValues("chainA.getTransaction", "fallback", "failure")))
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) }, "registering twice must collide")
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
