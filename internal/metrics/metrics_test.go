package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RecordOp("read", time.Now(), 128, nil)
		c.RecordFragment("server-0")
		c.SetBreakerState("server-0", 2)
		c.SetSessionsOpen(3)
	})

	disabled := New(Config{Enabled: false})
	require.NotPanics(t, func() {
		disabled.RecordOp("write", time.Now(), 64, nil)
	})
}

func TestRecordOpTracksStatus(t *testing.T) {
	c := New(DefaultConfig())
	c.RecordOp("read", time.Now().Add(-5*time.Millisecond), 1024, nil)
	c.RecordOp("read", time.Now(), 0, require.AnError)

	require.Equal(t, 1.0, testutil.ToFloat64(c.opTotal.WithLabelValues("read", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.opTotal.WithLabelValues("read", "error")))
}

func TestBreakerStateGauge(t *testing.T) {
	c := New(DefaultConfig())
	c.SetBreakerState("server-1", 2)
	require.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("server-1")))
}
