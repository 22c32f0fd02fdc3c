// Copyright 2025 James Ross
package cognitive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeLevelOrdersThresholdsWorstFirst(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)

	require.Equal(t, LevelEmergency, c.ComputeLevel("comp", SystemSignal{QueueDepth: 1000}))
	require.Equal(t, LevelCritical, c.ComputeLevel("comp", SystemSignal{QueueDepth: 500}))
	require.Equal(t, LevelNone, c.ComputeLevel("comp", SystemSignal{}))
}

func TestComputeLevelWarningEscalatesToHighWhenTrendingWorse(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)
	for _, depth := range []float64{10, 20, 150, 200} {
		c.Observe("comp", SystemSignal{QueueDepth: depth})
	}
	level := c.ComputeLevel("comp", SystemSignal{QueueDepth: 150})
	require.Equal(t, LevelHigh, level)
}

func TestComputeLevelEarlyWarningOnApproachingThreshold(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)
	level := c.ComputeLevel("comp", SystemSignal{QueueDepth: 80})
	require.Equal(t, LevelLow, level)
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	cfg := DefaultBackpressureConfig()
	cfg.FailureThreshold = 3
	b := newBreaker(cfg)
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())
	require.False(t, b.Allow())
}

func TestBreakerHalfOpenRecoversAfterTimeout(t *testing.T) {
	cfg := DefaultBackpressureConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeoutSeconds = 0
	cfg.HalfOpenTestRequests = 2
	b := newBreaker(cfg)

	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	require.True(t, b.Allow()) // timeout elapsed (0s), transitions to half-open
	require.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultBackpressureConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeoutSeconds = 0
	b := newBreaker(cfg)

	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
}

func TestShouldThrottleEventIsDeterministicForSameTraceID(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)
	signal := SystemSignal{QueueDepth: 150}

	first, level1 := c.ShouldThrottleEvent("comp-a", "trace-123", 3, signal)
	second, level2 := c.ShouldThrottleEvent("comp-b", "trace-123", 3, signal)
	require.Equal(t, first, second)
	require.Equal(t, level1, level2)
}

func TestShouldThrottleEventOpenBreakerAlwaysThrottles(t *testing.T) {
	cfg := DefaultBackpressureConfig()
	cfg.FailureThreshold = 1
	c := NewController(cfg, nil, nil)
	c.RecordOutcome("comp", false)
	require.Equal(t, BreakerOpen, c.BreakerState("comp"))

	throttled, level := c.ShouldThrottleEvent("comp", "trace-1", 5, SystemSignal{})
	require.True(t, throttled)
	require.Equal(t, LevelEmergency, level)
}

func TestRecordOutcomeDrivesBreakerState(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)
	c.RecordOutcome("comp", true)
	require.Equal(t, BreakerClosed, c.BreakerState("comp"))
}

func TestWindowIsTrendingWorseRequiresThreeSamples(t *testing.T) {
	w := &window{max: 10}
	w.push(SystemSignal{QueueDepth: 10})
	w.push(SystemSignal{QueueDepth: 10})
	require.False(t, w.isTrendingWorse(0.1))
}

func TestDeterministicUniformIsStable(t *testing.T) {
	a := deterministicUniform("trace-xyz", LevelHigh)
	b := deterministicUniform("trace-xyz", LevelHigh)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0.0)
	require.Less(t, a, 1.0)
}

func TestControllerRunBackgroundLoopStopsCleanly(t *testing.T) {
	c := NewController(DefaultBackpressureConfig(), nil, nil)
	stop := make(chan struct{})
	c.RunBackgroundLoop(stop, func() map[string]SystemSignal { return nil })
	close(stop)

	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background loop did not stop after signal")
	}
}
