// Copyright 2025 James Ross
package cognitive

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDLQManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultDLQConfig(), nil, nil, nil)
}

func TestClassifyMapsErrorKindsToCategories(t *testing.T) {
	require.Equal(t, CategoryTransient, Classify(ErrorKindTimeout))
	require.Equal(t, CategoryResource, Classify(ErrorKindResource))
	require.Equal(t, CategoryValidation, Classify(ErrorKindValidation))
	require.Equal(t, CategoryProcessing, Classify(ErrorKindProcessing))
	require.Equal(t, CategoryCoordination, Classify(ErrorKindCoordination))
	require.Equal(t, CategorySystem, Classify(ErrorKind("unknown")))
}

func TestRecordFailureSchedulesRetryForTransientFailure(t *testing.T) {
	m := newTestDLQManager(t)
	rec := m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindTimeout, "connection reset", "hippocampus")
	require.Equal(t, DispositionPending, rec.FinalDisposition)
	require.Equal(t, 1, rec.AttemptNumber)
	require.Equal(t, 1, m.Stats().RetryQueueDepth)
}

func TestRecordFailureValidationGoesStraightToPermanent(t *testing.T) {
	m := newTestDLQManager(t)
	rec := m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindValidation, "bad schema", "hippocampus")
	require.Equal(t, DispositionPermanent, rec.FinalDisposition)
	require.Equal(t, 1, m.Stats().PermanentFailures)
	require.Equal(t, 0, m.Stats().RetryQueueDepth)
}

func TestRecordFailureExceedingMaxAttemptsBecomesPermanent(t *testing.T) {
	m := newTestDLQManager(t)
	m.cfg.Policies["ATTENTION_GATE_ADMIT"] = RetryPolicy{
		Strategy: RetryImmediate, MaxAttempts: 2, InitialDelay: 0,
	}
	var rec *FailureRecord
	for i := 0; i < 3; i++ {
		rec = m.RecordFailure("evt-1", "trace-1", "ATTENTION_GATE_ADMIT", ErrorKindProcessing, "nope", "cortex")
	}
	require.Equal(t, DispositionPermanent, rec.FinalDisposition)
}

func TestRecordFailureDetectsPoisonAfterThreshold(t *testing.T) {
	m := newTestDLQManager(t)
	m.cfg.PoisonDetectionThreshold = 2
	m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindProcessing, "oops", "cortex")
	rec := m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindProcessing, "oops", "cortex")
	require.Equal(t, DispositionPoison, rec.FinalDisposition)
	require.True(t, m.IsPoison("trace-1"))
}

func TestRecordFailureOnPoisonedTraceShortCircuits(t *testing.T) {
	m := newTestDLQManager(t)
	m.cfg.PoisonDetectionThreshold = 1
	m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindProcessing, "oops", "cortex")
	require.True(t, m.IsPoison("trace-1"))

	rec := m.RecordFailure("evt-2", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindProcessing, "oops again", "cortex")
	require.Equal(t, DispositionPoison, rec.FinalDisposition)
	require.Equal(t, CategoryPoison, rec.FailureCategory)
}

func TestRecordSuccessRemovesFromRetryQueueAndCountsRecovered(t *testing.T) {
	m := newTestDLQManager(t)
	m.RecordFailure("evt-1", "trace-1", "MEMORY_WRITE_INITIATED", ErrorKindTimeout, "x", "cortex")
	require.Equal(t, 1, m.Stats().RetryQueueDepth)

	m.RecordSuccess("trace-1")
	stats := m.Stats()
	require.Equal(t, 0, stats.RetryQueueDepth)
	require.EqualValues(t, 1, stats.Recovered)
}

func TestReadyRetriesOnlyReturnsElapsedEntries(t *testing.T) {
	m := newTestDLQManager(t)
	m.cfg.Policies["ATTENTION_GATE_ADMIT"] = RetryPolicy{
		Strategy: RetryImmediate, MaxAttempts: 5, InitialDelay: 0,
	}
	m.RecordFailure("evt-1", "trace-1", "ATTENTION_GATE_ADMIT", ErrorKindTimeout, "x", "cortex")

	ready := m.ReadyRetries(time.Now().Add(time.Second))
	require.Len(t, ready, 1)
	require.Equal(t, "trace-1", ready[0].TraceID)
}

func TestComputeRetryDelayStrategies(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	immediate := computeRetryDelay(RetryPolicy{Strategy: RetryImmediate}, CategoryTransient, 1, 1.0, rng)
	require.Equal(t, time.Duration(0), immediate)

	linear := computeRetryDelay(RetryPolicy{Strategy: RetryLinear, InitialDelay: time.Second}, CategoryTransient, 3, 1.0, rng)
	require.True(t, linear > 0)

	exp := computeRetryDelay(RetryPolicy{Strategy: RetryExponential, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}, CategoryTransient, 10, 1.0, rng)
	require.LessOrEqual(t, exp, 5*time.Second)
}

func TestRunBackgroundLoopsStopsCleanly(t *testing.T) {
	m := newTestDLQManager(t)
	m.cfg.RetryCheckInterval = 5 * time.Millisecond
	m.cfg.AnalyticsInterval = time.Second
	stop := make(chan struct{})
	m.RunBackgroundLoops(stop, func([]*FailureRecord) {})
	close(stop)

	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background loops did not stop after signal")
	}
}
