// Copyright 2025 James Ross
package cognitive

import "time"

// ConsumerState is the health state machine driven by
// update_processing_result (§4.6).
type ConsumerState string

const (
	ConsumerInitializing ConsumerState = "INITIALIZING"
	ConsumerHealthy      ConsumerState = "HEALTHY"
	ConsumerDegraded     ConsumerState = "DEGRADED"
	ConsumerUnhealthy    ConsumerState = "UNHEALTHY"
	ConsumerFailed       ConsumerState = "FAILED"
	ConsumerTerminated   ConsumerState = "TERMINATED"
)

// RoutingStrategy enumerates the five cognitive routing strategies
// (§4.6).
type RoutingStrategy string

const (
	RoundRobin     RoutingStrategy = "ROUND_ROBIN"
	Priority       RoutingStrategy = "PRIORITY"
	CognitiveLoad  RoutingStrategy = "COGNITIVE_LOAD"
	StickySession  RoutingStrategy = "STICKY_SESSION"
	Broadcast      RoutingStrategy = "BROADCAST"
)

// BackpressureLevel is the result of the multi-dimensional level
// calculation in §4.7, ordered worst-to-best.
type BackpressureLevel string

const (
	LevelEmergency BackpressureLevel = "EMERGENCY"
	LevelCritical  BackpressureLevel = "CRITICAL"
	LevelHigh      BackpressureLevel = "HIGH"
	LevelMedium    BackpressureLevel = "MEDIUM"
	LevelLow       BackpressureLevel = "LOW"
	LevelNone      BackpressureLevel = "NONE"
)

// ThrottleRate maps a BackpressureLevel to its admission rate (§4.7).
func (l BackpressureLevel) ThrottleRate() float64 {
	switch l {
	case LevelEmergency:
		return 0.1
	case LevelCritical:
		return 0.25
	case LevelHigh:
		return 0.5
	case LevelMedium:
		return 0.7
	case LevelLow:
		return 0.9
	default:
		return 1.0
	}
}

// BreakerState is the state of the backpressure controller's
// per-component circuit breakers (§4.7).
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// FailureCategory classifies a DLQ failure (§4.8).
type FailureCategory string

const (
	CategoryTransient    FailureCategory = "TRANSIENT"
	CategoryResource     FailureCategory = "RESOURCE"
	CategoryValidation   FailureCategory = "VALIDATION"
	CategoryProcessing   FailureCategory = "PROCESSING"
	CategoryCoordination FailureCategory = "COORDINATION"
	CategoryPoison       FailureCategory = "POISON"
	CategorySystem       FailureCategory = "SYSTEM"
)

// RetryStrategy is the backoff shape applied to a retry schedule (§4.8).
type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "IMMEDIATE"
	RetryLinear      RetryStrategy = "LINEAR"
	RetryExponential RetryStrategy = "EXPONENTIAL"
	RetryAdaptive    RetryStrategy = "ADAPTIVE"
)

// FailureDisposition is the terminal outcome recorded on a FailureRecord.
type FailureDisposition string

const (
	DispositionPending   FailureDisposition = "PENDING"
	DispositionRecovered FailureDisposition = "RECOVERED"
	DispositionPermanent FailureDisposition = "PERMANENT_FAILURE"
	DispositionPoison    FailureDisposition = "POISON"
)

// Trace carries the cognitive processing context propagated across
// cognitive events (§3's "Cognitive Event").
type Trace struct {
	TraceID          string
	ParentTraceID    string
	SessionID        string
	ProcessingStage  string
	StartedAt        time.Time
	Priority         int
	SalienceScore    float64
	RoutingStrategy  RoutingStrategy
	RetryCount       int
	CognitiveLoad    float64
}

// CognitiveEvent layers routing metadata over a base events.Event
// (§3's "Cognitive Event").
type CognitiveEvent struct {
	EventType            string
	Trace                Trace
	Payload              map[string]interface{}
	SourceComponent      string
	TargetComponents      []string
	RequiresCoordination bool
	NeuralPathway        string
	PlasticityRequired   bool
	Neuromodulation      map[string]float64
}

// ConsumerMetrics are the rolling health observations behind routing
// scores and the health state machine (§4.6).
type ConsumerMetrics struct {
	RecentLatenciesMs   []float64
	RecentSuccesses     []bool
	ConsecutiveFailures int
	TotalProcessed      int64
	TotalFailed         int64
}

// SuccessRate returns the fraction of recent outcomes that succeeded; 1.0
// when there is no history (optimistic default).
func (m *ConsumerMetrics) SuccessRate() float64 {
	if len(m.RecentSuccesses) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range m.RecentSuccesses {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(m.RecentSuccesses))
}

// AvgLatencyMs returns the mean of recent recorded latencies, or 0 when
// there is no history.
func (m *ConsumerMetrics) AvgLatencyMs() float64 {
	if len(m.RecentLatenciesMs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.RecentLatenciesMs {
		sum += v
	}
	return sum / float64(len(m.RecentLatenciesMs))
}

const metricsWindowSize = 50

// RecordOutcome appends a processing outcome to the rolling window,
// bounding it at metricsWindowSize, and advances the consecutive-failure
// counter used by the health state machine.
func (m *ConsumerMetrics) RecordOutcome(success bool, latencyMs float64) {
	m.RecentSuccesses = append(m.RecentSuccesses, success)
	if len(m.RecentSuccesses) > metricsWindowSize {
		m.RecentSuccesses = m.RecentSuccesses[1:]
	}
	m.RecentLatenciesMs = append(m.RecentLatenciesMs, latencyMs)
	if len(m.RecentLatenciesMs) > metricsWindowSize {
		m.RecentLatenciesMs = m.RecentLatenciesMs[1:]
	}
	m.TotalProcessed++
	if success {
		m.ConsecutiveFailures = 0
	} else {
		m.ConsecutiveFailures++
		m.TotalFailed++
	}
}

// StateFromConsecutiveFailures implements the §4.6 state machine.
func StateFromConsecutiveFailures(consecutive int) ConsumerState {
	switch {
	case consecutive == 0:
		return ConsumerHealthy
	case consecutive <= 2:
		return ConsumerDegraded
	case consecutive <= 4:
		return ConsumerUnhealthy
	default:
		return ConsumerFailed
	}
}

// Consumer is a registered cognitive-event target (§3).
type Consumer struct {
	ConsumerID         string
	GroupID            string
	PreferredEventTypes map[string]struct{}
	MaxConcurrent       int
	CurrentConcurrent   int
	CurrentQueueDepth   int
	LastHeartbeat       time.Time
	State               ConsumerState
	Metrics             ConsumerMetrics
}

// PrefersType reports whether t is in the consumer's preference set, or
// true if the consumer declared no preference (accepts everything).
func (c *Consumer) PrefersType(t string) bool {
	if len(c.PreferredEventTypes) == 0 {
		return true
	}
	_, ok := c.PreferredEventTypes[t]
	return ok
}

// FailureRecord tracks one failed cognitive event through classification,
// retry scheduling, and terminal disposition (§3).
type FailureRecord struct {
	EventID         string
	TraceID         string
	EventType       string
	FailureTime     time.Time
	Error           string
	AttemptNumber   int
	TotalAttempts   int
	NextRetryTime   time.Time
	FailureCategory FailureCategory
	SimilarFailures int
	FinalDisposition FailureDisposition
}
