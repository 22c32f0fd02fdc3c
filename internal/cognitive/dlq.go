// Copyright 2025 James Ross
package cognitive

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// RetryPolicy is a per-event-type retry shape (§4.8).
type RetryPolicy struct {
	Strategy     RetryStrategy `mapstructure:"strategy"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// defaultRetryPolicies mirrors §4.8's per-event-type table.
func defaultRetryPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		"MEMORY_WRITE_INITIATED": {
			Strategy: RetryExponential, MaxAttempts: 5, InitialDelay: time.Second,
			Multiplier: 2, JitterFactor: 0.1, MaxDelay: 300 * time.Second,
		},
		"RECALL_CONTEXT_REQUESTED": {
			Strategy: RetryAdaptive, MaxAttempts: 3, InitialDelay: 2 * time.Second,
			Multiplier: 2, JitterFactor: 0.1, MaxDelay: 300 * time.Second,
		},
		"ATTENTION_GATE_ADMIT": {
			Strategy: RetryLinear, MaxAttempts: 2, InitialDelay: 500 * time.Millisecond,
			Multiplier: 1, JitterFactor: 0.1, MaxDelay: 300 * time.Second,
		},
		"LEARNING_OUTCOME_RECEIVED": {
			Strategy: RetryExponential, MaxAttempts: 7, InitialDelay: 500 * time.Millisecond,
			Multiplier: 2, JitterFactor: 0.1, MaxDelay: 300 * time.Second,
		},
	}
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: RetryExponential, MaxAttempts: 3, InitialDelay: time.Second,
		Multiplier: 2, JitterFactor: 0.1, MaxDelay: 300 * time.Second,
	}
}

// ErrorKind is the coarse classification an upstream component reports;
// the DLQ manager maps it to a FailureCategory (§4.8's "Classification").
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "TIMEOUT"
	ErrorKindResource    ErrorKind = "RESOURCE"
	ErrorKindValidation  ErrorKind = "VALIDATION"
	ErrorKindProcessing  ErrorKind = "PROCESSING"
	ErrorKindCoordination ErrorKind = "COORDINATION"
)

// Classify maps an ErrorKind to a FailureCategory; anything unrecognized
// is SYSTEM.
func Classify(kind ErrorKind) FailureCategory {
	switch kind {
	case ErrorKindTimeout:
		return CategoryTransient
	case ErrorKindResource:
		return CategoryResource
	case ErrorKindValidation:
		return CategoryValidation
	case ErrorKindProcessing:
		return CategoryProcessing
	case ErrorKindCoordination:
		return CategoryCoordination
	default:
		return CategorySystem
	}
}

// DLQConfig is the §6 "DLQ" configuration surface.
type DLQConfig struct {
	Policies                 map[string]RetryPolicy   `mapstructure:"policies"`
	PoisonDetectionThreshold int                      `mapstructure:"poison_detection_threshold"`
	AnalyticsInterval        time.Duration            `mapstructure:"analytics_interval"`
	RetryCheckInterval       time.Duration            `mapstructure:"retry_check_interval"`
	PersistencePath          string                   `mapstructure:"persistence_path"`
	PoisonWindow             time.Duration            `mapstructure:"poison_window"`
}

// DefaultDLQConfig wires §4.8's default policies and intervals.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		Policies:                 defaultRetryPolicies(),
		PoisonDetectionThreshold: 10,
		AnalyticsInterval:        60 * time.Second,
		RetryCheckInterval:       5 * time.Second,
		PoisonWindow:             24 * time.Hour,
	}
}

func (c DLQConfig) policyFor(eventType string) RetryPolicy {
	if p, ok := c.Policies[eventType]; ok {
		return p
	}
	return defaultRetryPolicy()
}

// patternKey groups similar failures for poison detection, keyed
// "event_type:error_type:component" (§4.8).
func patternKey(eventType string, kind ErrorKind, component string) string {
	return fmt.Sprintf("%s:%s:%s", eventType, kind, component)
}

type patternHistory struct {
	occurredAt []time.Time
}

// Manager is the Dead-Letter Queue Manager described in §4.8, grounded
// on the teacher's dlq-remediation-pipeline (rule-based classification,
// per-rule circuit breaking, rate-limited batch processing) adapted from
// a Redis-backed external pipeline to an in-process retry scheduler
// backed by the bus's own WAL DLQ file.
type Manager struct {
	cfg         DLQConfig
	persistence *events.Persistence
	logger      events.Logger
	metrics     events.MetricsSink

	mu               sync.Mutex
	retryQueue       map[string]*FailureRecord // traceID -> record
	permanentFailures map[string]*FailureRecord
	poisonTraces     map[string]struct{}
	patterns         map[string]*patternHistory
	recoveredCount   int64

	rng *rand.Rand

	wg sync.WaitGroup
}

// NewManager wires a DLQ Manager around its configuration and the bus's
// persistence layer (for appending terminal failures to the topic DLQ
// file).
func NewManager(cfg DLQConfig, persistence *events.Persistence, logger events.Logger, metrics events.MetricsSink) *Manager {
	if logger == nil {
		logger = events.NewNopLogger()
	}
	if metrics == nil {
		metrics = events.NewNopMetrics()
	}
	return &Manager{
		cfg:               cfg,
		persistence:       persistence,
		logger:            logger,
		metrics:           metrics,
		retryQueue:        make(map[string]*FailureRecord),
		permanentFailures: make(map[string]*FailureRecord),
		poisonTraces:      make(map[string]struct{}),
		patterns:          make(map[string]*patternHistory),
		rng:               rand.New(rand.NewSource(1)),
	}
}

// RecordFailure classifies a processing failure, schedules a retry (or
// moves the event to permanent failure / poison), and returns the
// resulting FailureRecord (§4.8's state transitions: NEW -> retry queue |
// permanent_failure | poison).
func (m *Manager) RecordFailure(eventID, traceID, eventType string, kind ErrorKind, errMsg, component string) *FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, poisoned := m.poisonTraces[traceID]; poisoned {
		return &FailureRecord{
			EventID: eventID, TraceID: traceID, EventType: eventType,
			FailureTime: time.Now(), Error: errMsg,
			FailureCategory: CategoryPoison, FinalDisposition: DispositionPoison,
		}
	}

	category := Classify(kind)
	key := patternKey(eventType, kind, component)
	hist, ok := m.patterns[key]
	if !ok {
		hist = &patternHistory{}
		m.patterns[key] = hist
	}
	now := time.Now()
	cutoff := now.Add(-m.cfg.PoisonWindow)
	kept := hist.occurredAt[:0]
	for _, t := range hist.occurredAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	hist.occurredAt = append(kept, now)
	similar := len(hist.occurredAt)

	existing, hadRecord := m.retryQueue[traceID]
	attempt := 1
	if hadRecord {
		attempt = existing.AttemptNumber + 1
	}

	rec := &FailureRecord{
		EventID: eventID, TraceID: traceID, EventType: eventType,
		FailureTime: now, Error: errMsg, AttemptNumber: attempt,
		FailureCategory: category, SimilarFailures: similar,
		FinalDisposition: DispositionPending,
	}

	if category == CategoryValidation {
		rec.FinalDisposition = DispositionPermanent
		rec.TotalAttempts = attempt
		m.permanentFailures[traceID] = rec
		delete(m.retryQueue, traceID)
		m.metrics.IncCounter("dlq_permanent_failures_total", map[string]string{"event_type": eventType})
		return rec
	}

	if similar >= m.cfg.PoisonDetectionThreshold {
		m.poisonTraces[traceID] = struct{}{}
		rec.FinalDisposition = DispositionPoison
		rec.TotalAttempts = attempt
		delete(m.retryQueue, traceID)
		m.metrics.IncCounter("dlq_poison_total", map[string]string{"event_type": eventType})
		return rec
	}

	policy := m.cfg.policyFor(eventType)
	if attempt > policy.MaxAttempts {
		rec.FinalDisposition = DispositionPermanent
		rec.TotalAttempts = attempt
		m.permanentFailures[traceID] = rec
		delete(m.retryQueue, traceID)
		m.metrics.IncCounter("dlq_permanent_failures_total", map[string]string{"event_type": eventType})
		return rec
	}

	successRate := m.retrySuccessRateLocked()
	delay := computeRetryDelay(policy, category, attempt, successRate, m.rng)
	rec.NextRetryTime = now.Add(delay)
	rec.TotalAttempts = policy.MaxAttempts
	m.retryQueue[traceID] = rec
	m.metrics.IncCounter("dlq_retries_scheduled_total", map[string]string{"event_type": eventType})
	return rec
}

// computeRetryDelay implements §4.8's "Retry delay" table plus jitter and
// clamping.
func computeRetryDelay(policy RetryPolicy, category FailureCategory, attempt int, retrySuccessRate float64, rng *rand.Rand) time.Duration {
	var base time.Duration
	switch policy.Strategy {
	case RetryImmediate:
		base = 0
	case RetryLinear:
		base = policy.InitialDelay * time.Duration(attempt)
	case RetryExponential:
		base = time.Duration(float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1)))
	case RetryAdaptive:
		switch category {
		case CategoryTransient:
			base = time.Duration(float64(policy.InitialDelay) * 0.5)
		case CategoryResource:
			base = time.Duration(float64(policy.InitialDelay) * 2.0)
		default:
			base = policy.InitialDelay
		}
		if retrySuccessRate < 0.5 {
			base *= 2
		}
	}

	if base > 0 && policy.JitterFactor > 0 {
		jitterRange := float64(base) * policy.JitterFactor
		jitter := (rng.Float64()*2 - 1) * jitterRange
		base += time.Duration(jitter)
	}
	if base < 0 {
		base = 0
	}
	if policy.MaxDelay > 0 && base > policy.MaxDelay {
		base = policy.MaxDelay
	}
	return base
}

// retrySuccessRateLocked computes the recent retry success ratio used by
// the ADAPTIVE strategy; caller must hold m.mu.
func (m *Manager) retrySuccessRateLocked() float64 {
	total := m.recoveredCount + int64(len(m.permanentFailures))
	if total == 0 {
		return 1.0
	}
	return float64(m.recoveredCount) / float64(total)
}

// RecordSuccess removes traceID from the retry queue and counts it as
// recovered (§4.8's "on success").
func (m *Manager) RecordSuccess(traceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retryQueue[traceID]; ok {
		delete(m.retryQueue, traceID)
		m.recoveredCount++
		m.metrics.IncCounter("dlq_events_recovered_total", nil)
	}
}

// ReadyRetries returns every queued failure whose NextRetryTime has
// elapsed, for the retry processor to re-emit (§4.8's "Background").
func (m *Manager) ReadyRetries(now time.Time) []*FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []*FailureRecord
	for _, rec := range m.retryQueue {
		if !now.Before(rec.NextRetryTime) {
			ready = append(ready, rec)
		}
	}
	return ready
}

// PermanentFailures returns a snapshot of all terminally-failed records.
func (m *Manager) PermanentFailures() []*FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FailureRecord, 0, len(m.permanentFailures))
	for _, rec := range m.permanentFailures {
		out = append(out, rec)
	}
	return out
}

// IsPoison reports whether traceID has been quarantined.
func (m *Manager) IsPoison(traceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.poisonTraces[traceID]
	return ok
}

// PersistTerminal appends a permanently-failed or poisoned event to the
// topic's WAL-backed DLQ file via the shared Persistence component.
func (m *Manager) PersistTerminal(event events.Event, topic events.Topic, rec *FailureRecord) error {
	return m.persistence.AppendToDLQ(event, topic, rec.Error)
}

// Stats is a point-in-time snapshot for operator introspection and the
// analytics loop.
type Stats struct {
	RetryQueueDepth   int
	PermanentFailures int
	PoisonCount       int
	Recovered         int64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		RetryQueueDepth:   len(m.retryQueue),
		PermanentFailures: len(m.permanentFailures),
		PoisonCount:       len(m.poisonTraces),
		Recovered:         m.recoveredCount,
	}
}

// RunBackgroundLoops starts the retry-check and analytics loops described
// in §4.8's "Background"; onReady is invoked with every retry-eligible
// record each tick.
func (m *Manager) RunBackgroundLoops(stop <-chan struct{}, onReady func([]*FailureRecord)) {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		interval := m.cfg.RetryCheckInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ready := m.ReadyRetries(time.Now())
				if len(ready) > 0 && onReady != nil {
					onReady(ready)
				}
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		interval := m.cfg.AnalyticsInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		c := cron.New()
		_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			stats := m.Stats()
			m.logger.Info("dlq analytics", map[string]interface{}{
				"retry_queue_depth":  stats.RetryQueueDepth,
				"permanent_failures": stats.PermanentFailures,
				"poison_count":       stats.PoisonCount,
				"recovered":          stats.Recovered,
			})
		})
		if err != nil {
			m.logger.Warn("dlq analytics: schedule failed", map[string]interface{}{"error": err.Error()})
			return
		}
		c.Start()
		<-stop
		c.Stop()
	}()
}

// Wait blocks until the background loops exit.
func (m *Manager) Wait() { m.wg.Wait() }
