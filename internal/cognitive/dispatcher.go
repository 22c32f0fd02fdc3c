// Copyright 2025 James Ross
package cognitive

import (
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// DispatcherConfig is the §6 "Cognitive dispatcher" configuration
// surface.
type DispatcherConfig struct {
	DefaultRoutingStrategy RoutingStrategy `mapstructure:"default_routing_strategy"`
	SessionAffinityTimeout time.Duration   `mapstructure:"session_affinity_timeout"`
	HeartbeatTimeout       time.Duration   `mapstructure:"heartbeat_timeout"`
	MaxRoutingAttempts     int             `mapstructure:"max_routing_attempts"`
}

// DefaultDispatcherConfig mirrors common values implied by §4.6's worked
// examples.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultRoutingStrategy: Priority,
		SessionAffinityTimeout: 30 * time.Minute,
		HeartbeatTimeout:       60 * time.Second,
		MaxRoutingAttempts:     3,
	}
}

type affinityEntry struct {
	consumerID string
	touchedAt  time.Time
}

// Dispatcher routes cognitive events to healthy, eligible consumers
// under one of the five strategies in §4.6. Grounded on the teacher's
// producer-backpressure Controller for its lazily-created, mutex-guarded
// per-key state pattern, generalized here to per-event-type round-robin
// cursors and per-session affinity.
type Dispatcher struct {
	cfg     DispatcherConfig
	logger  events.Logger
	metrics events.MetricsSink

	mu         sync.RWMutex
	consumers  map[string]*Consumer
	roundRobin map[string]int // eventType -> cursor
	affinity   map[string]*affinityEntry // sessionID -> entry

	wg sync.WaitGroup
}

// NewDispatcher wires a cognitive Dispatcher.
func NewDispatcher(cfg DispatcherConfig, logger events.Logger, metrics events.MetricsSink) *Dispatcher {
	if logger == nil {
		logger = events.NewNopLogger()
	}
	if metrics == nil {
		metrics = events.NewNopMetrics()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		consumers:  make(map[string]*Consumer),
		roundRobin: make(map[string]int),
		affinity:   make(map[string]*affinityEntry),
	}
}

// RegisterConsumer adds or replaces a consumer record.
func (d *Dispatcher) RegisterConsumer(c *Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.State == "" {
		c.State = ConsumerInitializing
	}
	c.LastHeartbeat = time.Now()
	d.consumers[c.ConsumerID] = c
}

// UnregisterConsumer removes a consumer and clears any affinity entries
// pointing at it.
func (d *Dispatcher) UnregisterConsumer(consumerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, consumerID)
	for session, entry := range d.affinity {
		if entry.consumerID == consumerID {
			delete(d.affinity, session)
		}
	}
}

// Heartbeat updates a consumer's liveness and load signals.
func (d *Dispatcher) Heartbeat(consumerID string, queueDepth, currentConcurrent int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[consumerID]
	if !ok {
		return
	}
	c.LastHeartbeat = time.Now()
	c.CurrentQueueDepth = queueDepth
	c.CurrentConcurrent = currentConcurrent
}

// UpdateProcessingResult records a handler outcome and advances the
// consumer's health state machine (§4.6's consumer state machine).
// Returns true if the consumer transitioned to FAILED this call.
func (d *Dispatcher) UpdateProcessingResult(consumerID string, success bool, latencyMs float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[consumerID]
	if !ok {
		return false
	}
	c.Metrics.RecordOutcome(success, latencyMs)
	newState := StateFromConsecutiveFailures(c.Metrics.ConsecutiveFailures)
	wasFailed := c.State == ConsumerFailed
	c.State = newState
	d.metrics.SetGauge("cognitive_consumer_state", map[string]string{"consumer_id": consumerID}, consumerStateOrdinal(newState))
	return newState == ConsumerFailed && !wasFailed
}

func consumerStateOrdinal(s ConsumerState) float64 {
	switch s {
	case ConsumerHealthy:
		return 0
	case ConsumerDegraded:
		return 1
	case ConsumerUnhealthy:
		return 2
	case ConsumerFailed:
		return 3
	case ConsumerTerminated:
		return 4
	default:
		return -1
	}
}

// isHealthy implements §4.6's "Health model": unhealthy when success
// rate drops below 0.8, load reaches 0.95, average latency reaches
// 5000ms, or the heartbeat has gone stale. Caller must hold d.mu.
func (d *Dispatcher) isHealthy(c *Consumer) bool {
	if c.State == ConsumerFailed || c.State == ConsumerTerminated {
		return false
	}
	if time.Since(c.LastHeartbeat) > d.cfg.HeartbeatTimeout {
		return false
	}
	if c.Metrics.SuccessRate() < 0.8 {
		return false
	}
	if d.currentLoad(c) >= 0.95 {
		return false
	}
	if c.Metrics.AvgLatencyMs() >= 5000 {
		return false
	}
	return true
}

func (d *Dispatcher) currentLoad(c *Consumer) float64 {
	if c.MaxConcurrent <= 0 {
		return 0
	}
	return float64(c.CurrentConcurrent) / float64(c.MaxConcurrent)
}

// eligible returns consumers that are healthy, under capacity, and either
// unpreferenced or preferring eventType (§4.6's "Eligibility").
func (d *Dispatcher) eligible(eventType string) []*Consumer {
	var out []*Consumer
	for _, c := range d.consumers {
		if !d.isHealthy(c) {
			continue
		}
		if c.CurrentConcurrent >= c.MaxConcurrent {
			continue
		}
		if !c.PrefersType(eventType) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// routingScore implements §4.6's scoring formula.
func (d *Dispatcher) routingScore(c *Consumer, eventType string, priority int) float64 {
	load := d.currentLoad(c)
	successRate := c.Metrics.SuccessRate()

	specializationBonus := 0.0
	if c.PreferredEventTypes != nil {
		if _, ok := c.PreferredEventTypes[eventType]; ok {
			specializationBonus = 0.2
		}
	}
	priorityFactor := float64(priority) / 5.0
	if priorityFactor > 2 {
		priorityFactor = 2
	}

	avgLatency := c.Metrics.AvgLatencyMs()
	latencyPenalty := 0.0
	if avgLatency > 1000 {
		latencyPenalty = (avgLatency - 1000) / 10000
	}

	return (1-load)*successRate*successRate + specializationBonus*priorityFactor - latencyPenalty
}

// Route selects target consumer(s) for a cognitive event under the given
// strategy, per §4.6. BROADCAST returns every eligible consumer;
// all other strategies return exactly one (or none, if no consumer is
// eligible).
func (d *Dispatcher) Route(eventType string, priority int, sessionID string, strategy RoutingStrategy) []*Consumer {
	d.mu.Lock()
	defer d.mu.Unlock()

	elig := d.eligible(eventType)
	if len(elig) == 0 {
		return nil
	}

	switch strategy {
	case Broadcast:
		return elig

	case RoundRobin:
		idx := d.roundRobin[eventType] % len(elig)
		d.roundRobin[eventType] = idx + 1
		return []*Consumer{elig[idx]}

	case CognitiveLoad:
		best := elig[0]
		bestLoad := d.currentLoad(best)
		for _, c := range elig[1:] {
			if l := d.currentLoad(c); l < bestLoad {
				best, bestLoad = c, l
			}
		}
		return []*Consumer{best}

	case StickySession:
		if sessionID != "" {
			if entry, ok := d.affinity[sessionID]; ok {
				if time.Since(entry.touchedAt) <= d.cfg.SessionAffinityTimeout {
					for _, c := range elig {
						if c.ConsumerID == entry.consumerID {
							entry.touchedAt = time.Now()
							return []*Consumer{c}
						}
					}
				}
				delete(d.affinity, sessionID)
			}
		}
		best := d.bestScored(elig, eventType, priority)
		if sessionID != "" {
			d.affinity[sessionID] = &affinityEntry{consumerID: best.ConsumerID, touchedAt: time.Now()}
		}
		return []*Consumer{best}

	default: // Priority
		return []*Consumer{d.bestScored(elig, eventType, priority)}
	}
}

func (d *Dispatcher) bestScored(consumers []*Consumer, eventType string, priority int) *Consumer {
	best := consumers[0]
	bestScore := d.routingScore(best, eventType, priority)
	for _, c := range consumers[1:] {
		// Equal scores go to the lowest ConsumerID, so the choice does not
		// depend on map iteration order.
		if s := d.routingScore(c, eventType, priority); s > bestScore || (s == bestScore && c.ConsumerID < best.ConsumerID) {
			best, bestScore = c, s
		}
	}
	return best
}

// cleanExpiredAffinities drops session affinities older than
// SessionAffinityTimeout. Caller must hold d.mu.
func (d *Dispatcher) cleanExpiredAffinities() {
	now := time.Now()
	for session, entry := range d.affinity {
		if now.Sub(entry.touchedAt) > d.cfg.SessionAffinityTimeout {
			delete(d.affinity, session)
		}
	}
}

// reclassify recomputes every consumer's health state from its current
// signals, independent of consecutive-failure transitions, to pick up
// heartbeat staleness (§4.6's maintenance loop). Caller must hold d.mu.
func (d *Dispatcher) reclassify() {
	for _, c := range d.consumers {
		if !d.isHealthy(c) && c.State != ConsumerFailed && c.State != ConsumerTerminated {
			c.State = ConsumerDegraded
		}
	}
}

// RunMaintenanceLoop reclassifies consumer health and clears expired
// session affinities every 30s, as §4.6 specifies.
func (d *Dispatcher) RunMaintenanceLoop(stop <-chan struct{}) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.mu.Lock()
				d.reclassify()
				d.cleanExpiredAffinities()
				d.mu.Unlock()
			}
		}
	}()
}

// Wait blocks until the maintenance loop goroutine exits.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Snapshot returns a point-in-time copy of every registered consumer's
// state, for admin introspection.
func (d *Dispatcher) Snapshot() []Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		out = append(out, *c)
	}
	return out
}

// ConsumerByID looks up a registered consumer, mainly for tests and
// admin tooling.
func (d *Dispatcher) ConsumerByID(id string) (*Consumer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consumers[id]
	if !ok {
		return nil, fmt.Errorf("cognitive: unknown consumer %q", id)
	}
	return c, nil
}
