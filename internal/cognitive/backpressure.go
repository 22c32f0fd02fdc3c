// Copyright 2025 James Ross
package cognitive

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// Thresholds bundles the warning/critical/emergency lines for one signal
// (queue depth, p95 latency, cognitive load) per §4.7.
type Thresholds struct {
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Emergency float64 `mapstructure:"emergency"`
}

// BackpressureConfig is the §6 "Backpressure" configuration surface.
type BackpressureConfig struct {
	Queue                  Thresholds    `mapstructure:"queue"`
	LatencyMs              Thresholds    `mapstructure:"latency_ms"`
	CognitiveLoad          Thresholds    `mapstructure:"cognitive_load"`
	MaxEventsPerSecond     float64       `mapstructure:"max_events_per_second"`
	BurstCapacity          int           `mapstructure:"burst_capacity"`
	AdaptiveWindowSeconds  int           `mapstructure:"adaptive_window_seconds"`
	TrendSensitivity       float64       `mapstructure:"trend_sensitivity"`
	RecoveryFactor         float64       `mapstructure:"recovery_factor"`
	FailureThreshold       int           `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds float64       `mapstructure:"recovery_timeout_seconds"`
	HalfOpenTestRequests   int           `mapstructure:"half_open_test_requests"`
}

// DefaultBackpressureConfig mirrors §8 scenario 3's example thresholds.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		Queue:                  Thresholds{Warning: 100, Critical: 500, Emergency: 1000},
		LatencyMs:              Thresholds{Warning: 500, Critical: 2000, Emergency: 5000},
		CognitiveLoad:          Thresholds{Warning: 0.7, Critical: 0.85, Emergency: 0.95},
		MaxEventsPerSecond:     1000,
		BurstCapacity:          200,
		AdaptiveWindowSeconds:  60,
		TrendSensitivity:       0.1,
		RecoveryFactor:         0.1,
		FailureThreshold:       5,
		RecoveryTimeoutSeconds: 30,
		HalfOpenTestRequests:   3,
	}
}

// SystemSignal is the point-in-time reading the controller evaluates
// against its thresholds.
type SystemSignal struct {
	QueueDepth    float64
	P95LatencyMs  float64
	CognitiveLoad float64
}

// breaker is a consecutive-failure circuit breaker scoped to one
// component name, grounded on internal/breaker's sliding-state design but
// simplified to the consecutive-count model §4.7 specifies.
type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	halfOpenAttempts int
	cfg              BackpressureConfig
}

func newBreaker(cfg BackpressureConfig) *breaker {
	return &breaker{state: BreakerClosed, cfg: cfg}
}

// Allow reports whether a call should proceed, transitioning OPEN ->
// HALF_OPEN after the recovery timeout elapses (§4.7).
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailureTime).Seconds() >= b.cfg.RecoveryTimeoutSeconds {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 0
			b.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenTestRequests {
			return false
		}
		b.halfOpenAttempts++
		return true
	default:
		return true
	}
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenTestRequests {
			b.state = BreakerClosed
			b.failureCount = 0
		}
	default:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = time.Now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
	default:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// window holds a bounded history of SystemSignal readings for trend
// analysis (§4.7's "Trend").
type window struct {
	samples []SystemSignal
	max     int
}

func (w *window) push(s SystemSignal) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.max {
		w.samples = w.samples[1:]
	}
}

// isTrendingWorse compares the mean of the most recent half of the window
// against the mean of the older half for each signal; ratio >
// 1+trendSensitivity on any dimension is "worse". Fewer than three samples
// never count as worse.
func (w *window) isTrendingWorse(sensitivity float64) bool {
	n := len(w.samples)
	if n < 3 {
		return false
	}
	half := n / 2
	older, recent := w.samples[:half], w.samples[half:]

	meanQueue := func(s []SystemSignal) float64 {
		var sum float64
		for _, v := range s {
			sum += v.QueueDepth
		}
		return sum / float64(len(s))
	}
	meanLatency := func(s []SystemSignal) float64 {
		var sum float64
		for _, v := range s {
			sum += v.P95LatencyMs
		}
		return sum / float64(len(s))
	}
	meanLoad := func(s []SystemSignal) float64 {
		var sum float64
		for _, v := range s {
			sum += v.CognitiveLoad
		}
		return sum / float64(len(s))
	}

	worse := func(oldVal, newVal float64) bool {
		if oldVal <= 0 {
			return newVal > 0
		}
		return newVal/oldVal > 1+sensitivity
	}

	return worse(meanQueue(older), meanQueue(recent)) ||
		worse(meanLatency(older), meanLatency(recent)) ||
		worse(meanLoad(older), meanLoad(recent))
}

// Controller is the Backpressure Controller described in §4.7, grounded
// on the teacher's producer-backpressure Controller (per-component
// circuit breakers, cached decisions, background polling) generalized
// from per-queue to per-component gating and extended with the token
// bucket and deterministic-throttle admission rules the cognitive bus
// spec requires.
type Controller struct {
	cfg     BackpressureConfig
	logger  events.Logger
	metrics events.MetricsSink

	mu         sync.Mutex
	breakers   map[string]*breaker
	windows    map[string]*window
	limiters   map[string]*rate.Limiter
	throttleRate float64

	cancel func()
	wg     sync.WaitGroup
}

// NewController wires a Controller around its configuration and
// observability collaborators.
func NewController(cfg BackpressureConfig, logger events.Logger, metrics events.MetricsSink) *Controller {
	if logger == nil {
		logger = events.NewNopLogger()
	}
	if metrics == nil {
		metrics = events.NewNopMetrics()
	}
	return &Controller{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		breakers:     make(map[string]*breaker),
		windows:      make(map[string]*window),
		limiters:     make(map[string]*rate.Limiter),
		throttleRate: 1.0,
	}
}

func (c *Controller) breakerFor(component string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[component]
	if !ok {
		b = newBreaker(c.cfg)
		c.breakers[component] = b
	}
	return b
}

func (c *Controller) windowFor(component string) *window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[component]
	if !ok {
		w = &window{max: c.cfg.AdaptiveWindowSeconds}
		c.windows[component] = w
	}
	return w
}

func (c *Controller) limiterFor(component string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[component]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.MaxEventsPerSecond), c.cfg.BurstCapacity)
		c.limiters[component] = l
	}
	return l
}

// Observe records a fresh signal reading for component, feeding the trend
// window used by ComputeLevel.
func (c *Controller) Observe(component string, signal SystemSignal) {
	c.windowFor(component).push(signal)
}

// ComputeLevel evaluates the five-tier level ladder in §4.7 in priority
// order against the most recent signal and its trend history.
func (c *Controller) ComputeLevel(component string, signal SystemSignal) BackpressureLevel {
	q, lat, load := c.cfg.Queue, c.cfg.LatencyMs, c.cfg.CognitiveLoad

	switch {
	case signal.QueueDepth >= q.Emergency || signal.P95LatencyMs >= lat.Emergency || signal.CognitiveLoad >= load.Emergency:
		return LevelEmergency
	case signal.QueueDepth >= q.Critical || signal.P95LatencyMs >= lat.Critical || signal.CognitiveLoad >= load.Critical:
		return LevelCritical
	}

	atWarning := signal.QueueDepth >= q.Warning || signal.P95LatencyMs >= lat.Warning || signal.CognitiveLoad >= load.Warning
	if atWarning {
		w := c.windowFor(component)
		if w.isTrendingWorse(c.cfg.TrendSensitivity) {
			return LevelHigh
		}
		return LevelMedium
	}

	queueGrowth := 0.0
	if w := c.windowFor(component); len(w.samples) >= 2 {
		queueGrowth = signal.QueueDepth - w.samples[len(w.samples)-2].QueueDepth
	}
	earlyWarning := signal.QueueDepth >= 0.7*q.Warning ||
		queueGrowth > 10 ||
		signal.CognitiveLoad >= 0.8*load.Warning
	if earlyWarning {
		return LevelLow
	}
	return LevelNone
}

// ShouldThrottleEvent implements §4.7's should_throttle_event: circuit
// breaker gate, level computation, token bucket, then deterministic
// priority-weighted throttle keyed on traceID so identical inputs always
// produce the same decision.
func (c *Controller) ShouldThrottleEvent(component, traceID string, priority int, signal SystemSignal) (bool, BackpressureLevel) {
	b := c.breakerFor(component)
	if !b.Allow() {
		return true, LevelEmergency
	}

	level := c.ComputeLevel(component, signal)
	throttleRate := level.ThrottleRate()

	if !c.limiterFor(component).Allow() {
		return true, level
	}

	priorityFactor := float64(priority) / 5.0
	if priorityFactor > 2 {
		priorityFactor = 2
	}
	adjustedP := (1 - throttleRate) * (1 - priorityFactor/2)
	u := deterministicUniform(traceID, level)

	shouldThrottle := u < adjustedP
	c.metrics.SetGauge("backpressure_level", map[string]string{"component": component}, levelOrdinal(level))
	return shouldThrottle, level
}

// RecordOutcome feeds a call's success/failure into the component's
// circuit breaker.
func (c *Controller) RecordOutcome(component string, success bool) {
	b := c.breakerFor(component)
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
}

// BreakerState returns the current circuit-breaker state for component.
func (c *Controller) BreakerState(component string) BreakerState {
	return c.breakerFor(component).State()
}

// deterministicUniform hashes traceID||level with MD5 and maps the first
// 4 bytes to a uniform value on [0,1), per §4.7/§9's "Deterministic
// probabilistic throttling".
func deterministicUniform(traceID string, level BackpressureLevel) float64 {
	sum := md5.Sum([]byte(traceID + string(level)))
	n := binary.BigEndian.Uint32(sum[:4])
	return float64(n) / (1 << 32)
}

func levelOrdinal(l BackpressureLevel) float64 {
	switch l {
	case LevelEmergency:
		return 0
	case LevelCritical:
		return 1
	case LevelHigh:
		return 2
	case LevelMedium:
		return 3
	case LevelLow:
		return 4
	default:
		return 5
	}
}

// RunBackgroundLoop recomputes every component's level every 10s, logs
// each component's level and throttle rate, and gradually restores the learned throttle rate
// via recovery_factor when conditions improve (§4.7's "Background loop").
func (c *Controller) RunBackgroundLoop(stop <-chan struct{}, latest func() map[string]SystemSignal) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.tick(latest())
			}
		}
	}()
}

func (c *Controller) tick(signals map[string]SystemSignal) {
	for component, signal := range signals {
		level := c.ComputeLevel(component, signal)
		target := level.ThrottleRate()

		c.mu.Lock()
		if target > c.throttleRate {
			c.throttleRate += (target - c.throttleRate) * c.cfg.RecoveryFactor
		} else {
			c.throttleRate = target
		}
		rate := c.throttleRate
		c.mu.Unlock()

		c.logger.Debug("backpressure tick", map[string]interface{}{
			"component": component, "level": string(level), "throttle_rate": fmt.Sprintf("%.3f", rate),
		})
	}
}

// Wait blocks until the background loop goroutine (if started) exits.
func (c *Controller) Wait() { c.wg.Wait() }
