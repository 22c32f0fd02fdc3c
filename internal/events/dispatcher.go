// Copyright 2025 James Ross
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerState is the terminal state of a single handler invocation within
// a dispatch.
type HandlerState string

const (
	HandlerStateSuccess   HandlerState = "SUCCESS"
	HandlerStateFailed    HandlerState = "FAILED"
	HandlerStateTimeout   HandlerState = "TIMEOUT"
	HandlerStateCancelled HandlerState = "CANCELLED"
)

// HandlerRecord is the per-subscription outcome of one dispatch.
type HandlerRecord struct {
	SubscriptionID string
	State          HandlerState
	Err            error
	DurationMs     float64
}

// DispatchContext carries the event and topic through a dispatch.
type DispatchContext struct {
	Event Event
	Topic string
}

// DispatchResult is returned by the dispatcher for a single publish.
type DispatchResult struct {
	Context           DispatchContext
	Success           bool
	TotalHandlers     int
	SuccessfulHandlers int
	FailedHandlers    int
	DurationMs        float64
	Records           []HandlerRecord
}

// Middleware implements the four-phase handler pipeline (§4.4):
// PreExecute -> (handler) -> PostExecute -> Cleanup, plus OnError. If
// PreExecute returns false the handler is skipped with state CANCELLED.
type Middleware interface {
	Name() string
	PreExecute(ctx context.Context, sub *Subscription, event Event) (bool, error)
	PostExecute(ctx context.Context, sub *Subscription, event Event, handlerErr error)
	OnError(ctx context.Context, sub *Subscription, event Event, err error)
	Cleanup(ctx context.Context, sub *Subscription, event Event)
}

// validationMiddleware rejects events with an empty id or inactive
// subscriptions (§4.4's builtin "Validation" middleware).
type validationMiddleware struct{ logger Logger }

func (validationMiddleware) Name() string { return "validation" }

func (m validationMiddleware) PreExecute(_ context.Context, sub *Subscription, event Event) (bool, error) {
	if event.Meta.ID == "" {
		return false, &ValidationError{Field: "id", Reason: "event id must not be empty"}
	}
	if !sub.Active {
		return false, nil
	}
	return true, nil
}

func (validationMiddleware) PostExecute(context.Context, *Subscription, Event, error) {}
func (m validationMiddleware) OnError(_ context.Context, sub *Subscription, _ Event, err error) {
	if m.logger != nil {
		m.logger.Warn("handler validation error", map[string]interface{}{"subscription_id": sub.SubscriptionID, "error": err.Error()})
	}
}
func (validationMiddleware) Cleanup(context.Context, *Subscription, Event) {}

// metricsMiddleware records per-phase timing under pipeline=events,
// stage=handler_execution (§4.4's builtin "Metrics" middleware).
type metricsMiddleware struct{ sink MetricsSink }

func (metricsMiddleware) Name() string { return "metrics" }
func (metricsMiddleware) PreExecute(context.Context, *Subscription, Event) (bool, error) {
	return true, nil
}
func (m metricsMiddleware) PostExecute(_ context.Context, sub *Subscription, _ Event, handlerErr error) {
	outcome := "success"
	if handlerErr != nil {
		outcome = "error"
	}
	m.sink.IncCounter("events_handler_invocations_total", map[string]string{
		"pipeline": "events", "stage": "handler_execution", "outcome": outcome,
	})
}
func (metricsMiddleware) OnError(context.Context, *Subscription, Event, error) {}
func (metricsMiddleware) Cleanup(context.Context, *Subscription, Event)        {}

// DispatcherConfig bounds dispatch concurrency and per-handler timeout
// (§6's Dispatcher configuration surface).
type DispatcherConfig struct {
	MaxConcurrentHandlers int           `mapstructure:"max_concurrent_handlers"`
	HandlerTimeoutSeconds float64       `mapstructure:"handler_timeout_seconds"`
}

// DefaultDispatcherConfig mirrors common defaults used across the pack's
// worker-pool components.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxConcurrentHandlers: 32, HandlerTimeoutSeconds: 30}
}

// Dispatcher finds matching subscriptions for a topic, evaluates filters,
// and runs handlers under the middleware pipeline with sync/async
// isolation and a bounded concurrency semaphore (§4.4).
type Dispatcher struct {
	cfg        DispatcherConfig
	registry   *SubscriptionRegistry
	filterMgr  *FilterManager
	middleware []Middleware
	logger     Logger
	metrics    MetricsSink
	tracer     Tracer
	sem        chan struct{}

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewDispatcher wires a Dispatcher around a registry and filter manager.
func NewDispatcher(cfg DispatcherConfig, registry *SubscriptionRegistry, filterMgr *FilterManager, logger Logger, metrics MetricsSink, tracer Tracer) *Dispatcher {
	if logger == nil {
		logger = NewNopLogger()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if tracer == nil {
		tracer = NewNopTracer()
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = 32
	}
	if cfg.HandlerTimeoutSeconds <= 0 {
		cfg.HandlerTimeoutSeconds = 30
	}
	d := &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		filterMgr: filterMgr,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		sem:       make(chan struct{}, cfg.MaxConcurrentHandlers),
	}
	d.middleware = []Middleware{validationMiddleware{logger: logger}, metricsMiddleware{sink: metrics}}
	return d
}

// Use appends additional middleware to the pipeline, run in order;
// cleanup runs in reverse.
func (d *Dispatcher) Use(m Middleware) { d.middleware = append(d.middleware, m) }

// DispatchToSubscribers runs every matching, filter-passing subscription's
// handler and aggregates results. Handler panics/errors are isolated and
// never propagate to the caller (§4.4).
func (d *Dispatcher) DispatchToSubscribers(ctx context.Context, event Event, topic string) DispatchResult {
	d.wg.Add(1)
	defer d.wg.Done()

	start := time.Now()
	ctx, end := d.tracer.StartSpan(ctx, "events.dispatcher.dispatch", map[string]interface{}{"topic": topic})
	defer func() { end(nil, nil) }()

	matched := d.registry.GetSubscriptionsForTopic(topic)
	dctx := DispatchContext{Event: event, Topic: topic}

	var syncSubs, asyncSubs []*Subscription
	for _, s := range matched {
		if !s.MatchesFilters(d.filterMgr, event) {
			continue
		}
		if s.IsAsync {
			asyncSubs = append(asyncSubs, s)
		} else {
			syncSubs = append(syncSubs, s)
		}
	}

	total := len(syncSubs) + len(asyncSubs)
	records := make([]HandlerRecord, 0, total)
	var mu sync.Mutex
	var wg sync.WaitGroup

	runOne := func(sub *Subscription) {
		defer wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		rec := d.runHandler(ctx, sub, event)
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	}

	for _, s := range syncSubs {
		wg.Add(1)
		go runOne(s)
	}
	for _, s := range asyncSubs {
		wg.Add(1)
		go runOne(s)
	}
	wg.Wait()

	result := DispatchResult{Context: dctx, TotalHandlers: total, Records: records}
	for _, r := range records {
		if r.State == HandlerStateSuccess {
			result.SuccessfulHandlers++
		} else {
			result.FailedHandlers++
		}
	}
	result.Success = true
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	d.metrics.ObserveDuration("events_dispatch_duration_seconds", map[string]string{"topic": topic}, time.Since(start).Seconds())
	return result
}

func (d *Dispatcher) runHandler(ctx context.Context, sub *Subscription, event Event) HandlerRecord {
	start := time.Now()
	rec := HandlerRecord{SubscriptionID: sub.SubscriptionID}

	for _, mw := range d.middleware {
		ok, err := mw.PreExecute(ctx, sub, event)
		if err != nil {
			for i := len(d.middleware) - 1; i >= 0; i-- {
				d.safeCleanup(ctx, d.middleware[i], sub, event)
			}
			rec.State = HandlerStateFailed
			rec.Err = &CognitiveError{
				Kind:      CognitiveErrorValidation,
				Component: sub.SubscriptionID,
				Err:       err,
			}
			rec.DurationMs = elapsedMs(start)
			return rec
		}
		if !ok {
			for i := len(d.middleware) - 1; i >= 0; i-- {
				d.safeCleanup(ctx, d.middleware[i], sub, event)
			}
			rec.State = HandlerStateCancelled
			rec.DurationMs = elapsedMs(start)
			return rec
		}
	}

	handlerErr := d.invokeWithTimeout(ctx, sub, event)

	for _, mw := range d.middleware {
		mw.PostExecute(ctx, sub, event, handlerErr)
	}
	if handlerErr != nil {
		for _, mw := range d.middleware {
			mw.OnError(ctx, sub, event, handlerErr)
		}
	}
	for i := len(d.middleware) - 1; i >= 0; i-- {
		d.safeCleanup(ctx, d.middleware[i], sub, event)
	}

	rec.DurationMs = elapsedMs(start)
	if handlerErr != nil {
		if _, isTimeout := handlerErr.(*TimeoutError); isTimeout {
			rec.State = HandlerStateTimeout
			rec.Err = &CognitiveError{
				Kind:      CognitiveErrorTimeout,
				Component: sub.SubscriptionID,
				Recovery:  "retry after increasing handler_timeout_seconds",
				Err:       handlerErr,
			}
			return rec
		}
		rec.State = HandlerStateFailed
		rec.Err = &CognitiveError{
			Kind:      CognitiveErrorProcessing,
			Component: sub.SubscriptionID,
			Err:       handlerErr,
		}
		return rec
	}
	rec.State = HandlerStateSuccess
	return rec
}

func (d *Dispatcher) safeCleanup(ctx context.Context, mw Middleware, sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("middleware cleanup panic", map[string]interface{}{"middleware": mw.Name(), "recovered": fmt.Sprint(r)})
		}
	}()
	mw.Cleanup(ctx, sub, event)
}

func (d *Dispatcher) invokeWithTimeout(ctx context.Context, sub *Subscription, event Event) (err error) {
	done := make(chan struct{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			done <- struct{}{}
		}()
		err = sub.Handler(event)
	}()

	timeout := time.Duration(d.cfg.HandlerTimeoutSeconds * float64(time.Second))
	select {
	case <-done:
		return err
	case <-time.After(timeout):
		return &TimeoutError{Op: "handler:" + sub.SubscriptionID}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// Shutdown waits for in-flight dispatches to drain; it is safe to call
// more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
