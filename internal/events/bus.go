// Copyright 2025 James Ross
package events

import (
	"context"
	"sync"
	"time"
)

// BusState is the lifecycle state machine of an EventBus.
type BusState string

const (
	BusStopped  BusState = "STOPPED"
	BusStarting BusState = "STARTING"
	BusRunning  BusState = "RUNNING"
	BusStopping BusState = "STOPPING"
	BusError    BusState = "ERROR"
)

// BusConfig bundles the sub-configs an EventBus wires together.
type BusConfig struct {
	Persistence PersistenceConfig
	Dispatcher  DispatcherConfig
}

// BusStats is the snapshot returned by GetBusStats, mirroring the Python
// source's get_bus_stats.
type BusStats struct {
	State              BusState
	PublishedTotal      int64
	DispatchedTotal     int64
	DispatchFailedTotal int64
	HandlerStats        HandlerStats
	UptimeSeconds       float64
}

// EventBus is the public surface described in §4.5: start/stop lifecycle,
// publish (persist + dispatch), subscribe/unsubscribe, and introspection.
// Grounded on the Python source's EventBus plus the teacher's
// producer-backpressure Controller for concurrency-safe lifecycle
// transitions.
type EventBus struct {
	cfg BusConfig

	persistence *Persistence
	registry    *SubscriptionRegistry
	filterMgr   *FilterManager
	dispatcher  *Dispatcher
	schema      SchemaProvider
	logger      Logger
	metrics     MetricsSink
	tracer      Tracer

	mu         sync.RWMutex
	state      BusState
	startedAt  time.Time
	startWG    chan struct{}
	stopWG     chan struct{}

	publishedTotal      int64
	dispatchedTotal     int64
	dispatchFailedTotal int64
}

// NewEventBus wires an EventBus from its sub-dependencies. Persistence is
// created eagerly; Start transitions the bus into RUNNING.
func NewEventBus(cfg BusConfig, schema SchemaProvider, logger Logger, metrics MetricsSink, tracer Tracer) (*EventBus, error) {
	if logger == nil {
		logger = NewNopLogger()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if tracer == nil {
		tracer = NewNopTracer()
	}
	if schema == nil {
		schema = NewPermissiveSchemaProvider()
	}

	persistence, err := NewPersistence(cfg.Persistence, logger, metrics)
	if err != nil {
		return nil, err
	}
	registry := NewSubscriptionRegistry()
	filterMgr := NewFilterManager()
	dispatcher := NewDispatcher(cfg.Dispatcher, registry, filterMgr, logger, metrics, tracer)

	return &EventBus{
		cfg:         cfg,
		persistence: persistence,
		registry:    registry,
		filterMgr:   filterMgr,
		dispatcher:  dispatcher,
		schema:      schema,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		state:       BusStopped,
	}, nil
}

// State returns the bus's current lifecycle state.
func (b *EventBus) State() BusState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Start transitions STOPPED -> STARTING -> RUNNING. It is idempotent: a
// bus already RUNNING or STARTING returns nil immediately.
func (b *EventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BusRunning || b.state == BusStarting {
		b.mu.Unlock()
		return nil
	}
	b.state = BusStarting
	b.startWG = make(chan struct{})
	b.mu.Unlock()

	if !b.persistence.HealthCheck() {
		b.mu.Lock()
		b.state = BusError
		b.mu.Unlock()
		return &PersistenceError{Op: "start-healthcheck", Path: b.cfg.Persistence.BasePath, Err: ctx.Err()}
	}

	b.mu.Lock()
	b.state = BusRunning
	b.startedAt = time.Now()
	close(b.startWG)
	b.mu.Unlock()

	b.logger.Info("event bus started", map[string]interface{}{"base_path": b.cfg.Persistence.BasePath})
	return nil
}

// WaitForStartup blocks until the bus reaches RUNNING or ctx is done.
func (b *EventBus) WaitForStartup(ctx context.Context) error {
	b.mu.RLock()
	if b.state == BusRunning {
		b.mu.RUnlock()
		return nil
	}
	ch := b.startWG
	b.mu.RUnlock()
	if ch == nil {
		return &NotRunningError{State: string(b.State())}
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown transitions RUNNING -> STOPPING -> STOPPED, draining in-flight
// dispatches and closing the WAL.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BusStopped || b.state == BusStopping {
		b.mu.Unlock()
		return nil
	}
	b.state = BusStopping
	b.stopWG = make(chan struct{})
	b.mu.Unlock()

	var firstErr error
	if err := b.dispatcher.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.persistence.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.mu.Lock()
	b.state = BusStopped
	close(b.stopWG)
	b.mu.Unlock()

	b.logger.Info("event bus stopped", nil)
	return firstErr
}

// WaitForShutdown blocks until the bus reaches STOPPED or ctx is done.
func (b *EventBus) WaitForShutdown(ctx context.Context) error {
	b.mu.RLock()
	if b.state == BusStopped {
		b.mu.RUnlock()
		return nil
	}
	ch := b.stopWG
	b.mu.RUnlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish persists event to the WAL and dispatches it to matching
// subscribers. The bus must be RUNNING. When waitForDelivery is false the
// dispatch phase is detached onto a background goroutine (still tracked by
// the dispatcher's shutdown WaitGroup) and a synthetic success result is
// returned as soon as the event is durably persisted, without waiting for
// any handler to run.
func (b *EventBus) Publish(ctx context.Context, event Event, waitForDelivery bool) (DispatchResult, error) {
	if b.State() != BusRunning {
		return DispatchResult{}, &NotRunningError{State: string(b.State())}
	}
	if !b.schema.ValidateTopicFormat(string(event.Meta.Topic)) {
		return DispatchResult{}, &ValidationError{Field: "topic", Reason: "invalid topic format: " + string(event.Meta.Topic)}
	}
	if err := b.schema.ValidateEnvelope(event.ToEnvelope()); err != nil {
		return DispatchResult{}, err
	}

	ctx, end := b.tracer.StartSpan(ctx, "events.bus.publish", map[string]interface{}{"topic": string(event.Meta.Topic)})
	var endErr error
	defer func() { end(nil, endErr) }()

	if _, err := b.persistence.AppendEvent(event, event.Meta.Topic); err != nil {
		endErr = err
		return DispatchResult{}, err
	}

	b.mu.Lock()
	b.publishedTotal++
	b.mu.Unlock()

	b.metrics.IncCounter("events_published_total", map[string]string{"topic": string(event.Meta.Topic)})

	if !waitForDelivery {
		b.dispatcher.wg.Add(1)
		go func() {
			defer b.dispatcher.wg.Done()
			b.dispatchAndRecord(ctx, event)
		}()
		return DispatchResult{
			Context: DispatchContext{Event: event, Topic: string(event.Meta.Topic)},
			Success: true,
		}, nil
	}

	return b.dispatchAndRecord(ctx, event), nil
}

// dispatchAndRecord runs the dispatch phase and updates bus-wide counters
// from its outcome. Shared by the synchronous and detached Publish paths.
func (b *EventBus) dispatchAndRecord(ctx context.Context, event Event) DispatchResult {
	result := b.dispatcher.DispatchToSubscribers(ctx, event, string(event.Meta.Topic))

	b.mu.Lock()
	b.dispatchedTotal++
	if result.FailedHandlers > 0 {
		b.dispatchFailedTotal++
	}
	b.mu.Unlock()

	return result
}

// Subscribe registers a new subscription via the underlying registry.
func (b *EventBus) Subscribe(topic string, handler Handler, group string, priority int, filters map[string]interface{}, advanced []FilterExpression, isAsync bool) (*Subscription, error) {
	return b.registry.Register(b.schema, topic, handler, group, priority, filters, advanced, isAsync)
}

// Unsubscribe removes a subscription by id.
func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	return b.registry.Unregister(subscriptionID)
}

// GetSubscriptions lists active subscriptions, optionally filtered by
// topic.
func (b *EventBus) GetSubscriptions(topicFilter string) []SubscriptionSummary {
	return b.registry.List(topicFilter)
}

// GetFilterStatistics summarizes filter usage across every registered
// subscription.
func (b *EventBus) GetFilterStatistics() FilterStatistics {
	return b.registry.GetFilterStatistics()
}

// GetSubscriptionFilterSummary returns the filter summary for a single
// subscription, or false if it isn't registered.
func (b *EventBus) GetSubscriptionFilterSummary(subscriptionID string) (FilterSummary, bool) {
	return b.registry.GetSubscriptionFilterSummary(subscriptionID)
}

// Replay scans the WAL for topic between offsets, delivering each entry to
// yield without re-dispatching to subscribers.
func (b *EventBus) Replay(topic Topic, fromOffset int64, toOffset *int64, limit *int, yield func(WALEntry) bool) (int, error) {
	return b.persistence.ReplayEvents(topic, fromOffset, toOffset, limit, yield)
}

// CommitOffset records a consumer group's progress through a topic's WAL.
func (b *EventBus) CommitOffset(topic Topic, group string, offset int64, segment int) error {
	return b.persistence.CommitOffset(topic, group, offset, segment)
}

// GetBusStats returns a point-in-time snapshot of bus-wide counters.
func (b *EventBus) GetBusStats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	uptime := 0.0
	if b.state == BusRunning {
		uptime = time.Since(b.startedAt).Seconds()
	}
	return BusStats{
		State:               b.state,
		PublishedTotal:      b.publishedTotal,
		DispatchedTotal:     b.dispatchedTotal,
		DispatchFailedTotal: b.dispatchFailedTotal,
		HandlerStats:        b.registry.GetHandlerStats(),
		UptimeSeconds:       uptime,
	}
}

// Dispatcher exposes the underlying dispatcher for middleware registration
// (e.g. wiring the cognitive dispatcher as an additional subscriber path).
func (b *EventBus) Dispatcher() *Dispatcher { return b.dispatcher }

// Persistence exposes the underlying WAL for components (DLQ manager,
// consumer groups) that need direct replay/offset access.
func (b *EventBus) Persistence() *Persistence { return b.persistence }

// FilterManager exposes the shared filter manager so cognitive-layer
// subscriptions can register custom predicates.
func (b *EventBus) FilterManager() *FilterManager { return b.filterMgr }
