// Copyright 2025 James Ross
package admin

import (
	"time"

	"github.com/flyingrobots/cognitive-event-bus/internal/cognitive"
	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// Snapshot is a point-in-time, read-only view across every bus and
// cognitive-layer component, assembled for operator introspection. It is
// an in-process aggregation — there is no HTTP surface here, only plain
// Go structs a caller (CLI, TUI, test) can render or assert against.
type Snapshot struct {
	Bus          events.BusStats
	Subscriptions []events.SubscriptionSummary
	FilterStats  events.FilterStatistics
	Consumers    []cognitive.Consumer
	Groups       []cognitive.GroupSnapshot
	DLQ          cognitive.Stats
	DLQPermanent int
	FailedConsumers []string
	Breakers     map[string]cognitive.BreakerState
}

// Bus is the subset of *events.EventBus that admin reads from. Defined
// here (rather than importing the concrete type directly into call
// sites) so tests can substitute a stub.
type Bus interface {
	GetBusStats() events.BusStats
	GetSubscriptions(topicFilter string) []events.SubscriptionSummary
	GetFilterStatistics() events.FilterStatistics
}

// Snapshotter pulls a Snapshot from the live bus and cognitive
// components. It holds no state of its own: every call re-reads the
// underlying components, so staleness is bounded by how often a caller
// invokes Collect.
type Snapshotter struct {
	bus          Bus
	router       *cognitive.Dispatcher
	dlq          *cognitive.Manager
	groups       *cognitive.GroupManager
	backpressure *cognitive.Controller
	// components lists the backpressure components to report breaker
	// state for; the controller itself doesn't track which components
	// exist until Observe has been called for them.
	components []string
}

// NewSnapshotter wires a Snapshotter over the live components. Any of
// router, dlq, groups, or backpressure may be nil if that cognitive
// component isn't running; the corresponding Snapshot fields are left
// zero-valued.
func NewSnapshotter(bus Bus, router *cognitive.Dispatcher, dlq *cognitive.Manager, groups *cognitive.GroupManager, backpressure *cognitive.Controller, components []string) *Snapshotter {
	return &Snapshotter{
		bus:          bus,
		router:       router,
		dlq:          dlq,
		groups:       groups,
		backpressure: backpressure,
		components:   components,
	}
}

// Collect assembles a full Snapshot. It never returns an error: every
// underlying accessor is a plain in-memory read.
func (s *Snapshotter) Collect() Snapshot {
	var snap Snapshot
	if s.bus != nil {
		snap.Bus = s.bus.GetBusStats()
		snap.Subscriptions = s.bus.GetSubscriptions("")
		snap.FilterStats = s.bus.GetFilterStatistics()
	}
	if s.router != nil {
		snap.Consumers = s.router.Snapshot()
	}
	if s.dlq != nil {
		snap.DLQ = s.dlq.Stats()
		snap.DLQPermanent = len(s.dlq.PermanentFailures())
	}
	if s.groups != nil {
		snap.Groups = s.groups.GroupSnapshots()
		snap.FailedConsumers = s.groups.FailedConsumers()
	}
	if s.backpressure != nil && len(s.components) > 0 {
		snap.Breakers = make(map[string]cognitive.BreakerState, len(s.components))
		for _, c := range s.components {
			snap.Breakers[c] = s.backpressure.BreakerState(c)
		}
	}
	return snap
}

// ConsumerByID looks up a single consumer's current state via the
// routing dispatcher, for targeted inspection (e.g. "why isn't
// consumer-7 getting traffic").
func (s *Snapshotter) ConsumerByID(id string) (*cognitive.Consumer, error) {
	if s.router == nil {
		return nil, errNoRouter
	}
	return s.router.ConsumerByID(id)
}

// GroupScalingDecision re-evaluates a single group's scaling verdict on
// demand, without waiting for the background scaling loop's next tick.
func (s *Snapshotter) GroupScalingDecision(groupID string) (cognitive.ScalingDecision, error) {
	if s.groups == nil {
		return cognitive.ScaleNone, errNoGroups
	}
	return s.groups.EvaluateScaling(groupID), nil
}

// StaleSince reports how long ago the bus snapshot's uptime clock
// started, for display purposes ("bus has been RUNNING for 3h12m").
func (snap Snapshot) StaleSince(now time.Time) time.Duration {
	return time.Duration(snap.Bus.UptimeSeconds) * time.Second
}
