// Copyright 2025 James Ross
package admin

import (
	"testing"
	"time"

	"github.com/flyingrobots/cognitive-event-bus/internal/cognitive"
	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

type stubBus struct {
	stats       events.BusStats
	subs        []events.SubscriptionSummary
	filterStats events.FilterStatistics
}

func (s stubBus) GetBusStats() events.BusStats                                 { return s.stats }
func (s stubBus) GetSubscriptions(topicFilter string) []events.SubscriptionSummary { return s.subs }
func (s stubBus) GetFilterStatistics() events.FilterStatistics                 { return s.filterStats }

func TestSnapshotterCollectAssemblesAllComponents(t *testing.T) {
	bus := stubBus{
		stats:       events.BusStats{State: events.BusRunning, PublishedTotal: 5, UptimeSeconds: 120},
		subs:        []events.SubscriptionSummary{{SubscriptionID: "sub-1", Topic: "hippo.encode"}},
		filterStats: events.FilterStatistics{TotalSubscriptions: 1, TotalSimpleFilters: 2},
	}

	router := cognitive.NewDispatcher(cognitive.DefaultDispatcherConfig(), nil, nil)
	router.RegisterConsumer(&cognitive.Consumer{ConsumerID: "c-1", GroupID: "g-1", MaxConcurrent: 4, State: cognitive.ConsumerHealthy})

	dlq := cognitive.NewManager(cognitive.DefaultDLQConfig(), nil, nil, nil)
	dlq.RecordFailure("evt-1", "trace-1", "HIPPO_ENCODE", cognitive.ErrorKindTimeout, "boom", "encoder")

	groups := cognitive.NewGroupManager(nil, nil)
	groups.RegisterGroup("g-1", cognitive.DefaultGroupConfig())
	groups.RegisterConsumer(&cognitive.Consumer{ConsumerID: "c-1", GroupID: "g-1", State: cognitive.ConsumerHealthy})
	groups.HandleConsumerFailure("c-2")

	bp := cognitive.NewController(cognitive.DefaultBackpressureConfig(), nil, nil)

	snap := NewSnapshotter(bus, router, dlq, groups, bp, []string{"encoder"}).Collect()

	if snap.Bus.State != events.BusRunning {
		t.Fatalf("expected RUNNING bus state, got %s", snap.Bus.State)
	}
	if len(snap.Subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(snap.Subscriptions))
	}
	if snap.FilterStats.TotalSimpleFilters != 2 {
		t.Fatalf("expected filter stats to pass through, got %+v", snap.FilterStats)
	}
	if len(snap.Consumers) != 1 || snap.Consumers[0].ConsumerID != "c-1" {
		t.Fatalf("expected consumer c-1 in snapshot, got %+v", snap.Consumers)
	}
	if snap.DLQ.RetryQueueDepth != 1 {
		t.Fatalf("expected 1 retry-queued failure, got %d", snap.DLQ.RetryQueueDepth)
	}
	if len(snap.Groups) != 1 || snap.Groups[0].GroupID != "g-1" {
		t.Fatalf("expected group g-1 in snapshot, got %+v", snap.Groups)
	}
	if len(snap.FailedConsumers) != 1 || snap.FailedConsumers[0] != "c-2" {
		t.Fatalf("expected c-2 in failed consumers, got %+v", snap.FailedConsumers)
	}
	if state, ok := snap.Breakers["encoder"]; !ok || state != cognitive.BreakerClosed {
		t.Fatalf("expected encoder breaker CLOSED, got %v (ok=%v)", state, ok)
	}

	if d := snap.StaleSince(time.Now()); d != 120*time.Second {
		t.Fatalf("expected uptime 120s, got %v", d)
	}
}

func TestSnapshotterHandlesNilComponents(t *testing.T) {
	snap := NewSnapshotter(nil, nil, nil, nil, nil, nil).Collect()
	if snap.Consumers != nil || snap.Groups != nil || snap.Breakers != nil {
		t.Fatalf("expected zero-valued snapshot for nil components, got %+v", snap)
	}
}

func TestConsumerByIDRequiresRouter(t *testing.T) {
	s := NewSnapshotter(nil, nil, nil, nil, nil, nil)
	if _, err := s.ConsumerByID("c-1"); err == nil {
		t.Fatal("expected error with no router wired")
	}
}

func TestGroupScalingDecisionRequiresGroups(t *testing.T) {
	s := NewSnapshotter(nil, nil, nil, nil, nil, nil)
	if _, err := s.GroupScalingDecision("g-1"); err == nil {
		t.Fatal("expected error with no group manager wired")
	}
}
