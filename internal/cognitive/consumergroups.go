// Copyright 2025 James Ross
package cognitive

import (
	"sync"
	"time"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// ScalingDecision is a recorded should-scale verdict; actuation is out of
// scope per §4.9 — callers observe this and drive their own orchestrator.
type ScalingDecision string

const (
	ScaleUp   ScalingDecision = "SCALE_UP"
	ScaleDown ScalingDecision = "SCALE_DOWN"
	ScaleNone ScalingDecision = "NONE"
)

// GroupConfig bounds one consumer group's membership and scaling
// thresholds (§4.9).
type GroupConfig struct {
	MinConsumers              int     `mapstructure:"min_consumers"`
	MaxConsumers              int     `mapstructure:"max_consumers"`
	ScaleUpQueueThreshold     int     `mapstructure:"scale_up_queue_threshold"`
	ScaleUpLatencyThresholdMs float64 `mapstructure:"scale_up_latency_threshold_ms"`
	ScaleDownQueueThreshold   int     `mapstructure:"scale_down_queue_threshold"`
	ScaleDownLoadThreshold    float64 `mapstructure:"scale_down_load_threshold"`
	CooldownSeconds           float64 `mapstructure:"cooldown_seconds"`
	ConsumerTimeoutSeconds    float64 `mapstructure:"consumer_timeout_seconds"`
}

// DefaultGroupConfig provides reasonable defaults consistent with the
// bus-wide backpressure thresholds.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		MinConsumers:              1,
		MaxConsumers:              10,
		ScaleUpQueueThreshold:     50,
		ScaleUpLatencyThresholdMs: 1000,
		ScaleDownQueueThreshold:   5,
		ScaleDownLoadThreshold:    0.2,
		CooldownSeconds:           120,
		ConsumerTimeoutSeconds:    90,
	}
}

// Group tracks a named set of interchangeable consumers sharing work for
// a family of event types (§4.9), grounded on the Python source's
// ConsumerGroup (scale cooldown, threshold-based should_scale_up/down).
type Group struct {
	GroupID        string
	Cfg            GroupConfig
	MemberIDs      map[string]struct{}
	lastScaleEvent time.Time
}

func newGroup(groupID string, cfg GroupConfig) *Group {
	return &Group{GroupID: groupID, Cfg: cfg, MemberIDs: make(map[string]struct{})}
}

func (g *Group) inCooldown(now time.Time) bool {
	return now.Sub(g.lastScaleEvent).Seconds() < g.Cfg.CooldownSeconds
}

// ShouldScaleUp reports whether the group should grow, given the current
// healthy member set (§4.9).
func (g *Group) ShouldScaleUp(now time.Time, members []*Consumer) bool {
	if g.inCooldown(now) {
		return false
	}
	if len(g.MemberIDs) >= g.Cfg.MaxConsumers {
		return false
	}
	if len(members) == 0 {
		return false
	}
	var totalQueue int
	var totalLatency float64
	for _, m := range members {
		totalQueue += m.CurrentQueueDepth
		totalLatency += m.Metrics.AvgLatencyMs()
	}
	avgQueue := float64(totalQueue) / float64(len(members))
	avgLatency := totalLatency / float64(len(members))
	return avgQueue > float64(g.Cfg.ScaleUpQueueThreshold) || avgLatency > g.Cfg.ScaleUpLatencyThresholdMs
}

// ShouldScaleDown reports whether the group should shrink: every healthy
// member must be comfortably under both the queue and load thresholds
// (§4.9).
func (g *Group) ShouldScaleDown(now time.Time, members []*Consumer) bool {
	if g.inCooldown(now) {
		return false
	}
	if len(g.MemberIDs) <= g.Cfg.MinConsumers {
		return false
	}
	if len(members) == 0 {
		return false
	}
	for _, m := range members {
		if m.State != ConsumerHealthy {
			return false
		}
		if m.CurrentQueueDepth > g.Cfg.ScaleDownQueueThreshold {
			return false
		}
		load := 0.0
		if m.MaxConcurrent > 0 {
			load = float64(m.CurrentConcurrent) / float64(m.MaxConcurrent)
		}
		if load > g.Cfg.ScaleDownLoadThreshold {
			return false
		}
	}
	return true
}

// GroupManager registers consumers into groups, tracks heartbeats, and emits
// scaling decisions. It does not actuate scaling (§4.9's "decisions
// only"). It uses the same Consumer/ConsumerState types as the routing
// Dispatcher but keeps its own consumer map, separate from the
// Dispatcher's; a consumer is registered with each independently.
type GroupManager struct {
	logger  events.Logger
	metrics events.MetricsSink

	mu        sync.RWMutex
	groups    map[string]*Group
	consumers map[string]*Consumer
	failed    map[string]struct{}

	wg sync.WaitGroup
}

// NewGroupManager wires a consumer-group GroupManager.
func NewGroupManager(logger events.Logger, metrics events.MetricsSink) *GroupManager {
	if logger == nil {
		logger = events.NewNopLogger()
	}
	if metrics == nil {
		metrics = events.NewNopMetrics()
	}
	return &GroupManager{
		logger:    logger,
		metrics:   metrics,
		groups:    make(map[string]*Group),
		consumers: make(map[string]*Consumer),
		failed:    make(map[string]struct{}),
	}
}

// RegisterGroup creates a group if it doesn't already exist.
func (m *GroupManager) RegisterGroup(groupID string, cfg GroupConfig) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		g = newGroup(groupID, cfg)
		m.groups[groupID] = g
	}
	return g
}

// RegisterConsumer adds a consumer to its group's membership set.
func (m *GroupManager) RegisterConsumer(c *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[c.ConsumerID] = c
	if g, ok := m.groups[c.GroupID]; ok {
		g.MemberIDs[c.ConsumerID] = struct{}{}
	}
}

// Heartbeat updates a consumer's last-seen time.
func (m *GroupManager) Heartbeat(consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[consumerID]; ok {
		c.LastHeartbeat = time.Now()
	}
}

// HandleConsumerFailure marks a consumer FAILED and records it in the
// manager-wide failed-consumer set (§4.6's "Failure propagates to the
// consumer-group manager's failed_consumers set").
func (m *GroupManager) HandleConsumerFailure(consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[consumerID]; ok {
		c.State = ConsumerFailed
	}
	m.failed[consumerID] = struct{}{}
	m.metrics.IncCounter("cognitive_consumer_failures_total", nil)
}

// FailedConsumers returns the set of consumer ids marked failed.
func (m *GroupManager) FailedConsumers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.failed))
	for id := range m.failed {
		out = append(out, id)
	}
	return out
}

// GroupSnapshot is a point-in-time view of a consumer group, for admin
// introspection.
type GroupSnapshot struct {
	GroupID       string
	MemberCount   int
	HealthyCount  int
	LastScaleEvent time.Time
}

// GroupSnapshots returns a snapshot of every registered group.
func (m *GroupManager) GroupSnapshots() []GroupSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GroupSnapshot, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, GroupSnapshot{
			GroupID:        g.GroupID,
			MemberCount:    len(g.MemberIDs),
			HealthyCount:   len(m.healthyMembers(g)),
			LastScaleEvent: g.lastScaleEvent,
		})
	}
	return out
}

// healthyMembers returns the live Consumer records for a group's
// membership. Caller must hold m.mu for reading.
func (m *GroupManager) healthyMembers(g *Group) []*Consumer {
	var out []*Consumer
	for id := range g.MemberIDs {
		if c, ok := m.consumers[id]; ok && c.State != ConsumerFailed && c.State != ConsumerTerminated {
			out = append(out, c)
		}
	}
	return out
}

// EvaluateScaling computes the scaling decision for groupID and, when
// non-NONE, resets the group's cooldown timer (§4.9).
func (m *GroupManager) EvaluateScaling(groupID string) ScalingDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ScaleNone
	}
	now := time.Now()
	members := m.healthyMembers(g)

	if g.ShouldScaleUp(now, members) {
		g.lastScaleEvent = now
		m.logger.Info("consumer group scale-up decision", map[string]interface{}{"group_id": groupID})
		return ScaleUp
	}
	if g.ShouldScaleDown(now, members) {
		g.lastScaleEvent = now
		m.logger.Info("consumer group scale-down decision", map[string]interface{}{"group_id": groupID})
		return ScaleDown
	}
	return ScaleNone
}

// RunHealthMonitorLoop marks consumers FAILED once their heartbeat
// exceeds consumer_timeout_seconds, per group config (§4.9).
func (m *GroupManager) RunHealthMonitorLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.checkHeartbeats()
			}
		}
	}()
}

func (m *GroupManager) checkHeartbeats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for groupID, g := range m.groups {
		timeout := time.Duration(g.Cfg.ConsumerTimeoutSeconds * float64(time.Second))
		for id := range g.MemberIDs {
			c, ok := m.consumers[id]
			if !ok || c.State == ConsumerFailed || c.State == ConsumerTerminated {
				continue
			}
			if now.Sub(c.LastHeartbeat) > timeout {
				c.State = ConsumerFailed
				m.failed[id] = struct{}{}
				m.logger.Warn("consumer heartbeat timeout", map[string]interface{}{"consumer_id": id, "group_id": groupID})
			}
		}
	}
}

// RunScalingLoop periodically evaluates every registered group's scaling
// decision, invoking onDecision for each non-NONE verdict (§4.9:
// decisions only, no actuation).
func (m *GroupManager) RunScalingLoop(stop <-chan struct{}, interval time.Duration, onDecision func(groupID string, decision ScalingDecision)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.RLock()
				ids := make([]string, 0, len(m.groups))
				for id := range m.groups {
					ids = append(ids, id)
				}
				m.mu.RUnlock()
				for _, id := range ids {
					if d := m.EvaluateScaling(id); d != ScaleNone && onDecision != nil {
						onDecision(id, d)
					}
				}
			}
		}
	}()
}

// Wait blocks until the background loops exit.
func (m *GroupManager) Wait() { m.wg.Wait() }
