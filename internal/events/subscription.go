// Copyright 2025 James Ross
package events

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a subscriber callback. A non-nil error (or a panic) marks the
// invocation FAILED.
type Handler func(Event) error

// Subscription represents a single registered interest in a topic (§3).
type Subscription struct {
	SubscriptionID string
	Topic          string
	Handler        Handler
	Group          string
	Priority       int
	Filters        map[string]interface{}
	AdvancedFilters []FilterExpression
	Active         bool
	CreatedAt      time.Time
	IsAsync        bool

	pattern *regexp.Regexp // non-nil if Topic contains pattern metacharacters
}

var topicPatternChars = regexp.MustCompile(`[*+.^$\[\]()]`)

func newSubscription(topic string, handler Handler, group string, priority int, filters map[string]interface{}, advanced []FilterExpression, isAsync bool) *Subscription {
	s := &Subscription{
		SubscriptionID:  uuid.NewString(),
		Topic:           topic,
		Handler:         handler,
		Group:           group,
		Priority:        priority,
		Filters:         filters,
		AdvancedFilters: advanced,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
		IsAsync:         isAsync,
	}
	if topicPatternChars.MatchString(topic) {
		if re, err := regexp.Compile(topic); err == nil {
			s.pattern = re
		}
	}
	return s
}

// MatchesTopic reports whether this subscription matches topic, either by
// literal equality or compiled pattern (§4.2).
func (s *Subscription) MatchesTopic(topic string) bool {
	if s.pattern != nil {
		return s.pattern.MatchString(topic)
	}
	return s.Topic == topic
}

// MatchesFilters applies simple field-equality filters (ANDed) followed by
// advanced FilterExpression evaluation (ANDed, short-circuit).
func (s *Subscription) MatchesFilters(fm *FilterManager, event Event) bool {
	for k, v := range s.Filters {
		actual, ok := extractDottedPath(event, k)
		if !ok {
			if pv, exists := event.Payload[k]; exists {
				actual, ok = pv, true
			}
		}
		if !ok {
			return false
		}
		if !valuesEqual(actual, v) {
			return false
		}
	}
	if len(s.AdvancedFilters) > 0 {
		if !fm.EvaluateFilters(s.AdvancedFilters, event).Matches {
			return false
		}
	}
	return true
}

// FilterSummary describes the filter configuration on one subscription.
type FilterSummary struct {
	SimpleFilters       int      `json:"simple_filters"`
	AdvancedFilters     int      `json:"advanced_filters"`
	AdvancedFilterTypes []string `json:"advanced_filter_types"`
	TotalFilters        int      `json:"total_filters"`
}

// FilterSummary reports this subscription's configured filter counts and
// advanced-filter types.
func (s *Subscription) FilterSummary() FilterSummary {
	types := make([]string, 0, len(s.AdvancedFilters))
	for _, f := range s.AdvancedFilters {
		types = append(types, f.Type())
	}
	return FilterSummary{
		SimpleFilters:       len(s.Filters),
		AdvancedFilters:     len(s.AdvancedFilters),
		AdvancedFilterTypes: types,
		TotalFilters:        len(s.Filters) + len(s.AdvancedFilters),
	}
}

func valuesEqual(a, b interface{}) bool {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	as, _ := toString(a)
	bs, _ := toString(b)
	return as == bs
}

// SubscriptionRegistry is the thread-safe store described in §4.2,
// grounded on the producer-backpressure Controller's mutex-protected map
// pattern.
type SubscriptionRegistry struct {
	mu            sync.RWMutex
	byTopic       map[string][]*Subscription
	byID          map[string]*Subscription
	totalRegs     int64
	totalUnregs   int64
}

// NewSubscriptionRegistry returns an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byTopic: make(map[string][]*Subscription),
		byID:    make(map[string]*Subscription),
	}
}

// Register validates inputs, creates, and stores a new Subscription.
func (r *SubscriptionRegistry) Register(schema SchemaProvider, topic string, handler Handler, group string, priority int, filters map[string]interface{}, advanced []FilterExpression, isAsync bool) (*Subscription, error) {
	if topic == "" {
		return nil, &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if handler == nil {
		return nil, &ValidationError{Field: "handler", Reason: "must not be nil"}
	}
	if schema != nil && !schema.ValidateTopicFormat(topic) {
		return nil, &ValidationError{Field: "topic", Reason: "invalid topic format: " + topic}
	}
	fm := NewFilterManager()
	for _, f := range advanced {
		if err := f.Validate(fm); err != nil {
			return nil, err
		}
	}
	if filters == nil {
		filters = map[string]interface{}{}
	}

	sub := newSubscription(topic, handler, group, priority, filters, advanced, isAsync)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[topic] = append(r.byTopic[topic], sub)
	sort.SliceStable(r.byTopic[topic], func(i, j int) bool {
		return r.byTopic[topic][i].Priority > r.byTopic[topic][j].Priority
	})
	r.byID[sub.SubscriptionID] = sub
	r.totalRegs++
	return sub, nil
}

// Unregister marks a subscription inactive and removes it from the
// per-topic list and the id index.
func (r *SubscriptionRegistry) Unregister(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[subscriptionID]
	if !ok {
		return false
	}
	sub.Active = false
	list := r.byTopic[sub.Topic]
	filtered := list[:0]
	for _, s := range list {
		if s.SubscriptionID != subscriptionID {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		delete(r.byTopic, sub.Topic)
	} else {
		r.byTopic[sub.Topic] = filtered
	}
	delete(r.byID, subscriptionID)
	r.totalUnregs++
	return true
}

// GetSubscriptionsForTopic returns the union of literal-topic matches and
// pattern matches from other topics, active only, sorted by priority desc
// (§4.2).
func (r *SubscriptionRegistry) GetSubscriptionsForTopic(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	if list, ok := r.byTopic[topic]; ok {
		for _, s := range list {
			if s.Active {
				out = append(out, s)
			}
		}
	}
	for other, list := range r.byTopic {
		if other == topic {
			continue
		}
		for _, s := range list {
			if s.Active && s.MatchesTopic(topic) {
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Get returns a subscription by id.
func (r *SubscriptionRegistry) Get(subscriptionID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[subscriptionID]
	return s, ok
}

// SubscriptionSummary is a list/introspection projection of a Subscription.
type SubscriptionSummary struct {
	SubscriptionID string
	Topic          string
	Group          string
	Priority       int
	HandlerType    string
	Filters        map[string]interface{}
	CreatedAt      time.Time
}

// List returns active subscription summaries, optionally filtered by
// topic, sorted by priority desc then topic.
func (r *SubscriptionRegistry) List(topicFilter string) []SubscriptionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SubscriptionSummary
	for _, s := range r.byID {
		if !s.Active {
			continue
		}
		if topicFilter != "" && s.Topic != topicFilter {
			continue
		}
		handlerType := "sync"
		if s.IsAsync {
			handlerType = "async"
		}
		out = append(out, SubscriptionSummary{
			SubscriptionID: s.SubscriptionID,
			Topic:          s.Topic,
			Group:          s.Group,
			Priority:       s.Priority,
			HandlerType:    handlerType,
			Filters:        s.Filters,
			CreatedAt:      s.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Topic > out[j].Topic
	})
	return out
}

// HandlerStats mirrors the Python source's get_handler_stats.
type HandlerStats struct {
	TotalActive           int
	TotalEverRegistered   int64
	TotalUnregistrations  int64
	SubscriptionsPerTopic map[string]int
	SubscriptionsPerGroup map[string]int
	HandlerTypes          map[string]int
	TopicCount            int
}

// GetHandlerStats returns registry-wide statistics for operator
// introspection.
func (r *SubscriptionRegistry) GetHandlerStats() HandlerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := HandlerStats{
		TotalEverRegistered:   r.totalRegs,
		TotalUnregistrations:  r.totalUnregs,
		SubscriptionsPerTopic: map[string]int{},
		SubscriptionsPerGroup: map[string]int{},
		HandlerTypes:          map[string]int{"sync": 0, "async": 0},
		TopicCount:            len(r.byTopic),
	}
	for _, s := range r.byID {
		if !s.Active {
			continue
		}
		stats.TotalActive++
		stats.SubscriptionsPerTopic[s.Topic]++
		if s.Group != "" {
			stats.SubscriptionsPerGroup[s.Group]++
		}
		if s.IsAsync {
			stats.HandlerTypes["async"]++
		} else {
			stats.HandlerTypes["sync"]++
		}
	}
	return stats
}

// FilterStatistics aggregates filter configuration across every
// registered subscription, regardless of active state (mirrors the
// original source's get_filter_statistics).
type FilterStatistics struct {
	TotalSubscriptions           int            `json:"total_subscriptions"`
	SubscriptionsWithFilters     int            `json:"subscriptions_with_filters"`
	TotalSimpleFilters           int            `json:"total_simple_filters"`
	TotalAdvancedFilters         int            `json:"total_advanced_filters"`
	AdvancedFilterTypes          map[string]int `json:"advanced_filter_types"`
	AverageFiltersPerSubscription float64       `json:"average_filters_per_subscription"`
}

// GetSubscriptionFilterSummary returns the filter summary for a single
// subscription, or false if subscriptionID is not registered.
func (r *SubscriptionRegistry) GetSubscriptionFilterSummary(subscriptionID string) (FilterSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[subscriptionID]
	if !ok {
		return FilterSummary{}, false
	}
	return sub.FilterSummary(), true
}

// GetFilterStatistics summarizes filter usage across the whole registry.
func (r *SubscriptionRegistry) GetFilterStatistics() FilterStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := FilterStatistics{
		TotalSubscriptions:  len(r.byID),
		AdvancedFilterTypes: map[string]int{},
	}
	for _, s := range r.byID {
		summary := s.FilterSummary()
		if summary.TotalFilters > 0 {
			stats.SubscriptionsWithFilters++
		}
		stats.TotalSimpleFilters += summary.SimpleFilters
		stats.TotalAdvancedFilters += summary.AdvancedFilters
		for _, t := range summary.AdvancedFilterTypes {
			stats.AdvancedFilterTypes[t]++
		}
	}
	denom := stats.TotalSubscriptions
	if denom < 1 {
		denom = 1
	}
	stats.AverageFiltersPerSubscription = float64(stats.TotalSimpleFilters+stats.TotalAdvancedFilters) / float64(denom)
	return stats
}

// AddAdvancedFilter appends a filter expression to an existing
// subscription, validating it first.
func (r *SubscriptionRegistry) AddAdvancedFilter(subscriptionID string, fm *FilterManager, f FilterExpression) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[subscriptionID]
	if !ok {
		return false, nil
	}
	if err := f.Validate(fm); err != nil {
		return false, err
	}
	sub.AdvancedFilters = append(sub.AdvancedFilters, f)
	return true, nil
}

// RemoveAdvancedFilter removes the advanced filter at index from a
// subscription.
func (r *SubscriptionRegistry) RemoveAdvancedFilter(subscriptionID string, index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[subscriptionID]
	if !ok || index < 0 || index >= len(sub.AdvancedFilters) {
		return false
	}
	sub.AdvancedFilters = append(sub.AdvancedFilters[:index], sub.AdvancedFilters[index+1:]...)
	return true
}

// ClearAll removes every subscription; returns the count cleared. Mainly
// for tests.
func (r *SubscriptionRegistry) ClearAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.byID)
	r.byTopic = make(map[string][]*Subscription)
	r.byID = make(map[string]*Subscription)
	return n
}
