// Copyright 2025 James Ross
package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopHandler(Event) error { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewSubscriptionRegistry()
	sub, err := r.Register(nil, "hippo.encode", noopHandler, "group-a", 5, nil, nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, sub.SubscriptionID)

	got, ok := r.Get(sub.SubscriptionID)
	require.True(t, ok)
	require.Equal(t, sub, got)
}

func TestRegistryRejectsEmptyTopicOrNilHandler(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Register(nil, "", noopHandler, "", 0, nil, nil, false)
	require.Error(t, err)

	_, err = r.Register(nil, "hippo.encode", nil, "", 0, nil, nil, false)
	require.Error(t, err)
}

func TestRegistryPatternMatching(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Register(nil, "hippo\\..*", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)

	matches := r.GetSubscriptionsForTopic("hippo.encode")
	require.Len(t, matches, 1)
}

func TestRegistrySortsByPriorityDescending(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Register(nil, "hippo.encode", noopHandler, "", 1, nil, nil, false)
	require.NoError(t, err)
	_, err = r.Register(nil, "hippo.encode", noopHandler, "", 9, nil, nil, false)
	require.NoError(t, err)
	_, err = r.Register(nil, "hippo.encode", noopHandler, "", 5, nil, nil, false)
	require.NoError(t, err)

	matches := r.GetSubscriptionsForTopic("hippo.encode")
	require.Len(t, matches, 3)
	require.Equal(t, 9, matches[0].Priority)
	require.Equal(t, 5, matches[1].Priority)
	require.Equal(t, 1, matches[2].Priority)
}

func TestRegistryUnregisterRemovesFromTopicAndIDIndex(t *testing.T) {
	r := NewSubscriptionRegistry()
	sub, err := r.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)

	require.True(t, r.Unregister(sub.SubscriptionID))
	require.False(t, r.Unregister(sub.SubscriptionID), "second unregister is a no-op")

	_, ok := r.Get(sub.SubscriptionID)
	require.False(t, ok)
	require.Empty(t, r.GetSubscriptionsForTopic("hippo.encode"))
}

func TestRegistryMatchesFiltersSimpleEquality(t *testing.T) {
	r := NewSubscriptionRegistry()
	sub, err := r.Register(nil, "hippo.encode", noopHandler, "", 0, map[string]interface{}{"content": "remember this"}, nil, false)
	require.NoError(t, err)

	fm := NewFilterManager()
	require.True(t, sub.MatchesFilters(fm, sampleEvent()))

	other := NewEvent(TopicHippoEncode, map[string]interface{}{"content": "something else"}, Actor{}, Device{}, "space-1")
	require.False(t, sub.MatchesFilters(fm, other))
}

func TestRegistryListFiltersByTopicAndReportsHandlerType(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Register(nil, "hippo.encode", noopHandler, "group-a", 0, nil, nil, false)
	require.NoError(t, err)
	_, err = r.Register(nil, "hippo.retrieve", noopHandler, "", 0, nil, nil, true)
	require.NoError(t, err)

	all := r.List("")
	require.Len(t, all, 2)

	encodeOnly := r.List("hippo.encode")
	require.Len(t, encodeOnly, 1)
	require.Equal(t, "sync", encodeOnly[0].HandlerType)
}

func TestRegistryGetHandlerStats(t *testing.T) {
	r := NewSubscriptionRegistry()
	_, err := r.Register(nil, "hippo.encode", noopHandler, "group-a", 0, nil, nil, false)
	require.NoError(t, err)
	sub2, err := r.Register(nil, "hippo.retrieve", noopHandler, "", 0, nil, nil, true)
	require.NoError(t, err)
	require.True(t, r.Unregister(sub2.SubscriptionID))

	stats := r.GetHandlerStats()
	require.Equal(t, 1, stats.TotalActive)
	require.EqualValues(t, 2, stats.TotalEverRegistered)
	require.EqualValues(t, 1, stats.TotalUnregistrations)
	require.Equal(t, 1, stats.SubscriptionsPerTopic["hippo.encode"])
	require.Equal(t, 1, stats.SubscriptionsPerGroup["group-a"])
	require.Equal(t, 1, stats.HandlerTypes["sync"])
}

func TestRegistryAddAndRemoveAdvancedFilter(t *testing.T) {
	r := NewSubscriptionRegistry()
	sub, err := r.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)

	fm := NewFilterManager()
	f := &CustomFunctionFilter{Name: "always_true"}
	ok, err := r.AddAdvancedFilter(sub.SubscriptionID, fm, f)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sub.AdvancedFilters, 1)

	require.True(t, r.RemoveAdvancedFilter(sub.SubscriptionID, 0))
	require.Empty(t, sub.AdvancedFilters)
	require.False(t, r.RemoveAdvancedFilter(sub.SubscriptionID, 0))
}
