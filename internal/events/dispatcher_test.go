// Copyright 2025 James Ross
package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, *SubscriptionRegistry) {
	t.Helper()
	reg := NewSubscriptionRegistry()
	fm := NewFilterManager()
	return NewDispatcher(cfg, reg, fm, nil, nil, nil), reg
}

func TestDispatchSuccessfulHandler(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	_, err := reg.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.True(t, result.Success)
	require.Equal(t, 1, result.TotalHandlers)
	require.Equal(t, 1, result.SuccessfulHandlers)
	require.Equal(t, 0, result.FailedHandlers)
	require.Equal(t, HandlerStateSuccess, result.Records[0].State)
}

func TestDispatchHandlerErrorIsIsolated(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	boom := errors.New("boom")
	_, err := reg.Register(nil, "hippo.encode", func(Event) error { return boom }, "", 0, nil, nil, false)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.True(t, result.Success, "dispatch itself never fails on handler error")
	require.Equal(t, 1, result.FailedHandlers)
	require.Equal(t, HandlerStateFailed, result.Records[0].State)
	require.ErrorIs(t, result.Records[0].Err, boom)
}

func TestDispatchHandlerErrorIsReportedAsCognitiveError(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	boom := errors.New("boom")
	_, err := reg.Register(nil, "hippo.encode", func(Event) error { return boom }, "", 0, nil, nil, false)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	var cogErr *CognitiveError
	require.ErrorAs(t, result.Records[0].Err, &cogErr)
	require.Equal(t, CognitiveErrorProcessing, cogErr.Kind)
}

func TestDispatchHandlerPanicIsIsolated(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	_, err := reg.Register(nil, "hippo.encode", func(Event) error { panic("kaboom") }, "", 0, nil, nil, false)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
		require.Equal(t, HandlerStateFailed, result.Records[0].State)
	})
}

func TestDispatchHandlerTimeout(t *testing.T) {
	cfg := DispatcherConfig{MaxConcurrentHandlers: 4, HandlerTimeoutSeconds: 0.01}
	d, reg := newTestDispatcher(t, cfg)
	_, err := reg.Register(nil, "hippo.encode", func(Event) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}, "", 0, nil, nil, false)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.Equal(t, HandlerStateTimeout, result.Records[0].State)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, result.Records[0].Err, &timeoutErr)
}

func TestDispatchSkipsNonMatchingFilters(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	_, err := reg.Register(nil, "hippo.encode", noopHandler, "", 0, map[string]interface{}{"content": "nonexistent"}, nil, false)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.Equal(t, 0, result.TotalHandlers)
}

func TestDispatchCancelledSubscriptionSkipped(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	sub, err := reg.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)
	sub.Active = false

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.Equal(t, 0, result.TotalHandlers)
	require.Empty(t, result.Records)
}

func TestDispatchRunsAsyncAndSyncSubscribers(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	_, err := reg.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, false)
	require.NoError(t, err)
	_, err = reg.Register(nil, "hippo.encode", noopHandler, "", 0, nil, nil, true)
	require.NoError(t, err)

	result := d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	require.Equal(t, 2, result.TotalHandlers)
	require.Equal(t, 2, result.SuccessfulHandlers)
}

func TestDispatcherShutdownWaitsForInFlightDispatch(t *testing.T) {
	d, reg := newTestDispatcher(t, DefaultDispatcherConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	_, err := reg.Register(nil, "hippo.encode", func(Event) error {
		close(started)
		<-release
		return nil
	}, "", 0, nil, nil, false)
	require.NoError(t, err)

	done := make(chan DispatchResult, 1)
	go func() {
		done <- d.DispatchToSubscribers(context.Background(), sampleEvent(), "hippo.encode")
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- d.Shutdown(context.Background())
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before in-flight dispatch completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)
	<-done
}

func TestDispatcherUseAppendsMiddleware(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultDispatcherConfig())
	before := len(d.middleware)
	d.Use(validationMiddleware{})
	require.Equal(t, before+1, len(d.middleware))
}
