// Copyright 2025 James Ross
package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepCompressesSealedSegments(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{}, Actor{}, Device{}, "space-1")
	_, err := p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p.sweepOnce()

	matches, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	stale, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*.jsonl"))
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestReplayReadsCompressedSegments(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()

	for i := 0; i < 3; i++ {
		ev := NewEvent(TopicHippoEncode, map[string]interface{}{"i": i}, Actor{}, Device{}, "space-1")
		_, err := p.AppendEvent(ev, TopicHippoEncode)
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())

	p.sweepOnce()
	matches, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "segment must have been compressed for this test to be meaningful")

	var replayed []int64
	corrupted, err := p.ReplayEvents(TopicHippoEncode, 0, nil, nil, func(e WALEntry) bool {
		replayed = append(replayed, e.Offset)
		return true
	})
	require.NoError(t, err)
	require.Zero(t, corrupted)
	require.Equal(t, []int64{0, 1, 2}, replayed, "compressed segments must remain replayable")
}

func TestRecoverReadsOffsetFromCompressedSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultPersistenceConfig(dir)
	p, err := NewPersistence(cfg, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ev := NewEvent(TopicHippoEncode, map[string]interface{}{"i": i}, Actor{}, Device{}, "space-1")
		_, err := p.AppendEvent(ev, TopicHippoEncode)
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())

	p2, err := NewPersistence(cfg, nil, nil)
	require.NoError(t, err)
	p2.sweepOnce()

	p3, err := NewPersistence(cfg, nil, nil)
	require.NoError(t, err)
	latest, err := p3.GetLatestOffset(TopicHippoEncode)
	require.NoError(t, err)
	require.Equal(t, int64(3), latest, "crash recovery must see offsets from compressed segments")
}

func TestSweepDeletesExpiredSegments(t *testing.T) {
	cfg := DefaultPersistenceConfig(t.TempDir())
	cfg.RetentionDays = 1
	p, err := NewPersistence(cfg, nil, nil)
	require.NoError(t, err)

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{}, Actor{}, Device{}, "space-1")
	_, err = p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	matches, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(matches[0], old, old))

	p.sweepOnce()

	remaining, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*"))
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestSweepSkipsActiveSegment(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{}, Actor{}, Device{}, "space-1")
	_, err := p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)

	p.sweepOnce()

	matches, err := filepath.Glob(filepath.Join(p.cfg.walPath(), "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "active segment should not be compressed or deleted")
}
