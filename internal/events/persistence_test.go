// Copyright 2025 James Ross
package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := NewPersistence(DefaultPersistenceConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	return p
}

func TestPersistenceAppendAndReplay(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{"content": "remember this"}, Actor{}, Device{}, "space-1")
	off, err := p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)

	off2, err := p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)
	require.Equal(t, int64(1), off2)

	var replayed []WALEntry
	_, err = p.ReplayEvents(TopicHippoEncode, 0, nil, nil, func(e WALEntry) bool {
		replayed = append(replayed, e)
		return true
	})
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	require.Equal(t, int64(0), replayed[0].Offset)
	require.Equal(t, int64(1), replayed[1].Offset)
}

func TestPersistenceCommitAndGetOffsetInfo(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{}, Actor{}, Device{}, "space-1")
	_, err := p.AppendEvent(ev, TopicHippoEncode)
	require.NoError(t, err)

	require.NoError(t, p.CommitOffset(TopicHippoEncode, "group-a", 0, 0))
	info, err := p.GetOffsetInfo(TopicHippoEncode, "group-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Committed)
}

func TestPersistenceRotatesOnLineCount(t *testing.T) {
	cfg := DefaultPersistenceConfig(t.TempDir())
	cfg.MaxLinesPerFile = 2
	p, err := NewPersistence(cfg, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	ev := NewEvent(TopicHippoEncode, map[string]interface{}{}, Actor{}, Device{}, "space-1")
	for i := 0; i < 5; i++ {
		_, err := p.AppendEvent(ev, TopicHippoEncode)
		require.NoError(t, err)
	}

	var count int
	_, err = p.ReplayEvents(TopicHippoEncode, 0, nil, nil, func(e WALEntry) bool {
		count++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestPersistenceHealthCheck(t *testing.T) {
	p := newTestPersistence(t)
	defer p.Close()
	require.True(t, p.HealthCheck())
}
