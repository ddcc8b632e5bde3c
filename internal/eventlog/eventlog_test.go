package eventlog_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/model"
)

func newLog(t *testing.T, rotateBytes int64) *eventlog.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := eventlog.Open(eventlog.Options{
		Path:        filepath.Join(dir, "events.jsonl"),
		RotateBytes: rotateBytes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_AssignsMonotonicIDs(t *testing.T) {
	l := newLog(t, 0)
	e1, err := l.Append(model.Event{Type: model.EventRunStarted, TS: time.Now()})
	require.NoError(t, err)
	e2, err := l.Append(model.Event{Type: model.EventRunCompleted, TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.EventID)
	assert.Equal(t, int64(2), e2.EventID)
}

func TestSince_ReturnsEventsAfterCursor(t *testing.T) {
	l := newLog(t, 0)
	for i := 0; i < 5; i++ {
		_, err := l.Append(model.Event{Type: model.EventNodeStarted, TS: time.Now()})
		require.NoError(t, err)
	}
	evts, err := l.Since(3)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, int64(4), evts[0].EventID)
	assert.Equal(t, int64(5), evts[1].EventID)
}

func TestPage_ReturnsMostRecentFirst(t *testing.T) {
	l := newLog(t, 0)
	for i := 0; i < 10; i++ {
		_, err := l.Append(model.Event{Type: model.EventNodeStarted, TS: time.Now()})
		require.NoError(t, err)
	}
	page1, err := l.Page(1, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, int64(10), page1[0].EventID)
	assert.Equal(t, int64(8), page1[2].EventID)

	page2, err := l.Page(2, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, int64(7), page2[0].EventID)
}

func TestRotation_PreservesIDsAcrossFiles(t *testing.T) {
	l := newLog(t, 200)
	for i := 0; i < 20; i++ {
		_, err := l.Append(model.Event{
			Type:    model.EventNodeStarted,
			TS:      time.Now(),
			Payload: map[string]any{"padding": "0123456789012345678901234567890123456789"},
		})
		require.NoError(t, err)
	}
	evts, err := l.Since(0)
	require.NoError(t, err)
	require.Len(t, evts, 20)
	for i, e := range evts {
		assert.Equal(t, int64(i+1), e.EventID)
	}
}

func TestOpen_RecoversNextIDAcrossRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l1, err := eventlog.Open(eventlog.Options{Path: path, RotateBytes: 200})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := l1.Append(model.Event{
			Type:    model.EventNodeStarted,
			TS:      time.Now(),
			Payload: map[string]any{"padding": "0123456789012345678901234567890123456789"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	l2, err := eventlog.Open(eventlog.Options{Path: path, RotateBytes: 200})
	require.NoError(t, err)
	defer l2.Close()
	e, err := l2.Append(model.Event{Type: model.EventNodeSucceeded, TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(21), e.EventID, "ids continue past the rotated history, not restart at 1")
}

func TestOpen_RecoversNextIDFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l1, err := eventlog.Open(eventlog.Options{Path: path})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l1.Append(model.Event{Type: model.EventNodeStarted, TS: time.Now()})
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	l2, err := eventlog.Open(eventlog.Options{Path: path})
	require.NoError(t, err)
	defer l2.Close()
	e, err := l2.Append(model.Event{Type: model.EventNodeSucceeded, TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.EventID)
}
