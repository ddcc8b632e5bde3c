package sessionstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/sessionstore"
)

func newStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	s, err := sessionstore.New(sessionstore.Options{ProjectDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestEnsureSession_MintsNewWhenNoHintAndNoLatest(t *testing.T) {
	s := newStore(t)
	chatID, source, err := s.EnsureSession("")
	require.NoError(t, err)
	assert.NotEmpty(t, chatID)
	assert.Equal(t, "new", source)
}

func TestEnsureSession_HonorsIncomingValidHint(t *testing.T) {
	s := newStore(t)
	first, _, err := s.EnsureSession("")
	require.NoError(t, err)

	second, _, err := s.EnsureSession("")
	require.NoError(t, err)
	assert.Equal(t, first, second, "empty hint after a session exists must resolve to latest, not mint a new one")

	again, source, err := s.EnsureSession(first)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, "incoming", source)
}

func TestEnsureSession_InvalidHintFallsBackToLatest(t *testing.T) {
	s := newStore(t)
	chatID, _, err := s.EnsureSession("")
	require.NoError(t, err)

	resolved, source, err := s.EnsureSession("nonexistent-chat-id")
	require.NoError(t, err)
	assert.Equal(t, chatID, resolved)
	assert.Equal(t, "latest", source)
}

func TestEnsureSession_IdempotentForSameHint(t *testing.T) {
	s := newStore(t)
	chatID, _, err := s.EnsureSession("")
	require.NoError(t, err)

	a, _, err := s.EnsureSession(chatID)
	require.NoError(t, err)
	b, _, err := s.EnsureSession(chatID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAppendAndLoadRecentDialogue_FiltersToUserAndTerminalAssistant(t *testing.T) {
	s := newStore(t)
	chatID, _, err := s.EnsureSession("")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventUser, TS: now, TurnID: "t1", Text: "hello"}))
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventAssistantChunk, TS: now, TurnID: "t1", Text: "h"}))
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventAssistantChunk, TS: now, TurnID: "t1", Text: "hi"}))
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventAssistant, TS: now, TurnID: "t1", Text: "hi", Final: true, RunID: "run-1"}))

	dialogue, err := s.LoadRecentDialogue(chatID, 10)
	require.NoError(t, err)
	require.Len(t, dialogue, 2)
	assert.Equal(t, "user", dialogue[0].Role)
	assert.Equal(t, "hello", dialogue[0].Text)
	assert.Equal(t, "assistant", dialogue[1].Role)
	assert.Equal(t, "hi", dialogue[1].Text)
}

func TestLoadRecentDialogue_RespectsMaxTurns(t *testing.T) {
	s := newStore(t)
	chatID, _, err := s.EnsureSession("")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventUser, TS: time.Now(), Text: "msg"}))
	}
	dialogue, err := s.LoadRecentDialogue(chatID, 2)
	require.NoError(t, err)
	assert.Len(t, dialogue, 2)
}

func TestLoadLatestRunContext_ReturnsMostRecentTerminalAssistant(t *testing.T) {
	s := newStore(t)
	chatID, _, err := s.EnsureSession("")
	require.NoError(t, err)

	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventAssistant, TS: time.Now(), Final: true, RunID: "run-1", Text: "first"}))
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventUser, TS: time.Now(), Text: "more"}))
	require.NoError(t, s.Append(chatID, model.SessionEvent{Kind: model.SessionEventAssistant, TS: time.Now(), Final: true, RunID: "run-2", Text: "second"}))

	runID, text, ok, err := s.LoadLatestRunContext(chatID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-2", runID)
	assert.Equal(t, "second", text)
}
