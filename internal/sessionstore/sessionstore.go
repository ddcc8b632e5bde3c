// Package sessionstore implements per-chat JSONL transcripts and the
// ensure-semantics that let a client reconnect to an existing chat without
// ever causing the server to mint a second id for the same conversation.
package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// DialogueEntry is one turn surfaced to prompt assembly.
type DialogueEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Options configures a Store.
type Options struct {
	// ProjectDir is the project's root directory; sessions live under
	// <ProjectDir>/sessions/chat/<chat_id>.jsonl.
	ProjectDir string
	Logger     telemetry.Logger
}

// Store manages chat session transcripts for a single project.
type Store struct {
	mu       sync.Mutex
	dir      string
	latest   string
	logger   telemetry.Logger
	fileLock sync.Mutex
}

// New constructs a Store, creating the sessions/chat directory if needed and
// recovering the latest-session pointer.
func New(opts Options) (*Store, error) {
	dir := filepath.Join(opts.ProjectDir, "sessions", "chat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore mkdir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	s := &Store{dir: dir, logger: logger}
	latest, _ := os.ReadFile(s.latestPointerPath())
	s.latest = strings.TrimSpace(string(latest))
	return s, nil
}

func (s *Store) latestPointerPath() string {
	return filepath.Join(s.dir, ".latest")
}

func (s *Store) chatPath(chatID string) string {
	return filepath.Join(s.dir, chatID+".jsonl")
}

func (s *Store) exists(chatID string) bool {
	_, err := os.Stat(s.chatPath(chatID))
	return err == nil
}

// EnsureSession implements the ensure-semantics contract: an existing,
// valid chatIdHint is honored as-is; an empty hint falls back to the
// project's latest session; only when neither resolves is a new session
// minted. It never overwrites a valid existing chat_id. Returns the
// resolved chat id and a source tag of "incoming", "latest", or "new".
func (s *Store) EnsureSession(chatIDHint string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chatIDHint != "" {
		if s.exists(chatIDHint) {
			return chatIDHint, "incoming", nil
		}
		s.logger.Warn(context.Background(), "chat session fallback: unknown chat_id hint", "chat_id", chatIDHint)
	}
	if chatIDHint == "" && s.latest != "" && s.exists(s.latest) {
		return s.latest, "latest", nil
	}
	if chatIDHint != "" && s.latest != "" && s.exists(s.latest) {
		// An invalid hint still prefers the project's live session over
		// minting a new, disconnected one.
		return s.latest, "latest", nil
	}
	chatID := amonid.NewChatID()
	if err := s.createLocked(chatID); err != nil {
		return "", "", err
	}
	if err := s.setLatestLocked(chatID); err != nil {
		return "", "", err
	}
	return chatID, "new", nil
}

func (s *Store) createLocked(chatID string) error {
	f, err := os.OpenFile(s.chatPath(chatID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("sessionstore create: %w", err)
	}
	return f.Close()
}

func (s *Store) setLatestLocked(chatID string) error {
	s.latest = chatID
	tmp := s.latestPointerPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(chatID), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.latestPointerPath())
}

// Append writes one session event to the chat's transcript, fsyncing
// immediately so a crash never leaves the last line half-written in a way
// that corrupts subsequent reads (the reader tolerates and discards a
// trailing partial line).
func (s *Store) Append(chatID string, evt model.SessionEvent) error {
	s.fileLock.Lock()
	defer s.fileLock.Unlock()

	f, err := os.OpenFile(s.chatPath(chatID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sessionstore append open: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("sessionstore append marshal: %w", err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("sessionstore append write: %w", err)
	}
	return f.Sync()
}

// readAll loads every well-formed event from a chat's transcript, stopping
// at (and discarding) a truncated final line.
func (s *Store) readAll(chatID string) ([]model.SessionEvent, error) {
	f, err := os.Open(s.chatPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var events []model.SessionEvent
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt model.SessionEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			break
		}
		events = append(events, evt)
	}
	return events, nil
}

// LoadRecentDialogue returns up to maxTurns {role, text, ts} entries drawn
// from user events and terminal assistant events only, in chronological
// order, for prompt assembly.
func (s *Store) LoadRecentDialogue(chatID string, maxTurns int) ([]DialogueEntry, error) {
	events, err := s.readAll(chatID)
	if err != nil {
		return nil, err
	}
	var entries []DialogueEntry
	for _, e := range events {
		switch e.Kind {
		case model.SessionEventUser:
			entries = append(entries, DialogueEntry{Role: "user", Text: e.Text, TS: e.TS})
		case model.SessionEventAssistant:
			if e.Final {
				entries = append(entries, DialogueEntry{Role: "assistant", Text: e.Text, TS: e.TS})
			}
		}
	}
	if maxTurns > 0 && len(entries) > maxTurns {
		entries = entries[len(entries)-maxTurns:]
	}
	return entries, nil
}

// Clear archives one chat's transcript by renaming it aside, so the history
// is gone from prompt assembly but remains on disk until trash pruning.
func (s *Store) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.chatPath(chatID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("sessionstore clear: unknown chat %s", chatID)
		}
		return err
	}
	archived := fmt.Sprintf("%s.cleared-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("sessionstore clear: %w", err)
	}
	if s.latest == chatID {
		s.latest = ""
		_ = os.Remove(s.latestPointerPath())
	}
	return nil
}

// ClearAll archives every session transcript in the project.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		_ = os.Rename(path, fmt.Sprintf("%s.cleared-%d", path, now))
	}
	s.latest = ""
	_ = os.Remove(s.latestPointerPath())
	return nil
}

// LoadLatestRunContext returns the run_id and text of the most recent
// terminal assistant event, for UI hydration on reconnect.
func (s *Store) LoadLatestRunContext(chatID string) (runID, text string, ok bool, err error) {
	events, err := s.readAll(chatID)
	if err != nil {
		return "", "", false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind == model.SessionEventAssistant && e.Final {
			return e.RunID, e.Text, true, nil
		}
	}
	return "", "", false, nil
}
