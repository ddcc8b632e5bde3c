package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// WatcherOptions configures a filesystem Watcher.
type WatcherOptions struct {
	ProjectRoot string
	// Paths are project-relative directories to monitor.
	Paths        []string
	Debounce     time.Duration
	IgnoreActors []string
	// Emit receives the debounced event plus its dedupe key.
	Emit   func(evt model.Event, dedupeKey string)
	Logger telemetry.Logger
}

// Watcher monitors project directories and emits doc.*/workspace.file_*
// events, debounced per path so editor save bursts collapse into one event.
type Watcher struct {
	opts WatcherOptions
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a Watcher over the given project-relative paths.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "fsnotify", err)
	}
	for _, rel := range opts.Paths {
		dir := filepath.Join(opts.ProjectRoot, rel)
		if err := fsw.Add(dir); err != nil {
			opts.Logger.Warn(context.Background(), "watch path unavailable", "path", dir, "error", err)
		}
	}
	return &Watcher{opts: opts, fsw: fsw, pending: make(map[string]*time.Timer)}, nil
}

// Run pumps fsnotify events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn(ctx, "watcher error", "error", err)
		}
	}
}

// handle debounces one raw event per path; only the final shape of a burst
// is emitted once the window elapses.
func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.opts.ProjectRoot, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, ".amon/") {
		return
	}

	typ := w.eventType(rel, ev.Op)
	if typ == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()
		w.opts.Emit(model.Event{
			TS:      time.Now().UTC(),
			Scope:   "project",
			Type:    typ,
			Actor:   "watcher",
			Source:  "fs",
			Payload: map[string]any{"path": rel},
		}, "fs:"+rel)
	})
}

func (w *Watcher) eventType(rel string, op fsnotify.Op) model.EventType {
	isDoc := strings.HasPrefix(rel, "docs/")
	switch {
	case op.Has(fsnotify.Create):
		if isDoc {
			return model.EventDocCreated
		}
		return "workspace.file_created"
	case op.Has(fsnotify.Write):
		if isDoc {
			return model.EventDocUpdated
		}
		return "workspace.file_updated"
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		if isDoc {
			return model.EventDocDeleted
		}
		return "workspace.file_deleted"
	default:
		return ""
	}
}
