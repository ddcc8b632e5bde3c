// Package streambroker fans out run events to connected UI clients. A stream
// first drains missed events from the durable EventLog (bounded by a
// recovery window), then attaches to the live EventBus; frames carry the
// durable event_id so clients resume with Last-Event-ID after reconnecting.
package streambroker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// Source yields missed events for replay on resume. Both *eventlog.Log and
// *eventlog.Reader satisfy it.
type Source interface {
	Since(sinceEventID int64) ([]model.Event, error)
}

// DefaultRecoveryWindow is the maximum number of missed events replayed from
// the EventLog on resume.
const DefaultRecoveryWindow = 10000

// Wire frame types.
const (
	FrameToken     = "token"
	FrameNotice    = "notice"
	FramePlan      = "plan"
	FrameResult    = "result"
	FrameReasoning = "reasoning"
	FrameWarning   = "warning"
	FrameError     = "error"
	FrameDone      = "done"
)

// Frame is one wire event.
type Frame struct {
	EventID int64          `json:"event_id"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
}

// Request describes one stream attachment.
type Request struct {
	ProjectID    string
	ChatID       string
	RunID        string
	SinceEventID int64
}

// Options configures a Broker.
type Options struct {
	Bus            *bus.Bus
	RecoveryWindow int
	Logger         telemetry.Logger
}

// Broker opens resumable event streams.
type Broker struct {
	opts Options
}

// New constructs a Broker.
func New(opts Options) *Broker {
	if opts.RecoveryWindow <= 0 {
		opts.RecoveryWindow = DefaultRecoveryWindow
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Broker{opts: opts}
}

// Stream is one open client attachment. Frames arrive on C; Close detaches
// from the bus.
type Stream struct {
	C      chan Frame
	sub    *bus.Subscription
	closed chan struct{}
	once   sync.Once
}

// Close detaches the stream from the live bus and releases the replay
// goroutine if the client went away mid-replay.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.closed) })
	if s.sub != nil {
		s.sub.Close()
	}
}

// Open attaches a stream for req. src is the durable event stream to drain
// missed events from (typically the run's events.jsonl); it may be nil when
// the run has not started yet. Replayed frames are delivered first; live bus
// events carrying an event_id at or below the replay head are suppressed so
// a frame is never delivered twice.
func (b *Broker) Open(req Request, src Source) (*Stream, error) {
	s := &Stream{C: make(chan Frame, 256), closed: make(chan struct{})}

	// Subscribe before draining. Durable appends always precede their bus
	// publication, so every event is either in the drain snapshot or reaches
	// the live handler; the handler waits out the replay and suppresses ids
	// at or below the replay head, so nothing is lost or delivered twice.
	var lastReplayed int64
	replayDone := make(chan struct{})
	if b.opts.Bus != nil {
		filter := func(evt model.Event) bool {
			if req.ProjectID != "" && evt.ProjectID != req.ProjectID {
				return false
			}
			if req.RunID != "" {
				if rid, _ := evt.Payload["run_id"].(string); rid != req.RunID {
					return false
				}
			}
			if req.ChatID != "" && req.RunID == "" {
				if cid, _ := evt.Payload["chat_id"].(string); cid != req.ChatID {
					return false
				}
			}
			return true
		}
		s.sub = b.opts.Bus.Register(filter, func(_ context.Context, evt model.Event) {
			<-replayDone
			if evt.EventID != 0 && evt.EventID <= lastReplayed {
				return
			}
			select {
			case s.C <- toFrame(evt):
			default:
				// Client buffer full; the durable log remains the recovery
				// source on reconnect.
			}
		})
	}

	var replay []Frame
	if src != nil {
		missed, err := src.Since(req.SinceEventID)
		if err != nil {
			if s.sub != nil {
				close(replayDone)
				s.sub.Close()
			}
			return nil, err
		}
		if len(missed) > b.opts.RecoveryWindow {
			// Out of the recovery window: tell the client events were lost,
			// then continue from the current head.
			replay = append(replay, Frame{Type: FrameNotice, Data: map[string]any{
				"reason":  "events_lost",
				"dropped": len(missed) - b.opts.RecoveryWindow,
			}})
			missed = missed[len(missed)-b.opts.RecoveryWindow:]
		}
		for _, evt := range missed {
			replay = append(replay, toFrame(evt))
		}
		if n := len(missed); n > 0 {
			lastReplayed = missed[n-1].EventID
		}
	}

	go func() {
		defer close(replayDone)
		for _, f := range replay {
			select {
			case s.C <- f:
			case <-s.closed:
				return
			}
		}
	}()
	return s, nil
}

// toFrame maps a durable event onto the wire taxonomy.
func toFrame(evt model.Event) Frame {
	data := map[string]any{}
	for k, v := range evt.Payload {
		data[k] = v
	}
	data["project_id"] = evt.ProjectID
	typ := frameType(evt.Type)
	if typ == FrameDone {
		if s, ok := data["status"].(string); ok {
			data["status"] = wireStatus(s)
		}
	}
	return Frame{EventID: evt.EventID, Type: typ, Data: data}
}

// wireStatus maps a run's terminal status onto the done frame's closed
// status set: ok, confirm_required, warning, error, cancelled.
func wireStatus(s string) string {
	switch s {
	case "succeeded":
		return "ok"
	case "failed":
		return "error"
	case "pending_confirmation":
		return "confirm_required"
	default:
		return s
	}
}

func frameType(t model.EventType) string {
	switch t {
	case "token":
		return FrameToken
	case model.EventRunPendingConfirm:
		return FramePlan
	case model.EventNodeWarning:
		return FrameWarning
	case model.EventRunCompleted:
		return FrameDone
	case model.EventRunCancelled:
		return FrameNotice
	case model.EventNodeFailed:
		return FrameError
	case model.EventNodeSucceeded:
		return FrameResult
	case model.EventBillingBudgetExceeded:
		return FrameNotice
	default:
		return FrameNotice
	}
}

// WriteSSE encodes one frame in text/event-stream framing and flushes.
func WriteSSE(w io.Writer, f Frame) error {
	b, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	if f.EventID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.EventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, b); err != nil {
		return err
	}
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}
