// Package orchestrator binds chat messages to graph runs: it resolves the
// chat session with ensure-semantics, assembles prompt history, selects and
// submits a graph, streams assistant chunks into the session, and guarantees
// every user event is answered by exactly one terminal assistant or final
// error event.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/daemon"
	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/sessionstore"
	"github.com/amonhq/amon/internal/telemetry"
)

// Options configures an Orchestrator.
type Options struct {
	Project  model.Project
	Sessions *sessionstore.Store
	Runtime  *graph.Runtime
	Bus      *bus.Bus
	Logger   telemetry.Logger
	// MaxTurns bounds the dialogue history used for prompt assembly
	// (default 20).
	MaxTurns int
}

// Orchestrator ties chat input to runs for one project.
type Orchestrator struct {
	opts Options
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 20
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Orchestrator{opts: opts}
}

// Turn is one in-flight chat turn.
type Turn struct {
	ChatID string
	TurnID string
	RunID  string
	Handle *graph.Handle
	// Done closes once the terminal session event has been appended.
	Done chan struct{}
}

// Submit runs the per-message algorithm: ensure session, append the user
// event, assemble history, build and start a graph, and spawn the finalizer
// that appends the terminal assistant (or final error) event. It returns as
// soon as the run is started so callers can stream.
func (o *Orchestrator) Submit(ctx context.Context, chatIDHint, message string, mode graph.Mode) (*Turn, error) {
	chatID, _, err := o.opts.Sessions.EnsureSession(chatIDHint)
	if err != nil {
		return nil, err
	}
	turnID := amonid.NewID("turn")
	if err := o.opts.Sessions.Append(chatID, model.SessionEvent{
		Kind:   model.SessionEventUser,
		TS:     time.Now().UTC(),
		TurnID: turnID,
		Text:   message,
	}); err != nil {
		return nil, err
	}

	history, err := o.opts.Sessions.LoadRecentDialogue(chatID, o.opts.MaxTurns)
	if err != nil {
		return nil, err
	}

	if mode == "" {
		mode = graph.SelectMode(message)
	}
	g, seed := graph.Build(mode)
	seed["user_message"] = message
	seed["history"] = historyMessages(history)

	var chunkMu sync.Mutex
	var aggregated strings.Builder
	var runIDMu sync.Mutex
	runID := ""

	handle, err := o.opts.Runtime.Start(ctx, graph.StartInput{
		Graph:    g,
		ChatID:   chatID,
		Trigger:  model.TriggerMetadata{Kind: model.TriggerChat, ID: chatID},
		AllowLLM: true,
		Seed:     seed,
		OnToken: func(nodeID, text string) {
			chunkMu.Lock()
			aggregated.WriteString(text)
			chunkMu.Unlock()
			_ = o.opts.Sessions.Append(chatID, model.SessionEvent{
				Kind:   model.SessionEventAssistantChunk,
				TS:     time.Now().UTC(),
				TurnID: turnID,
				Text:   text,
			})
			if o.opts.Bus != nil {
				runIDMu.Lock()
				rid := runID
				runIDMu.Unlock()
				o.opts.Bus.Publish(model.Event{
					TS:        time.Now().UTC(),
					Scope:     "run",
					ProjectID: o.opts.Project.ID,
					Type:      "token",
					Actor:     "assistant",
					Source:    "runtime",
					Payload: map[string]any{
						"text":    text,
						"chat_id": chatID,
						"node_id": nodeID,
						"turn_id": turnID,
						"run_id":  rid,
					},
				}, "")
			}
		},
	})
	if err != nil {
		// The user event is already durable; honor the continuity invariant
		// with a final error event before reporting failure.
		_ = o.opts.Sessions.Append(chatID, model.SessionEvent{
			Kind:   model.SessionEventError,
			TS:     time.Now().UTC(),
			TurnID: turnID,
			Text:   err.Error(),
			Final:  true,
		})
		return nil, err
	}

	runIDMu.Lock()
	runID = handle.RunID
	runIDMu.Unlock()

	turn := &Turn{ChatID: chatID, TurnID: turnID, RunID: handle.RunID, Handle: handle, Done: make(chan struct{})}
	go o.finalize(turn, &chunkMu, &aggregated)
	return turn, nil
}

// finalize waits for the run's terminal state and appends exactly one
// terminal session event for the turn.
func (o *Orchestrator) finalize(turn *Turn, chunkMu *sync.Mutex, aggregated *strings.Builder) {
	defer close(turn.Done)
	run := turn.Handle.Wait()

	text := ""
	if v, ok := turn.Handle.StateValue("assistant_text"); ok {
		text, _ = v.(string)
	}
	if text == "" {
		chunkMu.Lock()
		text = aggregated.String()
		chunkMu.Unlock()
	}

	switch run.Status {
	case model.RunSucceeded:
		_ = o.opts.Sessions.Append(turn.ChatID, model.SessionEvent{
			Kind:   model.SessionEventAssistant,
			TS:     time.Now().UTC(),
			TurnID: turn.TurnID,
			Text:   text,
			RunID:  turn.RunID,
			Final:  true,
		})
	case model.RunCancelled:
		_ = o.opts.Sessions.Append(turn.ChatID, model.SessionEvent{
			Kind:   model.SessionEventError,
			TS:     time.Now().UTC(),
			TurnID: turn.TurnID,
			Text:   "run cancelled",
			RunID:  turn.RunID,
			Final:  true,
		})
	default:
		reason := "run failed"
		for _, st := range run.State {
			if st.Status == model.NodeFailed && st.Error != "" {
				reason = st.Error
				break
			}
		}
		_ = o.opts.Sessions.Append(turn.ChatID, model.SessionEvent{
			Kind:   model.SessionEventError,
			TS:     time.Now().UTC(),
			TurnID: turn.TurnID,
			Text:   reason,
			RunID:  turn.RunID,
			Final:  true,
		})
	}
}

func historyMessages(entries []sessionstore.DialogueEntry) []chatmodel.Message {
	msgs := make([]chatmodel.Message, 0, len(entries))
	for _, e := range entries {
		role := chatmodel.RoleUser
		if e.Role == "assistant" {
			role = chatmodel.RoleAssistant
		}
		msgs = append(msgs, chatmodel.Message{Role: role, Text: e.Text})
	}
	return msgs
}

// ConfirmPlan approves or rejects the parked plan card of run runID.
func (o *Orchestrator) ConfirmPlan(runID string, approve bool) error {
	return o.opts.Runtime.ConfirmRun(runID, approve)
}

// RequestRun implements daemon.RunRequester: it builds the template's graph
// (or a single policy-gated tool_call node) and starts it with the daemon's
// trigger metadata.
func (o *Orchestrator) RequestRun(ctx context.Context, req daemon.RunRequest) (string, error) {
	var (
		g    model.ResolvedGraph
		seed map[string]any
	)
	if req.ToolCall != nil {
		g = model.ResolvedGraph{Nodes: []model.Node{{
			ID:              "tool",
			Type:            model.NodeToolCall,
			ExecutionEngine: model.EngineTool,
			Retry:           model.RetryPolicy{MaxAttempts: 2, BackoffS: 1, JitterS: 0.5},
			ToolCall:        req.ToolCall,
		}}}
		seed = map[string]any{}
	} else {
		g, seed = graph.Build(graph.Mode(req.TemplateID))
	}
	if req.HighRisk {
		// High-risk automation enters pending_confirmation before anything
		// executes: prepend a confirm node gating the whole graph.
		confirm := model.Node{
			ID:              "confirm_automation",
			Type:            model.NodeConfirm,
			ExecutionEngine: model.EngineTool,
			Retry:           model.RetryPolicy{MaxAttempts: 1},
			Confirm: &model.ConfirmSpec{
				Command: "automation:" + req.TemplateID,
				Risk:    "high",
				ExpiryS: 3600,
			},
		}
		for _, n := range g.Nodes {
			hasIncoming := false
			for _, e := range g.Edges {
				if e.To == n.ID {
					hasIncoming = true
					break
				}
			}
			if !hasIncoming {
				g.Edges = append(g.Edges, model.Edge{From: confirm.ID, To: n.ID})
			}
		}
		g.Nodes = append([]model.Node{confirm}, g.Nodes...)
	}
	for k, v := range req.Vars {
		seed[k] = v
	}
	if _, ok := seed["user_message"]; !ok {
		seed["user_message"] = req.TemplateID
	}
	seed["history"] = []chatmodel.Message{}

	handle, err := o.opts.Runtime.Start(ctx, graph.StartInput{
		Graph:    g,
		Trigger:  req.Trigger,
		AllowLLM: req.AllowLLM,
		Seed:     seed,
	})
	if err != nil {
		return "", err
	}
	return handle.RunID, nil
}

var _ daemon.RunRequester = (*Orchestrator)(nil)
