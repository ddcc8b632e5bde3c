package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/billing"
	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/policy"
	"github.com/amonhq/amon/internal/sandbox"
	"github.com/amonhq/amon/internal/telemetry"
	"github.com/amonhq/amon/internal/tool"
	"github.com/amonhq/amon/internal/vault"
)

// Capabilities bundles the external collaborators nodes dispatch to.
type Capabilities struct {
	Model   chatmodel.ChatModel
	Tools   *tool.Registry
	Sandbox sandbox.Runner
}

// Options configures a Runtime for one project.
type Options struct {
	Project model.Project
	// RunsDir is <project>/.amon/runs.
	RunsDir string
	Gate    *policy.Gate
	Vault   *vault.Vault
	Bus     *bus.Bus
	Billing *billing.Ledger
	// ProjectLog receives project-scope copies of run lifecycle and billing
	// events for the events-log query surface.
	ProjectLog *eventlog.Log
	Caps       Capabilities
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics

	// MaxParallelNodes bounds the per-run worker pool (default 4).
	MaxParallelNodes int
	// MaxParallelRuns bounds concurrently executing runs (default 2).
	MaxParallelRuns int
	// CancelGrace is the wait between signalling cancellation and forced
	// abandonment (default 5s).
	CancelGrace time.Duration
	// DefaultInactivity and DefaultHard apply to nodes that leave their
	// timeout policy zero (defaults 60s / 600s).
	DefaultInactivity time.Duration
	DefaultHard       time.Duration
}

// Runtime executes resolved DAGs for one project.
type Runtime struct {
	opts   Options
	runSem chan struct{}

	mu      sync.Mutex
	handles map[string]*Handle
}

// New constructs a Runtime, substituting defaults and noop telemetry for
// unset options.
func New(opts Options) *Runtime {
	if opts.MaxParallelNodes <= 0 {
		opts.MaxParallelNodes = 4
	}
	if opts.MaxParallelRuns <= 0 {
		opts.MaxParallelRuns = 2
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.DefaultInactivity <= 0 {
		opts.DefaultInactivity = 60 * time.Second
	}
	if opts.DefaultHard <= 0 {
		opts.DefaultHard = 600 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Runtime{
		opts:    opts,
		runSem:  make(chan struct{}, opts.MaxParallelRuns),
		handles: make(map[string]*Handle),
	}
}

// StartInput describes one run submission.
type StartInput struct {
	Graph    model.ResolvedGraph
	ChatID   string
	Trigger  model.TriggerMetadata
	AllowLLM bool
	// Seed pre-populates session state (user message, history, variables).
	Seed map[string]any
	// OnToken receives incremental LLM text per agent_task node, for session
	// chunk appends and live token frames. May be nil.
	OnToken func(nodeID, text string)
}

// Handle is the supervisor for one in-flight run.
type Handle struct {
	RunID string

	rt    *Runtime
	input StartInput
	log   *eventlog.Log

	mu      sync.Mutex
	run     *model.Run
	state   map[string]any
	written map[string]bool
	card    *model.PlanCard

	cancel  context.CancelFunc
	confirm chan bool
	done    chan struct{}
}

// Start validates the graph, persists graph.resolved.json, and launches the
// run supervisor. The returned Handle reports completion via Wait.
func (rt *Runtime) Start(ctx context.Context, in StartInput) (*Handle, error) {
	if err := Validate(in.Graph); err != nil {
		return nil, err
	}
	runID := amonid.NewRunID()
	runDir := filepath.Join(rt.opts.RunsDir, runID)

	log, err := eventlog.Open(eventlog.Options{Path: filepath.Join(runDir, "events.jsonl")})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &model.Run{
		RunID:         runID,
		ProjectID:     rt.opts.Project.ID,
		ChatID:        in.ChatID,
		Trigger:       in.Trigger,
		GraphResolved: in.Graph,
		State:         make(map[string]model.NodeState, len(in.Graph.Nodes)),
		Status:        model.RunQueued,
		StartedAt:     now,
		AllowLLM:      in.AllowLLM,
	}
	for _, n := range in.Graph.Nodes {
		run.State[n.ID] = model.NodeState{Status: model.NodePending}
	}

	state := make(map[string]any, len(in.Seed))
	for k, v := range in.Seed {
		state[k] = v
	}

	h := &Handle{
		RunID:   runID,
		rt:      rt,
		input:   in,
		log:     log,
		run:     run,
		state:   state,
		written: make(map[string]bool),
		confirm: make(chan bool, 1),
		done:    make(chan struct{}),
	}

	if b, err := Dumps(in.Graph); err == nil {
		_, _ = rt.opts.Vault.AtomicWrite(filepath.Join(".amon", "runs", runID, "graph.resolved.json"), b)
	}
	h.persist()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	rt.mu.Lock()
	rt.handles[runID] = h
	rt.mu.Unlock()

	go h.supervise(runCtx)
	return h, nil
}

// Handle lookup for confirm/cancel endpoints.
func (rt *Runtime) Handle(runID string) (*Handle, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h, ok := rt.handles[runID]
	return h, ok
}

// ConfirmRun resumes or rejects a parked run.
func (rt *Runtime) ConfirmRun(runID string, approve bool) error {
	h, ok := rt.Handle(runID)
	if !ok {
		return amonerr.New(amonerr.ProtocolError, "RUN_NOT_FOUND", "no live run "+runID)
	}
	return h.Confirm(approve)
}

// Confirm delivers the user's decision to a parked run.
func (h *Handle) Confirm(approve bool) error {
	h.mu.Lock()
	parked := h.run.Status == model.RunPendingConfirmation
	h.mu.Unlock()
	if !parked {
		return amonerr.New(amonerr.ProtocolError, "NOT_PENDING", "run is not awaiting confirmation")
	}
	select {
	case h.confirm <- approve:
		return nil
	default:
		return amonerr.New(amonerr.ProtocolError, "NOT_PENDING", "confirmation already delivered")
	}
}

// Cancel requests cooperative cancellation of the run.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the run reaches a terminal state and returns its final
// snapshot.
func (h *Handle) Wait() *model.Run {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := *h.run
	return &snapshot
}

// Run returns the current snapshot without waiting.
func (h *Handle) Run() *model.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := *h.run
	return &snapshot
}

// StateValue reads one session-state key from the run.
func (h *Handle) StateValue(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.state[key]
	return v, ok
}

// PlanCard returns the pending plan card, if the run is parked on one.
func (h *Handle) PlanCard() *model.PlanCard {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.card == nil {
		return nil
	}
	c := *h.card
	return &c
}

// errParked signals that node execution parked the run on a plan card and
// the scheduler must await confirmation before continuing.
type errParked struct {
	card model.PlanCard
}

func (e *errParked) Error() string { return "run parked awaiting confirmation: " + e.card.Command }

// supervise is the per-run scheduling loop: it admits ready nodes to the
// bounded worker pool, waits for transitions, and drives the run to a
// terminal status.
func (h *Handle) supervise(ctx context.Context) {
	rt := h.rt
	defer close(h.done)
	defer func() {
		rt.mu.Lock()
		delete(rt.handles, h.RunID)
		rt.mu.Unlock()
		_ = h.log.Close()
	}()

	rt.runSem <- struct{}{}
	defer func() { <-rt.runSem }()

	h.setRunStatus(model.RunRunning)
	h.emit(ctx, model.EventRunStarted, "", nil)

	nodes := make(map[string]*model.Node, len(h.run.GraphResolved.Nodes))
	order := make([]string, 0, len(h.run.GraphResolved.Nodes))
	for i := range h.run.GraphResolved.Nodes {
		n := &h.run.GraphResolved.Nodes[i]
		nodes[n.ID] = n
		order = append(order, n.ID)
	}
	incoming := make(map[string][]model.Edge)
	for _, e := range h.run.GraphResolved.Edges {
		incoming[e.To] = append(incoming[e.To], e)
	}

	pool := make(chan struct{}, rt.opts.MaxParallelNodes)
	transitions := make(chan string, len(order))
	running := 0
	cancelled := false

	for {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
				h.emit(ctx, model.EventRunCancelled, "", nil)
			default:
			}
		}

		progressed := false
		for _, id := range order {
			if cancelled {
				break
			}
			st := h.nodeState(id)
			if st.Status != model.NodePending {
				continue
			}
			ready, skipped := h.readiness(nodes[id], incoming[id])
			switch {
			case skipped:
				h.finishNode(ctx, id, model.NodeSkipped, nil, nil)
				progressed = true
			case ready:
				h.markRunning(id)
				running++
				progressed = true
				go func(node *model.Node) {
					pool <- struct{}{}
					defer func() { <-pool }()
					h.executeWithRetry(ctx, node)
					transitions <- node.ID
				}(nodes[id])
			}
		}
		if progressed {
			continue
		}

		if running == 0 {
			break
		}
		select {
		case <-transitions:
			running--
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				h.emit(ctx, model.EventRunCancelled, "", nil)
			}
			// Grace period: let in-flight nodes observe cancellation before
			// abandonment.
			timer := time.NewTimer(rt.opts.CancelGrace)
			for running > 0 {
				select {
				case <-transitions:
					running--
				case <-timer.C:
					running = 0
				}
			}
			timer.Stop()
		}
	}

	if cancelled {
		h.skipRemaining(ctx)
		h.finalize(ctx, model.RunCancelled)
		return
	}
	status := model.RunSucceeded
	for _, id := range order {
		if h.nodeState(id).Status == model.NodeFailed {
			status = model.RunFailed
			break
		}
	}
	h.finalize(ctx, status)
}

// readiness reports whether a pending node can start (every incoming source
// is terminal and at least one edge from a succeeded source has a truthy
// guard) or must be skipped (every source is terminal and no such edge
// exists).
func (h *Handle) readiness(n *model.Node, in []model.Edge) (ready, skipped bool) {
	if len(in) == 0 {
		return true, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range in {
		switch h.run.State[e.From].Status {
		case model.NodeSucceeded, model.NodeFailed, model.NodeSkipped:
		default:
			return false, false
		}
	}
	// Every source is terminal: the node starts if at least one edge from a
	// succeeded source has a truthy guard, and is skipped transitively when
	// no satisfied edge remains.
	for _, e := range in {
		if h.run.State[e.From].Status == model.NodeSucceeded && EvalGuard(e.When, h.state) {
			return true, false
		}
	}
	return false, true
}

// executeWithRetry runs one node through its retry policy. Policy denials,
// budget parks, auth failures, and cancellation never retry.
func (h *Handle) executeWithRetry(ctx context.Context, n *model.Node) {
	attempts := 0
	op := func() error {
		attempts++
		h.setAttempts(n.ID, attempts)
		out, err := h.executeOnce(ctx, n)
		if err == nil {
			h.finishNode(ctx, n.ID, model.NodeSucceeded, out, nil)
			return nil
		}
		var park *errParked
		if errors.As(err, &park) {
			return backoff.Permanent(err)
		}
		if kind, ok := amonerr.KindOf(err); ok {
			switch kind {
			case amonerr.ToolDenied, amonerr.PathNotAllowed, amonerr.ModelAuthFailed, amonerr.Cancelled, amonerr.BudgetExceeded:
				return backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(amonerr.Wrap(amonerr.Cancelled, "cancelled", "node cancelled", ctx.Err()))
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(newRetryBackoff(n.Retry), ctx))
	if err == nil {
		return
	}
	var park *errParked
	if errors.As(err, &park) {
		h.park(ctx, n, park.card)
		return
	}
	h.finishNode(ctx, n.ID, model.NodeFailed, nil, err)
}

// park persists the plan card, transitions the run to pending_confirmation,
// and blocks until the user decides or the card expires.
func (h *Handle) park(ctx context.Context, n *model.Node, card model.PlanCard) {
	h.mu.Lock()
	h.card = &card
	h.run.Status = model.RunPendingConfirmation
	h.mu.Unlock()
	h.persist()
	h.emit(ctx, model.EventRunPendingConfirm, n.ID, map[string]any{
		"command": card.Command,
		"args":    card.Args,
		"risk":    card.Risk,
		"expiry":  card.Expiry.Format(time.RFC3339),
	})

	wait := time.Until(card.Expiry)
	if wait <= 0 {
		wait = time.Millisecond
	}
	expiry := time.NewTimer(wait)
	defer expiry.Stop()

	approve := false
	decided := false
	select {
	case approve = <-h.confirm:
		decided = true
	case <-expiry.C:
	case <-ctx.Done():
	}

	h.mu.Lock()
	h.card = nil
	h.mu.Unlock()

	if decided && approve {
		h.setRunStatus(model.RunRunning)
		if n.Type == model.NodeConfirm {
			h.finishNode(ctx, n.ID, model.NodeSucceeded, map[string]any{"confirmed": true}, nil)
			return
		}
		// Confirmed resumption of a budget-parked node: execute once more,
		// bypassing the budget check the user just overrode.
		out, err := h.executeOnce(noBudget(ctx), n)
		if err != nil {
			h.finishNode(ctx, n.ID, model.NodeFailed, nil, err)
			return
		}
		h.finishNode(ctx, n.ID, model.NodeSucceeded, out, nil)
		return
	}
	// Rejected or expired: the run ends cancelled; artifacts already written
	// are retained.
	h.finishNode(ctx, n.ID, model.NodeFailed, nil, amonerr.New(amonerr.Cancelled, "rejected", "confirmation rejected or expired"))
	h.cancel()
}

type budgetBypassKey struct{}

func noBudget(ctx context.Context) context.Context {
	return context.WithValue(ctx, budgetBypassKey{}, true)
}

func budgetBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(budgetBypassKey{}).(bool)
	return v
}

// executeOnce dispatches a single attempt of n with its timeout envelope.
func (h *Handle) executeOnce(ctx context.Context, n *model.Node) (any, error) {
	inactivity := h.rt.opts.DefaultInactivity
	if n.Timeout.InactivityS > 0 {
		inactivity = time.Duration(n.Timeout.InactivityS * float64(time.Second))
	}
	hard := h.rt.opts.DefaultHard
	if n.Timeout.HardS > 0 {
		hard = time.Duration(n.Timeout.HardS * float64(time.Second))
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hardTimer := time.AfterFunc(hard, func() {
		cancel(amonerr.New(amonerr.Timeout, "hard", "hard timeout"))
	})
	defer hardTimer.Stop()

	inactTimer := time.AfterFunc(inactivity, func() {
		cancel(amonerr.New(amonerr.Timeout, "inactivity", "inactivity timeout"))
	})
	defer inactTimer.Stop()

	var warnOnce sync.Once
	var warnTimer *time.Timer
	if n.Timeout.WarningAfterS > 0 {
		warnTimer = time.AfterFunc(time.Duration(n.Timeout.WarningAfterS*float64(time.Second)), func() {
			warnOnce.Do(func() {
				h.emit(ctx, model.EventNodeWarning, n.ID, map[string]any{"reason": "no progress"})
			})
		})
		defer warnTimer.Stop()
	}

	progress := func() {
		inactTimer.Reset(inactivity)
		if warnTimer != nil {
			warnTimer.Reset(time.Duration(n.Timeout.WarningAfterS * float64(time.Second)))
		}
	}

	out, err := h.dispatch(attemptCtx, n, progress)
	if err != nil {
		if cause := context.Cause(attemptCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			var ae *amonerr.Error
			if errors.As(cause, &ae) {
				return nil, cause
			}
		}
		return nil, err
	}
	return out, nil
}

// dispatch is the single dispatch table across the closed node-type set.
func (h *Handle) dispatch(ctx context.Context, n *model.Node, progress func()) (any, error) {
	switch n.Type {
	case model.NodeAgentTask:
		return h.execAgentTask(ctx, n, progress)
	case model.NodeWriteFile:
		return h.execWriteFile(n)
	case model.NodeToolCall:
		return h.execToolCall(ctx, n, progress)
	case model.NodeCondition:
		return h.execCondition(n)
	case model.NodeMap:
		return h.execMap(ctx, n, progress)
	case model.NodeSandboxRun:
		return h.execSandboxRun(ctx, n)
	case model.NodeConfirm:
		return h.execConfirm(n)
	default:
		return nil, amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "unknown node type "+string(n.Type))
	}
}

func (h *Handle) execAgentTask(ctx context.Context, n *model.Node, progress func()) (any, error) {
	rt := h.rt
	if rt.opts.Caps.Model == nil {
		return nil, amonerr.New(amonerr.ConfigInvalid, "NO_MODEL", "no chat model configured")
	}
	// Runs dispatched without an LLM allowance (automation whose budget was
	// already exhausted at dispatch) park for user review instead of calling
	// the model.
	if !h.run.AllowLLM && !budgetBypassed(ctx) {
		h.emitBilling(ctx, n.ID)
		return nil, &errParked{card: model.PlanCard{
			RunID:   h.RunID,
			NodeID:  n.ID,
			Command: "llm_dispatch",
			Args:    map[string]any{"node_id": n.ID},
			Risk:    "budget",
			Expiry:  time.Now().UTC().Add(24 * time.Hour),
		}}
	}
	if rt.opts.Billing != nil && !budgetBypassed(ctx) {
		if err := rt.opts.Billing.CheckBudget(rt.opts.Project.ID); err != nil {
			h.emitBilling(ctx, n.ID)
			return nil, &errParked{card: model.PlanCard{
				RunID:   h.RunID,
				NodeID:  n.ID,
				Command: "llm_dispatch",
				Args:    map[string]any{"node_id": n.ID},
				Risk:    "budget",
				Expiry:  time.Now().UTC().Add(24 * time.Hour),
			}}
		}
		if err := rt.opts.Billing.Wait(ctx); err != nil {
			return nil, amonerr.Wrap(amonerr.Cancelled, "", "billing pacing wait", err)
		}
	}

	req := chatmodel.Request{ModelClass: n.AgentTask.ModelClass}
	req.Messages = h.assemblePrompt(n)
	resp, err := rt.opts.Caps.Model.Stream(ctx, req, func(text string) error {
		progress()
		if h.input.OnToken != nil {
			h.input.OnToken(n.ID, text)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rt.opts.Billing != nil {
		rt.opts.Billing.Charge(rt.opts.Project.ID, h.RunID, resp.Usage)
	}
	if n.OutputPath != "" {
		if err := h.writeOutput(n, []byte(resp.Text)); err != nil {
			return nil, err
		}
	}
	return resp.Text, nil
}

// assemblePrompt builds the model request from the node's prompt template and
// its reads. The "history" read expands to prior dialogue entries.
func (h *Handle) assemblePrompt(n *model.Node) []chatmodel.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var msgs []chatmodel.Message
	for _, key := range n.Reads {
		v, ok := h.state[key]
		if !ok {
			continue
		}
		if key == "history" {
			if turns, ok := v.([]chatmodel.Message); ok {
				msgs = append(msgs, turns...)
				continue
			}
		}
		msgs = append(msgs, chatmodel.Message{
			Role: chatmodel.RoleUser,
			Text: fmt.Sprintf("[%s]\n%s", key, stringify(v)),
		})
	}
	prompt := n.AgentTask.Prompt
	if prompt != "" {
		prompt = expandVars(prompt, h.state)
		msgs = append(msgs, chatmodel.Message{Role: chatmodel.RoleUser, Text: prompt})
	}
	return msgs
}

// expandVars substitutes {{key}} placeholders from session state.
func expandVars(s string, state map[string]any) string {
	for k, v := range state {
		placeholder := "{{" + k + "}}"
		if strings.Contains(s, placeholder) {
			s = strings.ReplaceAll(s, placeholder, stringify(v))
		}
	}
	return s
}

func (h *Handle) execWriteFile(n *model.Node) (any, error) {
	content := expandVars(n.WriteFile.Content, h.snapshotState())
	if n.OutputPath == "" {
		return nil, amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "write_file node "+n.ID+" missing output_path")
	}
	if err := h.writeOutput(n, []byte(content)); err != nil {
		return nil, err
	}
	return n.OutputPath, nil
}

func (h *Handle) execToolCall(ctx context.Context, n *model.Node, progress func()) (any, error) {
	rt := h.rt
	args := resolveArgs(n.ToolCall.Args, h.snapshotState())
	caller := policy.Caller{
		ProjectID: rt.opts.Project.ID,
		RunID:     h.RunID,
		ChatID:    h.run.ChatID,
		Source:    string(h.run.Trigger.Kind),
	}
	dec, reason, _ := rt.opts.Gate.Decide(ctx, n.ToolCall.ToolName, args, caller)
	switch dec {
	case policy.Deny:
		h.emit(ctx, model.EventToolDenied, n.ID, map[string]any{"tool": n.ToolCall.ToolName, "reason": reason})
		if reason == "PATH_NOT_ALLOWED" {
			return nil, amonerr.New(amonerr.PathNotAllowed, reason, "tool call denied")
		}
		return nil, amonerr.New(amonerr.ToolDenied, reason, "tool call denied")
	case policy.Ask:
		return nil, &errParked{card: model.PlanCard{
			RunID:   h.RunID,
			NodeID:  n.ID,
			Command: n.ToolCall.ToolName,
			Args:    args,
			Risk:    "ask",
			Expiry:  time.Now().UTC().Add(time.Hour),
		}}
	}

	t, err := rt.opts.Caps.Tools.Lookup(n.ToolCall.ToolName)
	if err != nil {
		return nil, err
	}
	progress()
	h.emit(ctx, model.EventToolCalled, n.ID, map[string]any{"tool": n.ToolCall.ToolName})
	result, err := t.Call(ctx, args)
	if err != nil {
		return nil, err
	}
	progress()
	return result, nil
}

// resolveArgs substitutes "$key" string values from session state.
func resolveArgs(args map[string]any, state map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			if sv, ok := state[s[1:]]; ok {
				out[k] = sv
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (h *Handle) execCondition(n *model.Node) (any, error) {
	return EvalGuard(n.Condition.Expr, h.snapshotState()), nil
}

func (h *Handle) execMap(ctx context.Context, n *model.Node, progress func()) (any, error) {
	items, _ := h.snapshotState()[n.Map.Over].([]any)
	maxFanout := n.Map.MaxFanout
	if maxFanout <= 0 {
		maxFanout = 10
	}
	if len(items) > maxFanout {
		items = items[:maxFanout]
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	sem := make(chan struct{}, h.rt.opts.MaxParallelNodes)
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// Each child is a deep copy of the template with {{item}} and
			// {{index}} substituted up front, so parallel children never
			// share mutable state.
			child := instantiateChild(n, i, item)

			attempt := func() error {
				out, err := h.executeOnce(ctx, child)
				if err != nil {
					return err
				}
				results[i] = out
				return nil
			}
			errs[i] = backoff.Retry(func() error {
				if err := attempt(); err != nil {
					if kind, ok := amonerr.KindOf(err); ok {
						switch kind {
						case amonerr.ToolDenied, amonerr.PathNotAllowed, amonerr.Cancelled:
							return backoff.Permanent(err)
						}
					}
					return err
				}
				return nil
			}, backoff.WithContext(newRetryBackoff(child.Retry), ctx))
			progress()
		}(i, item)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// instantiateChild deep-copies the map template for one fan-out index,
// inheriting the parent's timeout and substituting {{item}}/{{index}} in the
// template's prompt, content, args, and output path.
func instantiateChild(parent *model.Node, i int, item any) *model.Node {
	vars := map[string]any{"item": item, "index": i}
	child := *parent.Map.Template
	child.ID = fmt.Sprintf("%s[%d]", parent.ID, i)
	child.Timeout = parent.Timeout
	child.OutputPath = expandVars(child.OutputPath, vars)
	if child.AgentTask != nil {
		spec := *child.AgentTask
		spec.Prompt = expandVars(spec.Prompt, vars)
		child.AgentTask = &spec
	}
	if child.WriteFile != nil {
		spec := *child.WriteFile
		spec.Content = expandVars(spec.Content, vars)
		child.WriteFile = &spec
	}
	if child.ToolCall != nil {
		spec := *child.ToolCall
		args := make(map[string]any, len(spec.Args)+1)
		for k, v := range spec.Args {
			if s, ok := v.(string); ok {
				args[k] = expandVars(s, vars)
				continue
			}
			args[k] = v
		}
		spec.Args = args
		child.ToolCall = &spec
	}
	return &child
}

func (h *Handle) execSandboxRun(ctx context.Context, n *model.Node) (any, error) {
	rt := h.rt
	if rt.opts.Caps.Sandbox == nil {
		return nil, amonerr.New(amonerr.ConfigInvalid, "NO_SANDBOX", "no sandbox runner configured")
	}
	result, err := rt.opts.Caps.Sandbox.Exec(ctx, sandbox.Request{
		Command:   n.SandboxRun.Command,
		Args:      n.SandboxRun.Args,
		InputPack: n.SandboxRun.InputPack,
	})
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(result); err == nil {
		_, _ = rt.opts.Vault.AtomicWrite(filepath.Join(".amon", "runs", h.RunID, "sandbox", "result.json"), b)
	}
	// Unpack outputs through the vault so containment applies to every file
	// the sandbox hands back.
	for rel, content := range result.OutputPack {
		if _, err := rt.opts.Vault.AtomicWrite(rel, []byte(content)); err != nil {
			return nil, err
		}
		h.recordWritten(rel)
	}
	if result.ExitCode != 0 {
		return nil, amonerr.New(amonerr.IOError, "SANDBOX_EXIT", fmt.Sprintf("sandbox exit code %d", result.ExitCode))
	}
	return result.Stdout, nil
}

func (h *Handle) execConfirm(n *model.Node) (any, error) {
	expiry := time.Duration(n.Confirm.ExpiryS * float64(time.Second))
	if expiry <= 0 {
		expiry = time.Hour
	}
	return nil, &errParked{card: model.PlanCard{
		RunID:   h.RunID,
		NodeID:  n.ID,
		Command: n.Confirm.Command,
		Args:    n.Confirm.Args,
		Risk:    n.Confirm.Risk,
		Expiry:  time.Now().UTC().Add(expiry),
	}}
}

// writeOutput resolves the node's output path through PolicyGate and writes
// atomically through the vault. Output paths must land in docs/, audits/,
// workspace/, or the run's scratch directory.
func (h *Handle) writeOutput(n *model.Node, data []byte) error {
	rel := expandVars(n.OutputPath, h.snapshotState())
	if _, err := h.rt.opts.Gate.ResolveInProject(rel); err != nil {
		return amonerr.Wrap(amonerr.PathNotAllowed, "PATH_NOT_ALLOWED", "output path", err)
	}
	if _, err := h.rt.opts.Vault.AtomicWrite(rel, data); err != nil {
		return err
	}
	h.recordWritten(rel)
	return nil
}

func (h *Handle) recordWritten(rel string) {
	h.mu.Lock()
	h.written[filepath.ToSlash(rel)] = true
	h.mu.Unlock()
}

func (h *Handle) snapshotState() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.state))
	for k, v := range h.state {
		out[k] = v
	}
	return out
}

// --- state transitions -----------------------------------------------------

func (h *Handle) nodeState(id string) model.NodeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.State[id]
}

func (h *Handle) markRunning(id string) {
	now := time.Now().UTC()
	h.mu.Lock()
	st := h.run.State[id]
	st.Status = model.NodeRunning
	st.StartedAt = &now
	h.run.State[id] = st
	h.mu.Unlock()
	h.emit(context.Background(), model.EventNodeStarted, id, nil)
}

func (h *Handle) setAttempts(id string, attempts int) {
	h.mu.Lock()
	st := h.run.State[id]
	st.Attempts = attempts
	h.run.State[id] = st
	h.mu.Unlock()
}

// finishNode records the node's terminal state, propagates writes into
// session state, and emits the transition event.
func (h *Handle) finishNode(ctx context.Context, id string, status model.NodeStatus, output any, err error) {
	now := time.Now().UTC()
	var node *model.Node
	for i := range h.run.GraphResolved.Nodes {
		if h.run.GraphResolved.Nodes[i].ID == id {
			node = &h.run.GraphResolved.Nodes[i]
			break
		}
	}

	h.mu.Lock()
	st := h.run.State[id]
	st.Status = status
	st.FinishedAt = &now
	if output != nil {
		st.Output = output
	}
	if err != nil {
		st.Error = err.Error()
	}
	h.run.State[id] = st
	if status == model.NodeSucceeded && node != nil {
		for key := range node.Writes {
			h.state[key] = output
		}
	}
	h.mu.Unlock()

	switch status {
	case model.NodeSucceeded:
		h.emit(ctx, model.EventNodeSucceeded, id, nil)
	case model.NodeFailed:
		payload := map[string]any{}
		if err != nil {
			payload["error"] = err.Error()
			if kind, ok := amonerr.KindOf(err); ok {
				payload["kind"] = string(kind)
			}
		}
		h.emit(ctx, model.EventNodeFailed, id, payload)
	case model.NodeSkipped:
		h.emit(ctx, model.EventNodeSkipped, id, nil)
	}
	h.persist()
}

func (h *Handle) skipRemaining(ctx context.Context) {
	h.mu.Lock()
	var pending []string
	for id, st := range h.run.State {
		if st.Status == model.NodePending {
			pending = append(pending, id)
		}
	}
	h.mu.Unlock()
	for _, id := range pending {
		h.finishNode(ctx, id, model.NodeSkipped, nil, nil)
	}
}

func (h *Handle) setRunStatus(status model.RunStatus) {
	h.mu.Lock()
	h.run.Status = status
	h.mu.Unlock()
	h.persist()
}

// finalize scans artifacts, persists the terminal snapshot, and emits
// run.completed.
func (h *Handle) finalize(ctx context.Context, status model.RunStatus) {
	now := time.Now().UTC()
	h.mu.Lock()
	h.run.Status = status
	h.run.FinishedAt = &now
	written := make(map[string]bool, len(h.written))
	for k := range h.written {
		written[k] = true
	}
	h.mu.Unlock()

	artifacts, err := vault.ScanArtifacts(h.rt.opts.Project.Root, []string{"docs", "workspace", "audits"}, h.RunID, "", written)
	if err == nil && len(artifacts) > 0 {
		if b, merr := json.MarshalIndent(artifacts, "", "  "); merr == nil {
			_, _ = h.rt.opts.Vault.AtomicWrite(filepath.Join(".amon", "runs", h.RunID, "artifacts.json"), b)
		}
	}
	h.persist()
	h.emit(ctx, model.EventRunCompleted, "", map[string]any{"status": string(status)})
}

// persist writes the run snapshot as state.json in the run directory.
func (h *Handle) persist() {
	h.mu.Lock()
	snapshot := *h.run
	h.mu.Unlock()
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	_, _ = h.rt.opts.Vault.AtomicWrite(filepath.Join(".amon", "runs", h.RunID, "state.json"), b)
}

// emit appends a durable event to the run's event log, records the event id
// on the node's state, publishes it to the live bus, and mirrors run
// lifecycle events to the project-scope log.
func (h *Handle) emit(ctx context.Context, typ model.EventType, nodeID string, payload map[string]any) {
	evt := model.Event{
		TS:        time.Now().UTC(),
		Scope:     "run",
		ProjectID: h.rt.opts.Project.ID,
		Type:      typ,
		Actor:     "system",
		Source:    "runtime",
		Payload:   payload,
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	evt.Payload["run_id"] = h.RunID
	if h.run.ChatID != "" {
		evt.Payload["chat_id"] = h.run.ChatID
	}
	if nodeID != "" {
		evt.Payload["node_id"] = nodeID
	}
	appended, err := h.log.Append(evt)
	if err != nil {
		h.rt.opts.Logger.Error(ctx, "run event append failed", "run_id", h.RunID, "type", string(typ), "error", err)
	} else {
		evt = appended
		if nodeID != "" {
			h.mu.Lock()
			st := h.run.State[nodeID]
			st.Events = append(st.Events, appended.EventID)
			h.run.State[nodeID] = st
			h.mu.Unlock()
		}
	}
	if h.rt.opts.ProjectLog != nil {
		switch typ {
		case model.EventRunStarted, model.EventRunCompleted, model.EventRunCancelled,
			model.EventRunPendingConfirm, model.EventBillingBudgetExceeded:
			_, _ = h.rt.opts.ProjectLog.Append(evt)
		}
	}
	if h.rt.opts.Bus != nil {
		h.rt.opts.Bus.Publish(evt, "")
	}
	h.rt.opts.Metrics.IncCounter("runtime.events", 1, "type", string(typ))
}

func (h *Handle) emitBilling(ctx context.Context, nodeID string) {
	h.emit(ctx, model.EventBillingBudgetExceeded, nodeID, map[string]any{"reason": "budget would be exceeded"})
}
