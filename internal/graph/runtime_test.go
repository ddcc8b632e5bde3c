package graph_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/policy"
	"github.com/amonhq/amon/internal/tool"
	"github.com/amonhq/amon/internal/vault"
)

type harness struct {
	rt   *graph.Runtime
	root string

	mu     sync.Mutex
	audits []policy.AuditEntry
}

func (h *harness) auditEntries() []policy.AuditEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]policy.AuditEntry(nil), h.audits...)
}

func newHarness(t *testing.T, caps graph.Capabilities, deny []policy.Rule) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{root: root}
	p := model.Project{ID: "p1", Root: root, AllowedPrefixes: model.DefaultAllowedPrefixes("")}
	gate := policy.New(policy.Options{
		AllowedPrefixes: p.AllowedPrefixes,
		ProjectRoot:     root,
		DenyRules:       deny,
		AllowRules:      []policy.Rule{{Tool: "*"}},
		AuditAppend: func(e policy.AuditEntry) {
			h.mu.Lock()
			h.audits = append(h.audits, e)
			h.mu.Unlock()
		},
	})
	v := vault.New(vault.Options{
		ProjectRoot: root,
		DataDir:     filepath.Join(root, "_data"),
		Resolver:    gate,
	})
	projectLog, err := eventlog.Open(eventlog.Options{Path: filepath.Join(root, ".amon", "logs", "events.log")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = projectLog.Close() })

	h.rt = graph.New(graph.Options{
		Project:    p,
		RunsDir:    filepath.Join(root, ".amon", "runs"),
		Gate:       gate,
		Vault:      v,
		ProjectLog: projectLog,
		Caps:       caps,
	})
	return h
}

func (h *harness) start(t *testing.T, g model.ResolvedGraph, seed map[string]any) *graph.Handle {
	t.Helper()
	handle, err := h.rt.Start(context.Background(), graph.StartInput{
		Graph:    g,
		Trigger:  model.TriggerMetadata{Kind: model.TriggerCLI},
		AllowLLM: true,
		Seed:     seed,
	})
	require.NoError(t, err)
	return handle
}

func (h *harness) runEvents(t *testing.T, runID string) []model.Event {
	t.Helper()
	events, err := eventlog.NewReader(filepath.Join(h.root, ".amon", "runs", runID, "events.jsonl")).Since(0)
	require.NoError(t, err)
	return events
}

func (h *harness) projectEvents(t *testing.T) []model.Event {
	t.Helper()
	events, err := eventlog.NewReader(filepath.Join(h.root, ".amon", "logs", "events.log")).Since(0)
	require.NoError(t, err)
	return events
}

func TestRun_LinearSuccessEmitsOrderedEvents(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	g := model.ResolvedGraph{
		Nodes: []model.Node{writeNode("first"), writeNode("second")},
		Edges: []model.Edge{{From: "first", To: "second"}},
	}
	handle := h.start(t, g, nil)
	run := handle.Wait()

	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.FileExists(t, filepath.Join(h.root, "docs", "first.md"))
	assert.FileExists(t, filepath.Join(h.root, "docs", "second.md"))

	events := h.runEvents(t, run.RunID)
	positions := map[string]int{}
	for i, e := range events {
		key := string(e.Type)
		if nid, _ := e.Payload["node_id"].(string); nid != "" {
			key += ":" + nid
		}
		positions[key] = i
	}
	assert.Less(t, positions["run.started"], positions["node.started:first"])
	assert.Less(t, positions["node.started:first"], positions["node.succeeded:first"])
	assert.Less(t, positions["node.succeeded:first"], positions["node.started:second"])
	assert.Less(t, positions["node.succeeded:second"], positions["run.completed"])

	// event ids are strictly monotonic within the run's stream
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].EventID, events[i-1].EventID)
	}
}

func TestRun_ArtifactManifestCoversWrites(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	handle := h.start(t, model.ResolvedGraph{Nodes: []model.Node{writeNode("report")}}, nil)
	run := handle.Wait()
	require.Equal(t, model.RunSucceeded, run.Status)

	artifacts, err := graph.LoadArtifacts(filepath.Join(h.root, ".amon", "runs"), run.RunID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "docs/report.md", artifacts[0].Path)
	assert.Equal(t, run.RunID, artifacts[0].SourceRunID)
	assert.NotEmpty(t, artifacts[0].SHA256)
}

func TestRun_FalsyGuardSkipsDownstream(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	cond := model.Node{
		ID:              "check",
		Type:            model.NodeCondition,
		Writes:          map[string]string{"go_ahead": "bool"},
		ExecutionEngine: model.EngineTool,
		Retry:           model.RetryPolicy{MaxAttempts: 1},
		Condition:       &model.ConditionSpec{Expr: "enabled"},
	}
	g := model.ResolvedGraph{
		Nodes: []model.Node{cond, writeNode("gated"), writeNode("after")},
		Edges: []model.Edge{
			{From: "check", To: "gated", When: "go_ahead"},
			{From: "gated", To: "after"},
		},
	}
	handle := h.start(t, g, map[string]any{"enabled": false})
	run := handle.Wait()

	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.Equal(t, model.NodeSucceeded, run.State["check"].Status)
	assert.Equal(t, model.NodeSkipped, run.State["gated"].Status)
	assert.Equal(t, model.NodeSkipped, run.State["after"].Status, "skip propagates transitively")
	assert.NoFileExists(t, filepath.Join(h.root, "docs", "gated.md"))
}

func TestRun_RetriesExhaustedMarksFailedAndSkipsDownstream(t *testing.T) {
	var calls int32
	var callMu sync.Mutex
	flaky := tool.Func{
		ToolName: "flaky",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			callMu.Lock()
			calls++
			callMu.Unlock()
			return nil, errors.New("transient")
		},
	}
	h := newHarness(t, graph.Capabilities{Tools: tool.NewRegistry(flaky)}, nil)
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			{
				ID:              "call",
				Type:            model.NodeToolCall,
				ExecutionEngine: model.EngineTool,
				Retry:           model.RetryPolicy{MaxAttempts: 3, BackoffS: 0.01},
				ToolCall:        &model.ToolCallSpec{ToolName: "flaky"},
			},
			writeNode("downstream"),
		},
		Edges: []model.Edge{{From: "call", To: "downstream"}},
	}
	handle := h.start(t, g, nil)
	run := handle.Wait()

	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, model.NodeFailed, run.State["call"].Status)
	assert.Equal(t, 3, run.State["call"].Attempts)
	assert.Equal(t, model.NodeSkipped, run.State["downstream"].Status)
	callMu.Lock()
	assert.EqualValues(t, 3, calls)
	callMu.Unlock()
}

func TestRun_PathTraversalDeniedWithoutRetry(t *testing.T) {
	var calls int
	cat := tool.Func{
		ToolName: "fs.read",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{}, nil
		},
	}
	h := newHarness(t, graph.Capabilities{Tools: tool.NewRegistry(cat)}, nil)
	g := model.ResolvedGraph{Nodes: []model.Node{{
		ID:              "sneak",
		Type:            model.NodeToolCall,
		ExecutionEngine: model.EngineTool,
		Retry:           model.RetryPolicy{MaxAttempts: 3, BackoffS: 0.01},
		ToolCall: &model.ToolCallSpec{
			ToolName: "fs.read",
			Args:     map[string]any{"path": "../../etc/passwd"},
		},
	}}}
	handle := h.start(t, g, nil)
	run := handle.Wait()

	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, model.NodeFailed, run.State["sneak"].Status)
	assert.Equal(t, 1, run.State["sneak"].Attempts, "policy denials never retry")
	assert.Zero(t, calls, "the tool must not run")

	entries := h.auditEntries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, policy.Deny, last.Decision)
	assert.Equal(t, "PATH_NOT_ALLOWED", last.Reason)
	assert.NotEmpty(t, last.ArgsSHA256)
}

func TestRun_DenyListedToolFails(t *testing.T) {
	h := newHarness(t, graph.Capabilities{Tools: tool.NewRegistry()}, []policy.Rule{{Tool: "shell.*"}})
	g := model.ResolvedGraph{Nodes: []model.Node{{
		ID:              "sh",
		Type:            model.NodeToolCall,
		ExecutionEngine: model.EngineTool,
		Retry:           model.RetryPolicy{MaxAttempts: 2, BackoffS: 0.01},
		ToolCall:        &model.ToolCallSpec{ToolName: "shell.exec"},
	}}}
	run := h.start(t, g, nil).Wait()
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, 1, run.State["sh"].Attempts)
}

func TestRun_ConfirmParksThenApproveResumes(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			{
				ID:              "gate",
				Type:            model.NodeConfirm,
				ExecutionEngine: model.EngineTool,
				Retry:           model.RetryPolicy{MaxAttempts: 1},
				Confirm:         &model.ConfirmSpec{Command: "deploy", Risk: "high", ExpiryS: 60},
			},
			writeNode("after"),
		},
		Edges: []model.Edge{{From: "gate", To: "after"}},
	}
	handle := h.start(t, g, nil)

	require.Eventually(t, func() bool {
		return handle.Run().Status == model.RunPendingConfirmation
	}, 5*time.Second, 10*time.Millisecond)

	card := handle.PlanCard()
	require.NotNil(t, card)
	assert.Equal(t, "deploy", card.Command)
	assert.Equal(t, "high", card.Risk)

	require.NoError(t, handle.Confirm(true))
	run := handle.Wait()
	assert.Equal(t, model.RunSucceeded, run.Status)
	assert.FileExists(t, filepath.Join(h.root, "docs", "after.md"))
}

func TestRun_ConfirmRejectedCancelsButKeepsArtifacts(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			writeNode("early"),
			{
				ID:              "gate",
				Type:            model.NodeConfirm,
				ExecutionEngine: model.EngineTool,
				Retry:           model.RetryPolicy{MaxAttempts: 1},
				Confirm:         &model.ConfirmSpec{Command: "deploy", Risk: "high", ExpiryS: 60},
			},
			writeNode("late"),
		},
		Edges: []model.Edge{{From: "early", To: "gate"}, {From: "gate", To: "late"}},
	}
	handle := h.start(t, g, nil)
	require.Eventually(t, func() bool {
		return handle.Run().Status == model.RunPendingConfirmation
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, handle.Confirm(false))
	run := handle.Wait()
	assert.Equal(t, model.RunCancelled, run.Status)
	assert.Equal(t, model.NodeSkipped, run.State["late"].Status)
	assert.FileExists(t, filepath.Join(h.root, "docs", "early.md"), "already-written artifacts are retained")
}

func TestRun_AutomationWithoutLLMAllowanceParks(t *testing.T) {
	fake := &chatmodel.Fake{Reply: "should never stream"}
	h := newHarness(t, graph.Capabilities{Model: fake}, nil)
	g := model.ResolvedGraph{Nodes: []model.Node{{
		ID:              "summarize",
		Type:            model.NodeAgentTask,
		ExecutionEngine: model.EngineLLM,
		Retry:           model.RetryPolicy{MaxAttempts: 1},
		AgentTask:       &model.AgentTaskSpec{Prompt: "summarize"},
	}}}
	handle, err := h.rt.Start(context.Background(), graph.StartInput{
		Graph:    g,
		Trigger:  model.TriggerMetadata{Kind: model.TriggerSchedule, ID: "nightly"},
		AllowLLM: false,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handle.Run().Status == model.RunPendingConfirmation
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, fake.Calls, "the model must not be called")

	var sawBudget bool
	for _, e := range h.projectEvents(t) {
		if e.Type == model.EventBillingBudgetExceeded {
			sawBudget = true
		}
	}
	assert.True(t, sawBudget, "billing.budget_exceeded must reach the project events log")

	require.NoError(t, handle.Confirm(false))
	run := handle.Wait()
	assert.Equal(t, model.RunCancelled, run.Status)
	assert.Empty(t, fake.Calls)
}

func TestRun_AgentTaskStreamsAndWritesOutput(t *testing.T) {
	fake := &chatmodel.Fake{Reply: "Final answer text"}
	h := newHarness(t, graph.Capabilities{Model: fake}, nil)
	g := model.ResolvedGraph{Nodes: []model.Node{{
		ID:              "answer",
		Type:            model.NodeAgentTask,
		Reads:           []string{"user_message"},
		Writes:          map[string]string{"assistant_text": "string"},
		ExecutionEngine: model.EngineLLM,
		Retry:           model.RetryPolicy{MaxAttempts: 1},
		OutputPath:      "docs/answer.md",
		AgentTask:       &model.AgentTaskSpec{Prompt: "Answer: {{user_message}}"},
	}}}

	var tokens []string
	var tokenMu sync.Mutex
	handle, err := h.rt.Start(context.Background(), graph.StartInput{
		Graph:    g,
		Trigger:  model.TriggerMetadata{Kind: model.TriggerChat},
		AllowLLM: true,
		Seed:     map[string]any{"user_message": "hello"},
		OnToken: func(nodeID, text string) {
			tokenMu.Lock()
			tokens = append(tokens, text)
			tokenMu.Unlock()
		},
	})
	require.NoError(t, err)
	run := handle.Wait()

	require.Equal(t, model.RunSucceeded, run.Status)
	b, err := os.ReadFile(filepath.Join(h.root, "docs", "answer.md"))
	require.NoError(t, err)
	assert.Equal(t, "Final answer text", string(b))

	text, ok := handle.StateValue("assistant_text")
	require.True(t, ok)
	assert.Equal(t, "Final answer text", text)

	tokenMu.Lock()
	assert.NotEmpty(t, tokens)
	tokenMu.Unlock()

	require.Len(t, fake.Calls, 1)
	assert.Contains(t, fake.Calls[0].Messages[len(fake.Calls[0].Messages)-1].Text, "hello")
}

func TestRun_MapFansOutPerItem(t *testing.T) {
	h := newHarness(t, graph.Capabilities{}, nil)
	g := model.ResolvedGraph{Nodes: []model.Node{{
		ID:              "fan",
		Type:            model.NodeMap,
		Reads:           []string{"topics"},
		Writes:          map[string]string{"notes": "list"},
		ExecutionEngine: model.EngineTool,
		Retry:           model.RetryPolicy{MaxAttempts: 1},
		Map: &model.MapSpec{
			Over:      "topics",
			MaxFanout: 5,
			Template: &model.Node{
				Type:            model.NodeWriteFile,
				ExecutionEngine: model.EngineTool,
				Retry:           model.RetryPolicy{MaxAttempts: 1},
				OutputPath:      "docs/notes/note_{{index}}.md",
				WriteFile:       &model.WriteFileSpec{Content: "about {{item}}"},
			},
		},
	}}}
	handle := h.start(t, g, map[string]any{"topics": []any{"alpha", "beta", "gamma"}})
	run := handle.Wait()

	require.Equal(t, model.RunSucceeded, run.Status)
	for i := 0; i < 3; i++ {
		assert.FileExists(t, filepath.Join(h.root, "docs", "notes", "note_"+string(rune('0'+i))+".md"))
	}
	b, err := os.ReadFile(filepath.Join(h.root, "docs", "notes", "note_1.md"))
	require.NoError(t, err)
	assert.Equal(t, "about beta", string(b))
}

func TestRun_CancelMarksRunCancelled(t *testing.T) {
	block := tool.Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, graph.Capabilities{Tools: tool.NewRegistry(block)}, nil)
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			{
				ID:              "wait",
				Type:            model.NodeToolCall,
				ExecutionEngine: model.EngineTool,
				Retry:           model.RetryPolicy{MaxAttempts: 1},
				ToolCall:        &model.ToolCallSpec{ToolName: "slow"},
			},
			writeNode("never"),
		},
		Edges: []model.Edge{{From: "wait", To: "never"}},
	}
	handle := h.start(t, g, nil)
	require.Eventually(t, func() bool {
		return handle.Run().State["wait"].Status == model.NodeRunning
	}, 5*time.Second, 10*time.Millisecond)

	handle.Cancel()
	run := handle.Wait()
	assert.Equal(t, model.RunCancelled, run.Status)
	assert.Equal(t, model.NodeSkipped, run.State["never"].Status)
}
