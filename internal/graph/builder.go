package graph

import (
	"strings"

	"github.com/amonhq/amon/internal/model"
)

// Mode selects the graph shape built for a chat message.
type Mode string

const (
	ModeSingle       Mode = "single"
	ModeSelfCritique Mode = "self_critique"
	ModeTeam         Mode = "team"
)

// reviewAngles are the ten critique lenses the self_critique graph fans out
// over, one review document each.
var reviewAngles = []string{
	"correctness",
	"completeness",
	"clarity",
	"structure",
	"evidence",
	"consistency",
	"tone",
	"feasibility",
	"risks",
	"alternatives",
}

// SelectMode applies the routing rule: critique keywords force self_critique,
// multiple deliverables force team, short prompts stay single.
func SelectMode(message string) Mode {
	lower := strings.ToLower(message)
	if strings.Contains(message, "批評") || strings.Contains(lower, "review") {
		return ModeSelfCritique
	}
	if mentionsMultipleDeliverables(message) {
		return ModeTeam
	}
	return ModeSingle
}

// mentionsMultipleDeliverables is a heuristic: two or more list bullets, or
// an explicit "deliverables" mention.
func mentionsMultipleDeliverables(message string) bool {
	if strings.Contains(strings.ToLower(message), "deliverable") {
		return true
	}
	bullets := 0
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			bullets++
		}
	}
	return bullets >= 2
}

// Build constructs the resolved graph for the given mode along with the seed
// state entries the graph depends on. The caller merges its own seed (user
// message, history) on top.
func Build(mode Mode) (model.ResolvedGraph, map[string]any) {
	switch mode {
	case ModeSelfCritique:
		return buildSelfCritique()
	case ModeTeam:
		return buildTeam()
	default:
		return buildSingle()
	}
}

func buildSingle() (model.ResolvedGraph, map[string]any) {
	return model.ResolvedGraph{
		Nodes: []model.Node{{
			ID:              "respond",
			Type:            model.NodeAgentTask,
			Reads:           []string{"history", "user_message"},
			Writes:          map[string]string{"assistant_text": "string"},
			ExecutionEngine: model.EngineLLM,
			Retry:           model.RetryPolicy{MaxAttempts: 2, BackoffS: 1, JitterS: 0.5},
			AgentTask:       &model.AgentTaskSpec{Prompt: "Respond to the user's request."},
		}},
	}, map[string]any{}
}

func buildSelfCritique() (model.ResolvedGraph, map[string]any) {
	angles := make([]any, len(reviewAngles))
	for i, a := range reviewAngles {
		angles[i] = a
	}
	retry := model.RetryPolicy{MaxAttempts: 2, BackoffS: 1, JitterS: 0.5}
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			{
				ID:              "draft",
				Type:            model.NodeAgentTask,
				Reads:           []string{"history", "user_message"},
				Writes:          map[string]string{"draft": "string"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				OutputPath:      "docs/draft.md",
				AgentTask:       &model.AgentTaskSpec{Prompt: "Write a first draft answering the user's request."},
			},
			{
				ID:              "reviews",
				Type:            model.NodeMap,
				Reads:           []string{"review_angles", "draft"},
				Writes:          map[string]string{"reviews": "list"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				Map: &model.MapSpec{
					Over:      "review_angles",
					MaxFanout: len(reviewAngles),
					Template: &model.Node{
						Type:            model.NodeAgentTask,
						Reads:           []string{"draft"},
						ExecutionEngine: model.EngineLLM,
						Retry:           retry,
						OutputPath:      "docs/reviews/review_{{index}}.md",
						AgentTask: &model.AgentTaskSpec{
							Prompt: "Critique the draft from the {{item}} angle. Be specific.",
						},
					},
				},
			},
			{
				ID:              "final",
				Type:            model.NodeAgentTask,
				Reads:           []string{"draft", "reviews"},
				Writes:          map[string]string{"assistant_text": "string"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				OutputPath:      "docs/final.md",
				AgentTask: &model.AgentTaskSpec{
					Prompt: "Revise the draft incorporating every review. Start the document with a line containing the word Final.",
				},
			},
		},
		Edges: []model.Edge{
			{From: "draft", To: "reviews"},
			{From: "reviews", To: "final"},
		},
	}
	return g, map[string]any{"review_angles": angles}
}

func buildTeam() (model.ResolvedGraph, map[string]any) {
	retry := model.RetryPolicy{MaxAttempts: 2, BackoffS: 1, JitterS: 0.5}
	deliverables := []any{"overview", "details", "summary"}
	g := model.ResolvedGraph{
		Nodes: []model.Node{
			{
				ID:              "plan",
				Type:            model.NodeAgentTask,
				Reads:           []string{"history", "user_message"},
				Writes:          map[string]string{"plan": "string"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				OutputPath:      "docs/plan.md",
				AgentTask:       &model.AgentTaskSpec{Prompt: "Break the request into deliverables and outline each."},
			},
			{
				ID:              "produce",
				Type:            model.NodeMap,
				Reads:           []string{"deliverables", "plan"},
				Writes:          map[string]string{"sections": "list"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				Map: &model.MapSpec{
					Over:      "deliverables",
					MaxFanout: 8,
					Template: &model.Node{
						Type:            model.NodeAgentTask,
						Reads:           []string{"plan"},
						ExecutionEngine: model.EngineLLM,
						Retry:           retry,
						OutputPath:      "docs/sections/{{item}}.md",
						AgentTask:       &model.AgentTaskSpec{Prompt: "Produce the {{item}} deliverable per the plan."},
					},
				},
			},
			{
				ID:              "assemble",
				Type:            model.NodeAgentTask,
				Reads:           []string{"plan", "sections"},
				Writes:          map[string]string{"assistant_text": "string"},
				ExecutionEngine: model.EngineLLM,
				Retry:           retry,
				OutputPath:      "docs/final.md",
				AgentTask:       &model.AgentTaskSpec{Prompt: "Assemble the deliverables into one coherent response."},
			},
		},
		Edges: []model.Edge{
			{From: "plan", To: "produce"},
			{From: "produce", To: "assemble"},
		},
	}
	return g, map[string]any{"deliverables": deliverables}
}
