package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued              RunStatus = "queued"
	RunRunning             RunStatus = "running"
	RunSucceeded           RunStatus = "succeeded"
	RunFailed              RunStatus = "failed"
	RunCancelled           RunStatus = "cancelled"
	RunPendingConfirmation RunStatus = "pending_confirmation"
)

// Trigger is the kind of stimulus that started a Run.
type Trigger string

const (
	TriggerChat     Trigger = "chat"
	TriggerHook     Trigger = "hook"
	TriggerSchedule Trigger = "schedule"
	TriggerJob      Trigger = "job"
	TriggerCLI      Trigger = "cli"
)

// TriggerMetadata is the (kind, id, event_id) tuple attached to every run
// explaining why it was started.
type TriggerMetadata struct {
	Kind    Trigger `json:"kind"`
	ID      string  `json:"id,omitempty"`
	EventID int64   `json:"event_id,omitempty"`
}

// NodeStatus is the lifecycle state of a single DAG node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeType is the closed tagged-variant set the runtime dispatches on.
type NodeType string

const (
	NodeAgentTask  NodeType = "agent_task"
	NodeWriteFile  NodeType = "write_file"
	NodeToolCall   NodeType = "tool_call"
	NodeCondition  NodeType = "condition"
	NodeMap        NodeType = "map"
	NodeSandboxRun NodeType = "sandbox_run"
	NodeConfirm    NodeType = "confirm"
)

// ExecutionEngine names which capability a node dispatches to.
type ExecutionEngine string

const (
	EngineLLM    ExecutionEngine = "llm"
	EngineTool   ExecutionEngine = "tool"
	EngineHybrid ExecutionEngine = "hybrid"
)

// RetryPolicy configures a node's retry behavior.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	BackoffS    float64 `json:"backoff_s"`
	JitterS     float64 `json:"jitter_s"`
}

// TimeoutPolicy configures a node's inactivity and hard timeouts.
type TimeoutPolicy struct {
	InactivityS   float64 `json:"inactivity_s"`
	HardS         float64 `json:"hard_s"`
	WarningAfterS float64 `json:"warning_after_s,omitempty"`
}

// Node is a vertex in the run's DAG.
type Node struct {
	ID              string            `json:"id"`
	Type            NodeType          `json:"type"`
	Reads           []string          `json:"reads,omitempty"`
	Writes          map[string]string `json:"writes,omitempty"`
	ExecutionEngine ExecutionEngine   `json:"execution_engine"`
	Retry           RetryPolicy       `json:"retry"`
	Timeout         TimeoutPolicy     `json:"timeout"`
	OutputPath      string            `json:"output_path,omitempty"`

	// Type-specific configuration. Exactly one is populated based on Type.
	AgentTask  *AgentTaskSpec  `json:"agent_task,omitempty"`
	WriteFile  *WriteFileSpec  `json:"write_file,omitempty"`
	ToolCall   *ToolCallSpec   `json:"tool_call,omitempty"`
	Condition  *ConditionSpec  `json:"condition,omitempty"`
	Map        *MapSpec        `json:"map,omitempty"`
	SandboxRun *SandboxRunSpec `json:"sandbox_run,omitempty"`
	Confirm    *ConfirmSpec    `json:"confirm,omitempty"`
}

// AgentTaskSpec configures an agent_task node: an LLM call whose response is
// written to a file.
type AgentTaskSpec struct {
	Prompt     string `json:"prompt"`
	ModelClass string `json:"model_class,omitempty"`
}

// WriteFileSpec configures a write_file node: literal content written verbatim.
type WriteFileSpec struct {
	Content string `json:"content"`
}

// ToolCallSpec configures a tool_call node.
type ToolCallSpec struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
}

// ConditionSpec configures a condition node: a predicate evaluated against
// session state, emitting zero writes.
type ConditionSpec struct {
	Expr string `json:"expr"`
}

// MapSpec configures a map node: bounded fan-out of child nodes. Children
// inherit the parent's timeout and retry each on their own.
type MapSpec struct {
	Over      string `json:"over"`
	Template  *Node  `json:"template"`
	MaxFanout int    `json:"max_fanout,omitempty"`
}

// SandboxRunSpec configures a sandbox_run node: input pack/output unpack
// against the Sandbox capability.
type SandboxRunSpec struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	InputPack map[string]string `json:"input_pack,omitempty"`
}

// ConfirmSpec configures a confirm node: emits a PlanCard and parks the run.
type ConfirmSpec struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
	Risk    string         `json:"risk"`
	ExpiryS float64        `json:"expiry_s"`
}

// Edge connects two nodes, optionally guarded by a session-state predicate.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// NodeState is the mutable execution record for one node within a Run.
type NodeState struct {
	Status     NodeStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Events     []int64    `json:"events,omitempty"`
}

// ResolvedGraph is the concrete DAG handed to GraphRuntime: nodes have
// concrete identifiers and edges carry optional guards.
type ResolvedGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Run is a single execution of a resolved graph.
type Run struct {
	RunID         string               `json:"run_id"`
	ProjectID     string               `json:"project_id"`
	ChatID        string               `json:"chat_id,omitempty"`
	Trigger       TriggerMetadata      `json:"trigger"`
	GraphResolved ResolvedGraph        `json:"graph_resolved"`
	State         map[string]NodeState `json:"state"`
	Status        RunStatus            `json:"status"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    *time.Time           `json:"finished_at,omitempty"`
	AllowLLM      bool                 `json:"allow_llm"`
}

// PlanCard is the confirm-required payload parking a run awaiting approval.
type PlanCard struct {
	RunID   string         `json:"run_id"`
	NodeID  string         `json:"node_id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
	Risk    string         `json:"risk"`
	Expiry  time.Time      `json:"expiry"`
}

// Artifact describes a file produced by a run.
type Artifact struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	MIME         string    `json:"mime"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
	SourceRunID  string    `json:"source_run_id"`
	SourceNodeID string    `json:"source_node_id"`
}
