// Package daemon converts external stimuli (filesystem changes, cron
// schedules, hook rules over the event feed) into graph runs under the same
// safety rules as chat: cooldowns, dedupe keys, concurrency caps, and the
// per-project automation budget.
package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/billing"
	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// RunRequest is the daemon's ask to start a run.
type RunRequest struct {
	ProjectID  string
	TemplateID string
	Vars       map[string]any
	Trigger    model.TriggerMetadata
	// AllowLLM reflects whether the automation budget admitted LLM nodes for
	// this run; the runtime parks LLM nodes of runs dispatched without it.
	AllowLLM bool
	// HighRisk forces the run to enter pending_confirmation before executing.
	HighRisk bool
	// ToolCall, when set, bypasses the LLM entirely: the run is a single
	// policy-gated tool invocation.
	ToolCall *model.ToolCallSpec
}

// RunRequester starts runs on the daemon's behalf; the orchestrator
// implements it.
type RunRequester interface {
	RequestRun(ctx context.Context, req RunRequest) (runID string, err error)
}

// Options configures a Daemon.
type Options struct {
	DataDir    string
	Project    model.Project
	Bus        *bus.Bus
	ProjectLog *eventlog.Log
	Requester  RunRequester
	Billing    *billing.Ledger
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics

	Hooks     []HookRule
	Schedules []Schedule
	// WatchPaths lists project-relative directories the filesystem watcher
	// monitors (typically docs/ and workspace/).
	WatchPaths []string

	Debounce     time.Duration
	MisfireGrace time.Duration
	Jitter       time.Duration
	IgnoreActors []string
}

// Daemon owns the watcher, scheduler, and hook matcher for one project.
type Daemon struct {
	opts Options

	watcher   *Watcher
	scheduler *Scheduler
	hooks     *HookMatcher

	mu     sync.Mutex
	states map[string]*JobState
}

// JobState is the persisted health record for one daemon job, written to
// <data>/jobs/state/<job_id>.json so the daemon resumes where it left off
// after a restart.
type JobState struct {
	JobID     string     `json:"job_id"`
	Enabled   bool       `json:"enabled"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	Failures  int        `json:"failures"`
	LastError string     `json:"last_error,omitempty"`
}

// New constructs a Daemon. Zero durations fall back to the documented
// defaults (800ms debounce, 300s misfire grace, 30s jitter).
func New(opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 800 * time.Millisecond
	}
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = 300 * time.Second
	}
	if opts.Jitter <= 0 {
		opts.Jitter = 30 * time.Second
	}
	if len(opts.IgnoreActors) == 0 {
		opts.IgnoreActors = []string{"system"}
	}
	d := &Daemon{opts: opts, states: make(map[string]*JobState)}
	if err := d.loadStates(); err != nil {
		return nil, err
	}
	return d, nil
}

// Start launches the watcher, scheduler, and hook subscription. It returns
// once everything is running; Stop via ctx cancellation.
func (d *Daemon) Start(ctx context.Context) error {
	if len(d.opts.WatchPaths) > 0 {
		w, err := NewWatcher(WatcherOptions{
			ProjectRoot:  d.opts.Project.Root,
			Paths:        d.opts.WatchPaths,
			Debounce:     d.opts.Debounce,
			IgnoreActors: d.opts.IgnoreActors,
			Emit:         d.emitEvent,
			Logger:       d.opts.Logger,
		})
		if err != nil {
			return err
		}
		d.watcher = w
		go w.Run(ctx)
	}
	if len(d.opts.Schedules) > 0 {
		d.scheduler = NewScheduler(SchedulerOptions{
			Schedules:    d.opts.Schedules,
			MisfireGrace: d.opts.MisfireGrace,
			Jitter:       d.opts.Jitter,
			Fire:         d.fireSchedule,
			Logger:       d.opts.Logger,
		})
		go d.scheduler.Run(ctx)
	}
	if len(d.opts.Hooks) > 0 && d.opts.Bus != nil {
		d.hooks = NewHookMatcher(HookMatcherOptions{
			Rules:        d.opts.Hooks,
			IgnoreActors: d.opts.IgnoreActors,
			Dispatch:     d.dispatchHook,
			Logger:       d.opts.Logger,
		})
		d.hooks.Attach(ctx, d.opts.Bus)
	}
	return nil
}

// Close detaches the hook subscription; the watcher and scheduler stop with
// their contexts.
func (d *Daemon) Close() {
	if d.hooks != nil {
		d.hooks.Close()
	}
}

// emitEvent records a watcher event durably and publishes it live. The
// dedupe key collapses bursts per path within the bus coalescing window.
func (d *Daemon) emitEvent(evt model.Event, dedupeKey string) {
	evt.ProjectID = d.opts.Project.ID
	if d.opts.ProjectLog != nil {
		if appended, err := d.opts.ProjectLog.Append(evt); err == nil {
			evt = appended
		}
	}
	if d.opts.Bus != nil {
		d.opts.Bus.Publish(evt, dedupeKey)
	}
}

// fireSchedule dispatches one schedule trigger as a run request.
func (d *Daemon) fireSchedule(ctx context.Context, s Schedule) {
	evt := model.Event{
		TS:        time.Now().UTC(),
		Scope:     "project",
		ProjectID: d.opts.Project.ID,
		Type:      model.EventScheduleFired,
		Actor:     "system",
		Source:    "scheduler",
		Payload:   map[string]any{"schedule_id": s.ID, "cron": s.Cron},
	}
	d.emitEvent(evt, "")

	allowLLM := true
	if s.NeedsLLM && d.opts.Billing != nil {
		if err := d.opts.Billing.ReserveAutomation(d.opts.Project.ID, d.opts.Project.AutomationBudgetDaily); err != nil {
			allowLLM = false
		}
	}
	_, err := d.opts.Requester.RequestRun(ctx, RunRequest{
		ProjectID:  d.opts.Project.ID,
		TemplateID: s.TemplateID,
		Vars:       s.Vars,
		AllowLLM:   allowLLM,
		Trigger:    model.TriggerMetadata{Kind: model.TriggerSchedule, ID: s.ID},
	})
	d.recordJob("schedule:"+s.ID, err)
}

// dispatchHook fires one matched hook rule, enforcing budget gating. The
// matcher has already applied cooldown, dedupe, and concurrency limits.
func (d *Daemon) dispatchHook(ctx context.Context, rule HookRule, trigger model.Event) {
	fired := model.Event{
		TS:        time.Now().UTC(),
		Scope:     "project",
		ProjectID: d.opts.Project.ID,
		Type:      model.EventHookFired,
		Actor:     "system",
		Source:    "hooks",
		Payload:   map[string]any{"hook_id": rule.ID, "event_type": string(trigger.Type)},
	}
	d.emitEvent(fired, "")

	req := RunRequest{
		ProjectID:  d.opts.Project.ID,
		TemplateID: rule.TemplateID,
		Vars:       rule.Vars,
		HighRisk:   rule.HighRisk,
		ToolCall:   rule.ToolCall,
		Trigger:    model.TriggerMetadata{Kind: model.TriggerHook, ID: rule.ID, EventID: trigger.EventID},
	}
	if rule.NeedsLLM {
		if d.opts.Billing != nil {
			if err := d.opts.Billing.ReserveAutomation(d.opts.Project.ID, d.opts.Project.AutomationBudgetDaily); err != nil {
				d.emitEvent(model.Event{
					TS:        time.Now().UTC(),
					Scope:     "project",
					ProjectID: d.opts.Project.ID,
					Type:      model.EventPolicyLLMBlocked,
					Actor:     "system",
					Source:    "hooks",
					Payload:   map[string]any{"hook_id": rule.ID, "reason": "automation budget exhausted"},
				}, "")
				d.recordJob("hook:"+rule.ID, err)
				return
			}
		}
		req.AllowLLM = true
	}
	_, err := d.opts.Requester.RequestRun(ctx, req)
	d.recordJob("hook:"+rule.ID, err)
}

// recordJob updates and persists the job's health record.
func (d *Daemon) recordJob(jobID string, err error) {
	now := time.Now().UTC()
	d.mu.Lock()
	st, ok := d.states[jobID]
	if !ok {
		st = &JobState{JobID: jobID, Enabled: true}
		d.states[jobID] = st
	}
	st.LastFired = &now
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	snapshot := *st
	d.mu.Unlock()
	d.saveState(snapshot)
}

func (d *Daemon) stateDir() string {
	return filepath.Join(d.opts.DataDir, "jobs", "state")
}

func (d *Daemon) loadStates() error {
	entries, err := os.ReadDir(d.stateDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "job state dir", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(d.stateDir(), e.Name()))
		if err != nil {
			continue
		}
		var st JobState
		if err := json.Unmarshal(b, &st); err != nil {
			continue
		}
		d.states[st.JobID] = &st
	}
	return nil
}

func (d *Daemon) saveState(st JobState) {
	if err := os.MkdirAll(d.stateDir(), 0o755); err != nil {
		return
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(d.stateDir(), sanitizeJobID(st.JobID)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func sanitizeJobID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
