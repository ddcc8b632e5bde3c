package daemon

import (
	"context"
	"math/rand"
	"time"

	"github.com/adhocore/gronx"

	"github.com/amonhq/amon/internal/telemetry"
)

// Schedule is one cron-driven run request.
type Schedule struct {
	ID         string         `json:"id" yaml:"id"`
	Cron       string         `json:"cron" yaml:"cron"`
	TemplateID string         `json:"template_id" yaml:"template_id"`
	Vars       map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	// NeedsLLM marks schedules whose template contains agent_task nodes, so
	// dispatch consults the automation budget.
	NeedsLLM bool `json:"needs_llm" yaml:"needs_llm"`
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Schedules    []Schedule
	MisfireGrace time.Duration
	Jitter       time.Duration
	Fire         func(ctx context.Context, s Schedule)
	Logger       telemetry.Logger
}

// Scheduler evaluates cron expressions once per minute boundary. A tick
// delayed less than the misfire grace still fires; per-tick jitter spreads
// simultaneous schedules apart.
type Scheduler struct {
	opts SchedulerOptions
	gron *gronx.Gronx
	last map[string]time.Time
}

// NewScheduler builds a Scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		opts: opts,
		gron: gronx.New(),
		last: make(map[string]time.Time),
	}
}

// Run loops until ctx is done, checking due schedules once a second; tick
// fires each schedule at most once per minute.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every schedule due at the current minute (or missed within the
// grace window) that has not fired for that minute yet.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, sched := range s.opts.Schedules {
		fireAt := minute
		if fired, ok := s.last[sched.ID]; ok && !fireAt.After(fired) {
			continue
		}
		due, err := s.gron.IsDue(sched.Cron, fireAt)
		if err != nil {
			s.opts.Logger.Warn(ctx, "bad cron expression", "schedule_id", sched.ID, "cron", sched.Cron, "error", err)
			continue
		}
		if !due {
			// Misfire recovery: a tick we slept through still fires while
			// inside the grace window.
			prev, perr := gronx.PrevTickBefore(sched.Cron, now, true)
			if perr != nil || now.Sub(prev) > s.opts.MisfireGrace {
				continue
			}
			if fired, ok := s.last[sched.ID]; ok && !prev.After(fired) {
				continue
			}
			fireAt = prev.Truncate(time.Minute)
		}
		s.last[sched.ID] = fireAt
		sched := sched
		jitter := time.Duration(0)
		if s.opts.Jitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(s.opts.Jitter)))
		}
		go func() {
			timer := time.NewTimer(jitter)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.opts.Fire(ctx, sched)
		}()
	}
}
