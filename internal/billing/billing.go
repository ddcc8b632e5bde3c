// Package billing accumulates per-day model spend and gates LLM dispatch
// against daily and per-project budgets. It paces model calls with a token
// bucket so a runaway automation loop cannot burst past the provider's rate
// limits even before the budget trips.
package billing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/model"
)

// Options configures a Ledger.
type Options struct {
	// DailyBudget caps total spend per UTC day across all projects; 0 means
	// unlimited.
	DailyBudget float64
	// PerProjectBudget caps spend per project per UTC day; 0 means unlimited.
	PerProjectBudget float64
	// CallsPerSecond paces model dispatches (default 2, burst 4).
	CallsPerSecond float64
	// Log receives billing.* events; nil disables durable billing records.
	Log *eventlog.Log
	// PricePerInputToken / PricePerOutputToken convert usage into cost. The
	// full price-table arithmetic lives outside the core; these two knobs are
	// enough for budget gating.
	PricePerInputToken  float64
	PricePerOutputToken float64
}

// Ledger tracks accumulated cost for the current UTC day.
type Ledger struct {
	opts    Options
	limiter *rate.Limiter

	mu         sync.Mutex
	day        string
	total      float64
	perProject map[string]float64
	// automationRuns counts LLM-invoking automation runs per project per day,
	// the unit automation_budget_daily is expressed in.
	automationRuns map[string]float64
}

// New constructs a Ledger.
func New(opts Options) *Ledger {
	cps := opts.CallsPerSecond
	if cps <= 0 {
		cps = 2
	}
	return &Ledger{
		opts:           opts,
		limiter:        rate.NewLimiter(rate.Limit(cps), int(cps*2)),
		day:            today(),
		perProject:     make(map[string]float64),
		automationRuns: make(map[string]float64),
	}
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

// rollLocked resets the accumulators when the UTC day changes.
func (l *Ledger) rollLocked() {
	if d := today(); d != l.day {
		l.day = d
		l.total = 0
		l.perProject = make(map[string]float64)
		l.automationRuns = make(map[string]float64)
	}
}

// CheckBudget reports whether an LLM dispatch for projectID fits today's
// budgets. A BUDGET_EXCEEDED error parks the run rather than failing it.
func (l *Ledger) CheckBudget(projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if l.opts.DailyBudget > 0 && l.total >= l.opts.DailyBudget {
		return amonerr.New(amonerr.BudgetExceeded, "DAILY_BUDGET", "daily budget exhausted")
	}
	if l.opts.PerProjectBudget > 0 && l.perProject[projectID] >= l.opts.PerProjectBudget {
		return amonerr.New(amonerr.BudgetExceeded, "PROJECT_BUDGET", "project budget exhausted")
	}
	return nil
}

// Wait blocks until the pacing limiter admits one model call or ctx is done.
func (l *Ledger) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Charge records usage for projectID and appends a billing event.
func (l *Ledger) Charge(projectID, runID string, usage chatmodel.Usage) {
	cost := float64(usage.InputTokens)*l.opts.PricePerInputToken +
		float64(usage.OutputTokens)*l.opts.PricePerOutputToken

	l.mu.Lock()
	l.rollLocked()
	l.total += cost
	l.perProject[projectID] += cost
	l.mu.Unlock()

	if l.opts.Log != nil {
		_, _ = l.opts.Log.Append(model.Event{
			TS:        time.Now().UTC(),
			Scope:     "billing",
			ProjectID: projectID,
			Type:      "billing.usage",
			Actor:     "system",
			Source:    "runtime",
			Payload: map[string]any{
				"run_id":        runID,
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
				"cost":          cost,
			},
		})
	}
}

// ReserveAutomation admits one LLM-invoking automation run for projectID
// against its automation_budget_daily, or returns BUDGET_EXCEEDED. The
// default budget of zero rejects every such run.
func (l *Ledger) ReserveAutomation(projectID string, budget float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if l.automationRuns[projectID]+1 > budget {
		return amonerr.New(amonerr.BudgetExceeded, "AUTOMATION_BUDGET", "automation budget exhausted")
	}
	l.automationRuns[projectID]++
	return nil
}

// Summary reports today's accumulated spend for the billing API.
type Summary struct {
	Day          string  `json:"day"`
	Total        float64 `json:"total"`
	ProjectSpend float64 `json:"project_spend"`
}

// SummaryFor returns today's totals for projectID.
func (l *Ledger) SummaryFor(projectID string) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return Summary{Day: l.day, Total: l.total, ProjectSpend: l.perProject[projectID]}
}
