package model

import "time"

// Project identifies a workspace and its `.amon/` sidecar.
type Project struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// AllowedPrefixes lists the project-relative roots PolicyGate permits
	// writes under (default: workspace/, docs/, audits/, .amon/runs/<run_id>/).
	AllowedPrefixes []string `json:"allowed_prefixes"`

	// AutomationBudgetDaily caps LLM-invoking automation runs per day.
	AutomationBudgetDaily float64 `json:"automation_budget_daily"`

	// TrashRetainDays bounds trash retention.
	TrashRetainDays int `json:"trash_retain_days"`
}

// DefaultAllowedPrefixes returns the default allowlist for a project. With a
// runID, the per-run scratch directory is pinned exactly; with an empty
// runID, the generic runs root is allowed so runtime-internal persistence
// (state.json, events, sandbox results) passes containment.
func DefaultAllowedPrefixes(runID string) []string {
	prefixes := []string{"workspace/", "docs/", "audits/"}
	if runID != "" {
		return append(prefixes, ".amon/runs/"+runID+"/")
	}
	return append(prefixes, ".amon/runs/")
}
