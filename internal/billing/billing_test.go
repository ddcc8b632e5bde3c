package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/billing"
	"github.com/amonhq/amon/internal/chatmodel"
)

func TestCheckBudget_TripsOnDailyAndPerProject(t *testing.T) {
	l := billing.New(billing.Options{
		DailyBudget:         1.0,
		PerProjectBudget:    0.5,
		PricePerInputToken:  0.001,
		PricePerOutputToken: 0.001,
	})

	require.NoError(t, l.CheckBudget("p1"))
	l.Charge("p1", "run1", chatmodel.Usage{InputTokens: 300, OutputTokens: 300})

	err := l.CheckBudget("p1")
	require.Error(t, err)
	kind, ok := amonerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, amonerr.BudgetExceeded, kind)

	// Another project still fits under the daily cap.
	require.NoError(t, l.CheckBudget("p2"))
	l.Charge("p2", "run2", chatmodel.Usage{InputTokens: 300, OutputTokens: 300})
	require.Error(t, l.CheckBudget("p2"), "daily cap now exhausted")
}

func TestCheckBudget_UnlimitedWhenZero(t *testing.T) {
	l := billing.New(billing.Options{})
	l.Charge("p1", "run1", chatmodel.Usage{InputTokens: 1 << 20, OutputTokens: 1 << 20})
	assert.NoError(t, l.CheckBudget("p1"))
}

func TestReserveAutomation_DefaultZeroBudgetRejects(t *testing.T) {
	l := billing.New(billing.Options{})
	err := l.ReserveAutomation("p1", 0)
	require.Error(t, err)
	kind, _ := amonerr.KindOf(err)
	assert.Equal(t, amonerr.BudgetExceeded, kind)
}

func TestReserveAutomation_CountsRunsPerDay(t *testing.T) {
	l := billing.New(billing.Options{})
	require.NoError(t, l.ReserveAutomation("p1", 2))
	require.NoError(t, l.ReserveAutomation("p1", 2))
	require.Error(t, l.ReserveAutomation("p1", 2))
}

func TestSummaryFor(t *testing.T) {
	l := billing.New(billing.Options{PricePerInputToken: 0.01, PricePerOutputToken: 0.02})
	l.Charge("p1", "run1", chatmodel.Usage{InputTokens: 10, OutputTokens: 5})
	s := l.SummaryFor("p1")
	assert.InDelta(t, 0.2, s.ProjectSpend, 1e-9)
	assert.InDelta(t, 0.2, s.Total, 1e-9)
	assert.NotEmpty(t, s.Day)
}
