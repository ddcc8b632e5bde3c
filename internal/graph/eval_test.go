package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amonhq/amon/internal/graph"
)

func TestEvalGuard(t *testing.T) {
	state := map[string]any{
		"flag":   true,
		"off":    false,
		"name":   "draft",
		"count":  float64(3),
		"empty":  "",
		"items":  []any{"a"},
		"nothin": nil,
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"flag", true},
		{"off", false},
		{"!off", true},
		{"missing", false},
		{"empty", false},
		{"items", true},
		{"name == 'draft'", true},
		{"name == 'final'", false},
		{"name != 'final'", true},
		{"count == 3", true},
		{"count != 3", false},
		{"!name == 'final'", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, graph.EvalGuard(tc.expr, state), "expr %q", tc.expr)
	}
}
