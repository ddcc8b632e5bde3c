package graph_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
)

func TestSelectMode(t *testing.T) {
	assert.Equal(t, graph.ModeSingle, graph.SelectMode("hello"))
	assert.Equal(t, graph.ModeSelfCritique, graph.SelectMode("please review my essay"))
	assert.Equal(t, graph.ModeSelfCritique, graph.SelectMode("請批評這篇文章"))
	assert.Equal(t, graph.ModeTeam, graph.SelectMode("deliverables: a report and a deck"))
	assert.Equal(t, graph.ModeTeam, graph.SelectMode("produce:\n- a report\n- a deck"))
}

func TestBuild_GraphsValidate(t *testing.T) {
	for _, mode := range []graph.Mode{graph.ModeSingle, graph.ModeSelfCritique, graph.ModeTeam} {
		g, _ := graph.Build(mode)
		require.NoError(t, graph.Validate(g), "mode %s", mode)
	}
}

// The self-critique graph must produce a draft, ten review documents, and a
// final document opening with the token Final.
func TestSelfCritiqueProducesRequiredArtifacts(t *testing.T) {
	fake := &chatmodel.Fake{Reply: "Final\n\nRevised content."}
	h := newHarness(t, graph.Capabilities{Model: fake}, nil)

	g, seed := graph.Build(graph.ModeSelfCritique)
	seed["user_message"] = "write about event logs"
	seed["history"] = []chatmodel.Message{}
	handle := h.start(t, g, seed)
	run := handle.Wait()
	require.Equal(t, model.RunSucceeded, run.Status)

	assert.FileExists(t, filepath.Join(h.root, "docs", "draft.md"))
	reviews, err := filepath.Glob(filepath.Join(h.root, "docs", "reviews", "*.md"))
	require.NoError(t, err)
	assert.Len(t, reviews, 10)

	final := readFile(t, filepath.Join(h.root, "docs", "final.md"))
	firstLine := ""
	for _, line := range strings.Split(final, "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = line
			break
		}
	}
	assert.Contains(t, firstLine, "Final")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}
