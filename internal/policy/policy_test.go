package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/policy"
)

func newGate(t *testing.T) (*policy.Gate, *[]policy.AuditEntry) {
	t.Helper()
	root := t.TempDir()
	var audit []policy.AuditEntry
	g := policy.New(policy.Options{
		ProjectRoot:     root,
		AllowedPrefixes: []string{"workspace/", "docs/", "audits/"},
		DenyRules:       []Rule{},
		AskRules:        []policy.Rule{{Tool: "shell.exec"}},
		AllowRules:      []policy.Rule{{Tool: "fs.*"}, {Tool: "shell.exec"}},
		Manifest: map[string]policy.ToolManifestEntry{
			"fs.write": {Name: "fs.write", Risk: "high"},
		},
		AuditAppend: func(e policy.AuditEntry) { audit = append(audit, e) },
	})
	return g, &audit
}

type Rule = policy.Rule

func TestDecide_AllowGlob(t *testing.T) {
	g, _ := newGate(t)
	dec, reason, confirm := g.Decide(context.Background(), "fs.read", map[string]any{"path": "docs/a.md"}, policy.Caller{})
	assert.Equal(t, policy.Allow, dec)
	assert.Empty(t, reason)
	assert.False(t, confirm)
}

func TestDecide_HighRiskDemotedToAsk(t *testing.T) {
	g, _ := newGate(t)
	dec, _, confirm := g.Decide(context.Background(), "fs.write", map[string]any{"path": "workspace/a.txt"}, policy.Caller{})
	assert.Equal(t, policy.Ask, dec)
	assert.True(t, confirm)
}

func TestDecide_UnmatchedDefaultsToDeny(t *testing.T) {
	g, _ := newGate(t)
	dec, reason, _ := g.Decide(context.Background(), "net.fetch", nil, policy.Caller{})
	assert.Equal(t, policy.Deny, dec)
	assert.Equal(t, "TOOL_DENIED", reason)
}

func TestDecide_PathTraversalDenied(t *testing.T) {
	g, audit := newGate(t)
	dec, reason, _ := g.Decide(context.Background(), "fs.write", map[string]any{"path": "../../etc/passwd"}, policy.Caller{})
	assert.Equal(t, policy.Deny, dec)
	assert.Equal(t, "PATH_NOT_ALLOWED", reason)
	require.Len(t, *audit, 1)
	assert.NotEmpty(t, (*audit)[0].ArgsSHA256)
}

func TestResolveInProject_RejectsTraversal(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.ResolveInProject("../../etc/passwd")
	require.Error(t, err)
}

func TestResolveInProject_AllowsUnderPrefix(t *testing.T) {
	g, _ := newGate(t)
	p, err := g.ResolveInProject("docs/report.md")
	require.NoError(t, err)
	assert.Contains(t, p, "docs")
}

func TestResolveInProject_SymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "docs", "link")))

	g := policy.New(policy.Options{
		ProjectRoot:     root,
		AllowedPrefixes: []string{"docs/"},
	})
	_, err := g.ResolveInProject("docs/link/secret.txt")
	require.Error(t, err, "a symlinked parent must not smuggle the target outside the root")

	p, err := g.ResolveInProject("docs/plain.md")
	require.NoError(t, err)
	assert.Contains(t, p, "docs")
}
