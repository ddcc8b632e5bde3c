package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHooks(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "hooks"), 0o755))
	rule := `
event_type: "doc.*"
path_glob: "docs/*.md"
min_size: 64
template_id: single
needs_llm: true
cooldown_seconds: 120
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "hooks", "on-doc.yaml"), []byte(rule), 0o644))

	rules, err := LoadHooks(dataDir)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on-doc", rules[0].ID, "filename supplies a missing id")
	assert.Equal(t, "doc.*", rules[0].EventType)
	assert.EqualValues(t, 64, rules[0].MinSize)
	assert.True(t, rules[0].NeedsLLM)
	assert.Equal(t, 120, rules[0].CooldownSeconds)
}

func TestLoadHooks_MissingDirYieldsNone(t *testing.T) {
	rules, err := LoadHooks(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLoadHooks_MalformedRuleFails(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "hooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "hooks", "bad.yaml"), []byte("{not yaml"), 0o644))
	_, err := LoadHooks(dataDir)
	require.Error(t, err)
}

func TestLoadSchedules(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "schedules"), 0o755))
	doc := `[{"id":"nightly","cron":"0 3 * * *","template_id":"single","needs_llm":true}]`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "schedules", "schedules.json"), []byte(doc), 0o644))

	schedules, err := LoadSchedules(dataDir)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly", schedules[0].ID)
	assert.Equal(t, "0 3 * * *", schedules[0].Cron)
	assert.True(t, schedules[0].NeedsLLM)
}
