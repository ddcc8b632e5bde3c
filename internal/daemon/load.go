package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amonhq/amon/internal/amonerr"
)

// LoadHooks reads every <data>/hooks/<hook_id>.yaml rule. A missing hooks
// directory yields no rules; a malformed rule file is CONFIG_INVALID.
func LoadHooks(dataDir string) ([]HookRule, error) {
	dir := filepath.Join(dataDir, "hooks")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "hooks dir", err)
	}
	var rules []HookRule
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, amonerr.Wrap(amonerr.IOError, "", "hook read "+name, err)
		}
		var rule HookRule
		if err := yaml.Unmarshal(b, &rule); err != nil {
			return nil, amonerr.Wrap(amonerr.ConfigInvalid, "", "hook parse "+name, err)
		}
		if rule.ID == "" {
			rule.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadSchedules reads <data>/schedules/schedules.json.
func LoadSchedules(dataDir string) ([]Schedule, error) {
	b, err := os.ReadFile(filepath.Join(dataDir, "schedules", "schedules.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "schedules read", err)
	}
	var schedules []Schedule
	if err := json.Unmarshal(b, &schedules); err != nil {
		return nil, amonerr.Wrap(amonerr.ConfigInvalid, "", "schedules parse", err)
	}
	return schedules, nil
}
