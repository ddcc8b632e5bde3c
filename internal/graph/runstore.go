package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/model"
)

// LoadRun reads the persisted snapshot of one run from its state.json.
func LoadRun(runsDir, runID string) (*model.Run, error) {
	b, err := os.ReadFile(filepath.Join(runsDir, runID, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, amonerr.New(amonerr.ProtocolError, "RUN_NOT_FOUND", "unknown run "+runID)
		}
		return nil, amonerr.Wrap(amonerr.IOError, "", "run state read", err)
	}
	var run model.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "run state parse", err)
	}
	return &run, nil
}

// ListRuns returns every persisted run under runsDir, newest first (run ids
// are ULID-ordered, so lexical sort matches creation order).
func ListRuns(runsDir string) ([]model.Run, error) {
	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "runs dir read", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	runs := make([]model.Run, 0, len(names))
	for _, name := range names {
		run, err := LoadRun(runsDir, name)
		if err != nil {
			continue
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// LoadArtifacts reads a run's artifact manifest; a run with no writes has no
// manifest and yields an empty slice.
func LoadArtifacts(runsDir, runID string) ([]model.Artifact, error) {
	b, err := os.ReadFile(filepath.Join(runsDir, runID, "artifacts.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "artifacts read", err)
	}
	var artifacts []model.Artifact
	if err := json.Unmarshal(b, &artifacts); err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "artifacts parse", err)
	}
	return artifacts, nil
}
