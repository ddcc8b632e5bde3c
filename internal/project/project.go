// Package project manages the <data>/projects tree: creation with the
// amon.project.yaml manifest and standard directory skeleton, listing, and
// soft-delete to the trash area.
package project

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/model"
)

// manifest is the amon.project.yaml document.
type manifest struct {
	ID                    string    `yaml:"id"`
	CreatedAt             time.Time `yaml:"created_at"`
	AllowedPrefixes       []string  `yaml:"allowed_prefixes"`
	AutomationBudgetDaily float64   `yaml:"automation_budget_daily"`
	TrashRetainDays       int       `yaml:"trash_retain_days"`
}

// Store manages projects under one data directory.
type Store struct {
	dataDir string
}

// NewStore constructs a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) projectsDir() string { return filepath.Join(s.dataDir, "projects") }

// Root returns the filesystem root for projectID.
func (s *Store) Root(projectID string) string {
	return filepath.Join(s.projectsDir(), projectID)
}

// Create makes a new project with the standard skeleton. An empty id mints
// one.
func (s *Store) Create(projectID string) (model.Project, error) {
	if projectID == "" {
		projectID = amonid.NewID("proj")
	}
	root := s.Root(projectID)
	if _, err := os.Stat(filepath.Join(root, "amon.project.yaml")); err == nil {
		return model.Project{}, amonerr.New(amonerr.ProtocolError, "PROJECT_EXISTS", "project already exists: "+projectID)
	}
	for _, dir := range []string{
		"workspace", "docs", "audits",
		filepath.Join("sessions", "chat"),
		filepath.Join(".amon", "runs"),
		filepath.Join(".amon", "logs"),
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return model.Project{}, amonerr.Wrap(amonerr.IOError, "", "project mkdir", err)
		}
	}
	p := model.Project{
		ID:              projectID,
		Root:            root,
		CreatedAt:       time.Now().UTC(),
		AllowedPrefixes: model.DefaultAllowedPrefixes(""),
		TrashRetainDays: 30,
	}
	if err := s.writeManifest(p); err != nil {
		return model.Project{}, err
	}
	return p, nil
}

func (s *Store) writeManifest(p model.Project) error {
	m := manifest{
		ID:                    p.ID,
		CreatedAt:             p.CreatedAt,
		AllowedPrefixes:       p.AllowedPrefixes,
		AutomationBudgetDaily: p.AutomationBudgetDaily,
		TrashRetainDays:       p.TrashRetainDays,
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "project manifest marshal", err)
	}
	path := filepath.Join(p.Root, "amon.project.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "project manifest write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "project manifest rename", err)
	}
	return nil
}

// Load reads one project by id.
func (s *Store) Load(projectID string) (model.Project, error) {
	root := s.Root(projectID)
	b, err := os.ReadFile(filepath.Join(root, "amon.project.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Project{}, amonerr.New(amonerr.ProtocolError, "PROJECT_NOT_FOUND", "unknown project: "+projectID)
		}
		return model.Project{}, amonerr.Wrap(amonerr.IOError, "", "project manifest read", err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return model.Project{}, amonerr.Wrap(amonerr.ConfigInvalid, "", "project manifest parse", err)
	}
	prefixes := m.AllowedPrefixes
	if len(prefixes) == 0 {
		prefixes = model.DefaultAllowedPrefixes("")
	}
	retain := m.TrashRetainDays
	if retain == 0 {
		retain = 30
	}
	return model.Project{
		ID:                    m.ID,
		Root:                  root,
		CreatedAt:             m.CreatedAt,
		AllowedPrefixes:       prefixes,
		AutomationBudgetDaily: m.AutomationBudgetDaily,
		TrashRetainDays:       retain,
	}, nil
}

// List returns every live project, ordered by id.
func (s *Store) List() ([]model.Project, error) {
	entries, err := os.ReadDir(s.projectsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "projects dir", err)
	}
	var projects []model.Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// Delete soft-deletes the whole project directory into the trash area with a
// manifest, so it remains restorable.
func (s *Store) Delete(projectID string) error {
	root := s.Root(projectID)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return amonerr.New(amonerr.ProtocolError, "PROJECT_NOT_FOUND", "unknown project: "+projectID)
		}
		return amonerr.Wrap(amonerr.IOError, "", "project stat", err)
	}
	trashDir := filepath.Join(s.dataDir, "trash", amonid.NewID("trash"))
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "trash mkdir", err)
	}
	dest := filepath.Join(trashDir, projectID)
	if err := os.Rename(root, dest); err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "project trash move", err)
	}
	meta := "original_path: " + root + "\ndeleted_at: " + time.Now().UTC().Format(time.RFC3339) + "\n"
	return os.WriteFile(filepath.Join(trashDir, "manifest.yaml"), []byte(meta), 0o644)
}
