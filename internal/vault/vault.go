// Package vault implements atomic writes, soft-delete to a trash area, and
// workspace containment enforcement. It delegates containment checks to
// policy.Gate.ResolveInProject so a single canonicalization routine backs
// both PolicyGate and PathVault.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/amonhq/amon/internal/amonid"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/policy"
)

// Resolver is the subset of policy.Gate PathVault depends on.
type Resolver interface {
	ResolveInProject(rel string) (string, error)
}

// Options configures a Vault.
type Options struct {
	// ProjectRoot is the project's workspace root.
	ProjectRoot string
	// DataDir is the Amon data directory whose trash/<uuid>/ subtree
	// receives soft-deleted files.
	DataDir string
	// Resolver enforces containment; typically a *policy.Gate.
	Resolver Resolver
	// TrashRetainDays bounds trash retention (default 30).
	TrashRetainDays int
}

// Vault implements atomic writes and soft-delete within one project.
type Vault struct {
	opts Options
}

// New constructs a Vault. If opts.TrashRetainDays is zero, the default of 30
// days is used.
func New(opts Options) *Vault {
	if opts.TrashRetainDays == 0 {
		opts.TrashRetainDays = 30
	}
	return &Vault{opts: opts}
}

// TrashManifest records where a soft-deleted file came from and when.
type TrashManifest struct {
	OriginalPath string    `json:"original_path"`
	DeletedAt    time.Time `json:"deleted_at"`
}

// AtomicWrite writes data to a temp sibling of rel (resolved inside the
// project) and renames it into place, so no partial file is ever visible
// under the target name.
func (v *Vault) AtomicWrite(rel string, data []byte) (string, error) {
	abs, err := v.opts.Resolver.ResolveInProject(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("atomic write mkdir: %w", err)
	}
	tmp := abs + ".tmp-" + amonid.NewID("w")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("atomic write temp: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("atomic write rename: %w", err)
	}
	return abs, nil
}

// Delete soft-deletes the file at rel by moving it into
// <data_dir>/trash/<uuid>/ alongside a manifest.json recording its original
// path and timestamp. Delete never unlinks outside the project root: the
// resolver enforces this before any filesystem operation runs.
func (v *Vault) Delete(rel string) error {
	abs, err := v.opts.Resolver.ResolveInProject(rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}
	trashID := amonid.NewID("trash")
	trashDir := filepath.Join(v.opts.DataDir, "trash", trashID)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return fmt.Errorf("delete mkdir trash: %w", err)
	}
	dest := filepath.Join(trashDir, filepath.Base(abs))
	if err := os.Rename(abs, dest); err != nil {
		return fmt.Errorf("delete move to trash: %w", err)
	}
	manifest := TrashManifest{OriginalPath: abs, DeletedAt: time.Now().UTC()}
	b, _ := json.MarshalIndent(manifest, "", "  ")
	return os.WriteFile(filepath.Join(trashDir, "manifest.json"), b, 0o644)
}

// Restore moves a previously trashed file back to its original path,
// provided the origin is still clear.
func (v *Vault) Restore(trashID string) (string, error) {
	trashDir := filepath.Join(v.opts.DataDir, "trash", trashID)
	manifestPath := filepath.Join(trashDir, "manifest.json")
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("restore read manifest: %w", err)
	}
	var manifest TrashManifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return "", fmt.Errorf("restore parse manifest: %w", err)
	}
	if _, err := os.Stat(manifest.OriginalPath); err == nil {
		return "", errors.New("restore target occupied")
	}
	entries, err := os.ReadDir(trashDir)
	if err != nil {
		return "", err
	}
	var movedFrom string
	for _, e := range entries {
		if e.Name() == "manifest.json" {
			continue
		}
		movedFrom = filepath.Join(trashDir, e.Name())
		break
	}
	if movedFrom == "" {
		return "", errors.New("restore: trashed file missing")
	}
	if err := os.MkdirAll(filepath.Dir(manifest.OriginalPath), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(movedFrom, manifest.OriginalPath); err != nil {
		return "", err
	}
	return manifest.OriginalPath, nil
}

// PruneExpiredTrash removes trash entries older than TrashRetainDays.
func (v *Vault) PruneExpiredTrash() error {
	trashRoot := filepath.Join(v.opts.DataDir, "trash")
	entries, err := os.ReadDir(trashRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -v.opts.TrashRetainDays)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(trashRoot, e.Name())
		b, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
		if err != nil {
			continue
		}
		var manifest TrashManifest
		if err := json.Unmarshal(b, &manifest); err != nil {
			continue
		}
		if manifest.DeletedAt.Before(cutoff) {
			_ = os.RemoveAll(dir)
		}
	}
	return nil
}

// ScanArtifacts walks the given project-relative directories (typically
// docs/ and workspace/) restricted to files written by sourceRunID,
// sniffing MIME type and hashing contents.
func ScanArtifacts(root string, dirs []string, sourceRunID, sourceNodeID string, writtenPaths map[string]bool) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	for _, dir := range dirs {
		base := filepath.Join(root, dir)
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if writtenPaths != nil && !writtenPaths[rel] {
				return nil
			}
			info, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			data, readErr := os.ReadFile(p)
			if readErr != nil {
				return readErr
			}
			mt := mimetype.Detect(data)
			artifacts = append(artifacts, model.Artifact{
				Path:         rel,
				Size:         info.Size(),
				MIME:         mt.String(),
				SHA256:       amonid.SHA256Hex(data),
				CreatedAt:    info.ModTime().UTC(),
				SourceRunID:  sourceRunID,
				SourceNodeID: sourceNodeID,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}

var _ Resolver = (*policy.Gate)(nil)
