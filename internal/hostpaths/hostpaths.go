// Package hostpaths centralizes the on-disk layout of the data root
// (spec.md §6 "Persisted state layout") and the atomic-write helper used
// by every component that persists JSON state.
package hostpaths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root is the data root directory holding services/, projects/,
// workspaces/, logs/, drivers/, and config.json.
type Root struct {
	Dir string
}

// New returns a Root rooted at dir.
func New(dir string) Root { return Root{Dir: dir} }

func (r Root) ServicesDir() string            { return filepath.Join(r.Dir, "services") }
func (r Root) ServiceDir(id string) string     { return filepath.Join(r.ServicesDir(), id) }
func (r Root) ProjectsDir() string             { return filepath.Join(r.Dir, "projects") }
func (r Root) ProjectFile(id string) string    { return filepath.Join(r.ProjectsDir(), id+".json") }
func (r Root) WorkspacesDir() string           { return filepath.Join(r.Dir, "workspaces") }
func (r Root) WorkspaceDir(projectID string) string {
	return filepath.Join(r.WorkspacesDir(), projectID)
}
func (r Root) LogsDir() string                { return filepath.Join(r.Dir, "logs") }
func (r Root) LogFile(projectID string) string { return filepath.Join(r.LogsDir(), projectID+".log") }
func (r Root) DriversDir() string              { return filepath.Join(r.Dir, "drivers") }
func (r Root) ConfigFile() string              { return filepath.Join(r.Dir, "config.json") }

// EnsureLayout creates every directory the runtime expects to exist.
func (r Root) EnsureLayout() error {
	for _, dir := range []string{r.ServicesDir(), r.ProjectsDir(), r.WorkspacesDir(), r.LogsDir(), r.DriversDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// AtomicWriteFile writes data to path by writing to a temp file in the same
// directory, fsyncing it, then renaming it over path. This guarantees a
// reader never observes a partially-written file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
