// Package catalog implements the driver catalog (spec.md §4 "Driver
// catalog"): it scans a directory of driver programs, runs each with
// --export-meta to learn its DriverMeta, soft-quarantines ones that fail,
// and tracks a content hash of each driver's meta so Changed can report
// drivers whose meta differs. Every Scan re-runs --export-meta for every
// candidate, changed or not.
package catalog

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/metadata"
)

// Entry is one cataloged driver.
type Entry struct {
	ID       string
	Program  string // absolute path to the executable
	Meta     metadata.DriverMeta
	MetaHash string // md5 of the exported metadata JSON, for change detection
	Quarantined bool
	QuarantineReason string
}

// Catalog holds the most recently scanned set of drivers, replaced
// atomically on each Scan.
type Catalog struct {
	dir           string
	exportTimeout time.Duration
	log           *logging.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns a Catalog that scans dir for driver executables.
func New(dir string, exportTimeout time.Duration, log *logging.Logger) *Catalog {
	return &Catalog{
		dir:           dir,
		exportTimeout: exportTimeout,
		log:           log.Named("catalog"),
		entries:       make(map[string]Entry),
	}
}

// Scan rescans the driver directory, invoking --export-meta on every
// candidate executable and replacing the whole entry set atomically so
// readers never observe a partial scan (spec.md §4's "replaceAll"
// semantics).
func (c *Catalog) Scan(ctx context.Context) error {
	candidates, err := c.listCandidates()
	if err != nil {
		return fmt.Errorf("catalog: list %s: %w", c.dir, err)
	}

	next := make(map[string]Entry, len(candidates))
	for _, program := range candidates {
		id := driverID(program)
		entry := c.describe(ctx, id, program)
		next[id] = entry
		if entry.Quarantined {
			c.quarantine(program, entry.QuarantineReason)
			c.log.WithContext(ctx).Warnf("driver %s quarantined: %s", id, entry.QuarantineReason)
		}
	}

	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
	return nil
}

func (c *Catalog) listCandidates() ([]string, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if filepath.Ext(name) == ".failed" {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		out = append(out, filepath.Join(c.dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func (c *Catalog) describe(ctx context.Context, id, program string) Entry {
	runCtx, cancel := context.WithTimeout(ctx, c.exportTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, program, "--export-meta")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Entry{
			ID:      id,
			Program: program,
			Quarantined: true,
			QuarantineReason: fmt.Sprintf("--export-meta failed: %v: %s", err, stderr.String()),
		}
	}

	var meta metadata.DriverMeta
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return Entry{
			ID:      id,
			Program: program,
			Quarantined: true,
			QuarantineReason: fmt.Sprintf("--export-meta emitted invalid JSON: %v", err),
		}
	}
	if err := meta.Validate(); err != nil {
		return Entry{
			ID:      id,
			Program: program,
			Quarantined: true,
			QuarantineReason: fmt.Sprintf("invalid driver metadata: %v", err),
		}
	}

	sum := md5.Sum(stdout.Bytes())
	return Entry{
		ID:       id,
		Program:  program,
		Meta:     meta,
		MetaHash: hex.EncodeToString(sum[:]),
	}
}

// quarantine renames a driver program with a .failed suffix so the next
// Scan skips it without deleting it, per spec.md's soft-quarantine rule.
func (c *Catalog) quarantine(program, reason string) {
	_ = os.Rename(program, program+".failed")
}

func driverID(program string) string {
	base := filepath.Base(program)
	return base[:len(base)-len(filepath.Ext(base))]
}

// List returns a snapshot of all currently cataloged (non-quarantined)
// entries, sorted by ID.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.Quarantined {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the entry for id, if cataloged and not quarantined.
func (c *Catalog) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.Quarantined {
		return Entry{}, false
	}
	return e, true
}

// Changed reports whether id's metadata hash differs from prevHash (or is
// new), for callers that cache driver descriptions downstream.
func (c *Catalog) Changed(id, prevHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return true
	}
	return e.MetaHash != prevHash
}
