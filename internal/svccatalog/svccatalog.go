// Package svccatalog implements the service catalog (spec.md §4.6): it
// scans a directory of service directories, each carrying a manifest.json
// and a config.schema.json, and keeps the first-seen entry for any
// duplicate id.
package svccatalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/metadata"
)

// Manifest is a service's manifest.json, fixed keys only.
type Manifest struct {
	ManifestVersion string `json:"manifestVersion"`
	ID              string `json:"id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Description     string `json:"description,omitempty"`
	Author          string `json:"author,omitempty"`
}

// Service is one cataloged service directory.
type Service struct {
	Manifest Manifest
	Dir      string
	Schema   map[string]metadata.FieldMeta
}

// Catalog holds the most recently scanned services, replaced atomically.
type Catalog struct {
	dir string
	log *logging.Logger

	mu       sync.RWMutex
	services map[string]Service
	failures []string
}

// New returns a Catalog scanning dir for service subdirectories.
func New(dir string, log *logging.Logger) *Catalog {
	return &Catalog{dir: dir, log: log.Named("svccatalog"), services: make(map[string]Service)}
}

// Scan rescans the services directory. Only the first occurrence of a
// given id is kept; subsequent duplicates are recorded as failures.
func (c *Catalog) Scan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.services = make(map[string]Service)
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("svccatalog: list %s: %w", c.dir, err)
	}

	next := make(map[string]Service, len(entries))
	var failures []string
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(c.dir, name)
		svc, err := loadService(dir)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if _, dup := next[svc.Manifest.ID]; dup {
			failures = append(failures, fmt.Sprintf("%s: duplicate service id %q, ignored", name, svc.Manifest.ID))
			continue
		}
		next[svc.Manifest.ID] = svc
	}

	c.mu.Lock()
	c.services = next
	c.failures = failures
	c.mu.Unlock()
	return nil
}

func loadService(dir string) (Service, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return Service{}, fmt.Errorf("read manifest.json: %w", err)
	}
	var manifest Manifest
	dec := json.NewDecoder(bytes.NewReader(manifestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&manifest); err != nil {
		return Service{}, fmt.Errorf("parse manifest.json: %w", err)
	}
	if manifest.ManifestVersion != "1" {
		return Service{}, fmt.Errorf("unsupported manifestVersion %q", manifest.ManifestVersion)
	}
	if manifest.ID == "" {
		return Service{}, fmt.Errorf("manifest.json missing id")
	}

	schemaBytes, err := os.ReadFile(filepath.Join(dir, "config.schema.json"))
	if err != nil {
		return Service{}, fmt.Errorf("read config.schema.json: %w", err)
	}
	var schema map[string]metadata.FieldMeta
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return Service{}, fmt.Errorf("parse config.schema.json: %w", err)
	}

	return Service{Manifest: manifest, Dir: dir, Schema: schema}, nil
}

// List returns a snapshot of all cataloged services, sorted by id.
func (c *Catalog) List() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// Get returns the service with the given id.
func (c *Catalog) Get(id string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	return s, ok
}

// Failures returns the reasons any scanned directory was rejected, from
// the most recent Scan.
func (c *Catalog) Failures() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.failures))
	copy(out, c.failures)
	return out
}

// SchemaAsField renders a service's config.schema.json as one synthetic
// object FieldMeta, suitable for internal/validate.
func SchemaAsField(schema map[string]metadata.FieldMeta) metadata.FieldMeta {
	children := make([]metadata.FieldMeta, 0, len(schema))
	var required []string
	for name, f := range schema {
		f.Name = name
		children = append(children, f)
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	sort.Strings(required)
	return metadata.FieldMeta{
		Name:                        "config",
		Type:                        metadata.TypeObject,
		Children:                    children,
		RequiredKeys:                required,
		AdditionalPropertiesAllowed: true,
	}
}
