// Package project implements the project store (spec.md §4.6 "Project
// persistence" and "Validation pipeline"): one <id>.json per project,
// persisted atomically, validated against its service's config schema on
// every load and mutation.
package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/metadata"
	"github.com/r3e-network/hostrunner/internal/svccatalog"
	"github.com/r3e-network/hostrunner/internal/validate"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Schedule mirrors spec.md §3's tagged Schedule.
type Schedule struct {
	Kind                    string `json:"kind"` // manual | fixedRate | daemon
	IntervalMs              int    `json:"intervalMs,omitempty"`
	MaxConcurrent           int    `json:"maxConcurrent,omitempty"`
	RestartDelayMs          int    `json:"restartDelayMs,omitempty"`
	MaxConsecutiveFailures  int    `json:"maxConsecutiveFailures,omitempty"`
}

// Project is the persisted record plus its last validation outcome.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ServiceID string         `json:"serviceId"`
	Enabled   bool           `json:"enabled"`
	Schedule  Schedule       `json:"schedule"`
	Config    map[string]any `json:"config"`

	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type rawProject struct {
	ID        *string        `json:"id"`
	Name      *string        `json:"name"`
	ServiceID *string        `json:"serviceId"`
	Enabled   *bool          `json:"enabled"`
	Schedule  *Schedule      `json:"schedule"`
	Config    map[string]any `json:"config"`
}

// Store owns the on-disk projects/ directory.
type Store struct {
	root     hostpaths.Root
	services *svccatalog.Catalog

	mu       sync.RWMutex
	projects map[string]*Project
}

// New returns a Store rooted at root, validating against services.
func New(root hostpaths.Root, services *svccatalog.Catalog) *Store {
	return &Store{root: root, services: services, projects: make(map[string]*Project)}
}

// Load scans projects/ and validates every project found.
func (s *Store) Load() error {
	entries, err := listJSONFiles(s.root.ProjectsDir())
	if err != nil {
		return err
	}

	next := make(map[string]*Project, len(entries))
	for _, id := range entries {
		p, err := s.loadOne(id)
		if err != nil {
			next[id] = &Project{ID: id, Valid: false, Error: err.Error()}
			continue
		}
		next[id] = p
	}

	s.mu.Lock()
	s.projects = next
	s.mu.Unlock()
	return nil
}

func (s *Store) loadOne(id string) (*Project, error) {
	raw, err := readFile(s.root.ProjectFile(id))
	if err != nil {
		return nil, err
	}
	p, err := parseRaw(id, raw)
	if err != nil {
		return nil, err
	}
	s.validate(p)
	return p, nil
}

// Get returns the project with the given id.
func (s *Store) Get(id string) (*Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

// List returns a snapshot of all projects, sorted by id.
func (s *Store) List() []*Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save validates and atomically persists p, then installs it in memory.
func (s *Store) Save(p *Project) error {
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("project id %q does not match %s", p.ID, idPattern.String())
	}
	s.validate(p)

	body, err := json.MarshalIndent(rawProject{
		ID: &p.ID, Name: &p.Name, ServiceID: &p.ServiceID,
		Enabled: &p.Enabled, Schedule: &p.Schedule, Config: p.Config,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project %s: %w", p.ID, err)
	}
	if err := hostpaths.AtomicWriteFile(s.root.ProjectFile(p.ID), body, 0o644); err != nil {
		return fmt.Errorf("persist project %s: %w", p.ID, err)
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return nil
}

// Remove deletes a project's file; it is an error if the project does not
// exist.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	_, existed := s.projects[id]
	delete(s.projects, id)
	s.mu.Unlock()
	if !existed {
		return fmt.Errorf("project %s does not exist", id)
	}
	if err := removeFile(s.root.ProjectFile(id)); err != nil {
		return fmt.Errorf("remove project %s: %w", id, err)
	}
	return nil
}

// validate runs the four-step pipeline from spec.md §4.6 and stores the
// outcome on p directly.
func (s *Store) validate(p *Project) {
	svc, ok := s.services.Get(p.ServiceID)
	if !ok {
		p.Valid = false
		p.Error = fmt.Sprintf("unknown serviceId %q", p.ServiceID)
		return
	}

	schemaField := svccatalog.SchemaAsField(svc.Schema)

	merged := mergeWithPrecedence(nil, p.Config, schemaField)
	normalized := normalize(merged, schemaField)

	res := validate.Value(normalized, schemaField)
	if !res.Valid {
		p.Valid = false
		p.Error = res.ErrorMessage
		return
	}

	filled := validate.Fill(normalized, schemaField)
	filledMap, _ := filled.(map[string]any)
	p.Config = filledMap
	p.Valid = true
	p.Error = ""
}

// mergeWithPrecedence deep-merges cliOverrides (highest precedence) over
// fileConfig (lowest precedence other than schema defaults, already baked
// into Fill); objects merge key-by-key, arrays are replaced wholesale.
func mergeWithPrecedence(cliOverrides, fileConfig map[string]any, schema metadata.FieldMeta) map[string]any {
	out := make(map[string]any, len(fileConfig))
	for k, v := range fileConfig {
		out[k] = v
	}
	for k, v := range cliOverrides {
		existing, present := out[k]
		if present {
			if existingObj, isObj := existing.(map[string]any); isObj {
				if incomingObj, isObj2 := v.(map[string]any); isObj2 {
					out[k] = mergeWithPrecedence(incomingObj, existingObj, schema)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// normalize coerces wire-friendly string representations ("8080") into the
// numeric/bool types their schema field declares, recursively.
func normalize(v any, f metadata.FieldMeta) any {
	obj, isObj := v.(map[string]any)
	if !isObj {
		return v
	}
	for _, child := range f.Children {
		val, present := obj[child.Name]
		if !present {
			continue
		}
		obj[child.Name] = normalizeValue(val, child)
	}
	return obj
}

func normalizeValue(v any, f metadata.FieldMeta) any {
	switch f.Type {
	case metadata.TypeInt, metadata.TypeInt64, metadata.TypeDouble:
		if s, isStr := v.(string); isStr {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n
			}
		}
		return v
	case metadata.TypeBool:
		if s, isStr := v.(string); isStr {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
		return v
	case metadata.TypeObject:
		if s, isStr := v.(string); isStr && strings.HasPrefix(strings.TrimSpace(s), "{") {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return normalize(parsed, f)
			}
		}
		return normalize(v, f)
	case metadata.TypeArray:
		if s, isStr := v.(string); isStr && strings.HasPrefix(strings.TrimSpace(s), "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
		}
		return v
	default:
		return v
	}
}

// Lookup reads a dotted path out of a project's merged config, for
// callers that want one field without walking the map by hand.
func Lookup(config map[string]any, path string) (string, bool) {
	body, err := json.Marshal(config)
	if err != nil {
		return "", false
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

func parseRaw(id string, body []byte) (*Project, error) {
	var raw rawProject
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unknown or malformed field in project file: %w", err)
	}
	if raw.ID != nil && *raw.ID != id {
		return nil, fmt.Errorf("id %q in body does not match filename-derived id %q", *raw.ID, id)
	}

	p := &Project{ID: id, Config: raw.Config}
	if raw.Name != nil {
		p.Name = *raw.Name
	}
	if raw.ServiceID != nil {
		p.ServiceID = *raw.ServiceID
	}
	if raw.Enabled != nil {
		p.Enabled = *raw.Enabled
	}
	if raw.Schedule != nil {
		p.Schedule = *raw.Schedule
	} else {
		p.Schedule = Schedule{Kind: "manual"}
	}
	if p.Config == nil {
		p.Config = map[string]any{}
	}
	return p, nil
}
