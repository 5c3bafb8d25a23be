package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/metadata"
	"github.com/r3e-network/hostrunner/internal/svccatalog"
)

func testLogger() *logging.Logger {
	return logging.New("project-test", "error", "text")
}

const manifestJSON = `{"manifestVersion":"1","id":"echoer","name":"Echoer","version":"1.0.0"}`
const schemaJSON = `{"port":{"name":"port","type":"int","required":true,"constraints":{"min":1,"max":65535}},"host":{"name":"host","type":"string","defaultValue":"0.0.0.0"}}`

func newTestStore(t *testing.T) (*Store, hostpaths.Root) {
	t.Helper()
	dir := t.TempDir()
	root := hostpaths.New(dir)
	if err := root.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	svcDir := filepath.Join(root.ServicesDir(), "echoer")
	if err := os.MkdirAll(svcDir, 0o755); err != nil {
		t.Fatalf("mkdir service dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(svcDir, "manifest.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(svcDir, "config.schema.json"), []byte(schemaJSON), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	services := svccatalog.New(root.ServicesDir(), testLogger())
	if err := services.Scan(); err != nil {
		t.Fatalf("services.Scan: %v", err)
	}

	return New(root, services), root
}

func TestSaveAndLoadValidatesAgainstServiceSchema(t *testing.T) {
	store, root := newTestStore(t)

	p := &Project{
		ID:        "proj1",
		Name:      "My Project",
		ServiceID: "echoer",
		Config:    map[string]any{"port": float64(9090)},
	}
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !p.Valid {
		t.Fatalf("expected project to validate, got error %q", p.Error)
	}
	if p.Config["host"] != "0.0.0.0" {
		t.Fatalf("expected missing host to be filled with its schema default, got %v", p.Config["host"])
	}

	reloaded := New(root, store.services)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := reloaded.Get("proj1")
	if !ok || !got.Valid {
		t.Fatalf("expected proj1 to reload as valid, got %+v ok=%v", got, ok)
	}
}

func TestSaveRejectsOutOfRangeConfig(t *testing.T) {
	store, _ := newTestStore(t)

	p := &Project{
		ID:        "proj2",
		ServiceID: "echoer",
		Config:    map[string]any{"port": float64(99999)},
	}
	// Save persists regardless of validity (spec's "always persist, report
	// validity separately" rule) but must mark the project invalid.
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p.Valid {
		t.Fatal("expected an out-of-range port to fail validation")
	}
}

func TestSaveRejectsUnknownServiceID(t *testing.T) {
	store, _ := newTestStore(t)

	p := &Project{ID: "proj3", ServiceID: "does-not-exist", Config: map[string]any{}}
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p.Valid {
		t.Fatal("expected an unknown serviceId to fail validation")
	}
}

func TestLoadRejectsUnknownFieldInProjectFile(t *testing.T) {
	_, root := newTestStore(t)

	bad := `{"id":"proj4","serviceId":"echoer","bogusField":true,"config":{}}`
	if err := os.WriteFile(root.ProjectFile("proj4"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	services := svccatalog.New(root.ServicesDir(), testLogger())
	if err := services.Scan(); err != nil {
		t.Fatalf("services.Scan: %v", err)
	}
	store := New(root, services)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := store.Get("proj4")
	if !ok {
		t.Fatal("expected a record for proj4 even though it failed to parse")
	}
	if p.Valid {
		t.Fatal("expected the unknown field to make proj4 invalid")
	}
}

func TestLoadRejectsMismatchedIDInBody(t *testing.T) {
	_, root := newTestStore(t)

	mismatched := `{"id":"someone-else","serviceId":"echoer","config":{}}`
	if err := os.WriteFile(root.ProjectFile("proj5"), []byte(mismatched), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	services := svccatalog.New(root.ServicesDir(), testLogger())
	if err := services.Scan(); err != nil {
		t.Fatalf("services.Scan: %v", err)
	}
	store := New(root, services)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := store.Get("proj5")
	if !ok || p.Valid {
		t.Fatalf("expected proj5 to be recorded invalid due to id mismatch, got %+v ok=%v", p, ok)
	}
}

func TestMergeWithPrecedenceCLIOverridesWinOverFileConfig(t *testing.T) {
	schema := metadata.FieldMeta{}
	file := map[string]any{"host": "file-value", "port": float64(1)}
	cli := map[string]any{"host": "cli-value"}

	merged := mergeWithPrecedence(cli, file, schema)
	if merged["host"] != "cli-value" {
		t.Fatalf("expected cli override to win, got %v", merged["host"])
	}
	if merged["port"] != float64(1) {
		t.Fatalf("expected file-only key to survive the merge, got %v", merged["port"])
	}
}

func TestMergeWithPrecedenceMergesNestedObjectsKeyByKey(t *testing.T) {
	schema := metadata.FieldMeta{}
	file := map[string]any{"retry": map[string]any{"max": float64(3), "delay": float64(10)}}
	cli := map[string]any{"retry": map[string]any{"max": float64(5)}}

	merged := mergeWithPrecedence(cli, file, schema)
	retry := merged["retry"].(map[string]any)
	if retry["max"] != float64(5) {
		t.Fatalf("expected cli override for nested max, got %v", retry["max"])
	}
	if retry["delay"] != float64(10) {
		t.Fatalf("expected file-only nested key to survive, got %v", retry["delay"])
	}
}

func TestNormalizeCoercesStringNumbersAndBools(t *testing.T) {
	schema := metadata.FieldMeta{
		Children: []metadata.FieldMeta{
			{Name: "port", Type: metadata.TypeInt},
			{Name: "enabled", Type: metadata.TypeBool},
		},
	}
	v := map[string]any{"port": "8080", "enabled": "true"}
	out := normalize(v, schema).(map[string]any)

	if out["port"] != float64(8080) {
		t.Fatalf("expected port to be coerced to a number, got %v (%T)", out["port"], out["port"])
	}
	if out["enabled"] != true {
		t.Fatalf("expected enabled to be coerced to a bool, got %v (%T)", out["enabled"], out["enabled"])
	}
}

func TestLookupReadsADottedPath(t *testing.T) {
	config := map[string]any{"retry": map[string]any{"max": float64(5)}}
	v, ok := Lookup(config, "retry.max")
	if !ok || v != "5" {
		t.Fatalf("expected retry.max to resolve to \"5\", got %q ok=%v", v, ok)
	}
	if _, ok := Lookup(config, "nope.nope"); ok {
		t.Fatal("expected a missing path to report not found")
	}
}
