// Package metadata defines the typed descriptor tree a driver publishes:
// FieldType/Constraints/FieldMeta build up CommandMeta and DriverMeta
// (spec.md §3 "Metadata model").
package metadata

import "encoding/json"

// FieldType is the declared type of one configuration or parameter field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeInt64  FieldType = "int64"
	TypeDouble FieldType = "double"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeEnum   FieldType = "enum"
	TypeAny    FieldType = "any"
)

// Constraints are the optional per-field bounds checked, in order, by the
// validator: type, numeric range, string length, regex, enum, array length.
type Constraints struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	EnumValues  []string `json:"enumValues,omitempty"`
	MinItems    *int     `json:"minItems,omitempty"`
	MaxItems    *int     `json:"maxItems,omitempty"`
}

// FieldMeta describes one field in a (possibly nested) parameter or config
// tree. Fields form a finite tree: Children is populated for TypeObject,
// ItemSchema for TypeArray.
type FieldMeta struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required"`
	DefaultVal  json.RawMessage `json:"defaultValue,omitempty"`
	Description string      `json:"description,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
	UIHint      string      `json:"uiHint,omitempty"`
	Children    []FieldMeta `json:"children,omitempty"`
	ItemSchema  *FieldMeta  `json:"itemSchema,omitempty"`

	RequiredKeys               []string `json:"requiredKeys,omitempty"`
	AdditionalPropertiesAllowed bool    `json:"additionalPropertiesAllowed"`
}

// HasDefault reports whether DefaultVal carries an explicit, non-null value.
func (f FieldMeta) HasDefault() bool {
	return len(f.DefaultVal) > 0 && string(f.DefaultVal) != "null"
}

// CommandExample pairs a sample request with its expected response, purely
// for documentation/driverlab display.
type CommandExample struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
}

// CommandMeta describes one command a driver exposes.
type CommandMeta struct {
	Name    string          `json:"name"`
	Params  []FieldMeta     `json:"params"`
	Returns *FieldMeta      `json:"returns,omitempty"`
	Events  []string        `json:"events,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
	Examples []CommandExample `json:"examples,omitempty"`
}

// DriverInfo is the identity block of a DriverMeta.
type DriverInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Vendor  string `json:"vendor,omitempty"`
}

// DriverConfigMeta describes the driver's own launch-time configuration
// (distinct from per-command Params).
type DriverConfigMeta struct {
	Fields []FieldMeta `json:"fields"`
	Apply  string      `json:"apply,omitempty"`
}

// DriverMeta is the full descriptor a driver emits under --export-meta or
// in response to meta.describe.
type DriverMeta struct {
	SchemaVersion int               `json:"schemaVersion"`
	Info          DriverInfo        `json:"info"`
	Config        DriverConfigMeta  `json:"config"`
	Commands      []CommandMeta     `json:"commands"`
	TypeRegistry  map[string]FieldMeta `json:"typeRegistry,omitempty"`
}

// Validate checks the structural invariants spec.md §3 requires: commands
// unique by name, and within each command, params unique by name.
func (m DriverMeta) Validate() error {
	seenCmd := make(map[string]bool, len(m.Commands))
	for _, cmd := range m.Commands {
		if seenCmd[cmd.Name] {
			return &duplicateError{kind: "command", name: cmd.Name}
		}
		seenCmd[cmd.Name] = true

		seenParam := make(map[string]bool, len(cmd.Params))
		for _, p := range cmd.Params {
			if seenParam[p.Name] {
				return &duplicateError{kind: "param", name: p.Name, cmd: cmd.Name}
			}
			seenParam[p.Name] = true
		}
	}
	return nil
}

type duplicateError struct {
	kind, name, cmd string
}

func (e *duplicateError) Error() string {
	if e.cmd != "" {
		return "duplicate " + e.kind + " " + e.name + " in command " + e.cmd
	}
	return "duplicate " + e.kind + " " + e.name
}

// CommandByName returns the command with the given name, or false.
func (m DriverMeta) CommandByName(name string) (CommandMeta, bool) {
	for _, cmd := range m.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return CommandMeta{}, false
}
