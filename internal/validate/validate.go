// Package validate implements the parameter/config validator and default
// filler described in spec.md §4.2. It is intentionally dependency-free:
// it is used both by the driver-command path and the project-config path,
// and spec.md requires it be "deterministic and side-effect free".
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/r3e-network/hostrunner/internal/metadata"
)

// Result mirrors spec.md §4.2's ValidationResult.
type Result struct {
	Valid        bool
	ErrorField   string
	ErrorMessage string
	ErrorCode    int
}

func ok() Result { return Result{Valid: true} }

func fail(field, message string) Result {
	return Result{Valid: false, ErrorField: field, ErrorMessage: message, ErrorCode: 400}
}

// Value validates v against the field tree f, reporting the first failure
// found while walking: type -> numeric range -> string length -> regex ->
// enum -> array length, then (for objects) required/unknown keys and
// recursion, and (for arrays) itemSchema recursion with "field[index]".
func Value(v any, f metadata.FieldMeta) Result {
	return valueAt(v, f, f.Name)
}

func valueAt(v any, f metadata.FieldMeta, path string) Result {
	if v == nil {
		if f.Required {
			return fail(path, "required field is missing")
		}
		return ok()
	}

	if res := checkType(v, f.Type, path); !res.Valid {
		return res
	}

	switch f.Type {
	case metadata.TypeInt, metadata.TypeInt64, metadata.TypeDouble:
		if res := checkNumericRange(v, f.Constraints, path); !res.Valid {
			return res
		}
	case metadata.TypeString, metadata.TypeEnum:
		s, _ := v.(string)
		if res := checkStringLength(s, f.Constraints, path); !res.Valid {
			return res
		}
		if f.Constraints.Pattern != "" {
			re, err := regexp.Compile(f.Constraints.Pattern)
			if err != nil {
				return fail(path, fmt.Sprintf("invalid pattern constraint: %v", err))
			}
			if !re.MatchString(s) {
				return fail(path, "value does not match pattern")
			}
		}
	case metadata.TypeArray:
		if res := checkArrayLength(v, f.Constraints, path); !res.Valid {
			return res
		}
	}

	if f.Type == metadata.TypeEnum || len(f.Constraints.EnumValues) > 0 {
		s, _ := v.(string)
		if len(f.Constraints.EnumValues) > 0 && !contains(f.Constraints.EnumValues, s) {
			return fail(path, fmt.Sprintf("value %q is not one of the allowed enum values", s))
		}
	}

	switch f.Type {
	case metadata.TypeObject:
		return validateObject(v, f, path)
	case metadata.TypeArray:
		return validateArray(v, f, path)
	}

	return ok()
}

func checkType(v any, t metadata.FieldType, path string) Result {
	switch t {
	case metadata.TypeAny:
		return ok()
	case metadata.TypeString, metadata.TypeEnum:
		if _, isStr := v.(string); !isStr {
			return fail(path, "expected string")
		}
	case metadata.TypeBool:
		if _, isBool := v.(bool); !isBool {
			return fail(path, "expected bool")
		}
	case metadata.TypeInt:
		n, isNum := v.(float64)
		if !isNum {
			return fail(path, "expected int")
		}
		if n != float64(int64(n)) {
			return fail(path, "expected an integral value")
		}
	case metadata.TypeInt64:
		n, isNum := v.(float64)
		if !isNum {
			return fail(path, "expected int64")
		}
		if n != float64(int64(n)) {
			return fail(path, "expected an integral value")
		}
		const maxSafeInt = 1 << 53
		if n > maxSafeInt || n < -maxSafeInt {
			return fail(path, "int64 magnitude exceeds 2^53")
		}
	case metadata.TypeDouble:
		if _, isNum := v.(float64); !isNum {
			return fail(path, "expected a number")
		}
	case metadata.TypeObject:
		if _, isMap := v.(map[string]any); !isMap {
			return fail(path, "expected object")
		}
	case metadata.TypeArray:
		if _, isArr := v.([]any); !isArr {
			return fail(path, "expected array")
		}
	default:
		return fail(path, fmt.Sprintf("unknown field type %q", t))
	}
	return ok()
}

func checkNumericRange(v any, c metadata.Constraints, path string) Result {
	n, _ := v.(float64)
	if c.Min != nil && n < *c.Min {
		return fail(path, fmt.Sprintf("value %v is below minimum %v", n, *c.Min))
	}
	if c.Max != nil && n > *c.Max {
		return fail(path, fmt.Sprintf("value %v is above maximum %v", n, *c.Max))
	}
	return ok()
}

func checkStringLength(s string, c metadata.Constraints, path string) Result {
	runes := []rune(s)
	if c.MinLength != nil && len(runes) < *c.MinLength {
		return fail(path, fmt.Sprintf("string shorter than minLength %d", *c.MinLength))
	}
	if c.MaxLength != nil && len(runes) > *c.MaxLength {
		return fail(path, fmt.Sprintf("string longer than maxLength %d", *c.MaxLength))
	}
	return ok()
}

func checkArrayLength(v any, c metadata.Constraints, path string) Result {
	arr, _ := v.([]any)
	if c.MinItems != nil && len(arr) < *c.MinItems {
		return fail(path, fmt.Sprintf("array shorter than minItems %d", *c.MinItems))
	}
	if c.MaxItems != nil && len(arr) > *c.MaxItems {
		return fail(path, fmt.Sprintf("array longer than maxItems %d", *c.MaxItems))
	}
	return ok()
}

func validateObject(v any, f metadata.FieldMeta, path string) Result {
	obj, _ := v.(map[string]any)

	known := make(map[string]metadata.FieldMeta, len(f.Children))
	for _, child := range f.Children {
		known[child.Name] = child
	}

	for _, key := range f.RequiredKeys {
		if _, present := obj[key]; !present {
			return fail(joinPath(path, key), "required key is missing")
		}
	}

	for _, child := range f.Children {
		childVal, present := obj[child.Name]
		childPath := joinPath(path, child.Name)
		if !present {
			if child.Required {
				return fail(childPath, "required field is missing")
			}
			continue
		}
		if res := valueAt(childVal, child, childPath); !res.Valid {
			return res
		}
	}

	if !f.AdditionalPropertiesAllowed {
		for key := range obj {
			if _, isKnown := known[key]; !isKnown {
				return fail(joinPath(path, key), "unknown field is not allowed")
			}
		}
	}

	return ok()
}

func validateArray(v any, f metadata.FieldMeta, path string) Result {
	arr, _ := v.([]any)
	if f.ItemSchema == nil {
		return ok()
	}
	for i, item := range arr {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		if res := valueAt(item, *f.ItemSchema, itemPath); !res.Valid {
			return res
		}
	}
	return ok()
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Fill produces a new value with any missing key populated from a non-null
// default, recursively, for object-typed fields. It never overwrites a
// present key, and is idempotent: Fill(Fill(v, s), s) == Fill(v, s).
func Fill(v any, f metadata.FieldMeta) any {
	switch f.Type {
	case metadata.TypeObject:
		obj, isMap := v.(map[string]any)
		out := make(map[string]any, len(f.Children))
		if isMap {
			for k, val := range obj {
				out[k] = val
			}
		}
		for _, child := range f.Children {
			existing, present := out[child.Name]
			if present {
				out[child.Name] = Fill(existing, child)
				continue
			}
			if child.HasDefault() {
				var def any
				if err := json.Unmarshal(child.DefaultVal, &def); err == nil {
					out[child.Name] = Fill(def, child)
				}
			} else if child.Type == metadata.TypeObject && len(child.Children) > 0 {
				out[child.Name] = Fill(map[string]any{}, child)
			}
		}
		return out
	case metadata.TypeArray:
		arr, isArr := v.([]any)
		if !isArr || f.ItemSchema == nil {
			return v
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = Fill(item, *f.ItemSchema)
		}
		return out
	default:
		return v
	}
}
