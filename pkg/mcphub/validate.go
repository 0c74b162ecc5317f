package mcphub

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
)

// validateToolArguments checks args against a tool's declared input schema.
// The walk covers the closed set of primitive schema kinds; shapes outside it
// (oneOf, allOf, $ref, ...) accept anything. Properties absent from the
// schema's required list are optional, and undeclared properties are
// accepted.
func validateToolArguments(schema *jsonschema.Schema, args map[string]any) []FieldError {
	if schema == nil {
		return nil
	}
	value := make(map[string]any, len(args))
	for k, v := range args {
		value[k] = v
	}
	return validateValue(schema, value, "")
}

func validateValue(schema *jsonschema.Schema, value any, path string) []FieldError {
	if schema == nil {
		return nil
	}
	switch schemaType(schema) {
	case "string":
		return validateString(schema, value, path)
	case "number":
		return validateNumber(schema, value, path, false)
	case "integer":
		return validateNumber(schema, value, path, true)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return []FieldError{{Path: path, Message: "expected a boolean"}}
		}
		return nil
	case "null":
		if value != nil {
			return []FieldError{{Path: path, Message: "expected null"}}
		}
		return nil
	case "array":
		return validateArray(schema, value, path)
	case "object":
		return validateObject(schema, value, path)
	default:
		// Unrecognized schema shapes accept anything.
		return nil
	}
}

// schemaType returns the single declared type, or "" when the schema is
// untyped or declares a type union (outside the closed set).
func schemaType(schema *jsonschema.Schema) string {
	if schema.Type != "" {
		return schema.Type
	}
	if len(schema.Types) == 1 {
		return schema.Types[0]
	}
	return ""
}

func validateString(schema *jsonschema.Schema, value any, path string) []FieldError {
	s, ok := value.(string)
	if !ok {
		return []FieldError{{Path: path, Message: "expected a string"}}
	}
	var errs []FieldError
	if schema.MinLength != nil && len(s) < *schema.MinLength {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf("must be at least %d characters", *schema.MinLength)})
	}
	if schema.MaxLength != nil && len(s) > *schema.MaxLength {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf("must be at most %d characters", *schema.MaxLength)})
	}
	if schema.Pattern != "" {
		if re, err := regexp.Compile(schema.Pattern); err == nil && !re.MatchString(s) {
			errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf("must match pattern %s", schema.Pattern)})
		}
	}
	if len(schema.Enum) > 0 && !enumContains(schema.Enum, s) {
		errs = append(errs, FieldError{Path: path, Message: "is not one of the allowed values"})
	}
	return errs
}

func validateNumber(schema *jsonschema.Schema, value any, path string, integral bool) []FieldError {
	n, ok := asFloat(value)
	if !ok {
		if integral {
			return []FieldError{{Path: path, Message: "expected an integer"}}
		}
		return []FieldError{{Path: path, Message: "expected a number"}}
	}
	var errs []FieldError
	if integral && n != math.Trunc(n) {
		errs = append(errs, FieldError{Path: path, Message: "expected an integer"})
	}
	if schema.Minimum != nil && n < *schema.Minimum {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf("must be >= %v", *schema.Minimum)})
	}
	if schema.Maximum != nil && n > *schema.Maximum {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf("must be <= %v", *schema.Maximum)})
	}
	if len(schema.Enum) > 0 && !enumContains(schema.Enum, value) {
		errs = append(errs, FieldError{Path: path, Message: "is not one of the allowed values"})
	}
	return errs
}

func validateArray(schema *jsonschema.Schema, value any, path string) []FieldError {
	items, ok := value.([]any)
	if !ok {
		return []FieldError{{Path: path, Message: "expected an array"}}
	}
	if schema.Items == nil {
		return nil
	}
	var errs []FieldError
	for i, item := range items {
		errs = append(errs, validateValue(schema.Items, item, fmt.Sprintf("%s[%d]", path, i))...)
	}
	return errs
}

func validateObject(schema *jsonschema.Schema, value any, path string) []FieldError {
	obj, ok := value.(map[string]any)
	if !ok {
		return []FieldError{{Path: path, Message: "expected an object"}}
	}
	var errs []FieldError
	for _, name := range schema.Required {
		if _, present := obj[name]; !present {
			errs = append(errs, FieldError{Path: joinPath(path, name), Message: "required property is missing"})
		}
	}
	for name, propSchema := range schema.Properties {
		propValue, present := obj[name]
		if !present {
			continue
		}
		errs = append(errs, validateValue(propSchema, propValue, joinPath(path, name))...)
	}
	return errs
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// enumContains compares through JSON encoding so numeric representations
// (int vs float64) do not spoil equality.
func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
		a, errA := json.Marshal(candidate)
		b, errB := json.Marshal(value)
		if errA == nil && errB == nil && string(a) == string(b) {
			return true
		}
	}
	return false
}
