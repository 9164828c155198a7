package task

import (
	"fmt"
	"maps"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/protocol"
)

// Parameter schema types understood by the validator. "any" skips the type
// check entirely.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// ValidateParams checks params against a task's parameter schema and
// returns a copy with defaults applied for absent optional parameters.
// Violations map to MalformedCommand: schema mismatch is rejected at the
// dispatch boundary rather than propagating a type error from inside task
// execution.
func ValidateParams(schema []protocol.ParameterSpec, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	maps.Copy(out, params)

	for _, spec := range schema {
		value, present := out[spec.Name]
		if !present {
			if spec.Required {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: missing required parameter %q", errors.ErrMalformedCommand, spec.Name),
					"task", "ValidateParams", "check required parameters")
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}
		if !typeMatches(spec.Type, value) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: parameter %q is not a %s", errors.ErrMalformedCommand, spec.Name, spec.Type),
				"task", "ValidateParams", "check parameter types")
		}
	}

	return out, nil
}

// typeMatches checks a decoded JSON value against a schema type. Numbers
// arrive as float64 from the JSON decoder; "integer" additionally requires
// a whole value.
func typeMatches(schemaType string, value any) bool {
	if value == nil {
		return true
	}
	switch schemaType {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		return isNumeric(value)
	case TypeInteger:
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case float32:
			return v == float32(int64(v))
		case int, int32, int64:
			return true
		default:
			return false
		}
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeAny, "":
		return true
	default:
		// Unknown schema types are not enforced; the task author opted out
		// of validation for this parameter.
		return true
	}
}

func isNumeric(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}
