package action

import (
	"fmt"
)

// ValidationError describes caller input that does not satisfy an action's
// declared parameter contract
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Field, e.Reason)
}

// ValidateParameters checks inputs against the definition's declared
// parameters and returns the coerced map: defaults applied for omitted
// optional parameters, numbers normalized to float64, player and place
// handles normalized to strings. Unknown keys are rejected.
func ValidateParameters(def *Definition, inputs map[string]interface{}) (ExecutionParameters, error) {
	declared := make(map[string]Parameter, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = p
	}

	for name := range inputs {
		if _, ok := declared[name]; !ok {
			return nil, &ValidationError{Field: name, Reason: "not declared by this action"}
		}
	}

	out := make(ExecutionParameters, len(def.Parameters))
	for _, p := range def.Parameters {
		raw, present := inputs[p.Name]
		if !present || raw == nil {
			// required always means caller-supplied, even when a default exists
			if p.Required {
				return nil, &ValidationError{Field: p.Name, Reason: "required parameter is missing"}
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		coerced, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerce(p Parameter, raw interface{}) (interface{}, error) {
	switch p.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: p.Name, Reason: "expected a string"}
		}
		return s, nil
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, &ValidationError{Field: p.Name, Reason: "expected a boolean"}
		}
		return b, nil
	case TypeNumber:
		return toFloat(p.Name, raw)
	case TypePlayer, TypePlace:
		// entity handles travel as strings to avoid 53-bit float truncation
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		default:
			return nil, &ValidationError{Field: p.Name, Reason: "expected an id"}
		}
	default:
		return nil, &ValidationError{Field: p.Name, Reason: fmt.Sprintf("unsupported type %q", p.Type)}
	}
}

func toFloat(field string, raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, &ValidationError{Field: field, Reason: "expected a number"}
	}
}
