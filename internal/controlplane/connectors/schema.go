package connectors

import (
	"strconv"
	"strings"
)

// Field types enforceable by the schema check.
const (
	FieldString  = "string"
	FieldIP      = "string:ip"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldArray   = "array"
)

// ActionSchema declares the typed inputs of one connector action.
type ActionSchema struct {
	Description    string            `json:"description,omitempty"`
	RequiredFields []string          `json:"required_fields,omitempty"`
	OptionalFields []string          `json:"optional_fields,omitempty"`
	FieldTypes     map[string]string `json:"field_types,omitempty"`
}

// ValidateInputs enforces required fields and primitive types. Unknown
// fields are rejected when the schema declares any field list at all.
func (s ActionSchema) ValidateInputs(inputs map[string]any) *Error {
	for _, field := range s.RequiredFields {
		value, present := inputs[field]
		if !present || value == nil {
			return Errorf(CodeInvalidInput, "missing required field %q", field)
		}
	}

	if len(s.RequiredFields)+len(s.OptionalFields) > 0 {
		allowed := make(map[string]struct{}, len(s.RequiredFields)+len(s.OptionalFields))
		for _, field := range s.RequiredFields {
			allowed[field] = struct{}{}
		}
		for _, field := range s.OptionalFields {
			allowed[field] = struct{}{}
		}
		for field := range inputs {
			if _, ok := allowed[field]; !ok {
				return Errorf(CodeInvalidInput, "unknown field %q", field)
			}
		}
	}

	for field, fieldType := range s.FieldTypes {
		value, present := inputs[field]
		if !present || value == nil {
			continue
		}
		if err := checkFieldType(field, fieldType, value); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldType(field, fieldType string, value any) *Error {
	switch fieldType {
	case FieldString:
		if _, ok := value.(string); !ok {
			return Errorf(CodeInvalidInput, "field %q must be a string", field)
		}
	case FieldIP:
		s, ok := value.(string)
		if !ok || !isDottedIPv4(s) {
			return Errorf(CodeInvalidInput, "field %q must be a dotted IPv4 address", field)
		}
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return Errorf(CodeInvalidInput, "field %q must be a number", field)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return Errorf(CodeInvalidInput, "field %q must be a boolean", field)
		}
	case FieldArray:
		if _, ok := value.([]any); !ok {
			return Errorf(CodeInvalidInput, "field %q must be an array", field)
		}
	default:
		return Errorf(CodeInternal, "schema declares unknown type %q for field %q", fieldType, field)
	}
	return nil
}

func isDottedIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "" || len(part) > 3 {
			return false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		if len(part) > 1 && part[0] == '0' {
			return false
		}
	}
	return true
}
