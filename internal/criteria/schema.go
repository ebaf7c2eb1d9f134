package criteria

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared across all config validations; validator instances
// cache struct metadata and are safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError reports a criterion configuration that fails its type's
// schema. Surfaced at group-save time; configs that pass never fail again at
// evaluation time.
type ValidationError struct {
	Type string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for criterion type %q: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DecodeConfig unmarshals a raw payload into the type's config struct and
// applies its validation tags. dst must be a pointer to the config struct.
func DecodeConfig(typeName string, raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Type: typeName, Err: err}
	}
	if err := validate.Struct(dst); err != nil {
		return &ValidationError{Type: typeName, Err: err}
	}
	return nil
}

// FieldSpec describes one configuration field for the introspection API.
type FieldSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Constraints string `json:"constraints,omitempty"`
	Description string `json:"description,omitempty"`
}

// Schema is the introspection document for one criterion type.
type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Scopes      []string    `json:"scopes"`
	Operators   []string    `json:"operators"`
	Strategy    string      `json:"strategy"`
	Fields      []FieldSpec `json:"fields"`
}

// SchemaFor derives the introspection document from a type's config struct
// tags (json, validate, desc).
func SchemaFor(t Type) Schema {
	s := Schema{
		Name:        t.Name(),
		Description: t.Description(),
		Strategy:    string(t.RefreshStrategy()),
	}
	for _, sc := range t.Scopes() {
		s.Scopes = append(s.Scopes, string(sc))
	}
	for _, op := range t.Operators() {
		s.Operators = append(s.Operators, string(op))
	}
	s.Fields = fieldSpecs(reflect.TypeOf(t.ConfigSpec()))
	return s
}

func fieldSpecs(rt reflect.Type) []FieldSpec {
	if rt == nil {
		return nil
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil
	}

	var out []FieldSpec
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		rules := f.Tag.Get("validate")
		out = append(out, FieldSpec{
			Name:        name,
			Type:        fieldTypeName(f.Type),
			Required:    strings.Contains(rules, "required"),
			Constraints: rules,
			Description: f.Tag.Get("desc"),
		})
	}
	return out
}

func fieldTypeName(rt reflect.Type) string {
	switch rt.Kind() {
	case reflect.Pointer:
		return fieldTypeName(rt.Elem())
	case reflect.Slice, reflect.Array:
		return "list of " + fieldTypeName(rt.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Struct:
		if rt.PkgPath() == "time" && rt.Name() == "Time" {
			return "timestamp"
		}
		return "object"
	default:
		return "string"
	}
}
