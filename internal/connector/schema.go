package connector

import (
	"fmt"
	"sort"

	"github.com/rakunlabs/connectgate/internal/errtax"
)

// FieldType is the closed vocabulary a ConfigSchema field may declare
// (spec §6.5): four scalar types plus the shallow object and array types
// below; no open-ended JSON Schema.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	FieldURL    FieldType = "url"

	// FieldObject and FieldArray cover the two structured config.5 keys
	// every reference connector needs (credentials.*, sources[]):
	// declaring required-ness and rejecting the key when it's missing or
	// of the wrong JSON shape is as far as this hand-rolled validator
	// goes — the nested shape itself is decoded and checked by the
	// connector factory that builds the concrete source/credential
	// structs from it (see cmd/connectgated), not by ConfigSchema.
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one top-level config key a Definition accepts.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// ConfigSchema is a closed-vocabulary config descriptor, deliberately not
// a general JSON-Schema engine: it validates type, required-ness and
// rejects unknown top-level keys, which is the entirety of what spec
// §6.5 asks for.
type ConfigSchema struct {
	Fields []Field
}

// Validate checks config against s: every Required field must be
// present and of the declared Type, and every key in config must be
// declared in s.Fields ("Unknown keys MUST be rejected during schema
// validation").
func (s ConfigSchema) Validate(config map[string]any) error {
	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
	}

	for key := range config {
		if _, ok := declared[key]; !ok {
			return &errtax.ValidationError{Op: "connector.ConfigSchema.Validate", Message: fmt.Sprintf("unknown config key %q", key)}
		}
	}

	// Sorted so a failing Validate call reports the same first error on
	// every run, regardless of map iteration order.
	names := make([]string, 0, len(s.Fields))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := declared[name]
		v, present := config[name]
		if !present {
			if f.Required {
				return &errtax.ValidationError{Op: "connector.ConfigSchema.Validate", Message: fmt.Sprintf("missing required config key %q", name)}
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return err
		}
	}

	return nil
}

func checkType(f Field, v any) error {
	ok := false
	switch f.Type {
	case FieldString, FieldURL:
		_, ok = v.(string)
	case FieldInt:
		switch v.(type) {
		case int, int32, int64, float64:
			ok = true
		}
	case FieldBool:
		_, ok = v.(bool)
	case FieldObject:
		_, ok = v.(map[string]any)
	case FieldArray:
		_, ok = v.([]any)
	default:
		return &errtax.ValidationError{Op: "connector.ConfigSchema.Validate", Message: fmt.Sprintf("field %q declares unknown type %q", f.Name, f.Type)}
	}
	if !ok {
		return &errtax.ValidationError{Op: "connector.ConfigSchema.Validate", Message: fmt.Sprintf("config key %q must be of type %s", f.Name, f.Type)}
	}
	return nil
}
