package model

import (
	"fmt"
	"reflect"
)

// ValidationError reports a usage payload that failed schema checks. It is
// never retried; the caller must fix the record and call Track again.
type ValidationError struct {
	ServiceKey string
	Missing    []string
	Extra      []string
	TypeErrors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("aicm: record for %q failed validation: missing=%v extra=%v type_errors=%v",
		e.ServiceKey, e.Missing, e.Extra, e.TypeErrors)
}

// Schema describes the expected shape of a Usage payload for one
// service_key pattern. Absence of a Schema for a given service key means
// no validation is performed.
type Schema struct {
	Required []string
	Optional []string
	Types    map[string]reflect.Kind
}

// Validate checks usage against the schema, returning a *ValidationError
// carrying all three violation lists at once rather than failing fast on
// the first problem, so callers can fix a payload in one pass.
func (s *Schema) Validate(serviceKey string, usage Usage) error {
	allowed := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		allowed[k] = true
	}
	for _, k := range s.Optional {
		allowed[k] = true
	}

	var missing, extra, typeErrors []string

	for _, k := range s.Required {
		if _, ok := usage[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range usage {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	for field, wantKind := range s.Types {
		v, ok := usage[field]
		if !ok {
			continue
		}
		if reflect.ValueOf(v).Kind() != wantKind {
			typeErrors = append(typeErrors, field)
		}
	}

	if len(missing) == 0 && len(extra) == 0 && len(typeErrors) == 0 {
		return nil
	}
	return &ValidationError{
		ServiceKey: serviceKey,
		Missing:    missing,
		Extra:      extra,
		TypeErrors: typeErrors,
	}
}

// SchemaRegistry maps a service_key to its Schema, supplied at Tracker
// construction. Lookups fall back to no validation when a key is absent.
type SchemaRegistry map[string]*Schema

func (r SchemaRegistry) Lookup(serviceKey string) *Schema {
	if r == nil {
		return nil
	}
	return r[serviceKey]
}
