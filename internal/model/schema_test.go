package model

import (
	"reflect"
	"testing"
)

func TestSchema_Validate_AllViolations(t *testing.T) {
	schema := &Schema{
		Required: []string{"input_tokens", "output_tokens"},
		Optional: []string{"cache_tokens"},
		Types:    map[string]reflect.Kind{"input_tokens": reflect.Int},
	}

	err := schema.Validate("openai::gpt-4o-mini", Usage{
		"input_tokens": "not-an-int",
		"extra_field":  true,
	})
	if err == nil {
		t.Fatal("expected a validation error")
	}

	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Missing) != 1 || ve.Missing[0] != "output_tokens" {
		t.Errorf("missing = %v", ve.Missing)
	}
	if len(ve.Extra) != 1 || ve.Extra[0] != "extra_field" {
		t.Errorf("extra = %v", ve.Extra)
	}
	if len(ve.TypeErrors) != 1 || ve.TypeErrors[0] != "input_tokens" {
		t.Errorf("type errors = %v", ve.TypeErrors)
	}
}

func TestSchema_Validate_Clean(t *testing.T) {
	schema := &Schema{Required: []string{"input_tokens"}}
	if err := schema.Validate("openai::gpt-4o-mini", Usage{"input_tokens": 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSchemaRegistry_Lookup(t *testing.T) {
	var reg SchemaRegistry
	if reg.Lookup("anything") != nil {
		t.Error("nil registry should return nil for any lookup")
	}

	s := &Schema{Required: []string{"x"}}
	reg = SchemaRegistry{"svc": s}
	if reg.Lookup("svc") != s {
		t.Error("expected lookup to return the registered schema")
	}
	if reg.Lookup("other") != nil {
		t.Error("expected nil for an unregistered service key")
	}
}
