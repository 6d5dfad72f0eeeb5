package config

import (
	"errors"
	"testing"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"project", "service", "settings", "registry"} {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}

	if len(sr.ListSchemas()) != 4 {
		t.Errorf("Expected 4 schemas, got %v", sr.ListSchemas())
	}
}

func TestSchemaRegistry_RegisterCustom(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("limits", `#Limits: { cpus: number & >0, memory?: string }`, "#Limits")
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	if err := sr.Validate("limits", map[string]interface{}{"cpus": 2}); err != nil {
		t.Errorf("Expected valid data, got %v", err)
	}
	if err := sr.Validate("limits", map[string]interface{}{"cpus": 0}); err == nil {
		t.Error("Expected error for cpus = 0")
	}

	if err := sr.RegisterSchema("broken", `#X: {`, "#X"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("nodef", `#X: {}`, "#Y"); err == nil {
		t.Error("Expected error for a missing definition")
	}
	if err := sr.Validate("unknown", nil); err == nil {
		t.Error("Expected error for an unknown schema")
	}
}

func TestSchemaRegistry_ValidateService(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name: "minimal",
			data: map[string]interface{}{"from": "alpine"},
		},
		{
			name: "full",
			data: map[string]interface{}{
				"from":        "alpine",
				"roles":       []interface{}{"a", map[string]interface{}{"role": "b", "x": 1}},
				"command":     []interface{}{"sleep", "1"},
				"environment": []interface{}{"A=1"},
				"ports":       []interface{}{80, "443:8443"},
				"labels":      map[string]interface{}{"tier": "web"},
				"deploy":      map[string]interface{}{"replicas": 2},
			},
		},
		{
			name:    "empty from",
			data:    map[string]interface{}{"from": ""},
			wantErr: true,
		},
		{
			name:    "role mapping without name",
			data:    map[string]interface{}{"from": "alpine", "roles": []interface{}{map[string]interface{}{"x": 1}}},
			wantErr: true,
		},
		{
			name:    "bad dependency name",
			data:    map[string]interface{}{"from": "alpine", "depends_on": []interface{}{"-db"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.Validate("service", tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verrs ValidationErrors
				if !errors.As(err, &verrs) || len(verrs) == 0 {
					t.Errorf("Expected ValidationErrors, got %T", err)
				}
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	e := ValidationError{File: "container.yml", Line: 3, Column: 5, Path: "services.web.from", Message: "incomplete value"}
	if got := e.Error(); got != "container.yml:3:5: services.web.from: incomplete value" {
		t.Errorf("Unexpected message: %s", got)
	}
}
