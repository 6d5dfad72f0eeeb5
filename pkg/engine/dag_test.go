package engine

import (
	"reflect"
	"testing"
)

func TestDAGBuilder_Build_Empty(t *testing.T) {
	levels, err := NewDAGBuilder().Build(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty definitions, got: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(levels))
	}
}

func TestDAGBuilder_Build_Levels(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "web", DependsOn: []string{"api"}},
		{Name: "api", DependsOn: []string{"db", "cache"}},
		{Name: "db"},
		{Name: "cache"},
		{Name: "worker", DependsOn: []string{"db"}},
	}

	levels, err := NewDAGBuilder().Build(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{
		{"cache", "db"},
		{"api", "worker"},
		{"web"},
	}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}

	reversed := ReverseLevels(levels)
	if reversed[0][0] != "web" || reversed[2][0] != "cache" {
		t.Errorf("Expected reversed levels, got %v", reversed)
	}
}

func TestDAGBuilder_Build_Cycle(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	}

	_, err := NewDAGBuilder().Build(defs)
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if !IsKind(err, ErrCodeConfigInvalid) {
		t.Errorf("Expected CONFIG_INVALID, got: %v", err)
	}
}

func TestDAGBuilder_Build_UnknownDependency(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "web", DependsOn: []string{"db"}},
	}

	_, err := NewDAGBuilder().Build(defs)
	if err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
	if !IsKind(err, ErrCodeConfigInvalid) {
		t.Errorf("Expected CONFIG_INVALID, got: %v", err)
	}
}

func TestDAGBuilder_Build_Duplicate(t *testing.T) {
	defs := []ServiceDefinition{{Name: "web"}, {Name: "web"}}

	if _, err := NewDAGBuilder().Build(defs); err == nil {
		t.Fatal("Expected error for duplicate service")
	}
}
