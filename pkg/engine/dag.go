package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder orders services by their depends_on edges.
// It detects cycles and assigns execution levels; services on one level have
// no dependencies on each other.
type DAGBuilder struct {
	// nodes holds every service name in the graph
	nodes map[string]bool

	// dependents maps a service to the services that depend on it
	dependents map[string][]string

	// dependencies maps a service to the services it depends on
	dependencies map[string][]string

	// inDegree tracks the number of unresolved dependencies per service
	inDegree map[string]int

	// levels holds service names per execution level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:        make(map[string]bool),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
		levels:       make([][]string, 0),
	}
}

// Build constructs the graph from service definitions and computes its levels.
func (b *DAGBuilder) Build(defs []ServiceDefinition) ([][]string, error) {
	if len(defs) == 0 {
		return b.levels, nil
	}

	if err := b.initialize(defs); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.levels, nil
}

// initialize indexes services and builds adjacency lists.
func (b *DAGBuilder) initialize(defs []ServiceDefinition) error {
	for _, def := range defs {
		if def.Name == "" {
			return NewPermanentError("service definition has empty name", nil).
				WithCode(ErrCodeValidation)
		}
		if b.nodes[def.Name] {
			return NewPermanentError(fmt.Sprintf("duplicate service: %s", def.Name), nil).
				WithCode(ErrCodeValidation).WithService(def.Name)
		}
		b.nodes[def.Name] = true
		b.inDegree[def.Name] = 0
	}

	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if !b.nodes[dep] {
				return ErrConfigInvalid(fmt.Sprintf("services.%s.depends_on", def.Name),
					fmt.Errorf("unknown service %q", dep))
			}
			b.dependents[dep] = append(b.dependents[dep], def.Name)
			b.dependencies[def.Name] = append(b.dependencies[def.Name], dep)
			b.inDegree[def.Name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to find circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, name := range b.sortedNodes() {
		if visited[name] {
			continue
		}
		if cycle := b.visit(name, visited, onStack, nil); cycle != nil {
			return ErrConfigInvalid("depends_on",
				fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> ")))
		}
	}

	return nil
}

// visit returns the cycle path if one is reachable from name.
func (b *DAGBuilder) visit(name string, visited, onStack map[string]bool, path []string) []string {
	visited[name] = true
	onStack[name] = true
	path = append(path, name)

	for _, next := range b.dependents[name] {
		if !visited[next] {
			if cycle := b.visit(next, visited, onStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]string{}, path[i:]...), next)
				}
			}
		}
	}

	onStack[name] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Names within a level are
// sorted so the order is deterministic.
func (b *DAGBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		remaining[name] = degree
	}

	current := make([]string, 0)
	for _, name := range b.sortedNodes() {
		if remaining[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range b.dependents[name] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.nodes) {
		return NewPermanentError("failed to order all services, possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) sortedNodes() []string {
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Levels returns the computed execution levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// Dependencies returns the services the named service depends on.
func (b *DAGBuilder) Dependencies(name string) []string {
	return b.dependencies[name]
}

// ReverseLevels returns the levels last-first, for teardown.
func ReverseLevels(levels [][]string) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		out[len(levels)-1-i] = level
	}
	return out
}
