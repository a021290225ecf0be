package topology

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceDescriptor is the static configuration of a watched service.
type ServiceDescriptor struct {
	Name string `json:"name"`
	// OneOff marks a unit that is expected to run to completion and exit.
	OneOff bool `json:"one_off"`
	// Dependencies are the names this service depends on, in declaration order.
	Dependencies []string `json:"dependencies,omitempty"`
	// Ignore keeps the service in the graph for dependency resolution but out of the watch set.
	Ignore bool `json:"ignore,omitempty"`
}

// ConfigError reports an invalid topology.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid topology: " + e.Reason
}

// Graph is an immutable, validated dependency graph.
type Graph struct {
	descriptors  map[string]ServiceDescriptor
	dependencies map[string][]string
	dependents   map[string][]string
	order        []string
}

// NewGraph validates descriptors and builds forward and reverse edges.
// Duplicate names, unknown dependencies and cycles are rejected with a *ConfigError.
func NewGraph(descriptors []ServiceDescriptor) (*Graph, error) {
	g := &Graph{
		descriptors:  make(map[string]ServiceDescriptor, len(descriptors)),
		dependencies: make(map[string][]string, len(descriptors)),
		dependents:   make(map[string][]string, len(descriptors)),
	}

	for _, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, &ConfigError{Reason: "service name is required"}
		}
		if _, ok := g.descriptors[name]; ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate service %q", name)}
		}
		d.Name = name
		d.Dependencies = dedupe(d.Dependencies)
		g.descriptors[name] = d
	}

	for name, d := range g.descriptors {
		for _, dep := range d.Dependencies {
			if dep == name {
				return nil, &ConfigError{Reason: fmt.Sprintf("service %q depends on itself", name)}
			}
			if _, ok := g.descriptors[dep]; !ok {
				return nil, &ConfigError{Reason: fmt.Sprintf("service %q depends on unknown service %q", name, dep)}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		g.dependencies[name] = d.Dependencies
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &ConfigError{Reason: "dependency cycle: " + strings.Join(cycle, " -> ")}
	}
	g.order = g.topologicalOrder()

	return g, nil
}

// Descriptor returns the descriptor for name.
func (g *Graph) Descriptor(name string) (ServiceDescriptor, bool) {
	if g == nil {
		return ServiceDescriptor{}, false
	}
	d, ok := g.descriptors[name]
	return d, ok
}

// Names returns all service names sorted.
func (g *Graph) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.descriptors))
	for name := range g.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watched returns the descriptors of services that are not ignored, in dependency order.
func (g *Graph) Watched() []ServiceDescriptor {
	if g == nil {
		return nil
	}
	result := make([]ServiceDescriptor, 0, len(g.order))
	for _, name := range g.order {
		d := g.descriptors[name]
		if d.Ignore {
			continue
		}
		result = append(result, d)
	}
	return result
}

// DependenciesOf returns the direct dependencies of a service in declaration order.
func (g *Graph) DependenciesOf(name string) []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.dependencies[name]...)
}

// DependentsOf returns the services that directly depend on name, sorted.
func (g *Graph) DependentsOf(name string) []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependencies returns every service name reachable through dependency edges,
// ordered so that each service appears after all of its own dependencies.
func (g *Graph) TransitiveDependencies(name string) []string {
	if g == nil {
		return nil
	}
	reachable := map[string]struct{}{}
	var visit func(string)
	visit = func(n string) {
		for _, dep := range g.dependencies[n] {
			if _, ok := reachable[dep]; ok {
				continue
			}
			reachable[dep] = struct{}{}
			visit(dep)
		}
	}
	visit(name)

	result := make([]string, 0, len(reachable))
	for _, n := range g.order {
		if _, ok := reachable[n]; ok {
			result = append(result, n)
		}
	}
	return result
}

// Order returns all services in start order: dependencies first, ties broken by name.
func (g *Graph) Order() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.order...)
}

func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(g.descriptors))
	var stack []string

	var visit func(string) []string
	visit = func(name string) []string {
		marks[name] = visiting
		stack = append(stack, name)
		for _, dep := range g.dependencies[name] {
			switch marks[dep] {
			case visiting:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		return nil
	}

	for _, name := range g.Names() {
		if marks[name] != unvisited {
			continue
		}
		if cycle := visit(name); cycle != nil {
			return cycle
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm; it must only be called on an acyclic graph.
func (g *Graph) topologicalOrder() []string {
	remaining := make(map[string]int, len(g.descriptors))
	for name := range g.descriptors {
		remaining[name] = len(g.dependencies[name])
	}

	ready := make([]string, 0)
	for name, count := range remaining {
		if count == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.descriptors))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		released := false
		for _, dependent := range g.dependents[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	return order
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
