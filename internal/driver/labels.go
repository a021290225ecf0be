package driver

import (
	"sort"
	"strings"

	"github.com/nholik/compose-medic/internal/topology"
)

// Labels written by docker compose on every container it creates.
const (
	labelProject   = "com.docker.compose.project"
	labelService   = "com.docker.compose.service"
	labelDependsOn = "com.docker.compose.depends_on"
	labelOneOff    = "com.docker.compose.oneoff"

	// LabelOneOffJob lets operators mark a service as a one-off job explicitly.
	LabelOneOffJob = "compose-medic.oneoff"

	conditionCompleted = "service_completed_successfully"
)

type dependency struct {
	name      string
	condition string
}

// parseDependsOn parses the compose depends_on label.
// The format is a comma separated list of name:condition:restart entries.
func parseDependsOn(label string) []dependency {
	if strings.TrimSpace(label) == "" {
		return nil
	}
	var deps []dependency
	for _, entry := range strings.Split(label, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		dep := dependency{name: name}
		if len(parts) > 1 {
			dep.condition = strings.TrimSpace(parts[1])
		}
		deps = append(deps, dep)
	}
	return deps
}

// descriptorsFromLabels builds service descriptors from the labels of one
// container per service.
func descriptorsFromLabels(labelsByService map[string]map[string]string) []topology.ServiceDescriptor {
	completed := map[string]struct{}{}
	dependencies := make(map[string][]string, len(labelsByService))
	for service, labels := range labelsByService {
		for _, dep := range parseDependsOn(labels[labelDependsOn]) {
			dependencies[service] = append(dependencies[service], dep.name)
			if dep.condition == conditionCompleted {
				completed[dep.name] = struct{}{}
			}
		}
	}

	known := make(map[string]struct{}, len(labelsByService))
	names := make([]string, 0, len(labelsByService))
	for name := range labelsByService {
		known[name] = struct{}{}
		names = append(names, name)
	}
	// A dependency without any container is still part of the topology; it
	// will be observed as not-deployed.
	for _, deps := range dependencies {
		for _, dep := range deps {
			if _, ok := known[dep]; !ok {
				known[dep] = struct{}{}
				names = append(names, dep)
			}
		}
	}
	sort.Strings(names)

	descriptors := make([]topology.ServiceDescriptor, 0, len(names))
	for _, name := range names {
		_, awaited := completed[name]
		deps := dependencies[name]
		sort.Strings(deps)
		descriptors = append(descriptors, topology.ServiceDescriptor{
			Name:         name,
			OneOff:       awaited || isTrue(labelsByService[name][LabelOneOffJob]),
			Dependencies: deps,
		})
	}
	return descriptors
}

func isTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
