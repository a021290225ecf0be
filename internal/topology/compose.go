package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

const (
	restartNo            = "no"
	restartConditionNone = "none"
	// Services other units wait on with this condition are one-off jobs (migrations, seeders).
	conditionCompleted = types.ServiceConditionCompletedSuccessfully
)

// ParseCompose parses compose content into service descriptors.
//
// A service is a one-off job when it declares `restart: "no"`, a deploy restart
// condition of `none`, or when another service waits for it with
// `condition: service_completed_successfully`.
func ParseCompose(ctx context.Context, body []byte, projectName, workingDir string) ([]ServiceDescriptor, error) {
	if len(body) == 0 {
		return nil, errors.New("compose body is empty")
	}
	if workingDir == "" {
		workingDir = "."
	}
	if projectName == "" {
		projectName = "compose-medic"
	}

	details := types.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		return nil, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, errors.New("compose has no services")
	}

	completedBy := map[string]struct{}{}
	for _, service := range project.Services {
		for dep, cfg := range service.DependsOn {
			if cfg.Condition == conditionCompleted {
				completedBy[dep] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]ServiceDescriptor, 0, len(names))
	for _, name := range names {
		service := project.Services[name]
		_, awaited := completedBy[name]
		descriptors = append(descriptors, ServiceDescriptor{
			Name:         name,
			OneOff:       awaited || isOneOffRestart(service),
			Dependencies: dependencyNames(service.DependsOn),
		})
	}
	return descriptors, nil
}

func isOneOffRestart(service types.ServiceConfig) bool {
	if service.Restart == restartNo {
		return true
	}
	if service.Deploy != nil && service.Deploy.RestartPolicy != nil {
		return service.Deploy.RestartPolicy.Condition == restartConditionNone
	}
	return false
}

func dependencyNames(deps types.DependsOnConfig) []string {
	if len(deps) == 0 {
		return nil
	}
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
