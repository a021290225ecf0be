package topology

import (
	"context"
	"errors"
	"sort"
)

// ServiceLister is satisfied by workload drivers that can report the declared services.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]ServiceDescriptor, error)
}

// Loader produces validated graphs from a compose source, or from the driver
// when no compose source is configured.
type Loader struct {
	source    Source
	lister    ServiceLister
	project   string
	overrides map[string]Override
	etag      string
}

// NewLoader constructs a Loader. Exactly one of source or lister is used; source wins.
func NewLoader(source Source, lister ServiceLister, project string, overrides map[string]Override) (*Loader, error) {
	if source == nil && lister == nil {
		return nil, errors.New("topology loader needs a compose source or a service lister")
	}
	return &Loader{
		source:    source,
		lister:    lister,
		project:   project,
		overrides: overrides,
	}, nil
}

// Load returns the current graph and the fingerprint of its input.
// When the source reports it is unchanged, the returned graph is nil and changed is false.
func (l *Loader) Load(ctx context.Context, previousFingerprint string) (graph *Graph, fingerprint string, changed bool, err error) {
	var descriptors []ServiceDescriptor
	if l.source != nil {
		result, err := l.source.Fetch(ctx, l.etag)
		if err != nil {
			return nil, "", false, err
		}
		if result.NotModified {
			return nil, previousFingerprint, false, nil
		}
		l.etag = result.ETag

		fingerprint, err = Fingerprint(result.Body)
		if err != nil {
			return nil, "", false, err
		}
		if fingerprint == previousFingerprint {
			return nil, fingerprint, false, nil
		}
		descriptors, err = ParseCompose(ctx, result.Body, l.project, result.WorkingDir)
		if err != nil {
			return nil, "", false, err
		}
	} else {
		descriptors, err = l.lister.ListServices(ctx)
		if err != nil {
			return nil, "", false, err
		}
		fingerprint = descriptorFingerprint(descriptors)
		if fingerprint == previousFingerprint {
			return nil, fingerprint, false, nil
		}
	}

	descriptors, err = ApplyOverrides(descriptors, l.overrides)
	if err != nil {
		return nil, "", false, err
	}
	graph, err = NewGraph(descriptors)
	if err != nil {
		return nil, "", false, err
	}
	return graph, fingerprint, true, nil
}

func descriptorFingerprint(descriptors []ServiceDescriptor) string {
	sorted := append([]ServiceDescriptor(nil), descriptors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	buf := make([]byte, 0, 256)
	for _, d := range sorted {
		buf = append(buf, d.Name...)
		if d.OneOff {
			buf = append(buf, '!')
		}
		for _, dep := range d.Dependencies {
			buf = append(buf, ':')
			buf = append(buf, dep...)
		}
		buf = append(buf, ';')
	}
	sum, err := Fingerprint(buf)
	if err != nil {
		return ""
	}
	return sum
}
