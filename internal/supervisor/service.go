package supervisor

import (
	"context"

	"github.com/thejerf/suture/v4"
)

// service adapts a blocking run function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

var _ suture.Service = (*service)(nil)

func newService(name string, run func(ctx context.Context) error) *service {
	return &service{name: name, run: run}
}

// Serve runs the component. A return while ctx is still live makes suture
// restart it with backoff.
func (s *service) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *service) String() string {
	return s.name
}
