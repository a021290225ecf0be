// Package drivertest provides a scriptable in-memory driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/topology"
)

// Action is one recorded start, stop or restart call.
type Action struct {
	Name    string
	Service string
}

// Fake is a driver.Driver whose responses are scripted per service.
type Fake struct {
	mu sync.Mutex

	services  []topology.ServiceDescriptor
	listErr   error
	pingErr   error
	states    map[string][]driver.RawState
	stateErrs map[string]error
	actionErr map[string]error
	actions   []Action
	logs      map[string][]string
	metadata  map[string]driver.Metadata
	files     map[string][]byte

	stream        chan driver.Event
	streamErrs    chan error
	subscribeErrs []error
	subscriptions int
	since         []time.Time

	// OnAction runs after an action is recorded and before it returns.
	// It may call back into the fake, for example to script a recovery.
	OnAction func(action Action)
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		states:    map[string][]driver.RawState{},
		stateErrs: map[string]error{},
		actionErr: map[string]error{},
		logs:      map[string][]string{},
		metadata:  map[string]driver.Metadata{},
		files:     map[string][]byte{},
	}
}

// Running builds a running raw state with the given health ("" for no healthcheck).
func Running(health string) driver.RawState {
	return driver.RawState{Status: "running", Health: health}
}

// Exited builds an exited raw state.
func Exited(code int) driver.RawState {
	return driver.RawState{Status: "exited", ExitCode: &code}
}

// SetServices sets the result of ListServices.
func (f *Fake) SetServices(services ...topology.ServiceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = services
}

// SetListError makes ListServices fail.
func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetPingError makes Ping fail.
func (f *Fake) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetState scripts the states returned by RawState. Each call consumes one
// state; the last one repeats.
func (f *Fake) SetState(service string, states ...driver.RawState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[service] = append([]driver.RawState(nil), states...)
	delete(f.stateErrs, service)
}

// SetStateError makes RawState fail for service.
func (f *Fake) SetStateError(service string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateErrs[service] = err
}

// FailAction makes action ("start", "stop", "restart") fail for service.
// A nil err clears the failure.
func (f *Fake) FailAction(action, service string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := action + ":" + service
	if err == nil {
		delete(f.actionErr, key)
		return
	}
	f.actionErr[key] = err
}

// SetLogs sets the log lines of service.
func (f *Fake) SetLogs(service string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[service] = lines
}

// SetMetadata sets the inspect result of service.
func (f *Fake) SetMetadata(service string, meta driver.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[service] = meta
}

// SetFile sets the content of a file inside the service container.
func (f *Fake) SetFile(service, path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[service+":"+path] = content
}

// FailNextSubscribe makes the next subscriptions fail immediately, in order.
func (f *Fake) FailNextSubscribe(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs = append(f.subscribeErrs, errs...)
}

// Emit delivers an event on the current subscription. It reports false when
// nobody is subscribed.
func (f *Fake) Emit(ctx context.Context, event driver.Event) bool {
	f.mu.Lock()
	stream := f.stream
	f.mu.Unlock()
	if stream == nil {
		return false
	}
	select {
	case stream <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// BreakStream ends the current subscription with err.
func (f *Fake) BreakStream(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamErrs == nil {
		return
	}
	f.streamErrs <- err
	close(f.streamErrs)
	f.stream = nil
	f.streamErrs = nil
}

// Subscriptions returns how many times SubscribeEvents was called.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

// Since returns the since argument of every SubscribeEvents call in order.
func (f *Fake) Since() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.since...)
}

// Actions returns the recorded actions in call order.
func (f *Fake) Actions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Action(nil), f.actions...)
}

// ActionsFor returns the recorded action names for one service.
func (f *Fake) ActionsFor(service string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, a := range f.actions {
		if a.Service == service {
			names = append(names, a.Name)
		}
	}
	return names
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *Fake) ListServices(context.Context) ([]topology.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]topology.ServiceDescriptor(nil), f.services...), nil
}

func (f *Fake) RawState(ctx context.Context, service string) (driver.RawState, error) {
	if err := ctx.Err(); err != nil {
		return driver.RawState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stateErrs[service]; err != nil {
		return driver.RawState{}, err
	}
	states, ok := f.states[service]
	if !ok || len(states) == 0 {
		return driver.RawState{}, fmt.Errorf("%w: %s", driver.ErrServiceNotFound, service)
	}
	state := states[0]
	if len(states) > 1 {
		f.states[service] = states[1:]
	}
	return state, nil
}

func (f *Fake) Start(ctx context.Context, service string) error {
	return f.act(ctx, "start", service)
}

func (f *Fake) Stop(ctx context.Context, service string) error {
	return f.act(ctx, "stop", service)
}

func (f *Fake) Restart(ctx context.Context, service string) error {
	return f.act(ctx, "restart", service)
}

func (f *Fake) act(ctx context.Context, name, service string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := Action{Name: name, Service: service}
	f.mu.Lock()
	f.actions = append(f.actions, action)
	err := f.actionErr[name+":"+service]
	hook := f.OnAction
	f.mu.Unlock()

	if hook != nil {
		hook(action)
	}
	if err != nil {
		return &driver.ActionError{Service: service, Action: name, Reason: err.Error(), Err: err}
	}
	return nil
}

func (f *Fake) TailLogs(_ context.Context, service string, maxLines int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		lines, ok := f.logs[service]
		lines = append([]string(nil), lines...)
		f.mu.Unlock()
		if !ok {
			yield("", fmt.Errorf("%w: %s", driver.ErrServiceNotFound, service))
			return
		}
		if maxLines > 0 && len(lines) > maxLines {
			lines = lines[len(lines)-maxLines:]
		}
		for _, line := range lines {
			if !yield(line, nil) {
				return
			}
		}
	}
}

func (f *Fake) Inspect(_ context.Context, service string) (driver.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metadata[service]
	if !ok {
		return driver.Metadata{}, fmt.Errorf("%w: %s", driver.ErrServiceNotFound, service)
	}
	return meta, nil
}

func (f *Fake) ReadFile(_ context.Context, service, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[service+":"+path]
	if !ok {
		return nil, fmt.Errorf("read %s in %s: no such file", path, service)
	}
	return content, nil
}

func (f *Fake) SubscribeEvents(_ context.Context, since time.Time) (<-chan driver.Event, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions++
	f.since = append(f.since, since)

	out := make(chan driver.Event, 16)
	errs := make(chan error, 1)
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		errs <- err
		close(errs)
		return out, errs
	}
	f.stream = out
	f.streamErrs = errs
	return out, errs
}

func (f *Fake) Close() error {
	return nil
}
