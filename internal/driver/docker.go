package driver

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/topology"
)

const (
	defaultAPITimeout  = 10 * time.Second
	defaultStopTimeout = 10 * time.Second
	maxReadFileBytes   = 256 << 10
	maxSymlinkHops     = 3
)

// DockerDriver implements Driver on top of the Docker Engine API, scoped to
// the containers of one compose project.
type DockerDriver struct {
	api         dockerAPI
	project     string
	timeout     time.Duration
	stopTimeout time.Duration
	logger      zerolog.Logger
}

// DockerOption customizes a DockerDriver.
type DockerOption func(*dockerOptions)

type dockerOptions struct {
	host        string
	timeout     time.Duration
	stopTimeout time.Duration
	tls         *tlsconfig.Options
	logger      zerolog.Logger
}

// WithHost sets the daemon address. The Docker default socket is used when empty.
func WithHost(host string) DockerOption {
	return func(o *dockerOptions) {
		o.host = host
	}
}

// WithTimeout bounds every non-streaming API call.
func WithTimeout(d time.Duration) DockerOption {
	return func(o *dockerOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithStopTimeout sets the grace period given to containers on stop and restart.
func WithStopTimeout(d time.Duration) DockerOption {
	return func(o *dockerOptions) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithTLS enables mutual TLS towards the daemon.
func WithTLS(caFile, certFile, keyFile string) DockerOption {
	return func(o *dockerOptions) {
		if caFile == "" && certFile == "" && keyFile == "" {
			return
		}
		o.tls = &tlsconfig.Options{
			CAFile:             caFile,
			CertFile:           certFile,
			KeyFile:            keyFile,
			ExclusiveRootPools: true,
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger zerolog.Logger) DockerOption {
	return func(o *dockerOptions) {
		o.logger = logger
	}
}

// NewDockerDriver connects to the Docker daemon for the given compose project.
func NewDockerDriver(project string, opts ...DockerOption) (*DockerDriver, error) {
	if strings.TrimSpace(project) == "" {
		return nil, errors.New("compose project name must not be empty")
	}
	o := dockerOptions{
		timeout:     defaultAPITimeout,
		stopTimeout: defaultStopTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	// No http.Client timeout: the events stream is long-lived. Calls are bounded per request instead.
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if o.tls != nil {
		tlsConfig, err := tlsconfig.Client(*o.tls)
		if err != nil {
			return nil, fmt.Errorf("docker tls config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	host := o.host
	if host == "" {
		host = client.DefaultDockerHost
	}
	api, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(&http.Client{Transport: transport}),
		client.WithHost(host),
	)
	if err != nil {
		return nil, err
	}

	return &DockerDriver{
		api:         api,
		project:     project,
		timeout:     o.timeout,
		stopTimeout: o.stopTimeout,
		logger:      o.logger,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (d *DockerDriver) Ping(ctx context.Context) error {
	if d == nil || d.api == nil {
		return errors.New("docker driver is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.api.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// ListServices derives the topology from compose labels on the project's containers.
func (d *DockerDriver) ListServices(ctx context.Context) ([]topology.ServiceDescriptor, error) {
	containers, err := d.list(ctx, "")
	if err != nil {
		return nil, err
	}
	labelsByService := map[string]map[string]string{}
	for _, c := range newestPerService(containers) {
		labelsByService[c.Labels[labelService]] = c.Labels
	}
	return descriptorsFromLabels(labelsByService), nil
}

// RawState returns the state of the newest container of service.
func (d *DockerDriver) RawState(ctx context.Context, service string) (RawState, error) {
	info, err := d.inspect(ctx, service)
	if err != nil {
		return RawState{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return RawState{}, nil
	}

	state := info.State
	raw := RawState{
		Status:       state.Status,
		OOMKilled:    state.OOMKilled,
		Error:        state.Error,
		RestartCount: info.RestartCount,
		StartedAt:    parseDockerTime(state.StartedAt),
		FinishedAt:   parseDockerTime(state.FinishedAt),
	}
	if state.Health != nil && state.Health.Status != "none" {
		raw.Health = state.Health.Status
	}
	if state.Status == "exited" || state.Status == "dead" {
		code := state.ExitCode
		raw.ExitCode = &code
	}
	return raw, nil
}

// Start starts the service container. Starting a running container succeeds.
func (d *DockerDriver) Start(ctx context.Context, service string) error {
	return d.act(ctx, service, "start", func(ctx context.Context, id string) error {
		return d.api.ContainerStart(ctx, id, container.StartOptions{})
	})
}

// Stop stops the service container. Stopping a stopped container succeeds.
func (d *DockerDriver) Stop(ctx context.Context, service string) error {
	return d.act(ctx, service, "stop", func(ctx context.Context, id string) error {
		return d.api.ContainerStop(ctx, id, d.stopOptions())
	})
}

// Restart restarts the service container.
func (d *DockerDriver) Restart(ctx context.Context, service string) error {
	return d.act(ctx, service, "restart", func(ctx context.Context, id string) error {
		return d.api.ContainerRestart(ctx, id, d.stopOptions())
	})
}

// TailLogs yields the last maxLines lines of combined stdout and stderr.
func (d *DockerDriver) TailLogs(ctx context.Context, service string, maxLines int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		lines, err := d.tail(ctx, service, maxLines)
		if err != nil {
			yield("", err)
			return
		}
		for _, line := range lines {
			if !yield(line, nil) {
				return
			}
		}
	}
}

func (d *DockerDriver) tail(ctx context.Context, service string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, nil
	}
	info, err := d.inspect(ctx, service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rc, err := d.api.ContainerLogs(ctx, info.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(maxLines),
	})
	if err != nil {
		return nil, d.queryError(service, "logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if info.Config != nil && info.Config.Tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return nil, fmt.Errorf("read logs %s: %w", service, err)
	}

	var lines []string
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan logs %s: %w", service, err)
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// Inspect returns structured metadata for the service container.
func (d *DockerDriver) Inspect(ctx context.Context, service string) (Metadata, error) {
	info, err := d.inspect(ctx, service)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{}
	if info.ContainerJSONBase != nil {
		meta.ContainerID = info.ID
		meta.ContainerName = strings.TrimPrefix(info.Name, "/")
		meta.Image = info.Image
		if info.HostConfig != nil {
			meta.RestartPolicy = string(info.HostConfig.RestartPolicy.Name)
		}
	}
	if info.Config != nil {
		meta.Env = append([]string(nil), info.Config.Env...)
		meta.Command = append([]string(nil), info.Config.Cmd...)
		meta.Entrypoint = append([]string(nil), info.Config.Entrypoint...)
		meta.WorkingDir = info.Config.WorkingDir
		meta.Labels = info.Config.Labels
		meta.TTY = info.Config.Tty
		if info.Config.Image != "" {
			meta.Image = info.Config.Image
		}
	}
	for _, m := range info.Mounts {
		meta.Mounts = append(meta.Mounts, Mount{
			Type:        string(m.Type),
			Source:      m.Source,
			Destination: m.Destination,
			ReadOnly:    !m.RW,
		})
	}
	return meta, nil
}

// ReadFile copies a regular file out of the service container, following symlinks.
func (d *DockerDriver) ReadFile(ctx context.Context, service, filePath string) ([]byte, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, errors.New("file path must not be empty")
	}
	info, err := d.inspect(ctx, service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	current := filePath
	for hop := 0; hop <= maxSymlinkHops; hop++ {
		content, link, err := d.copyOne(ctx, info.ID, current)
		if err != nil {
			return nil, d.queryError(service, "read "+current, err)
		}
		if link == "" {
			return content, nil
		}
		if !path.IsAbs(link) {
			link = path.Join(path.Dir(current), link)
		}
		current = link
	}
	return nil, fmt.Errorf("read %s in %s: too many symlinks", filePath, service)
}

// copyOne returns either the file content or, for a symlink, its target.
func (d *DockerDriver) copyOne(ctx context.Context, containerID, filePath string) ([]byte, string, error) {
	rc, _, err := d.api.CopyFromContainer(ctx, containerID, filePath)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	header, err := tr.Next()
	if err != nil {
		return nil, "", fmt.Errorf("read archive: %w", err)
	}
	switch header.Typeflag {
	case tar.TypeSymlink:
		return nil, header.Linkname, nil
	case tar.TypeReg:
	default:
		return nil, "", fmt.Errorf("%s is not a regular file", filePath)
	}
	content, err := io.ReadAll(io.LimitReader(tr, maxReadFileBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read archive: %w", err)
	}
	if len(content) > maxReadFileBytes {
		content = content[:maxReadFileBytes]
	}
	return content, "", nil
}

// SubscribeEvents streams die, oom and health_status events for the project.
func (d *DockerDriver) SubscribeEvents(ctx context.Context, since time.Time) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)

	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("event", string(events.ActionDie)),
		filters.Arg("event", string(events.ActionOOM)),
		filters.Arg("event", string(events.ActionHealthStatus)),
		filters.Arg("label", labelProject+"="+d.project),
	)
	opts := events.ListOptions{Filters: args}
	if !since.IsZero() {
		opts.Since = eventSince(since)
	}
	messages, streamErrs := d.api.Events(ctx, opts)

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-streamErrs:
				if !ok {
					errs <- unavailable(io.ErrUnexpectedEOF)
					return
				}
				if err == nil || errors.Is(err, context.Canceled) {
					if ctx.Err() != nil {
						return
					}
					err = io.ErrUnexpectedEOF
				}
				errs <- unavailable(err)
				return
			case msg, ok := <-messages:
				if !ok {
					errs <- unavailable(io.ErrUnexpectedEOF)
					return
				}
				event, ok := convertEvent(msg)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

// Close releases the Docker client.
func (d *DockerDriver) Close() error {
	if d == nil || d.api == nil {
		return nil
	}
	return d.api.Close()
}

func convertEvent(msg events.Message) (Event, bool) {
	attrs := msg.Actor.Attributes
	service := attrs[labelService]
	if service == "" || isTrue(attrs[labelOneOff]) {
		return Event{}, false
	}
	event := Event{
		Service:     service,
		ContainerID: msg.Actor.ID,
		Timestamp:   eventTime(msg),
	}

	action := string(msg.Action)
	switch {
	case action == string(events.ActionDie):
		event.Type = EventDie
		if raw, ok := attrs["exitCode"]; ok {
			if code, err := strconv.Atoi(raw); err == nil {
				event.ExitCode = &code
			}
		}
	case action == string(events.ActionOOM):
		event.Type = EventOOM
	case strings.HasPrefix(action, string(events.ActionHealthStatus)):
		event.Type = EventHealthStatus
		if _, status, found := strings.Cut(action, ":"); found {
			event.Health = strings.TrimSpace(status)
		}
	default:
		return Event{}, false
	}
	return event, true
}

// eventSince formats t the way the events endpoint parses it: unix seconds
// with a nanosecond fraction.
func eventSince(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

func eventTime(msg events.Message) time.Time {
	if msg.TimeNano != 0 {
		return time.Unix(0, msg.TimeNano).UTC()
	}
	return time.Unix(msg.Time, 0).UTC()
}

// list returns the project's containers, optionally for one service.
// Containers created by `docker compose run` are excluded.
func (d *DockerDriver) list(ctx context.Context, service string) ([]dockertypes.Container, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := filters.NewArgs(filters.Arg("label", labelProject+"="+d.project))
	if service != "" {
		args.Add("label", labelService+"="+service)
	}
	containers, err := d.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, unavailable(err)
	}

	result := containers[:0]
	for _, c := range containers {
		if isTrue(c.Labels[labelOneOff]) || c.Labels[labelService] == "" {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (d *DockerDriver) resolve(ctx context.Context, service string) (string, error) {
	containers, err := d.list(ctx, service)
	if err != nil {
		return "", err
	}
	newest := newestPerService(containers)
	c, ok := newest[service]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	return c.ID, nil
}

func (d *DockerDriver) inspect(ctx context.Context, service string) (dockertypes.ContainerJSON, error) {
	id, err := d.resolve(ctx, service)
	if err != nil {
		return dockertypes.ContainerJSON{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return dockertypes.ContainerJSON{}, d.queryError(service, "inspect", err)
	}
	return info, nil
}

func (d *DockerDriver) act(ctx context.Context, service, action string, fn func(context.Context, string) error) error {
	id, err := d.resolve(ctx, service)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrDriverUnavailable) {
			return err
		}
		return &ActionError{Service: service, Action: action, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout+d.stopTimeout)
	defer cancel()

	d.logger.Debug().Str("service", service).Str("container", shortID(id)).Str("action", action).Msg("container action")
	if err := fn(ctx, id); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			return fmt.Errorf("%w: %s", ErrServiceNotFound, service)
		case isConnectionError(err):
			return unavailable(err)
		}
		return &ActionError{Service: service, Action: action, Reason: errorReason(err), Err: err}
	}
	return nil
}

func (d *DockerDriver) stopOptions() container.StopOptions {
	seconds := int(d.stopTimeout / time.Second)
	return container.StopOptions{Timeout: &seconds}
}

func (d *DockerDriver) queryError(service, op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	case isConnectionError(err):
		return unavailable(err)
	}
	return fmt.Errorf("%s %s: %w", op, service, err)
}

// newestPerService keeps the most recently created container of each service.
func newestPerService(containers []dockertypes.Container) map[string]dockertypes.Container {
	newest := map[string]dockertypes.Container{}
	for _, c := range containers {
		name := c.Labels[labelService]
		if current, ok := newest[name]; ok && current.Created >= c.Created {
			continue
		}
		newest[name] = c
	}
	return newest
}

func unavailable(err error) error {
	if errors.Is(err, ErrDriverUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
}

func isConnectionError(err error) bool {
	return client.IsErrConnectionFailed(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errdefs.IsUnavailable(err)
}

func errorReason(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

func parseDockerTime(value string) time.Time {
	if value == "" || strings.HasPrefix(value, "0001-01-01") {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
