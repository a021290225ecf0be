package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

// Rebuilder rebuilds images between the stop and start phases of a full rebuild.
type Rebuilder interface {
	Rebuild(ctx context.Context, services []string) error
}

// NoopRebuilder skips the rebuild step; a full rebuild then only cycles the stack.
type NoopRebuilder struct{}

func (NoopRebuilder) Rebuild(context.Context, []string) error {
	return nil
}

const rebuildOutputLimit = 4096

// CommandRebuilder runs an external command, for example
// "docker compose -p shop up --build --force-recreate --no-start". The
// engine starts the existing containers afterwards, so a command that only
// builds images leaves the stack on the old ones. The services being rebuilt
// are passed in COMPOSE_MEDIC_SERVICES as a comma separated list.
type CommandRebuilder struct {
	logger zerolog.Logger
	argv   []string
	dir    string
}

// NewCommandRebuilder parses command with shell quoting rules. No shell is involved.
func NewCommandRebuilder(logger zerolog.Logger, command, dir string) (*CommandRebuilder, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse rebuild command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("rebuild command is empty")
	}
	if composeBuildOnly(argv) {
		logger.Warn().Strs("argv", argv).Msg("rebuild command builds images without recreating containers; full rebuilds will restart the old containers")
	}
	return &CommandRebuilder{logger: logger, argv: argv, dir: dir}, nil
}

// composeBuildOnly reports whether argv is a compose invocation that builds
// images but never creates containers from them.
func composeBuildOnly(argv []string) bool {
	switch filepath.Base(argv[0]) {
	case "docker", "docker-compose", "podman-compose":
	default:
		return false
	}
	var build, create bool
	for _, arg := range argv[1:] {
		switch arg {
		case "build":
			build = true
		case "up", "create":
			create = true
		}
	}
	return build && !create
}

// Args returns the parsed argument vector.
func (r *CommandRebuilder) Args() []string {
	return append([]string(nil), r.argv...)
}

func (r *CommandRebuilder) Rebuild(ctx context.Context, services []string) error {
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "COMPOSE_MEDIC_SERVICES="+strings.Join(services, ","))
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Info().Strs("argv", r.argv).Strs("services", services).Msg("running rebuild command")
	err := cmd.Run()
	tail := lastBytes(output.Bytes(), rebuildOutputLimit)
	if err != nil {
		if tail != "" {
			return fmt.Errorf("rebuild command failed: %w: %s", err, tail)
		}
		return fmt.Errorf("rebuild command failed: %w", err)
	}
	r.logger.Debug().Str("output", tail).Msg("rebuild command finished")
	return nil
}

func lastBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
