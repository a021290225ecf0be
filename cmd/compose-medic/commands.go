package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nholik/compose-medic/internal/config"
	"github.com/nholik/compose-medic/internal/diagnostics"
	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/logging"
	"github.com/nholik/compose-medic/internal/poller"
	"github.com/nholik/compose-medic/internal/supervisor"
	"github.com/nholik/compose-medic/internal/topology"
)

// exitError ends the process with code without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app holds the seams the commands are built on.
type app struct {
	stdout     io.Writer
	logLevel   string
	loadConfig func() (config.Config, error)
	loadPolicy func(path string) (config.Policy, error)
	newDriver  func(cfg config.Config, logger zerolog.Logger) (driver.Driver, error)
}

func defaultApp() *app {
	return &app{
		stdout:     os.Stdout,
		loadConfig: config.Load,
		loadPolicy: config.LoadPolicyFile,
		newDriver: func(cfg config.Config, logger zerolog.Logger) (driver.Driver, error) {
			return supervisor.NewDriver(cfg, logger, nil)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "compose-medic",
		Short:         "Health supervisor for a Docker Compose stack",
		Long:          `compose-medic watches the services of a compose project, restarts failing ones with escalating strategies and writes diagnostic bundles on failure.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides CM_LOG_LEVEL")

	root.AddCommand(
		a.runCmd(),
		a.checkCmd(),
		a.waitCmd(),
		a.collectCmd(),
		a.topologyCmd(),
	)
	return root
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Supervise the stack until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, policy, logger, err := a.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("project", cfg.ProjectName).Msg("compose-medic starting")
			sup, err := supervisor.New(ctx, cfg, policy, logger)
			if err != nil {
				return err
			}
			return sup.Run(ctx)
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Poll every service once and print its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			snapshots, err := env.poller.PollOnce(cmd.Context(), env.graph.Watched())
			if err != nil {
				return err
			}
			summary := health.Summarize(env.graph, snapshots)
			printSnapshots(a.stdout, env.graph, snapshots, summary)
			if summary.Status != health.StatusOK {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func (a *app) waitCmd() *cobra.Command {
	var timeout, interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait SERVICE",
		Short: "Block until a service is healthy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			service := args[0]
			if _, ok := env.graph.Descriptor(service); !ok {
				return fmt.Errorf("unknown service %q", service)
			}
			result, snap, err := env.poller.WaitUntilHealthy(cmd.Context(), service, timeout, interval)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %s (%s)\n", service, result, snap.State)
			if result != poller.WaitSuccess {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "time between checks")
	return cmd
}

func (a *app) collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect SERVICE",
		Short: "Write one diagnostic bundle and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			service := args[0]
			if _, ok := env.graph.Descriptor(service); !ok {
				return fmt.Errorf("unknown service %q", service)
			}
			var opts []diagnostics.Option
			if env.policy.Diagnostics.LogLines > 0 {
				opts = append(opts, diagnostics.WithLogLines(env.policy.Diagnostics.LogLines))
			}
			store := diagnostics.NewFileStore(env.cfg.DiagnosticsDir, env.logger)
			collector := diagnostics.NewCollector(env.logger, env.driver, diagnostics.NewEventLog(0), store, opts...)
			bundle, err := collector.Collect(cmd.Context(), service, diagnostics.Trigger{
				Source: "cli",
				Reason: "manual collection",
				At:     time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, bundle.ID)
			return nil
		},
	}
}

func (a *app) topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the resolved dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tDEPENDS ON\tFLAGS")
			for _, name := range env.graph.Order() {
				desc, _ := env.graph.Descriptor(name)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, orDash(strings.Join(desc.Dependencies, ",")), orDash(flags(desc)))
			}
			return w.Flush()
		},
	}
}

// env is what the one-shot commands share: configuration, a driver and the
// loaded topology.
type env struct {
	cfg    config.Config
	policy config.Policy
	logger zerolog.Logger
	driver driver.Driver
	graph  *topology.Graph
	poller *poller.Poller
}

func (e *env) close() {
	if err := e.driver.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("close driver failed")
	}
}

func (a *app) setup() (config.Config, config.Policy, zerolog.Logger, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return config.Config{}, config.Policy{}, zerolog.Nop(), err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	policy, err := a.loadPolicy(cfg.PolicyFile)
	if err != nil {
		return config.Config{}, config.Policy{}, zerolog.Nop(), err
	}
	return cfg, policy, logging.NewWithLevel(cfg.LogLevel), nil
}

func (a *app) open(ctx context.Context) (*env, error) {
	cfg, policy, logger, err := a.setup()
	if err != nil {
		return nil, err
	}
	drv, err := a.newDriver(cfg, logger)
	if err != nil {
		return nil, err
	}
	loader, err := supervisor.NewLoader(cfg, policy, drv)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	graph, _, _, err := loader.Load(ctx, "")
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("load topology: %w", err)
	}
	return &env{
		cfg:    cfg,
		policy: policy,
		logger: logger,
		driver: drv,
		graph:  graph,
		poller: poller.New(logger, drv, topology.NewHolder(graph, ""), cfg.PollInterval, poller.WithConcurrency(cfg.PollConcurrency)),
	}, nil
}

func printSnapshots(w io.Writer, graph *topology.Graph, snapshots map[string]health.Snapshot, summary health.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tEXIT\tDETAIL")
	for _, name := range graph.Order() {
		snap, ok := snapshots[name]
		if !ok {
			desc, _ := graph.Descriptor(name)
			if desc.Ignore {
				fmt.Fprintf(tw, "%s\tignored\t-\t-\n", name)
			}
			continue
		}
		exit := "-"
		if snap.ExitCode != nil {
			exit = fmt.Sprint(*snap.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, snap.State, exit, orDash(snap.Detail))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nstatus: %s\n", summary.Status)
}

func flags(desc topology.ServiceDescriptor) string {
	var out []string
	if desc.OneOff {
		out = append(out, "one-off")
	}
	if desc.Ignore {
		out = append(out, "ignored")
	}
	return strings.Join(out, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
