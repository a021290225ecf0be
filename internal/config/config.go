package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envProjectName     = "CM_PROJECT_NAME"
	envPollInterval    = "CM_POLL_INTERVAL"
	envPollConcurrency = "CM_POLL_CONCURRENCY"
	envComposeFile     = "CM_COMPOSE_FILE"
	envComposeURL      = "CM_COMPOSE_URL"
	envComposeTimeout  = "CM_COMPOSE_TIMEOUT"
	envDockerHost      = "CM_DOCKER_HOST"
	envDockerTimeout   = "CM_DOCKER_TIMEOUT"
	envDockerTLSCA     = "CM_DOCKER_TLS_CA"
	envDockerTLSCert   = "CM_DOCKER_TLS_CERT"
	envDockerTLSKey    = "CM_DOCKER_TLS_KEY"
	envStateFile       = "CM_STATE_FILE"
	envDiagnosticsDir  = "CM_DIAGNOSTICS_DIR"
	envPolicyFile      = "CM_POLICY_FILE"
	envRebuildCommand  = "CM_REBUILD_COMMAND"
	envSlackWebhookURL = "CM_SLACK_WEBHOOK_URL"
	envWebhookURL      = "CM_WEBHOOK_URL"
	envWebhookTemplate = "CM_WEBHOOK_TEMPLATE"
	envDryRun          = "CM_DRY_RUN"
	envHTTPPort        = "CM_HTTP_PORT"
	envMetricsPort     = "CM_METRICS_PORT"
	envLogLevel        = "CM_LOG_LEVEL"
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultPollConcurrency = 4
	defaultComposeTimeout  = 10 * time.Second
	defaultDockerTimeout   = 10 * time.Second
	defaultStateFile       = "./data/recovery-state.json"
	defaultDiagnosticsDir  = "./data/diagnostics"
	defaultHTTPPort        = 8080
	defaultMetricsPort     = 9090
	defaultLogLevel        = "info"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	ProjectName     string
	PollInterval    time.Duration
	PollConcurrency int

	ComposeFile    string
	ComposeURL     string
	ComposeTimeout time.Duration

	DockerHost    string
	DockerTimeout time.Duration
	DockerTLSCA   string
	DockerTLSCert string
	DockerTLSKey  string

	StateFile      string
	DiagnosticsDir string
	PolicyFile     string
	// RebuildCommand runs between the stop and start phases of a full
	// rebuild. The stack is then started with plain container starts, so the
	// command must recreate the containers for new images to take effect,
	// for example "docker compose -p shop up --build --force-recreate --no-start".
	RebuildCommand string

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	DryRun          bool

	HTTPPort    int
	MetricsPort int
	LogLevel    string
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval:    defaultPollInterval,
		PollConcurrency: defaultPollConcurrency,
		ComposeTimeout:  defaultComposeTimeout,
		DockerTimeout:   defaultDockerTimeout,
		StateFile:       defaultStateFile,
		DiagnosticsDir:  defaultDiagnosticsDir,
		HTTPPort:        defaultHTTPPort,
		MetricsPort:     defaultMetricsPort,
		LogLevel:        defaultLogLevel,
	}

	textVars := map[string]*string{
		envProjectName:     &cfg.ProjectName,
		envComposeFile:     &cfg.ComposeFile,
		envComposeURL:      &cfg.ComposeURL,
		envDockerHost:      &cfg.DockerHost,
		envDockerTLSCA:     &cfg.DockerTLSCA,
		envDockerTLSCert:   &cfg.DockerTLSCert,
		envDockerTLSKey:    &cfg.DockerTLSKey,
		envStateFile:       &cfg.StateFile,
		envDiagnosticsDir:  &cfg.DiagnosticsDir,
		envPolicyFile:      &cfg.PolicyFile,
		envRebuildCommand:  &cfg.RebuildCommand,
		envSlackWebhookURL: &cfg.SlackWebhookURL,
		envWebhookURL:      &cfg.WebhookURL,
		envWebhookTemplate: &cfg.WebhookTemplate,
		envLogLevel:        &cfg.LogLevel,
	}
	for key, dst := range textVars {
		if value, ok := lookupTrimmed(key); ok && value != "" {
			*dst = value
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envComposeTimeout, &cfg.ComposeTimeout},
		{envDockerTimeout, &cfg.DockerTimeout},
	}
	for _, d := range durations {
		if err := parsePositiveDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookupTrimmed(envPollConcurrency); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envPollConcurrency, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envPollConcurrency)
		}
		cfg.PollConcurrency = n
	}

	if value, ok := lookupTrimmed(envDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	for _, p := range []struct {
		key string
		dst *int
	}{
		{envHTTPPort, &cfg.HTTPPort},
		{envMetricsPort, &cfg.MetricsPort},
	} {
		if err := parsePort(p.key, p.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ProjectName == "" {
		return fmt.Errorf("%s is required", envProjectName)
	}
	if c.ComposeFile != "" && c.ComposeURL != "" {
		return fmt.Errorf("%s and %s are mutually exclusive", envComposeFile, envComposeURL)
	}
	if c.ComposeURL != "" {
		if err := validateURL(c.ComposeURL, envComposeURL); err != nil {
			return err
		}
	}
	if c.SlackWebhookURL != "" {
		if err := validateURL(c.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return err
		}
	}
	if c.WebhookURL != "" {
		if err := validateURL(c.WebhookURL, envWebhookURL); err != nil {
			return err
		}
	}
	if (c.DockerTLSCert == "") != (c.DockerTLSKey == "") {
		return fmt.Errorf("%s and %s must be set together", envDockerTLSCert, envDockerTLSKey)
	}
	if c.StateFile == "" || c.DiagnosticsDir == "" {
		return errors.New("state file and diagnostics dir must not be empty")
	}
	return nil
}

// TopologyFromDriver reports whether the topology is read from container labels.
func (c Config) TopologyFromDriver() bool {
	return c.ComposeFile == "" && c.ComposeURL == ""
}

func parsePositiveDuration(key string, dst *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*dst = d
	return nil
}

func parsePort(key string, dst *int) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", key)
	}
	*dst = port
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
