package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var allEnvKeys = []string{
	envProjectName, envPollInterval, envPollConcurrency, envComposeFile, envComposeURL, envComposeTimeout,
	envDockerHost, envDockerTimeout, envDockerTLSCA, envDockerTLSCert, envDockerTLSKey, envStateFile,
	envDiagnosticsDir, envPolicyFile, envRebuildCommand, envSlackWebhookURL, envWebhookURL, envWebhookTemplate,
	envDryRun, envHTTPPort, envMetricsPort, envLogLevel,
}

func defaults(project string) Config {
	return Config{
		ProjectName:     project,
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
}

func TestLoad_ValidationAndDefaults(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    func() Config
	}{
		{
			name:    "missing project name",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "defaults applied",
			env:  map[string]string{envProjectName: "shop"},
			want: func() Config { return defaults("shop") },
		},
		{
			name:    "invalid poll interval",
			env:     map[string]string{envProjectName: "shop", envPollInterval: "nope"},
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			env:     map[string]string{envProjectName: "shop", envPollInterval: "0s"},
			wantErr: true,
		},
		{
			name:    "negative docker timeout",
			env:     map[string]string{envProjectName: "shop", envDockerTimeout: "-5s"},
			wantErr: true,
		},
		{
			name:    "zero poll concurrency",
			env:     map[string]string{envProjectName: "shop", envPollConcurrency: "0"},
			wantErr: true,
		},
		{
			name:    "compose file and url together",
			env:     map[string]string{envProjectName: "shop", envComposeFile: "compose.yml", envComposeURL: "https://example.com/compose.yml"},
			wantErr: true,
		},
		{
			name:    "invalid compose url missing scheme",
			env:     map[string]string{envProjectName: "shop", envComposeURL: "example.com/compose.yml"},
			wantErr: true,
		},
		{
			name:    "invalid slack webhook url",
			env:     map[string]string{envProjectName: "shop", envSlackWebhookURL: "not-a-url"},
			wantErr: true,
		},
		{
			name:    "invalid webhook url",
			env:     map[string]string{envProjectName: "shop", envWebhookURL: "/hooks"},
			wantErr: true,
		},
		{
			name:    "tls cert without key",
			env:     map[string]string{envProjectName: "shop", envDockerTLSCert: "/certs/cert.pem"},
			wantErr: true,
		},
		{
			name:    "invalid dry run",
			env:     map[string]string{envProjectName: "shop", envDryRun: "maybe"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			env:     map[string]string{envProjectName: "shop", envHTTPPort: "70000"},
			wantErr: true,
		},
		{
			name: "custom values",
			env: map[string]string{
				envProjectName:     "shop",
				envPollInterval:    "45s",
				envPollConcurrency: "8",
				envComposeFile:     "/srv/shop/compose.yml",
				envDockerHost:      "tcp://docker:2376",
				envDockerTLSCert:   "/certs/cert.pem",
				envDockerTLSKey:    "/certs/key.pem",
				envSlackWebhookURL: "https://hooks.slack.com/services/T00/B00/XXX",
				envDryRun:          "true",
				envHTTPPort:        "0",
				envLogLevel:        "debug",
			},
			want: func() Config {
				cfg := defaults("shop")
				cfg.PollInterval = 45 * time.Second
				cfg.PollConcurrency = 8
				cfg.ComposeFile = "/srv/shop/compose.yml"
				cfg.DockerHost = "tcp://docker:2376"
				cfg.DockerTLSCert = "/certs/cert.pem"
				cfg.DockerTLSKey = "/certs/key.pem"
				cfg.SlackWebhookURL = "https://hooks.slack.com/services/T00/B00/XXX"
				cfg.DryRun = true
				cfg.HTTPPort = 0
				cfg.LogLevel = "debug"
				return cfg
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			restoreDir := mustChdir(t, tmpDir)
			defer restoreDir()

			clearEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if want := tc.want(); got != want {
				t.Fatalf("unexpected config:\n got  %+v\n want %+v", got, want)
			}
		})
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()
	clearEnv(t)

	dotenv := []byte(`
# example .env
CM_PROJECT_NAME=from-dotenv
CM_SLACK_WEBHOOK_URL=https://hooks.slack.com/services/test
CM_DOCKER_HOST=unix:///dotenv.sock
`)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv(envProjectName, "from-env")
	t.Setenv(envDockerHost, "unix:///env.sock")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ProjectName != "from-env" {
		t.Fatalf("project name did not prefer env: %s", got.ProjectName)
	}
	if got.DockerHost != "unix:///env.sock" {
		t.Fatalf("docker host did not prefer env: %s", got.DockerHost)
	}
	if got.SlackWebhookURL != "https://hooks.slack.com/services/test" {
		t.Fatalf("slack webhook url not loaded from .env: %s", got.SlackWebhookURL)
	}
	if got.PollInterval != defaultPollInterval {
		t.Fatalf("unexpected poll interval: %s", got.PollInterval)
	}
	if !got.TopologyFromDriver() {
		t.Fatalf("expected topology from driver without a compose source")
	}
}

// clearEnv unsets every CM_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}
