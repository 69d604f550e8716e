// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides. Precedence, lowest to highest:
// built-in defaults, config file, environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightci/lightci/pkg/errors"
)

// Config is the root configuration for the lightci daemon.
type Config struct {
	// Server configures the HTTP control API listener.
	Server ServerConfig `yaml:"server"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`

	// DataDir is the root directory for daemon state (database, PID file).
	// Environment: LIGHTCI_DATA_DIR
	// Default: $XDG_DATA_HOME/lightci or ~/.lightci/data
	DataDir string `yaml:"data_dir,omitempty"`

	// PIDFile is the daemon PID file path.
	// Default: <data_dir>/lightcid.pid
	PIDFile string `yaml:"pid_file,omitempty"`

	// PipelinesDir holds pipeline definition YAML files. When set, the
	// daemon loads definitions from it at startup and watches it for
	// changes.
	// Environment: LIGHTCI_PIPELINES_DIR
	PipelinesDir string `yaml:"pipelines_dir,omitempty"`

	// Workspace configures per-run working directories.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Artifacts configures artifact collection and retention.
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Runner configures pipeline run execution.
	Runner RunnerConfig `yaml:"runner"`

	// Backend configures run state persistence.
	Backend BackendConfig `yaml:"backend"`

	// AWS configures EC2 provisioning for automatic deployments.
	AWS AWSConfig `yaml:"aws"`

	// Deploy configures remote deployment targets.
	Deploy DeployConfig `yaml:"deploy"`

	// Webhook configures inbound webhook handling.
	Webhook WebhookConfig `yaml:"webhook"`

	// Observability configures tracing and metrics export.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	// Addr is the TCP listen address.
	// Environment: LIGHTCI_LISTEN_ADDR
	// Default: 127.0.0.1:8085
	Addr string `yaml:"addr"`

	// AllowRemote must be true to bind to a non-loopback address.
	AllowRemote bool `yaml:"allow_remote"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LIGHTCI_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// WorkspaceConfig configures per-run working directories.
type WorkspaceConfig struct {
	// Root is the directory under which run workspaces are created.
	// Environment: WORKSPACE_ROOT
	// Default: /tmp/lightci/workspaces
	Root string `yaml:"root"`
}

// ArtifactsConfig configures artifact collection.
type ArtifactsConfig struct {
	// Root is the local artifact storage directory.
	// Environment: ARTIFACTS_ROOT, ARTIFACTS_PATH
	// Default: /tmp/lightci/artifacts
	Root string `yaml:"root"`

	// RetentionDays is the default artifact expiry in days when a
	// pipeline does not set its own.
	// Default: 30
	RetentionDays int `yaml:"retention_days"`

	// SweepInterval is how often expired artifacts are removed.
	// Default: 1h
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Storage selects where collected artifacts land: "local" or "s3".
	// Default: local
	Storage string `yaml:"storage,omitempty"`

	// S3 configures the s3 storage kind.
	S3 S3Config `yaml:"s3,omitempty"`
}

// S3Config configures S3 artifact storage.
type S3Config struct {
	// Bucket is the destination bucket name.
	Bucket string `yaml:"bucket,omitempty"`

	// Prefix is prepended to object keys.
	Prefix string `yaml:"prefix,omitempty"`
}

// RunnerConfig configures pipeline run execution.
type RunnerConfig struct {
	// MaxConcurrentRuns bounds simultaneously executing runs.
	// Environment: LIGHTCI_MAX_CONCURRENT_RUNS
	// Default: 10
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// RunTimeout is the soft deadline for a whole run. A run that
	// exceeds it finishes with a timeout failure at the next step
	// boundary.
	// Default: 2h
	RunTimeout time.Duration `yaml:"run_timeout"`

	// StepTimeout bounds a single step command.
	// Default: 30m
	StepTimeout time.Duration `yaml:"step_timeout"`

	// DrainTimeout bounds waiting for in-flight runs during shutdown.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// BackendConfig configures run state persistence.
type BackendConfig struct {
	// Type is the backend type: "sqlite" or "memory".
	// Environment: LIGHTCI_BACKEND
	// Default: sqlite
	Type string `yaml:"type,omitempty"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite connection settings.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: <data_dir>/lightci.db
	Path string `yaml:"path,omitempty"`
}

// AWSConfig configures EC2 provisioning. Credentials come from the
// standard SDK chain (AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY,
// shared config, instance roles) and are never stored here.
type AWSConfig struct {
	// Region is the AWS region for provisioning and key management.
	// Environment: AWS_DEFAULT_REGION
	// Default: us-east-1
	Region string `yaml:"region,omitempty"`

	// AMIID is the image used for provisioned instances.
	// Environment: AWS_AMI_ID
	AMIID string `yaml:"ami_id,omitempty"`

	// InstanceType is the EC2 instance type for provisioned instances.
	// Default: t2.micro
	InstanceType string `yaml:"instance_type,omitempty"`

	// SecurityGroupID is attached to provisioned instances.
	// Environment: AWS_SECURITY_GROUP_ID
	SecurityGroupID string `yaml:"security_group_id,omitempty"`

	// SubnetID places provisioned instances in a specific subnet.
	// Environment: AWS_SUBNET_ID
	SubnetID string `yaml:"subnet_id,omitempty"`

	// KeyName is the EC2 key pair name for provisioned instances.
	// Environment: AWS_EC2_KEY_NAME
	KeyName string `yaml:"key_name,omitempty"`
}

// DeployConfig configures remote deployment defaults.
type DeployConfig struct {
	// User is the SSH user on deployment targets.
	// Default: ec2-user
	User string `yaml:"user,omitempty"`

	// Path is the application directory on deployment targets.
	// Default: /home/ec2-user/app
	Path string `yaml:"path,omitempty"`

	// AppPort is the public port the deployed application serves on.
	// Default: 80
	AppPort int `yaml:"app_port,omitempty"`

	// SSHConnectTimeout bounds SSH connection establishment.
	// Default: 10s
	SSHConnectTimeout time.Duration `yaml:"ssh_connect_timeout,omitempty"`

	// HealthCheckTimeout bounds blue/green health polling before rollback.
	// Default: 2m
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout,omitempty"`
}

// WebhookConfig configures inbound webhook handling.
type WebhookConfig struct {
	// Secret verifies webhook signatures when set. Requests without a
	// valid signature are rejected.
	// Environment: LIGHTCI_WEBHOOK_SECRET
	Secret string `yaml:"secret,omitempty"`

	// RequestsPerMinute rate-limits inbound webhook deliveries.
	// Default: 60
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`

	// Mappings translate payloads from providers without a built-in
	// parser. Each entry supplies jq programs that extract trigger
	// fields from the delivery body.
	Mappings []WebhookMapping `yaml:"mappings,omitempty"`
}

// WebhookMapping extracts trigger fields from a custom webhook payload
// using jq programs.
type WebhookMapping struct {
	// Source names the provider; deliveries select a mapping via the
	// X-Webhook-Source header or a source query parameter.
	Source string `yaml:"source"`

	// Repository is a jq program yielding the repository URL.
	Repository string `yaml:"repository"`

	// Branch is a jq program yielding the branch name.
	Branch string `yaml:"branch"`

	// Event is an optional jq program yielding the event type. Payloads
	// with no event program are treated as push events.
	Event string `yaml:"event,omitempty"`

	// Commit is an optional jq program yielding the commit SHA.
	Commit string `yaml:"commit,omitempty"`
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	// Enabled turns on trace export. Prometheus metrics are always
	// served on the control API regardless.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this daemon in traces.
	// Default: lightcid
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter selects the trace exporter: "otlp-grpc", "otlp-http" or
	// "stdout".
	// Default: otlp-grpc
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector endpoint.
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP export.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the trace sampling ratio in [0, 1].
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8085",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DataDir: dataDir,
		PIDFile: filepath.Join(dataDir, "lightcid.pid"),
		Workspace: WorkspaceConfig{
			Root: "/tmp/lightci/workspaces",
		},
		Artifacts: ArtifactsConfig{
			Root:          "/tmp/lightci/artifacts",
			RetentionDays: 30,
			SweepInterval: time.Hour,
			Storage:       "local",
		},
		Runner: RunnerConfig{
			MaxConcurrentRuns: 10,
			RunTimeout:        2 * time.Hour,
			StepTimeout:       30 * time.Minute,
			DrainTimeout:      30 * time.Second,
		},
		Backend: BackendConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: filepath.Join(dataDir, "lightci.db"),
			},
		},
		AWS: AWSConfig{
			Region:       "us-east-1",
			InstanceType: "t2.micro",
		},
		Deploy: DeployConfig{
			User:               "ec2-user",
			Path:               "/home/ec2-user/app",
			AppPort:            80,
			SSHConnectTimeout:  10 * time.Second,
			HealthCheckTimeout: 2 * time.Minute,
		},
		Webhook: WebhookConfig{
			RequestsPerMinute: 60,
		},
		Observability: ObservabilityConfig{
			ServiceName: "lightcid",
			Exporter:    "otlp-grpc",
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
		},
	}
}

// Load reads configuration from the given path, falling back to
// defaults when the path is empty or the file does not exist.
// Environment variables override file values.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile merges YAML configuration over the current values.
// A missing file is not an error.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// applyDefaults fills zero values left by the config file with
// defaults, including paths derived from a file-supplied data dir.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8085"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.DataDir, "lightcid.pid")
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "/tmp/lightci/workspaces"
	}
	if c.Artifacts.Root == "" {
		c.Artifacts.Root = "/tmp/lightci/artifacts"
	}
	if c.Artifacts.RetentionDays == 0 {
		c.Artifacts.RetentionDays = 30
	}
	if c.Artifacts.SweepInterval == 0 {
		c.Artifacts.SweepInterval = time.Hour
	}
	if c.Artifacts.Storage == "" {
		c.Artifacts.Storage = "local"
	}
	if c.Runner.MaxConcurrentRuns == 0 {
		c.Runner.MaxConcurrentRuns = 10
	}
	if c.Runner.RunTimeout == 0 {
		c.Runner.RunTimeout = 2 * time.Hour
	}
	if c.Runner.StepTimeout == 0 {
		c.Runner.StepTimeout = 30 * time.Minute
	}
	if c.Runner.DrainTimeout == 0 {
		c.Runner.DrainTimeout = 30 * time.Second
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "sqlite"
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = filepath.Join(c.DataDir, "lightci.db")
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.AWS.InstanceType == "" {
		c.AWS.InstanceType = "t2.micro"
	}
	if c.Deploy.User == "" {
		c.Deploy.User = "ec2-user"
	}
	if c.Deploy.Path == "" {
		c.Deploy.Path = "/home/ec2-user/app"
	}
	if c.Deploy.AppPort == 0 {
		c.Deploy.AppPort = 80
	}
	if c.Deploy.SSHConnectTimeout == 0 {
		c.Deploy.SSHConnectTimeout = 10 * time.Second
	}
	if c.Deploy.HealthCheckTimeout == 0 {
		c.Deploy.HealthCheckTimeout = 2 * time.Minute
	}
	if c.Webhook.RequestsPerMinute == 0 {
		c.Webhook.RequestsPerMinute = 60
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "lightcid"
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "otlp-grpc"
	}
	if c.Observability.Endpoint == "" {
		c.Observability.Endpoint = "localhost:4317"
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if addr := os.Getenv("LIGHTCI_LISTEN_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("LIGHTCI_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	} else if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if source := os.Getenv("LOG_SOURCE"); source == "true" || source == "1" {
		c.Log.AddSource = true
	}
	if dir := os.Getenv("LIGHTCI_DATA_DIR"); dir != "" {
		c.DataDir = dir
		c.PIDFile = filepath.Join(dir, "lightcid.pid")
		c.Backend.SQLite.Path = filepath.Join(dir, "lightci.db")
	}
	if dir := os.Getenv("LIGHTCI_PIPELINES_DIR"); dir != "" {
		c.PipelinesDir = dir
	}
	if root := os.Getenv("WORKSPACE_ROOT"); root != "" {
		c.Workspace.Root = root
	}
	if root := os.Getenv("ARTIFACTS_ROOT"); root != "" {
		c.Artifacts.Root = root
	} else if root := os.Getenv("ARTIFACTS_PATH"); root != "" {
		c.Artifacts.Root = root
	}
	if n := os.Getenv("LIGHTCI_MAX_CONCURRENT_RUNS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.Runner.MaxConcurrentRuns = v
		}
	}
	if backend := os.Getenv("LIGHTCI_BACKEND"); backend != "" {
		c.Backend.Type = backend
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		c.AWS.Region = region
	}
	if ami := os.Getenv("AWS_AMI_ID"); ami != "" {
		c.AWS.AMIID = ami
	}
	if sg := os.Getenv("AWS_SECURITY_GROUP_ID"); sg != "" {
		c.AWS.SecurityGroupID = sg
	}
	if subnet := os.Getenv("AWS_SUBNET_ID"); subnet != "" {
		c.AWS.SubnetID = subnet
	}
	if key := os.Getenv("AWS_EC2_KEY_NAME"); key != "" {
		c.AWS.KeyName = key
	}
	if secret := os.Getenv("LIGHTCI_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}
}

// Validate checks configuration consistency. It returns a ConfigError
// naming the offending key.
func (c *Config) Validate() error {
	if err := c.validateListen(); err != nil {
		return err
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return &errors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown format %q, expected json or text", c.Log.Format),
		}
	}

	switch c.Backend.Type {
	case "sqlite", "memory":
	default:
		return &errors.ConfigError{
			Key:    "backend.type",
			Reason: fmt.Sprintf("unknown backend %q, expected sqlite or memory", c.Backend.Type),
		}
	}

	switch c.Artifacts.Storage {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return &errors.ConfigError{
				Key:    "artifacts.s3.bucket",
				Reason: "s3 artifact storage requires a bucket",
			}
		}
	default:
		return &errors.ConfigError{
			Key:    "artifacts.storage",
			Reason: fmt.Sprintf("unknown storage %q, expected local or s3", c.Artifacts.Storage),
		}
	}

	if c.Artifacts.RetentionDays < 0 {
		return &errors.ConfigError{
			Key:    "artifacts.retention_days",
			Reason: "retention must not be negative",
		}
	}

	if c.Runner.MaxConcurrentRuns < 1 {
		return &errors.ConfigError{
			Key:    "runner.max_concurrent_runs",
			Reason: "must allow at least one concurrent run",
		}
	}

	switch c.Observability.Exporter {
	case "otlp-grpc", "otlp-http", "stdout":
	default:
		return &errors.ConfigError{
			Key:    "observability.exporter",
			Reason: fmt.Sprintf("unknown exporter %q, expected otlp-grpc, otlp-http or stdout", c.Observability.Exporter),
		}
	}

	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return &errors.ConfigError{
			Key:    "observability.sample_rate",
			Reason: "sample rate must be between 0 and 1",
		}
	}

	for i, m := range c.Webhook.Mappings {
		if m.Source == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("webhook.mappings[%d].source", i),
				Reason: "mapping requires a source name",
			}
		}
		if m.Repository == "" || m.Branch == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("webhook.mappings[%d]", i),
				Reason: "mapping requires repository and branch programs",
			}
		}
	}

	return nil
}

// validateListen rejects non-loopback binds unless explicitly allowed.
func (c *Config) validateListen() error {
	host := c.Server.Addr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	switch host {
	case "", "localhost", "127.0.0.1", "::1", "[::1]":
		return nil
	}
	if !c.Server.AllowRemote {
		return &errors.ConfigError{
			Key:    "server.addr",
			Reason: fmt.Sprintf("binding to %s requires server.allow_remote", c.Server.Addr),
		}
	}
	return nil
}

func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "lightci")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/lightci-data"
	}

	return filepath.Join(homeDir, ".lightci", "data")
}
