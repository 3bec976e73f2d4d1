// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitorConfig lists the contexts registered at start-up and diagnostics knobs.
type MonitorConfig struct {
	Contexts      []string `yaml:"contexts"`
	LogWindows    bool     `yaml:"logWindows"`
	ParseLogRate  float64  `yaml:"parseLogRate"`
	ParseLogBurst int      `yaml:"parseLogBurst"`
}

// IngestConfig configures the WebSocket ingest listener.
type IngestConfig struct {
	Addr      string `yaml:"addr"`
	ReadLimit int64  `yaml:"readLimit"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	EnableTraces   bool          `yaml:"enableTraces"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour. An empty DSN disables
// persistence.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// RecorderConfig sizes the window recorder.
type RecorderConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queueSize"`
	History    int           `yaml:"history"`
	MaxRetries uint          `yaml:"maxRetries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Enabled reports whether persistence is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified monitor configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	Ingest      IngestConfig    `yaml:"ingest"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
	Recorder    RecorderConfig  `yaml:"recorder"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Monitor:     MonitorConfig{Contexts: []string{"root"}},
		Telemetry:   TelemetryConfig{EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault behaves like Load but returns Default when configPath is empty or does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	cfg := AppConfig{Telemetry: TelemetryConfig{EnableMetrics: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	seen := make(map[string]struct{}, len(c.Monitor.Contexts))
	contexts := make([]string, 0, len(c.Monitor.Contexts))
	for _, id := range c.Monitor.Contexts {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			return fmt.Errorf("duplicate context id %q", trimmed)
		}
		seen[trimmed] = struct{}{}
		contexts = append(contexts, trimmed)
	}
	c.Monitor.Contexts = contexts
	if c.Monitor.ParseLogRate == 0 {
		c.Monitor.ParseLogRate = 10
	}
	if c.Monitor.ParseLogBurst <= 0 {
		c.Monitor.ParseLogBurst = 10
	}

	c.Ingest.Addr = strings.TrimSpace(c.Ingest.Addr)
	if c.Ingest.Addr == "" {
		c.Ingest.Addr = ":7400"
	}
	if c.Ingest.ReadLimit <= 0 {
		c.Ingest.ReadLimit = 4096
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":7401"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "leomon"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	if c.Recorder.Workers <= 0 {
		c.Recorder.Workers = 2
	}
	if c.Recorder.QueueSize <= 0 {
		c.Recorder.QueueSize = 256
	}
	if c.Recorder.History <= 0 {
		c.Recorder.History = 256
	}
	if c.Recorder.MaxRetries == 0 {
		c.Recorder.MaxRetries = 5
	}
	if c.Recorder.Timeout <= 0 {
		c.Recorder.Timeout = 10 * time.Second
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.Ingest.Addr) == "" {
		return fmt.Errorf("ingest addr required")
	}
	if c.Ingest.ReadLimit < 32 {
		return fmt.Errorf("ingest readLimit must hold at least one 32-byte record")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Ingest.Addr == c.APIServer.Addr {
		return fmt.Errorf("ingest and apiServer must listen on different addresses")
	}
	if c.Monitor.ParseLogRate < 0 {
		return fmt.Errorf("monitor parseLogRate must be >= 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Recorder.Workers <= 0 {
		return fmt.Errorf("recorder workers must be >0")
	}
	if c.Recorder.QueueSize < 0 {
		return fmt.Errorf("recorder queueSize must be >=0")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
