package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/pkg/security"
	"github.com/c360/taskwire/protocol"
)

// Config represents the complete taskwire configuration. The same
// structure serves both the device agent and the control tooling;
// sections a binary does not use are ignored.
type Config struct {
	Device   DeviceConfig    `json:"device" yaml:"device"`
	NATS     NATSConfig      `json:"nats" yaml:"nats"`
	Security security.Config `json:"security,omitempty" yaml:"security,omitempty"`
	Worker   WorkerConfig    `json:"worker,omitempty" yaml:"worker,omitempty"`
	Gateway  GatewayConfig   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Health   HealthConfig    `json:"health,omitempty" yaml:"health,omitempty"`
	Logging  LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// DeviceConfig identifies the device an agent runs as.
type DeviceConfig struct {
	ID string `json:"id" yaml:"id"`
}

// NATSConfig defines broker connection settings. Duration fields accept
// Go duration strings ("10s", "1m30s") in config files.
type NATSConfig struct {
	URL           string        `json:"url" yaml:"url"`
	Stream        string        `json:"stream,omitempty" yaml:"stream,omitempty"`
	KeepAlive     time.Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	PublishRetry  RetryConfig   `json:"publish_retry,omitempty" yaml:"publish_retry,omitempty"`
}

// RetryConfig shapes the at-least-once publish retry budget. MaxRetries
// counts additional attempts after the first.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialDelay  time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay      time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffFactor float64       `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
}

// PublishRetryBudget converts the section into the classified-error
// retry configuration the transport consumes.
func (n NATSConfig) PublishRetryBudget() errors.RetryConfig {
	return errors.RetryConfig(n.PublishRetry)
}

// WorkerConfig controls the optional task execution pool. When disabled
// the agent executes each command on its own goroutine.
type WorkerConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	Workers   int  `json:"workers,omitempty" yaml:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// GatewayConfig controls the websocket monitoring endpoint.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// HealthConfig controls the health check endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // text or json
}

// Validate checks the configuration for a device agent. Sections with a
// zero port fall back to defaults instead of failing.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id: %w", errors.ErrMissingConfig)
	}
	if err := protocol.ValidateDeviceID(c.Device.ID); err != nil {
		return fmt.Errorf("device.id: %w", err)
	}
	return c.ValidateShared()
}

// ValidateShared checks the sections used by every binary, including
// ones that do not run as a device.
func (c *Config) ValidateShared() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url: %w", errors.ErrMissingConfig)
	}
	if c.NATS.KeepAlive < 0 {
		return fmt.Errorf("nats.keep_alive must not be negative: %w", errors.ErrInvalidConfig)
	}
	pr := c.NATS.PublishRetry
	if pr.MaxRetries < 0 || pr.InitialDelay < 0 || pr.MaxDelay < 0 || pr.BackoffFactor < 0 {
		return fmt.Errorf("nats.publish_retry values must not be negative: %w", errors.ErrInvalidConfig)
	}
	if c.Worker.Workers < 0 || c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker counts must not be negative: %w", errors.ErrInvalidConfig)
	}
	for _, p := range []struct {
		name string
		port int
	}{
		{"gateway.port", c.Gateway.Port},
		{"metrics.port", c.Metrics.Port},
		{"health.port", c.Health.Port},
	} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s out of range: %w", p.name, errors.ErrInvalidConfig)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: %w", c.Logging.Level, errors.ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q: %w", c.Logging.Format, errors.ErrInvalidConfig)
	}
	return c.validateSecurity()
}

// validateSecurity checks TLS settings: referenced files must exist and
// version strings must name a supported TLS version.
func (c *Config) validateSecurity() error {
	if c.Security.TLS.Server.Enabled {
		if c.Security.TLS.Server.CertFile == "" {
			return fmt.Errorf("security.tls.server.cert_file: %w", errors.ErrMissingConfig)
		}
		if c.Security.TLS.Server.KeyFile == "" {
			return fmt.Errorf("security.tls.server.key_file: %w", errors.ErrMissingConfig)
		}
		if _, err := os.Stat(c.Security.TLS.Server.CertFile); err != nil {
			return fmt.Errorf("security.tls.server.cert_file: %w", err)
		}
		if _, err := os.Stat(c.Security.TLS.Server.KeyFile); err != nil {
			return fmt.Errorf("security.tls.server.key_file: %w", err)
		}
		if err := validateTLSVersion(c.Security.TLS.Server.MinVersion); err != nil {
			return err
		}
	}

	if c.Security.TLS.Client.Enabled {
		for i, caFile := range c.Security.TLS.Client.CAFiles {
			if _, err := os.Stat(caFile); err != nil {
				return fmt.Errorf("security.tls.client.ca_files[%d]: %w", i, err)
			}
		}
		if c.Security.TLS.Client.InsecureSkipVerify {
			_, _ = fmt.Fprintln(os.Stderr,
				"WARNING: TLS certificate verification is disabled (insecure_skip_verify=true). Development/testing only!")
		}
		if err := validateTLSVersion(c.Security.TLS.Client.MinVersion); err != nil {
			return err
		}
	}

	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("TLS version %q must be \"1.2\" or \"1.3\": %w", version, errors.ErrInvalidConfig)
	}
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with credentials redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "<redacted>"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "<redacted>"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with no file layers and the TASKWIRE env
// prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TASKWIRE",
	}
}

// AddLayer adds a configuration file layer. Layers are merged in the
// order added.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation during Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, file layers, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.ValidateShared(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			KeepAlive:     10 * time.Second,
			MaxReconnects: -1,
			ReconnectWait: time.Second,
			Timeout:       5 * time.Second,
			PublishRetry:  RetryConfig(errors.DefaultRetryConfig()),
		},
		Worker: WorkerConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Gateway: GatewayConfig{
			Port: 8082,
			Path: "/ws",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8081,
			Path:    "/healthz",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadRaw loads a config file into a map, choosing the decoder by file
// extension. Duration strings are converted to nanoseconds so the map
// round-trips through the typed Config.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	} else {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	}

	l.parseDurations(raw)
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds so they
// survive json unmarshaling into time.Duration fields.
func (l *Loader) parseDurations(data map[string]any) {
	nats, ok := data["nats"].(map[string]any)
	if !ok {
		return
	}
	for _, key := range []string{"keep_alive", "reconnect_wait", "timeout"} {
		if s, ok := nats[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				nats[key] = d.Nanoseconds()
			}
		}
	}
	if pr, ok := nats["publish_retry"].(map[string]any); ok {
		for _, key := range []string{"initial_delay", "max_delay"} {
			if s, ok := pr[key].(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					pr[key] = d.Nanoseconds()
				}
			}
		}
	}
}

// mergeFromMap merges a raw layer over the base config, only overriding
// fields present in the layer.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}
	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking
// precedence. Nil override values are skipped.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies TASKWIRE_* environment variable overrides.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		suffix string
		apply  func(string) error
	}{
		{"DEVICE_ID", func(v string) error { cfg.Device.ID = v; return nil }},
		{"NATS_URL", func(v string) error { cfg.NATS.URL = v; return nil }},
		{"NATS_STREAM", func(v string) error { cfg.NATS.Stream = v; return nil }},
		{"NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{"NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{"NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{"LOG_LEVEL", func(v string) error { cfg.Logging.Level = v; return nil }},
		{"LOG_FORMAT", func(v string) error { cfg.Logging.Format = v; return nil }},
		{"GATEWAY_PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("gateway port %q: %w", v, errors.ErrInvalidConfig)
			}
			cfg.Gateway.Port = port
			return nil
		}},
		{"METRICS_PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("metrics port %q: %w", v, errors.ErrInvalidConfig)
			}
			cfg.Metrics.Port = port
			return nil
		}},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.suffix
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := o.apply(val); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling so duration fields
// accept both strings and nanosecond numbers.
func (n *NATSConfig) UnmarshalJSON(data []byte) error {
	type Alias NATSConfig
	aux := &struct {
		KeepAlive     any `json:"keep_alive,omitempty"`
		ReconnectWait any `json:"reconnect_wait,omitempty"`
		Timeout       any `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(n),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, f := range []struct {
		raw any
		dst *time.Duration
	}{
		{aux.KeepAlive, &n.KeepAlive},
		{aux.ReconnectWait, &n.ReconnectWait},
		{aux.Timeout, &n.Timeout},
	} {
		switch v := f.raw.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*f.dst = d
		case float64:
			*f.dst = time.Duration(v)
		}
	}
	return nil
}

// UnmarshalJSON accepts both duration strings and nanosecond numbers for
// the delay fields, matching NATSConfig.
func (rc *RetryConfig) UnmarshalJSON(data []byte) error {
	type Alias RetryConfig
	aux := &struct {
		InitialDelay any `json:"initial_delay,omitempty"`
		MaxDelay     any `json:"max_delay,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(rc),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, f := range []struct {
		raw any
		dst *time.Duration
	}{
		{aux.InitialDelay, &rc.InitialDelay},
		{aux.MaxDelay, &rc.MaxDelay},
	} {
		switch v := f.raw.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*f.dst = d
		case float64:
			*f.dst = time.Duration(v)
		}
	}
	return nil
}
