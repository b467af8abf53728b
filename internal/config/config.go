// Package config handles Mirage daemon configuration loading. Listener
// definitions live in their own directory and are handled by
// servicecfg; this file covers everything else.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by [FindConfig] when no config file exists.
var ErrNotFound = errors.New("config file not found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mirage.yaml, ~/.config/mirage/mirage.yaml, /etc/mirage/mirage.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mirage.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mirage", "mirage.yaml"))
	}

	paths = append(paths, "/etc/mirage/mirage.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, DefaultSearchPaths())
}

// Config holds all Mirage daemon configuration.
type Config struct {
	ServicesDir string `yaml:"services_dir"`
	DataDir     string `yaml:"data_dir"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	Monitor   MonitorConfig   `yaml:"monitor"`
	Backend   BackendConfig   `yaml:"backend"`
	Capture   CaptureConfig   `yaml:"capture"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Listeners ListenersConfig `yaml:"listeners"`
}

// MonitorConfig defines the operator HTTP API. Port 0 disables it.
type MonitorConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`
}

// BackendConfig selects the text-generation provider.
type BackendConfig struct {
	Provider        string  `yaml:"provider"` // ollama, anthropic, openai
	Model           string  `yaml:"model"`
	OllamaURL       string  `yaml:"ollama_url"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`
	OpenAIBaseURL   string  `yaml:"openai_base_url"` // any OpenAI-compatible endpoint
	TimeoutSec      int     `yaml:"timeout_sec"`
	MaxHistory      int     `yaml:"max_history"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`

	// FallbackProvider answers with FallbackModel when Provider fails.
	// Empty disables failover.
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`
}

// providerError reports what the provider named by field needs that is
// missing.
func (b BackendConfig) providerError(field, name string) error {
	switch name {
	case "ollama":
		if b.OllamaURL == "" {
			return errors.New("backend.ollama_url is required for provider ollama")
		}
	case "anthropic":
		if b.AnthropicAPIKey == "" {
			return errors.New("backend.anthropic_api_key is required for provider anthropic")
		}
	case "openai":
		if b.OpenAIAPIKey == "" && b.OpenAIBaseURL == "" {
			return errors.New("backend.openai_api_key or backend.openai_base_url is required for provider openai")
		}
	default:
		return fmt.Errorf("%s %q must be ollama, anthropic or openai", field, name)
	}
	return nil
}

// CaptureConfig defines where interactions are recorded.
type CaptureConfig struct {
	// Driver is the SQLite driver: sqlite3 (cgo) or sqlite (pure Go).
	// "none" disables the local store.
	Driver    string      `yaml:"driver"`
	Path      string      `yaml:"path"` // default: <data_dir>/captures.db
	QueueSize int         `yaml:"queue_size"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig defines the optional Redis stream sink. Empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// Configured reports whether a Redis address is set.
func (r RedisConfig) Configured() bool { return r.Addr != "" }

// MQTTConfig defines the optional MQTT publisher. Empty Broker disables
// it.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// ListenersConfig tunes listener and connection handling shared by all
// simulated services.
type ListenersConfig struct {
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	AcceptPollMs    int `yaml:"accept_poll_ms"`
	AcceptBackoffMs int `yaml:"accept_backoff_ms"`
	DebounceMs      int `yaml:"debounce_ms"`
	SettleMs        int `yaml:"settle_ms"`
}

// ReadTimeout returns the per-read deadline.
func (l ListenersConfig) ReadTimeout() time.Duration {
	return time.Duration(l.ReadTimeoutSec) * time.Second
}

// AcceptPoll returns the accept deadline interval.
func (l ListenersConfig) AcceptPoll() time.Duration {
	return time.Duration(l.AcceptPollMs) * time.Millisecond
}

// AcceptBackoff returns the pause after a transient accept error.
func (l ListenersConfig) AcceptBackoff() time.Duration {
	return time.Duration(l.AcceptBackoffMs) * time.Millisecond
}

// Debounce returns the duplicate-notification window.
func (l ListenersConfig) Debounce() time.Duration {
	return time.Duration(l.DebounceMs) * time.Millisecond
}

// Settle returns the delay before a changed file is re-read.
func (l ListenersConfig) Settle() time.Duration {
	return time.Duration(l.SettleMs) * time.Millisecond
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServicesDir == "" {
		c.ServicesDir = "services"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 5
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 30
	}

	if c.Monitor.Address == "" {
		c.Monitor.Address = "127.0.0.1"
	}

	b := &c.Backend
	if b.Provider == "" {
		b.Provider = "ollama"
	}
	if b.Model == "" {
		b.Model = "llama3.2"
	}
	if b.OllamaURL == "" {
		b.OllamaURL = "http://localhost:11434"
	}
	if b.TimeoutSec == 0 {
		b.TimeoutSec = 60
	}
	if b.MaxHistory == 0 {
		b.MaxHistory = 40
	}
	if b.MaxTokens == 0 {
		b.MaxTokens = 1024
	}

	if c.Capture.Driver == "" {
		c.Capture.Driver = "sqlite3"
	}
	if c.Capture.Path == "" {
		c.Capture.Path = filepath.Join(c.DataDir, "captures.db")
	}
	if c.Capture.QueueSize == 0 {
		c.Capture.QueueSize = 256
	}
	if c.Capture.Redis.Stream == "" {
		c.Capture.Redis.Stream = "mirage:interactions"
	}
	if c.Capture.Redis.MaxLen == 0 {
		c.Capture.Redis.MaxLen = 100000
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "mirage"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}

	l := &c.Listeners
	if l.ReadTimeoutSec == 0 {
		l.ReadTimeoutSec = 30
	}
	if l.AcceptPollMs == 0 {
		l.AcceptPollMs = 250
	}
	if l.AcceptBackoffMs == 0 {
		l.AcceptBackoffMs = 100
	}
	if l.DebounceMs == 0 {
		l.DebounceMs = 500
	}
	if l.SettleMs == 0 {
		l.SettleMs = 100
	}
}

// Validate checks the loaded configuration. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		bad("log_format %q must be text or json", c.LogFormat)
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		bad("monitor.port %d out of range 0-65535", c.Monitor.Port)
	}

	if err := c.Backend.providerError("backend.provider", c.Backend.Provider); err != nil {
		errs = append(errs, err)
	}
	if fb := c.Backend.FallbackProvider; fb != "" {
		if err := c.Backend.providerError("backend.fallback_provider", fb); err != nil {
			errs = append(errs, err)
		}
		if fb == c.Backend.Provider {
			bad("backend.fallback_provider must differ from backend.provider")
		}
		if c.Backend.FallbackModel == "" {
			bad("backend.fallback_model is required with backend.fallback_provider")
		}
	}
	if c.Backend.TimeoutSec < 1 {
		bad("backend.timeout_sec must be at least 1")
	}
	if c.Backend.MaxHistory < 1 {
		bad("backend.max_history must be at least 1")
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		bad("backend.temperature %.2f out of range 0-2", c.Backend.Temperature)
	}

	switch c.Capture.Driver {
	case "sqlite3", "sqlite", "none":
	default:
		bad("capture.driver %q must be sqlite3, sqlite or none", c.Capture.Driver)
	}
	if c.Capture.QueueSize < 1 {
		bad("capture.queue_size must be at least 1")
	}

	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 1 {
		bad("mqtt.publish_interval_sec must be at least 1")
	}

	l := c.Listeners
	if l.ReadTimeoutSec < 1 || l.AcceptPollMs < 1 || l.AcceptBackoffMs < 0 || l.DebounceMs < 0 || l.SettleMs < 0 {
		bad("listeners timings must be positive")
	}

	return errors.Join(errs...)
}

// BackendTimeout returns the per-completion timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}
