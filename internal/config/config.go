// Package config handles ai-persona configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ai-persona/internal/llm"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ai-persona/config.yaml, /etc/ai-persona/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ai-persona", "config.yaml"))
	}

	paths = append(paths, "/etc/ai-persona/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ai-persona configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Provider  ProviderConfig  `yaml:"provider"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ProviderConfig selects the LLM backend. Empty base_url and model fall
// back to the provider's defaults.
type ProviderConfig struct {
	Name    string `yaml:"name"` // ollama, openai, anthropic, gemini, openrouter, null
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// SiteURL and SiteName are sent to OpenRouter for attribution.
	SiteURL  string `yaml:"site_url"`
	SiteName string `yaml:"site_name"`
}

// LLM converts the section to the provider factory's config.
func (p ProviderConfig) LLM() llm.Config {
	return llm.Config{
		Provider: p.Name,
		APIKey:   p.APIKey,
		BaseURL:  p.BaseURL,
		Model:    p.Model,
		SiteURL:  p.SiteURL,
		SiteName: p.SiteName,
	}
}

// WebhooksConfig lists endpoints that receive a JSON POST after every
// successful generation.
type WebhooksConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	TimeoutSec int      `yaml:"timeout_sec"` // Default: 10
	Retries    int      `yaml:"retries"`     // Retries on dial failures (default 0)
}

// AnalyticsConfig controls the generation log.
type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: <data_dir>/analytics.jsonl
}

// MQTTConfig defines the optional MQTT publisher. Generation
// notifications and periodic stats are published under
// <topic_prefix>/<device_name>/.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://, mqtts://, ssl://, ws://
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`         // Default: ai-persona
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // Default: 60
}

// Configured reports whether enough is set to start the publisher.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// TracingConfig enables OpenTelemetry export over OTLP/gRPC. The
// endpoint is taken from the standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"` // Default: ai-persona
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration: Ollama on localhost, no
// webhooks, analytics on.
func Default() *Config {
	cfg := &Config{
		Analytics: AnalyticsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Provider.Name == "" {
		c.Provider.Name = llm.ProviderOllama
	}
	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Webhooks.TimeoutSec == 0 {
		c.Webhooks.TimeoutSec = 10
	}
	if c.Analytics.Path == "" {
		c.Analytics.Path = filepath.Join(c.DataDir, "analytics.jsonl")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ai-persona"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "ai-persona"
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if !slices.Contains(llm.Names(), c.Provider.Name) {
		errs = append(errs, fmt.Errorf("provider.name %q is not one of %s", c.Provider.Name, strings.Join(llm.Names(), ", ")))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Webhooks.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("webhooks.timeout_sec must not be negative"))
	}
	if c.Webhooks.Retries < 0 {
		errs = append(errs, fmt.Errorf("webhooks.retries must not be negative"))
	}
	if c.MQTT.Broker != "" {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
	}
	if c.MQTT.PublishIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval_sec must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
