// Package config provides configuration loading and management for cnsscope.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/cnsscope/probe"
	"github.com/c360studio/cnsscope/store"
	"gopkg.in/yaml.v3"
)

// Config represents the complete cnsscope configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Retention RetentionConfig `yaml:"retention"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// HTTPConfig configures the query API listener
type HTTPConfig struct {
	// Port is the HTTP port of the service manager
	Port int `yaml:"port"`
}

// PolicyConfig bounds the time series kept for one app. Zero disables a bound.
type PolicyConfig struct {
	MaxStimulations int           `yaml:"max_stimulations"`
	StimulationTTL  time.Duration `yaml:"stimulation_ttl"`
	MaxResponses    int           `yaml:"max_responses"`
	ResponseTTL     time.Duration `yaml:"response_ttl"`
}

// RetentionConfig is the default policy plus per-app overrides
type RetentionConfig struct {
	Default PolicyConfig            `yaml:"default"`
	Apps    map[string]PolicyConfig `yaml:"apps,omitempty"`
}

// ProbeConfig configures producers built with this config
type ProbeConfig struct {
	// QueueSize bounds messages waiting to be sent
	QueueSize int `yaml:"queue_size"`
	// SendTimeout bounds a single publish
	SendTimeout time.Duration `yaml:"send_timeout"`
	// EmitPreStimulation publishes a stimulation record before executing a remote command
	EmitPreStimulation bool `yaml:"emit_pre_stimulation"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	def := store.DefaultRetention().Default
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Retention: RetentionConfig{
			Default: PolicyConfig{
				MaxStimulations: def.MaxStimulations,
				StimulationTTL:  def.StimulationTTL,
				MaxResponses:    def.MaxResponses,
				ResponseTTL:     def.ResponseTTL,
			},
		},
		Probe: ProbeConfig{
			QueueSize:   1024,
			SendTimeout: 5 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535")
	}
	if err := c.Retention.Default.validate(); err != nil {
		return fmt.Errorf("retention.default: %w", err)
	}
	for appID, p := range c.Retention.Apps {
		if err := p.validate(); err != nil {
			return fmt.Errorf("retention.apps.%s: %w", appID, err)
		}
	}
	if c.Probe.QueueSize < 0 {
		return fmt.Errorf("probe.queue_size must not be negative")
	}
	if c.Probe.SendTimeout < 0 {
		return fmt.Errorf("probe.send_timeout must not be negative")
	}
	return nil
}

func (p PolicyConfig) validate() error {
	if p.MaxStimulations < 0 || p.MaxResponses < 0 {
		return fmt.Errorf("ceilings must not be negative")
	}
	if p.StimulationTTL < 0 || p.ResponseTTL < 0 {
		return fmt.Errorf("ttls must not be negative")
	}
	return nil
}

func (p PolicyConfig) policy() store.Policy {
	return store.Policy{
		MaxStimulations: p.MaxStimulations,
		StimulationTTL:  p.StimulationTTL,
		MaxResponses:    p.MaxResponses,
		ResponseTTL:     p.ResponseTTL,
	}
}

// Store converts the retention section to a store retention.
func (r RetentionConfig) Store() store.Retention {
	out := store.Retention{Default: r.Default.policy()}
	if len(r.Apps) > 0 {
		out.Apps = make(map[string]store.Policy, len(r.Apps))
		for appID, p := range r.Apps {
			out.Apps[appID] = p.policy()
		}
	}
	return out
}

// Options converts the probe section to probe options.
func (p ProbeConfig) Options() []probe.Option {
	var opts []probe.Option
	if p.QueueSize > 0 {
		opts = append(opts, probe.WithQueueSize(p.QueueSize))
	}
	if p.SendTimeout > 0 {
		opts = append(opts, probe.WithSendTimeout(p.SendTimeout))
	}
	if p.EmitPreStimulation {
		opts = append(opts, probe.WithPreStimulation(true))
	}
	return opts
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// HTTP
	if other.HTTP.Port != 0 {
		c.HTTP.Port = other.HTTP.Port
	}

	// Retention
	c.Retention.Default.merge(other.Retention.Default)
	for appID, p := range other.Retention.Apps {
		if c.Retention.Apps == nil {
			c.Retention.Apps = make(map[string]PolicyConfig)
		}
		c.Retention.Apps[appID] = p
	}

	// Probe
	if other.Probe.QueueSize != 0 {
		c.Probe.QueueSize = other.Probe.QueueSize
	}
	if other.Probe.SendTimeout != 0 {
		c.Probe.SendTimeout = other.Probe.SendTimeout
	}
	if other.Probe.EmitPreStimulation {
		c.Probe.EmitPreStimulation = true
	}
}

func (p *PolicyConfig) merge(other PolicyConfig) {
	if other.MaxStimulations != 0 {
		p.MaxStimulations = other.MaxStimulations
	}
	if other.StimulationTTL != 0 {
		p.StimulationTTL = other.StimulationTTL
	}
	if other.MaxResponses != 0 {
		p.MaxResponses = other.MaxResponses
	}
	if other.ResponseTTL != 0 {
		p.ResponseTTL = other.ResponseTTL
	}
}
