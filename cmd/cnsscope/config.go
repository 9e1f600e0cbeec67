package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	cnsconfig "github.com/c360studio/cnsscope/config"
	cnsingester "github.com/c360studio/cnsscope/processor/cns-ingester"
	"github.com/c360studio/cnsscope/wire"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/types"
)

// loadSettings returns the cnsscope settings and the file the ingester should
// watch for retention changes. An explicit path is loaded as is; otherwise
// the layered loader runs and the project file, if any, is watched.
func loadSettings(path string, logger *slog.Logger) (*cnsconfig.Config, string, error) {
	if path != "" {
		cfg, err := cnsconfig.LoadFromFile(path)
		if err != nil {
			return nil, "", err
		}
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid settings %s: %w", path, err)
		}
		return cfg, path, nil
	}

	loader := cnsconfig.NewLoader(logger)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, loader.FindProjectConfig(), nil
}

func loadConfig(configPath string, settings *cnsconfig.Config, settingsFile string) (*config.Config, error) {
	if configPath != "" {
		return loadConfigWithEnvSubstitution(configPath)
	}
	return buildDefaultConfig(settings, settingsFile)
}

// loadConfigWithEnvSubstitution reads a config file and expands environment
// variables before parsing. Supports ${VAR} and ${VAR:-default} syntax.
func loadConfigWithEnvSubstitution(configPath string) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := config.ExpandEnvWithDefaults(string(data))

	loader := config.NewLoader()
	return loader.LoadFromBytes([]byte(expanded))
}

func buildDefaultConfig(settings *cnsconfig.Config, settingsFile string) (*config.Config, error) {
	ingesterJSON, err := ingesterConfig(settings, settingsFile)
	if err != nil {
		return nil, err
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "cnsscope",
			ID:          "cnsscope-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{settings.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{
			"component-manager": types.ServiceConfig{
				Name:    "component-manager",
				Enabled: true,
				Config:  json.RawMessage(`{}`),
			},
		},
		Components: config.ComponentConfigs{
			"cns-ingester": types.ComponentConfig{
				Name:    "cns-ingester",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  ingesterJSON,
			},
		},
		Streams: config.StreamConfigs{
			wire.StreamName: config.StreamConfig{
				Subjects: []string{wire.EventsSubjectAll},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

// ingesterConfig renders the cns-ingester component config from settings.
// When settingsFile is set the component watches it for retention changes.
func ingesterConfig(settings *cnsconfig.Config, settingsFile string) (json.RawMessage, error) {
	cfg := cnsingester.DefaultConfig()
	cfg.Retention = ingesterRetention(settings.Retention)
	cfg.RetentionFile = settingsFile

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal cns-ingester config: %w", err)
	}
	return data, nil
}

func ingesterRetention(r cnsconfig.RetentionConfig) *cnsingester.RetentionConfig {
	out := &cnsingester.RetentionConfig{Default: ingesterPolicy(r.Default)}
	if len(r.Apps) > 0 {
		out.Apps = make(map[string]cnsingester.PolicyConfig, len(r.Apps))
		for appID, p := range r.Apps {
			out.Apps[appID] = ingesterPolicy(p)
		}
	}
	return out
}

func ingesterPolicy(p cnsconfig.PolicyConfig) cnsingester.PolicyConfig {
	return cnsingester.PolicyConfig{
		MaxStimulations: p.MaxStimulations,
		StimulationTTL:  formatDuration(p.StimulationTTL),
		MaxResponses:    p.MaxResponses,
		ResponseTTL:     formatDuration(p.ResponseTTL),
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// natsURLs picks the NATS servers: NATS_URL wins, then the semstreams config,
// then the cnsscope settings (which already honour CNSSCOPE_NATS_URL).
func natsURLs(cfg *config.Config, settings *cnsconfig.Config) string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}
	if len(cfg.NATS.URLs) > 0 {
		return strings.Join(cfg.NATS.URLs, ",")
	}
	if settings != nil && settings.NATS.URL != "" {
		return settings.NATS.URL
	}
	return "nats://localhost:4222"
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config, httpPort int) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; exists {
		return
	}

	slog.Debug("Adding default service-manager config", "http_port", httpPort)
	defaultConfig := map[string]any{
		"http_port":  httpPort,
		"swagger_ui": false,
		"server_info": map[string]string{
			"title":       "cnsscope API",
			"description": "CNS topology and activity viewer",
			"version":     Version,
		},
	}
	defaultConfigJSON, _ := json.Marshal(defaultConfig)
	cfg.Services["service-manager"] = types.ServiceConfig{
		Name:    "service-manager",
		Enabled: true,
		Config:  defaultConfigJSON,
	}
}
