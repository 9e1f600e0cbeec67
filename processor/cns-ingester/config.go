package cnsingester

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/cnsscope/wire"
	"github.com/c360studio/semstreams/component"
)

// cnsIngesterSchema defines the configuration schema.
var cnsIngesterSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the cns-ingester component.
type Config struct {
	// StreamName is the JetStream stream carrying producer telemetry.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream with CNS telemetry,category:basic,default:CNS"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:cns-ingester"`

	// FilterSubject selects the telemetry subjects to ingest.
	FilterSubject string `json:"filter_subject" schema:"type:string,description:Subject filter for telemetry,category:basic,default:cns.events.>"`

	// DeliverPolicy is "all" to rebuild from the whole stream or "new" for live data only.
	DeliverPolicy string `json:"deliver_policy" schema:"type:string,description:Consumer deliver policy (all/new),category:advanced,default:all"`

	// TopologyBucket is the KV bucket holding the latest init per app.
	TopologyBucket string `json:"topology_bucket" schema:"type:string,description:KV bucket with latest topology per app,category:basic,default:CNS_TOPOLOGY"`

	// ReplayTopology seeds the store from TopologyBucket on start.
	ReplayTopology bool `json:"replay_topology" schema:"type:bool,description:Replay stored topologies on start,category:basic,default:true"`

	// SweepInterval is how often retention runs without new input.
	SweepInterval string `json:"sweep_interval" schema:"type:string,description:Retention sweep interval,category:advanced,default:30s"`

	// CommandTimeout bounds stimulate requests relayed to producers.
	CommandTimeout string `json:"command_timeout" schema:"type:string,description:Timeout for relayed stimulate commands,category:advanced,default:5s"`

	// FeedBuffer is the per-client buffer of the live change feed.
	FeedBuffer int `json:"feed_buffer" schema:"type:int,description:Per-client live feed buffer,category:advanced,default:64"`

	// Retention bounds the stored time series.
	Retention *RetentionConfig `json:"retention,omitempty" schema:"type:object,description:Retention policy,category:basic"`

	// RetentionFile is a YAML config file watched for retention changes.
	RetentionFile string `json:"retention_file,omitempty" schema:"type:string,description:YAML file watched for retention changes,category:advanced"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// PolicyConfig is a retention policy with duration strings.
type PolicyConfig struct {
	MaxStimulations int    `json:"max_stimulations"`
	StimulationTTL  string `json:"stimulation_ttl,omitempty"`
	MaxResponses    int    `json:"max_responses"`
	ResponseTTL     string `json:"response_ttl,omitempty"`
}

// RetentionConfig is the default policy plus per-app overrides.
type RetentionConfig struct {
	Default PolicyConfig            `json:"default"`
	Apps    map[string]PolicyConfig `json:"apps,omitempty"`
}

// Policy converts p to a store policy.
func (p PolicyConfig) Policy() (store.Policy, error) {
	policy := store.Policy{
		MaxStimulations: p.MaxStimulations,
		MaxResponses:    p.MaxResponses,
	}
	var err error
	if policy.StimulationTTL, err = parseOptionalDuration(p.StimulationTTL); err != nil {
		return store.Policy{}, fmt.Errorf("stimulation_ttl: %w", err)
	}
	if policy.ResponseTTL, err = parseOptionalDuration(p.ResponseTTL); err != nil {
		return store.Policy{}, fmt.Errorf("response_ttl: %w", err)
	}
	if policy.MaxStimulations < 0 || policy.MaxResponses < 0 {
		return store.Policy{}, fmt.Errorf("ceilings must not be negative")
	}
	return policy, nil
}

// Retention converts r to a store retention.
func (r *RetentionConfig) Retention() (store.Retention, error) {
	if r == nil {
		return store.DefaultRetention(), nil
	}
	def, err := r.Default.Policy()
	if err != nil {
		return store.Retention{}, fmt.Errorf("default: %w", err)
	}
	out := store.Retention{Default: def}
	if len(r.Apps) > 0 {
		out.Apps = make(map[string]store.Policy, len(r.Apps))
		for appID, p := range r.Apps {
			policy, err := p.Policy()
			if err != nil {
				return store.Retention{}, fmt.Errorf("app %s: %w", appID, err)
			}
			out.Apps[appID] = policy
		}
	}
	return out, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:     wire.StreamName,
		ConsumerName:   "cns-ingester",
		FilterSubject:  wire.EventsSubjectAll,
		DeliverPolicy:  "all",
		TopologyBucket: wire.TopologyBucket,
		ReplayTopology: true,
		SweepInterval:  "30s",
		CommandTimeout: "5s",
		FeedBuffer:     64,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "cns_events",
					Type:        "jetstream",
					Subject:     wire.EventsSubjectAll,
					StreamName:  wire.StreamName,
					Required:    true,
					Description: "Topology and activity telemetry from instrumented runtimes",
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "stimulate_commands",
					Type:        "nats",
					Subject:     wire.CommandSubjectAll,
					Required:    false,
					Description: "Stimulate requests relayed to instrumented runtimes",
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.FilterSubject == "" {
		return fmt.Errorf("filter_subject is required")
	}
	switch c.DeliverPolicy {
	case "", "all", "new":
	default:
		return fmt.Errorf("unsupported deliver_policy: %s (valid: all, new)", c.DeliverPolicy)
	}
	if c.SweepInterval != "" {
		d, err := time.ParseDuration(c.SweepInterval)
		if err != nil {
			return fmt.Errorf("invalid sweep_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("sweep_interval must be positive")
		}
	}
	if c.CommandTimeout != "" {
		if _, err := time.ParseDuration(c.CommandTimeout); err != nil {
			return fmt.Errorf("invalid command_timeout: %w", err)
		}
	}
	if c.FeedBuffer < 0 {
		return fmt.Errorf("feed_buffer must not be negative")
	}
	if _, err := c.Retention.Retention(); err != nil {
		return fmt.Errorf("invalid retention: %w", err)
	}
	return nil
}

// GetSweepInterval parses the sweep interval.
func (c *Config) GetSweepInterval() time.Duration {
	if c.SweepInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetCommandTimeout parses the command timeout.
func (c *Config) GetCommandTimeout() time.Duration {
	if c.CommandTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetDeliverPolicy returns the deliver policy with its default applied.
func (c *Config) GetDeliverPolicy() string {
	if c.DeliverPolicy == "" {
		return "all"
	}
	return c.DeliverPolicy
}
