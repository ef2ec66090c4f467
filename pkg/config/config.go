package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/collective/pkg/fault"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PeerConfig is a statically configured peer.
type PeerConfig struct {
	MachineID string `yaml:"machine_id"`
	Endpoint  string `yaml:"endpoint"`
}

// RegistryConfig selects the peer discovery backend. With no etcd
// endpoints, discovery is the static peer list alone.
type RegistryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	Namespace     string   `yaml:"namespace"`
	LeaseTTL      Duration `yaml:"lease_ttl"`
}

// CacheConfig selects the TTL cache backend. With no redis URL the
// in-process cache is used.
type CacheConfig struct {
	RedisURL string   `yaml:"redis_url,omitempty"`
	TTL      Duration `yaml:"ttl"`
}

// IndexConfig configures the semantic index adapter.
type IndexConfig struct {
	// OllamaEndpoint enables the HTTP embedder; empty selects the
	// deterministic hash embedder.
	OllamaEndpoint string `yaml:"ollama_endpoint,omitempty"`
	Model          string `yaml:"model,omitempty"`
	Dimensions     int    `yaml:"dimensions"`
	// EmbedMachineLocal also indexes machine-local memories.
	EmbedMachineLocal bool `yaml:"embed_machine_local"`
}

// SyncConfig carries the replication protocol knobs.
type SyncConfig struct {
	DigestInterval      Duration `yaml:"digest_interval"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	PeerTimeout         Duration `yaml:"peer_timeout"`
	RingCapacity        int      `yaml:"ring_capacity"`
	QuarantineThreshold int      `yaml:"quarantine_threshold"`
	BackoffBase         Duration `yaml:"backoff_base"`
	BackoffCap          Duration `yaml:"backoff_cap"`
	RecentIDsWindow     int      `yaml:"recent_ids_window"`
}

// MemoryConfig carries store limits and timeouts.
type MemoryConfig struct {
	Retention     Duration `yaml:"retention"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	SearchTimeout Duration `yaml:"search_timeout"`
	// CompactionInterval triggers periodic log rewriting; zero disables.
	CompactionInterval Duration `yaml:"compaction_interval"`
}

// AgentConfig carries registry and coordination knobs.
type AgentConfig struct {
	LeaseDuration Duration `yaml:"lease_duration"`
	TaskAckWait   Duration `yaml:"task_ack_wait"`
}

// ConfidenceConfig tunes the composite score. Weights must sum to 1.
type ConfidenceConfig struct {
	Weights struct {
		Freshness        float64 `yaml:"freshness"`
		Source           float64 `yaml:"source"`
		Verification     float64 `yaml:"verification"`
		Consensus        float64 `yaml:"consensus"`
		NoContradiction  float64 `yaml:"no_contradiction"`
		SuccessRate      float64 `yaml:"success_rate"`
		ContextRelevance float64 `yaml:"context_relevance"`
	} `yaml:"weights"`
	// HalfLifeDays per category; categories absent here use the default.
	HalfLifeDays        map[string]float64 `yaml:"half_life_days,omitempty"`
	DefaultHalfLifeDays float64            `yaml:"default_half_life_days"`
	// SourceTrust per role; roles absent here use the default.
	SourceTrust        map[string]float64 `yaml:"source_trust,omitempty"`
	DefaultSourceTrust float64            `yaml:"default_source_trust"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full machine configuration.
type Config struct {
	MachineID  string       `yaml:"machine_id,omitempty"`
	DataDir    string       `yaml:"data_dir"`
	RPCAddr    string       `yaml:"rpc_addr"`
	HealthAddr string       `yaml:"health_addr"`
	Peers      []PeerConfig `yaml:"peers,omitempty"`

	Registry   RegistryConfig   `yaml:"registry"`
	Cache      CacheConfig      `yaml:"cache"`
	Index      IndexConfig      `yaml:"index"`
	Sync       SyncConfig       `yaml:"sync"`
	Memory     MemoryConfig     `yaml:"memory"`
	Agents     AgentConfig      `yaml:"agents"`
	Confidence ConfidenceConfig `yaml:"confidence"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() *Config {
	cfg := &Config{
		DataDir:    "./collective-data",
		RPCAddr:    "127.0.0.1:7946",
		HealthAddr: "127.0.0.1:9460",
		Registry: RegistryConfig{
			Namespace: "/collective/machines",
			LeaseTTL:  Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			TTL: Duration(5 * time.Minute),
		},
		Index: IndexConfig{
			Dimensions: 256,
			Model:      "embeddinggemma",
		},
		Sync: SyncConfig{
			DigestInterval:      Duration(60 * time.Second),
			HeartbeatInterval:   Duration(15 * time.Second),
			PeerTimeout:         Duration(10 * time.Second),
			RingCapacity:        1024,
			QuarantineThreshold: 10,
			BackoffBase:         Duration(250 * time.Millisecond),
			BackoffCap:          Duration(30 * time.Second),
			RecentIDsWindow:     128,
		},
		Memory: MemoryConfig{
			Retention:          Duration(30 * 24 * time.Hour),
			WriteTimeout:       Duration(2 * time.Second),
			SearchTimeout:      Duration(5 * time.Second),
			CompactionInterval: Duration(6 * time.Hour),
		},
		Agents: AgentConfig{
			LeaseDuration: Duration(5 * time.Minute),
			TaskAckWait:   Duration(30 * time.Second),
		},
		Confidence: ConfidenceConfig{
			HalfLifeDays: map[string]float64{
				"incidents":   14,
				"monitoring":  30,
				"deployments": 60,
				"runbooks":    180,
			},
			DefaultHalfLifeDays: 90,
			DefaultSourceTrust:  0.7,
		},
		Log: LogConfig{Level: "info", JSON: true},
	}
	w := &cfg.Confidence.Weights
	w.Freshness = 1.0 / 7
	w.Source = 1.0 / 7
	w.Verification = 1.0 / 7
	w.Consensus = 1.0 / 7
	w.NoContradiction = 1.0 / 7
	w.SuccessRate = 1.0 / 7
	w.ContextRelevance = 1 - 6*(1.0/7)
	return cfg
}

// Load reads path, layers it over defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Unavailablef(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fault.Validationf("parse config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fault.Validationf("data_dir must be set")
	}
	if c.RPCAddr == "" {
		return fault.Validationf("rpc_addr must be set")
	}
	if c.Sync.RingCapacity < 64 {
		return fault.Validationf("sync.ring_capacity must be at least 64, got %d", c.Sync.RingCapacity)
	}
	for name, d := range map[string]Duration{
		"sync.digest_interval":    c.Sync.DigestInterval,
		"sync.heartbeat_interval": c.Sync.HeartbeatInterval,
		"sync.peer_timeout":       c.Sync.PeerTimeout,
		"sync.backoff_base":       c.Sync.BackoffBase,
		"sync.backoff_cap":        c.Sync.BackoffCap,
		"memory.retention":        c.Memory.Retention,
		"memory.write_timeout":    c.Memory.WriteTimeout,
		"memory.search_timeout":   c.Memory.SearchTimeout,
		"agents.lease_duration":   c.Agents.LeaseDuration,
		"agents.task_ack_wait":    c.Agents.TaskAckWait,
	} {
		if d <= 0 {
			return fault.Validationf("%s must be positive", name)
		}
	}
	if c.Sync.QuarantineThreshold < 1 {
		return fault.Validationf("sync.quarantine_threshold must be at least 1")
	}
	if c.Index.Dimensions < 8 {
		return fault.Validationf("index.dimensions must be at least 8, got %d", c.Index.Dimensions)
	}

	w := c.Confidence.Weights
	sum := w.Freshness + w.Source + w.Verification + w.Consensus +
		w.NoContradiction + w.SuccessRate + w.ContextRelevance
	if math.Abs(sum-1.0) > 1e-6 {
		return fault.Validationf("confidence weights must sum to 1, got %.6f", sum)
	}
	for _, p := range c.Peers {
		if p.MachineID == "" || p.Endpoint == "" {
			return fault.Validationf("peer entries need machine_id and endpoint")
		}
		if c.MachineID != "" && p.MachineID == c.MachineID {
			return fault.Validationf("peer %s duplicates this machine's id", p.MachineID)
		}
	}
	return nil
}
