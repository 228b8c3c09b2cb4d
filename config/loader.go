package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "MNEMON_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// defaultKeys flattens DefaultConfig into the canonical dotted keys. Layered
// sources merge over these, so a file or env var only ever overrides the
// keys it names.
func defaultKeys() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"app.name":        d.App.Name,
		"app.version":     d.App.Version,
		"app.environment": d.App.Environment,
		"app.debug":       d.App.Debug,

		"data.dir": d.Data.Dir,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,
		"log.output": d.Log.Output,

		"store.type":                        d.Store.Type,
		"store.badger.sync_writes":          d.Store.Badger.SyncWrites,
		"store.badger.value_log_file_size":  d.Store.Badger.ValueLogFileSize,
		"store.badger.num_versions_to_keep": d.Store.Badger.NumVersionsToKeep,
		"store.badger.cache_size":           d.Store.Badger.CacheSize,
		"store.redis.address":               d.Store.Redis.Address,
		"store.redis.password":              d.Store.Redis.Password,
		"store.redis.db":                    d.Store.Redis.DB,
		"store.redis.key_prefix":            d.Store.Redis.KeyPrefix,

		"index.vector_dimension": d.Index.VectorDimension,
		"index.vector_backend":   d.Index.VectorBackend,
		"index.bm25.k1":          d.Index.BM25.K1,
		"index.bm25.b":           d.Index.BM25.B,

		"graph.auto_associate_threshold": d.Graph.AutoAssociateThreshold,
		"graph.top_neighbors":            d.Graph.TopNeighbors,
		"graph.depth":                    d.Graph.Depth,

		"retrieval.weights.bm25":         d.Retrieval.Weights.BM25,
		"retrieval.weights.vector":       d.Retrieval.Weights.Vector,
		"retrieval.weights.recency":      d.Retrieval.Weights.Recency,
		"retrieval.weights.importance":   d.Retrieval.Weights.Importance,
		"retrieval.weights.graph":        d.Retrieval.Weights.Graph,
		"retrieval.recency_tau_days":     d.Retrieval.RecencyTauDays,
		"retrieval.touch_batch_interval": d.Retrieval.TouchBatchInterval,

		"cortex.working_memory_capacity": d.Cortex.WorkingMemoryCapacity,
		"cortex.attention_decay":         d.Cortex.AttentionDecay,

		"confidence.half_life_days": d.Confidence.HalfLifeDays,

		"maintenance.enabled":             d.Maintenance.Enabled,
		"maintenance.interval":            d.Maintenance.Interval,
		"maintenance.decay_rate":          d.Maintenance.DecayRate,
		"maintenance.prune_threshold":     d.Maintenance.PruneThreshold,
		"maintenance.min_age_days":        d.Maintenance.MinAgeDays,
		"maintenance.hard_retention_days": d.Maintenance.HardRetentionDays,

		"metrics.enabled": d.Metrics.Enabled,
		"metrics.path":    d.Metrics.Path,
		"metrics.port":    d.Metrics.Port,

		"tracing.enabled":     d.Tracing.Enabled,
		"tracing.endpoint":    d.Tracing.Endpoint,
		"tracing.sample_rate": d.Tracing.SampleRate,
	}
}

// envKeyTable maps MNEMON_-style variable names to canonical dotted keys.
// Built from defaultKeys so multi-word leaves like sync_writes resolve
// without guessing where the underscores split.
func envKeyTable() map[string]string {
	table := make(map[string]string)
	for key := range defaultKeys() {
		envName := strings.ToUpper(strings.ReplaceAll(key, Delimiter, "_"))
		table[envName] = key
	}
	return table
}

// Loader handles configuration loading from various sources.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k: koanf.New(Delimiter),
	}
}

// Load loads configuration with the following priority:
// 1. Explicit overrides (highest)
// 2. Environment variables
// 3. Configuration file
// 4. Defaults (lowest)
//
// With an empty configPath, standard locations are probed; a missing file
// is not an error then.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	if err := l.k.Load(confmap.Provider(defaultKeys(), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := l.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadFile merges one config file, picking the parser by extension.
func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

// findConfigFile probes the standard locations and returns the first hit,
// empty when none exists.
func findConfigFile() string {
	for _, path := range []string{
		"config.yaml",
		"config.yml",
		"config.json",
		"configs/config.yaml",
		"/etc/mnemon/config.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnv merges MNEMON_* environment variables. Names resolve against the
// canonical key table; variables that match no known key are dropped rather
// than guessed at.
func (l *Loader) loadEnv() error {
	table := envKeyTable()
	return l.k.Load(env.Provider(EnvPrefix, Delimiter, func(s string) string {
		if key, ok := table[strings.TrimPrefix(s, EnvPrefix)]; ok {
			return key
		}
		return ""
	}), nil)
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// LoadOrDie loads configuration and panics on error.
func LoadOrDie(configPath string, overrides map[string]interface{}) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
