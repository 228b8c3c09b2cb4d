// Package config provides configuration management for Mnemon.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the global configuration for the Mnemon substrate.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Data is the persistence location configuration.
	Data DataConfig `mapstructure:"data"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Store is the metadata backend configuration.
	Store StoreConfig `mapstructure:"store"`

	// Index configures the full-text and vector indices.
	Index IndexConfig `mapstructure:"index"`

	// Graph configures auto-association and neighbor expansion.
	Graph GraphConfig `mapstructure:"graph"`

	// Retrieval configures the hybrid search engine.
	Retrieval RetrievalConfig `mapstructure:"retrieval"`

	// Cortex configures the agent-facing layer.
	Cortex CortexConfig `mapstructure:"cortex"`

	// Confidence configures the trust model.
	Confidence ConfidenceConfig `mapstructure:"confidence"`

	// Maintenance configures the periodic hygiene job.
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// DataConfig holds the on-disk layout.
type DataConfig struct {
	// Dir is the root directory for the store and both indices.
	Dir string `mapstructure:"dir"`
}

// BadgerPath returns the badger subdirectory under the data dir.
func (d DataConfig) BadgerPath() string {
	return filepath.Join(d.Dir, "store")
}

// VectorIndexPath returns the vector index file under the data dir.
func (d DataConfig) VectorIndexPath() string {
	return filepath.Join(d.Dir, "vectors.bin")
}

// ChromemPath returns the chromem directory under the data dir.
func (d DataConfig) ChromemPath() string {
	return filepath.Join(d.Dir, "chromem")
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StoreConfig holds metadata backend settings.
type StoreConfig struct {
	// Type is the metadata backend (memory, badger, redis).
	Type string `mapstructure:"type" validate:"oneof=memory badger redis"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`

	// CacheSize is the ristretto read cache capacity in entries.
	CacheSize int64 `mapstructure:"cache_size" validate:"min=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces all keys.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// IndexConfig holds index settings.
type IndexConfig struct {
	// VectorDimension is the embedding width, fixed at init.
	VectorDimension int `mapstructure:"vector_dimension" validate:"min=1"`

	// VectorBackend selects the vector store (local, chromem).
	VectorBackend string `mapstructure:"vector_backend" validate:"oneof=local chromem"`

	// BM25 tunes the full-text scoring.
	BM25 BM25Config `mapstructure:"bm25"`
}

// BM25Config holds BM25 parameters.
type BM25Config struct {
	// K1 is the term frequency saturation parameter.
	K1 float64 `mapstructure:"k1" validate:"min=0"`

	// B is the document length normalization parameter.
	B float64 `mapstructure:"b" validate:"min=0,max=1"`
}

// GraphConfig holds graph layer settings.
type GraphConfig struct {
	// AutoAssociateThreshold is the cosine similarity above which RelatedTo
	// edges are auto-created.
	AutoAssociateThreshold float64 `mapstructure:"auto_associate_threshold" validate:"min=0,max=1"`

	// TopNeighbors is how many vector neighbors are consulted per write.
	TopNeighbors int `mapstructure:"top_neighbors" validate:"min=1"`

	// Depth is the default expansion depth for retrieval.
	Depth int `mapstructure:"depth" validate:"min=1"`
}

// RetrievalConfig holds hybrid search settings.
type RetrievalConfig struct {
	// Weights are the fusion weights.
	Weights WeightsConfig `mapstructure:"weights"`

	// RecencyTauDays is the decay constant of the recency feature.
	RecencyTauDays float64 `mapstructure:"recency_tau_days" validate:"min=0"`

	// TouchBatchInterval is the flush cadence for access updates.
	TouchBatchInterval time.Duration `mapstructure:"touch_batch_interval"`
}

// WeightsConfig holds the five fusion weights.
type WeightsConfig struct {
	BM25       float64 `mapstructure:"bm25" validate:"min=0"`
	Vector     float64 `mapstructure:"vector" validate:"min=0"`
	Recency    float64 `mapstructure:"recency" validate:"min=0"`
	Importance float64 `mapstructure:"importance" validate:"min=0"`
	Graph      float64 `mapstructure:"graph" validate:"min=0"`
}

// CortexConfig holds agent-facing layer settings.
type CortexConfig struct {
	// WorkingMemoryCapacity is the LRU size.
	WorkingMemoryCapacity int `mapstructure:"working_memory_capacity" validate:"min=1"`

	// AttentionDecay is the per-tick attention multiplier.
	AttentionDecay float64 `mapstructure:"attention_decay" validate:"gt=0,lt=1"`
}

// ConfidenceConfig holds trust model settings.
type ConfidenceConfig struct {
	// HalfLifeDays is the confidence decay half-life.
	HalfLifeDays float64 `mapstructure:"half_life_days" validate:"min=0"`
}

// MaintenanceConfig holds hygiene job settings.
type MaintenanceConfig struct {
	// Enabled starts the periodic loop with the substrate.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the cycle cadence.
	Interval time.Duration `mapstructure:"interval"`

	// DecayRate is the importance decay per 30 days without access.
	DecayRate float64 `mapstructure:"decay_rate" validate:"min=0"`

	// PruneThreshold is the importance floor below which cold memories are
	// forgotten.
	PruneThreshold float64 `mapstructure:"prune_threshold" validate:"min=0,max=1"`

	// MinAgeDays protects young memories from decay and pruning.
	MinAgeDays float64 `mapstructure:"min_age_days" validate:"min=0"`

	// HardRetentionDays is how long forgotten rows are kept before physical
	// removal.
	HardRetentionDays float64 `mapstructure:"hard_retention_days" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables span export.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Store: %s, Dim: %d, Env: %s}",
		c.App.Name, c.Store.Type, c.Index.VectorDimension, c.App.Environment)
}
