package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "mnemon",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: StoreConfig{
			Type: "badger",
			Badger: BadgerConfig{
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
				CacheSize:         4096,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "mnemon",
			},
		},
		Index: IndexConfig{
			VectorDimension: 384,
			VectorBackend:   "local",
			BM25: BM25Config{
				K1: 1.5,
				B:  0.75,
			},
		},
		Graph: GraphConfig{
			AutoAssociateThreshold: 0.85,
			TopNeighbors:           5,
			Depth:                  1,
		},
		Retrieval: RetrievalConfig{
			Weights: WeightsConfig{
				BM25:       0.35,
				Vector:     0.35,
				Recency:    0.20,
				Importance: 0.10,
				Graph:      0.15,
			},
			RecencyTauDays:     30,
			TouchBatchInterval: 250 * time.Millisecond,
		},
		Cortex: CortexConfig{
			WorkingMemoryCapacity: 20,
			AttentionDecay:        0.9,
		},
		Confidence: ConfidenceConfig{
			HalfLifeDays: 30,
		},
		Maintenance: MaintenanceConfig{
			Enabled:           false,
			Interval:          1 * time.Hour,
			DecayRate:         0.05,
			PruneThreshold:    0.1,
			MinAgeDays:        7,
			HardRetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
		},
	}
}
