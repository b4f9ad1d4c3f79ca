package model

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Retry    RetryConfig    `yaml:"retry"`
	Gates    GatesConfig    `yaml:"gates"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type EngineConfig struct {
	DefaultTaskTimeoutSec int `yaml:"default_task_timeout_sec"`
	DefaultPriority       int `yaml:"default_priority"`
	MaxErrorRecovery      int `yaml:"max_error_recovery"`
}

type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BackoffCapSec int `yaml:"backoff_cap_sec"`
}

type GatesConfig struct {
	CacheSize   int `yaml:"cache_size"`
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

type SnapshotConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	AuditPath string `yaml:"audit_path"`
	// MaxAuditSize is in bytes; 0 uses the audit logger's default.
	MaxAuditSize int64 `yaml:"max_audit_size"`
}

// DefaultConfig returns the engine defaults: 3 retries per task, a 5-failure
// run-level recovery budget, 60s backoff cap.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			DefaultTaskTimeoutSec: 300,
			DefaultPriority:       5,
			MaxErrorRecovery:      5,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BackoffCapSec: 60,
		},
		Gates: GatesConfig{
			CacheSize:   1000,
			CacheTTLSec: 30,
		},
		Snapshot: SnapshotConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
