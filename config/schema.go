package config

import (
	"time"
)

// Config holds all PIMS configuration.
type Config struct {
	Port   int    `mapstructure:"port"`
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Sync SyncConfig `mapstructure:",squash"`

	// hidden startup flags
	Start bool `mapstructure:"start"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	OperationTimeout time.Duration `mapstructure:"mongodb-operation-timeout"`
	Compressors      []string      `mapstructure:"dev-source-client-compressors"`
}

// SyncConfig holds initial-sync operation configuration.
// These options can be set via environment variables and overridden by CLI
// flags or HTTP params.
type SyncConfig struct {
	// BatchSize is the number of documents requested per find/getMore batch
	// while copying a collection. 0 means the server default.
	BatchSize int `mapstructure:"sync-batch-size"`
	// NumInsertWorkers is the number of insert workers used during the sync.
	// 0 means auto (calculated at runtime).
	NumInsertWorkers int `mapstructure:"sync-num-insert-workers"`
	// AllowedOutage is how long a transient source outage may last before the
	// sync attempt is failed. The retry loop keeps reconnecting within this
	// window. 0 disables retries.
	AllowedOutage time.Duration `mapstructure:"sync-allowed-outage"`
	// RetryInterval is the delay between reconnect attempts during an outage.
	RetryInterval time.Duration `mapstructure:"sync-retry-interval"`
}
