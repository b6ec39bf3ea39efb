package config

import (
	"github.com/percona/percona-initialsync-mongodb/errors"
)

// Validate validates the Config for required fields and value ranges.
func Validate(cfg *Config) error {
	port := cfg.Port
	if port == 0 {
		port = DefaultServerPort
	}

	if port < 1024 || port > 65535 {
		return errors.New("port value is outside the supported range [1024 - 65535]")
	}

	switch {
	case cfg.Source == "" && cfg.Target == "":
		return errors.New("source URI and target URI are empty")
	case cfg.Source == "":
		return errors.New("source URI is empty")
	case cfg.Target == "":
		return errors.New("target URI is empty")
	case cfg.Source == cfg.Target:
		return errors.New("source URI and target URI are identical")
	}

	err := ValidateSyncBatchSize(cfg.Sync.BatchSize)
	if err != nil {
		return err
	}

	if cfg.Sync.AllowedOutage < 0 {
		return errors.New("syncAllowedOutage must not be negative")
	}

	if cfg.Sync.RetryInterval <= 0 {
		return errors.New("syncRetryInterval must be positive")
	}

	return nil
}

// ValidateSyncBatchSize validates the copy cursor batch size.
// It allows 0 (server default) or values within [1, MaxSyncBatchSize].
func ValidateSyncBatchSize(size int) error {
	if size == 0 {
		return nil // 0 means the server default
	}

	if size < 0 {
		return errors.New("syncBatchSize must not be negative")
	}

	if size > MaxSyncBatchSize {
		return errors.Errorf("syncBatchSize must be at most %d, got %d",
			MaxSyncBatchSize, size)
	}

	return nil
}
