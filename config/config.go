// Package config provides configuration management for PIMS using Viper.
package config

import (
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

// Load initializes Viper and returns the decoded Config. It does not validate
// the result; see [Validate].
func Load(cmd *cobra.Command) (*Config, error) {
	viper.SetEnvPrefix("PIMS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cmd.PersistentFlags() != nil {
		_ = viper.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = viper.BindPFlags(cmd.Flags())
	}

	bindEnvVars()

	var cfg Config

	err := viper.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	cfg.MongoDB.Compressors = filterCompressors(cfg.MongoDB.Compressors)

	if cfg.Sync.RetryInterval <= 0 {
		cfg.Sync.RetryInterval = DefaultSyncRetryInterval
	}

	return &cfg, nil
}

func bindEnvVars() {
	_ = viper.BindEnv("port", "PIMS_PORT")

	_ = viper.BindEnv("source", "PIMS_SOURCE_URI")
	_ = viper.BindEnv("target", "PIMS_TARGET_URI")

	_ = viper.BindEnv("log-level", "PIMS_LOG_LEVEL")
	_ = viper.BindEnv("log-json", "PIMS_LOG_JSON")
	_ = viper.BindEnv("log-no-color", "PIMS_LOG_NO_COLOR", "PIMS_NO_COLOR")

	_ = viper.BindEnv("mongodb-operation-timeout", "PIMS_MONGODB_OPERATION_TIMEOUT")

	_ = viper.BindEnv("dev-source-client-compressors", "PIMS_DEV_SOURCE_CLIENT_COMPRESSORS")

	_ = viper.BindEnv("sync-batch-size", "PIMS_SYNC_BATCH_SIZE")
	_ = viper.BindEnv("sync-num-insert-workers", "PIMS_SYNC_NUM_INSERT_WORKERS")
	_ = viper.BindEnv("sync-allowed-outage", "PIMS_SYNC_ALLOWED_OUTAGE")
	_ = viper.BindEnv("sync-retry-interval", "PIMS_SYNC_RETRY_INTERVAL")
}

//nolint:gochecknoglobals
var allowedCompressors = []string{"zstd", "zlib", "snappy"}

func filterCompressors(compressors []string) []string {
	if len(compressors) == 0 {
		return nil
	}

	filtered := make([]string, 0, len(allowedCompressors))

	for _, c := range compressors {
		c = strings.TrimSpace(c)
		if slices.Contains(allowedCompressors, c) && !slices.Contains(filtered, c) {
			filtered = append(filtered, c)
		}
	}

	return filtered
}
