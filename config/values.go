package config

import (
	"time"
)

// DefaultServerPort is the default port for the PIMS HTTP server.
const DefaultServerPort = 2253

// MongoDB client defaults.
const (
	// DefaultMongoDBOperationTimeout bounds individual MongoDB operations.
	DefaultMongoDBOperationTimeout = 5 * time.Minute
	// ConnectTimeout bounds the initial connect and handshake.
	ConnectTimeout = 30 * time.Second
	// DisconnectTimeout bounds client disconnects on shutdown.
	DisconnectTimeout = 10 * time.Second
)

// Initial-sync defaults.
const (
	// DefaultSyncAllowedOutage is the default window during which transient
	// source outages are retried before the attempt is failed.
	DefaultSyncAllowedOutage = 5 * time.Minute
	// DefaultSyncRetryInterval is the default delay between reconnect
	// attempts during an outage.
	DefaultSyncRetryInterval = time.Second
	// MaxSyncBatchSize caps the per-batch document count of the copy cursor.
	MaxSyncBatchSize = 100_000
)

// Collection copy progress is logged at most once per
// [ProgressLogInterval], and only after at least [ProgressLogBatchInterval]
// batches since the previous line.
const (
	ProgressLogInterval      = 60 * time.Second
	ProgressLogBatchInterval = 128
)
