// Package source defines the sync-source client consumed by the cloners and
// its MongoDB implementation.
package source

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DocumentCursor streams the documents of one collection. Next yields one
// server batch at a time, in natural order.
type DocumentCursor interface {
	// Next returns the next batch. It returns false when the stream is
	// exhausted or failed; Err distinguishes the two.
	Next(ctx context.Context) ([]bson.Raw, bool)
	Err() error
	Close(ctx context.Context)
}

// Client is the sync-source client. It is owned by the top-level cloner and
// lent non-concurrently to child cloners: at most one goroutine uses it at a
// time. List results are returned as raw records; parsing and validation
// belong to the callers.
type Client interface {
	// Connect dials the source endpoint.
	Connect(ctx context.Context) error

	// Authenticate verifies the credentials against the source. It must be
	// called after Connect.
	Authenticate(ctx context.Context) error

	// Reconnect re-establishes and re-authenticates a dropped connection.
	// Used by the stage retry loop during an outage.
	Reconnect(ctx context.Context) error

	// ListDatabases returns the raw database records, names only.
	ListDatabases(ctx context.Context) ([]bson.Raw, error)

	// ListCollections returns the raw collection records of a database.
	ListCollections(ctx context.Context, db string) ([]bson.Raw, error)

	// ListIndexes returns the raw index specs of a collection by UUID.
	ListIndexes(ctx context.Context, db string, uuid bson.Binary) ([]bson.Raw, error)

	// Count returns the approximate document count of a collection by UUID.
	Count(ctx context.Context, db string, uuid bson.Binary) (int64, error)

	// OpenFindCursor opens a natural-order streaming cursor over all
	// documents of a collection by UUID. batchSize 0 means the server
	// default.
	OpenFindCursor(ctx context.Context, db string, uuid bson.Binary, batchSize int32) (DocumentCursor, error)

	// Close releases the connection.
	Close(ctx context.Context) error
}
