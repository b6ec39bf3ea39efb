package cloner

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CollectionStats is the progress of one collection clone.
type CollectionStats struct {
	NS              string    `bson:"ns"`
	DocumentsToCopy int64     `bson:"documentsToCopy"`
	DocumentsCopied int64     `bson:"documentsCopied"`
	Indexes         int64     `bson:"indexes"`
	FetchedBatches  int64     `bson:"fetchedBatches"` // inserted batches
	ReceivedBatches int64     `bson:"receivedBatches"`
	Start           time.Time `bson:"start"`
	End             time.Time `bson:"end"`
}

// DatabaseStats is the progress of one database clone.
type DatabaseStats struct {
	DBName            string
	CollectionCount   int
	ClonedCollections int
	CollectionStats   []CollectionStats
}

// Document renders the stats in the shape exposed to dashboards.
func (s DatabaseStats) Document() bson.D {
	collections := make(bson.A, len(s.CollectionStats))
	for i, cs := range s.CollectionStats {
		collections[i] = cs
	}

	return bson.D{
		{"collections", collections},
		{"clonedCollections", int32(s.ClonedCollections)}, //nolint:gosec
	}
}

// AllDatabaseStats is the aggregate progress of the whole initial sync.
type AllDatabaseStats struct {
	DatabasesCloned int
	DatabaseCount   int
	DatabaseStats   []DatabaseStats
}

// Document renders the aggregate stats document: counts first, then one
// sub-document per database keyed by its name.
func (s AllDatabaseStats) Document() bson.D {
	doc := bson.D{
		{"databasesCloned", int32(s.DatabasesCloned)}, //nolint:gosec
		{"databaseCount", int32(s.DatabaseCount)},     //nolint:gosec
	}

	for _, db := range s.DatabaseStats {
		doc = append(doc, bson.E{Key: db.DBName, Value: db.Document()})
	}

	return doc
}
