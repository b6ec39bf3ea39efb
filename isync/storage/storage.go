// Package storage defines the local storage interface consumed by the
// cloners and its MongoDB implementation.
package storage

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

// IDIndex is the name of the "_id" index.
const IDIndex = "_id_"

// SystemPrefix is the prefix for system collections. System collections are
// never cloned.
const SystemPrefix = "system."

// Namespace identifies a collection by database and collection name.
type Namespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

// String returns the string representation of the namespace.
func (ns Namespace) String() string {
	if ns.Collection == "" {
		return ns.Database
	}

	return ns.Database + "." + ns.Collection
}

// ParseNamespace parses a namespace string into a Namespace.
func ParseNamespace(ns string) (Namespace, error) {
	parts := strings.SplitN(ns, ".", 2) //nolint:mnd

	if len(parts) != 2 { //nolint:mnd
		return Namespace{}, errors.Errorf("invalid namespace %q", ns)
	}

	return Namespace{
		Database:   parts[0],
		Collection: parts[1],
	}, nil
}

// CreateCollectionOptions is the validated options bag of a collection as
// reported by listCollections. Decoding a malformed bag fails, which is how
// invalid options are detected before any storage call.
type CreateCollectionOptions struct {
	// ClusteredIndex is the clustered index for the collection.
	ClusteredIndex bson.D `bson:"clusteredIndex,omitempty"`

	// Capped is whether the collection is capped.
	Capped *bool `bson:"capped,omitempty"`
	// Size is the maximum size, in bytes, for a capped collection.
	Size *int64 `bson:"size,omitempty"`
	// Max is the maximum number of documents allowed in a capped collection.
	Max *int32 `bson:"max,omitempty"`

	// Collation is the collation options for the collection.
	Collation bson.Raw `bson:"collation,omitempty"`

	ChangeStreamPreAndPostImages *struct {
		Enabled bool `bson:"enabled"`
	} `bson:"changeStreamPreAndPostImages,omitempty"`

	Validator        *bson.Raw `bson:"validator,omitempty"`
	ValidationLevel  *string   `bson:"validationLevel,omitempty"`
	ValidationAction *string   `bson:"validationAction,omitempty"`

	// StorageEngine is the storage engine options for the collection.
	StorageEngine bson.Raw `bson:"storageEngine,omitempty"`
	// IndexOptionDefaults is the default options for indexes on the collection.
	IndexOptionDefaults bson.Raw `bson:"indexOptionDefaults,omitempty"`
}

// DecodeCreateOptions validates an options document from listCollections.
func DecodeCreateOptions(raw bson.Raw) (*CreateCollectionOptions, error) {
	var opts CreateCollectionOptions

	err := bson.Unmarshal(raw, &opts)
	if err != nil {
		return nil, errors.ParseErrorf(errors.CodeFailedToParse,
			"invalid collection options: %s", err.Error())
	}

	// These options are sub-documents; any other BSON type is malformed.
	for _, key := range []string{"storageEngine", "indexOptionDefaults", "collation"} {
		val, err := raw.LookupErr(key)
		if err == nil && val.Type != bson.TypeEmbeddedDocument {
			return nil, errors.ParseErrorf(errors.CodeFailedToParse,
				"invalid collection options: %q must be a document", key)
		}
	}

	return &opts, nil
}

// BulkLoader accepts batches of documents for a single collection. Commit
// finishes the load and builds the secondary indexes. Insert ignores
// duplicate "_id" conflicts so a restarted copy can safely reinsert
// documents.
type BulkLoader interface {
	Insert(ctx context.Context, docs []bson.Raw) error
	Commit(ctx context.Context) error
}

// Storage is the local storage interface consumed by the cloners. All its
// errors are fatal to the sync attempt.
type Storage interface {
	// CreateCollectionForBulkLoad creates the local collection with the
	// given options and id index and returns a loader for its documents.
	// The secondary indexes are built by the loader's Commit.
	CreateCollectionForBulkLoad(
		ctx context.Context,
		ns Namespace,
		uuid bson.Binary,
		options *CreateCollectionOptions,
		idIndex bson.Raw,
		secondaryIndexes []bson.Raw,
	) (BulkLoader, error)

	// ValidateAdminDatabase checks the authentication collections of the
	// cloned admin database.
	ValidateAdminDatabase(ctx context.Context) error
}
