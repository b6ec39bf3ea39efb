package storage //nolint:testpackage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

func TestNamespace(t *testing.T) {
	t.Parallel()

	ns := Namespace{Database: "db", Collection: "coll"}
	assert.Equal(t, "db.coll", ns.String())

	dbOnly := Namespace{Database: "db"}
	assert.Equal(t, "db", dbOnly.String())

	parsed, err := ParseNamespace("db.coll.with.dots")
	require.NoError(t, err)
	assert.Equal(t, "db", parsed.Database)
	assert.Equal(t, "coll.with.dots", parsed.Collection)

	_, err = ParseNamespace("nodot")
	require.Error(t, err)
}

func TestDecodeCreateOptions(t *testing.T) {
	t.Parallel()

	t.Run("empty options", func(t *testing.T) {
		t.Parallel()

		raw, err := bson.Marshal(bson.D{})
		require.NoError(t, err)

		opts, err := DecodeCreateOptions(raw)
		require.NoError(t, err)
		assert.Nil(t, opts.Capped)
	})

	t.Run("capped options", func(t *testing.T) {
		t.Parallel()

		raw, err := bson.Marshal(bson.D{
			{"capped", true},
			{"size", int64(4096)},
			{"max", int32(100)},
		})
		require.NoError(t, err)

		opts, err := DecodeCreateOptions(raw)
		require.NoError(t, err)
		require.NotNil(t, opts.Capped)
		assert.True(t, *opts.Capped)
		assert.Equal(t, int64(4096), *opts.Size)
		assert.Equal(t, int32(100), *opts.Max)
	})

	t.Run("invalid storageEngine", func(t *testing.T) {
		t.Parallel()

		// storageEngine must be a document
		raw, err := bson.Marshal(bson.D{{"storageEngine", int32(1)}})
		require.NoError(t, err)

		_, err = DecodeCreateOptions(raw)
		require.Error(t, err)
		assert.True(t, errors.IsParseError(err))
		assert.Equal(t, errors.CodeFailedToParse, errors.ParseErrorCode(err))
	})
}

func TestSanitizeIndexSpec(t *testing.T) {
	t.Parallel()

	raw, err := bson.Marshal(bson.D{
		{"v", int32(2)},
		{"key", bson.D{{"x", int32(1)}}},
		{"name", "x_1"},
		{"ns", "db.coll"},
		{"background", true},
	})
	require.NoError(t, err)

	spec := sanitizeIndexSpec(raw)

	keys := make([]string, len(spec))
	for i, el := range spec {
		keys[i] = el.Key
	}

	assert.Equal(t, []string{"v", "key", "name"}, keys)
}

func TestIsOnlyDuplicateKeyError(t *testing.T) {
	t.Parallel()

	dup := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Code: 11000, Index: 0}},
			{WriteError: mongo.WriteError{Code: 11000, Index: 3}},
		},
	}
	assert.True(t, isOnlyDuplicateKeyError(dup))

	mixed := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Code: 11000, Index: 0}},
			{WriteError: mongo.WriteError{Code: 2, Index: 1}},
		},
	}
	assert.False(t, isOnlyDuplicateKeyError(mixed))

	empty := mongo.BulkWriteException{}
	assert.False(t, isOnlyDuplicateKeyError(empty))

	assert.False(t, isOnlyDuplicateKeyError(errors.New("boom")))
}
