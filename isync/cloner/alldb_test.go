package cloner //nolint:testpackage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/sel"
)

func newTestAllDatabaseCloner(
	client *fakeClient,
	store *fakeStorage,
	options Options,
) (*AllDatabaseCloner, *SharedData) {
	shared := testSharedData(0)

	return NewAllDatabaseCloner(shared, client, store, inlineExecutor{}, NewPauser(), options), shared
}

func TestAllDatabaseCloner_AdminIsSetToFirst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		upstream []string
		want     []string
	}{
		{
			name:     "admin is moved to front",
			upstream: []string{"a", "aab", "admin"},
			want:     []string{"admin", "aab", "a"},
		},
		{
			name:     "admin already first keeps the order",
			upstream: []string{"admin", "a", "b"},
			want:     []string{"admin", "a", "b"},
		},
		{
			name:     "no admin keeps the order",
			upstream: []string{"b", "a", "c"},
			want:     []string{"b", "a", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{
				listDatabasesFn: func() ([]bson.Raw, error) {
					records := make([]bson.Raw, len(tt.upstream))
					for i, name := range tt.upstream {
						records[i] = dbRecord(t, name)
					}

					return records, nil
				},
			}

			a, _ := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{})
			a.SetStopAfterStage("listDatabases")

			require.NoError(t, a.Run(t.Context()))
			assert.Equal(t, tt.want, a.databases)
		})
	}
}

func TestAllDatabaseCloner_LocalIsRemoved(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{
				dbRecord(t, "a"),
				dbRecord(t, "aab"),
				dbRecord(t, "local"),
			}, nil
		},
	}

	a, _ := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{})
	a.SetStopAfterStage("listDatabases")

	require.NoError(t, a.Run(t.Context()))
	assert.Equal(t, []string{"a", "aab"}, a.databases)
}

func TestAllDatabaseCloner_EntryWithoutNameIsSkipped(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{
				dbRecord(t, "a"),
				mustRaw(t, bson.D{{"sizeOnDisk", int64(10)}}), // no name
				dbRecord(t, "b"),
			}, nil
		},
	}

	a, _ := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{})
	a.SetStopAfterStage("listDatabases")

	require.NoError(t, a.Run(t.Context()))
	assert.Equal(t, []string{"a", "b"}, a.databases)
}

func TestAllDatabaseCloner_FailsOnListDatabases(t *testing.T) {
	t.Parallel()

	listErr := errors.New("BadValue: foo")

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) { return nil, listErr },
	}

	store := &fakeStorage{}
	a, shared := newTestAllDatabaseCloner(client, store, Options{})

	err := a.Run(t.Context())
	require.ErrorIs(t, err, listErr)
	assert.ErrorIs(t, shared.Status(), listErr)

	// no DatabaseCloner was constructed, so nothing touched storage
	assert.Empty(t, store.Created())

	stats := a.Stats()
	assert.Equal(t, 0, stats.DatabaseCount)
}

func TestAllDatabaseCloner_AuthenticationFailureIsFatal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		authErr: errors.Wrap(errors.ErrAuthenticationFailed, "connectionStatus"),
	}

	a, shared := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{})

	err := a.Run(t.Context())
	require.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	assert.ErrorIs(t, shared.Status(), errors.ErrAuthenticationFailed)
}

func TestAllDatabaseCloner_ClonesAllDatabases(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{dbRecord(t, "admin"), dbRecord(t, "a")}, nil
		},
		listCollectionsFn: func(db string) ([]bson.Raw, error) {
			if db == "a" {
				return []bson.Raw{collRecord(t, "coll")}, nil
			}

			return nil, nil
		},
	}

	store := &fakeStorage{}
	a, shared := newTestAllDatabaseCloner(client, store, Options{})

	require.NoError(t, a.Run(t.Context()))
	require.NoError(t, shared.Status())

	stats := a.Stats()
	assert.Equal(t, 2, stats.DatabaseCount)
	assert.Equal(t, stats.DatabaseCount, stats.DatabasesCloned)
	require.Len(t, stats.DatabaseStats, 2)
	assert.Equal(t, "admin", stats.DatabaseStats[0].DBName)
	assert.Equal(t, "a", stats.DatabaseStats[1].DBName)

	// admin was validated exactly once
	assert.Equal(t, 1, store.ValidateCalls())

	// the one collection was created locally
	created := store.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "a.coll", created[0].ns.String())
}

func TestAllDatabaseCloner_AdminValidationFailureAborts(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{dbRecord(t, "admin"), dbRecord(t, "a")}, nil
		},
	}

	validateErr := errors.New("auth schema mismatch")
	store := &fakeStorage{validateErr: validateErr}

	a, shared := newTestAllDatabaseCloner(client, store, Options{})

	err := a.Run(t.Context())
	require.ErrorIs(t, err, validateErr)
	assert.Contains(t, err.Error(), "validate admin database")
	assert.ErrorIs(t, shared.Status(), validateErr)

	assert.Equal(t, 1, store.ValidateCalls())

	// the remaining database was never cloned
	stats := a.Stats()
	assert.Equal(t, 2, stats.DatabaseCount)
	assert.Equal(t, 0, stats.DatabasesCloned)
}

func TestAllDatabaseCloner_DatabaseFilter(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{dbRecord(t, "keep"), dbRecord(t, "drop")}, nil
		},
	}

	a, _ := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{
		NSFilter: sel.MakeFilter(nil, []string{"drop.*"}),
	})
	a.SetStopAfterStage("listDatabases")

	require.NoError(t, a.Run(t.Context()))
	assert.Equal(t, []string{"keep"}, a.databases)
}

func TestAllDatabaseCloner_StatsAreReadOnly(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		listDatabasesFn: func() ([]bson.Raw, error) {
			return []bson.Raw{dbRecord(t, "a")}, nil
		},
	}

	a, _ := newTestAllDatabaseCloner(client, &fakeStorage{}, Options{})

	require.NoError(t, a.Run(t.Context()))

	first := a.Stats()
	second := a.Stats()
	assert.Equal(t, first, second)

	doc := first.Document()
	require.GreaterOrEqual(t, len(doc), 2)
	assert.Equal(t, "databasesCloned", doc[0].Key)
	assert.Equal(t, "databaseCount", doc[1].Key)
	assert.Equal(t, "a", doc[2].Key)
}
