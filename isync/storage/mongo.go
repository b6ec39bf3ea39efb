package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/topo"
)

// MongoStorage implements [Storage] on a local MongoDB deployment.
type MongoStorage struct {
	m *mongo.Client
}

var _ Storage = (*MongoStorage)(nil)

// NewMongoStorage creates a MongoStorage over the given client.
func NewMongoStorage(m *mongo.Client) *MongoStorage {
	return &MongoStorage{m: m}
}

// CreateCollectionForBulkLoad drops any stale local collection, creates it
// with the source options and id index, and returns the loader. Secondary
// indexes are built on Commit, after the data is loaded.
func (s *MongoStorage) CreateCollectionForBulkLoad(
	ctx context.Context,
	ns Namespace,
	uuid bson.Binary,
	opts *CreateCollectionOptions,
	idIndex bson.Raw,
	secondaryIndexes []bson.Raw,
) (BulkLoader, error) {
	mdb := s.m.Database(ns.Database)

	err := mdb.Collection(ns.Collection).Drop(ctx)
	if err != nil && !topo.IsNamespaceNotFound(err) {
		return nil, errors.Wrap(err, "ensure no collection before create")
	}

	cmd := bson.D{{"create", ns.Collection}}

	optsDoc, err := bson.Marshal(opts)
	if err != nil {
		return nil, errors.Wrap(err, "marshal create options")
	}

	elems, err := bson.Raw(optsDoc).Elements()
	if err != nil {
		return nil, errors.Wrap(err, "create options elements")
	}

	for _, el := range elems {
		cmd = append(cmd, bson.E{Key: el.Key(), Value: el.Value()})
	}

	if len(idIndex) != 0 {
		cmd = append(cmd, bson.E{Key: "idIndex", Value: idIndex})
	}

	err = mdb.RunCommand(ctx, cmd).Err()
	if err != nil {
		return nil, errors.Wrapf(err, "create collection %q", ns)
	}

	log.Ctx(ctx).With(log.NS(ns.Database, ns.Collection)).
		Debugf("Collection %q created (uuid: %x)", ns, uuid.Data)

	return &mongoBulkLoader{
		coll:             mdb.Collection(ns.Collection),
		ns:               ns,
		secondaryIndexes: secondaryIndexes,
	}, nil
}

// ValidateAdminDatabase checks the auth schema document and the shape of the
// cloned user documents.
func (s *MongoStorage) ValidateAdminDatabase(ctx context.Context) error {
	admin := s.m.Database("admin")

	var schemaDoc struct {
		CurrentVersion int32 `bson:"currentVersion"`
	}

	err := admin.Collection("system.version").
		FindOne(ctx, bson.D{{"_id", "authSchema"}}).
		Decode(&schemaDoc)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return errors.Wrap(err, "read auth schema version")
	}

	if err == nil && (schemaDoc.CurrentVersion < 1 || schemaDoc.CurrentVersion > 5) {
		return errors.Errorf("unsupported auth schema version %d", schemaDoc.CurrentVersion)
	}

	cur, err := admin.Collection("system.users").Find(ctx, bson.D{})
	if err != nil {
		return errors.Wrap(err, "read admin.system.users")
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		if cur.Current.Lookup("user").Type != bson.TypeString ||
			cur.Current.Lookup("db").Type != bson.TypeString {
			return errors.Errorf("malformed user document: %s", cur.Current)
		}
	}

	return errors.Wrap(cur.Err(), "iterate admin.system.users")
}

//nolint:gochecknoglobals
var insertOptions = options.InsertMany().
	SetOrdered(false).
	SetBypassDocumentValidation(true)

type mongoBulkLoader struct {
	coll             *mongo.Collection
	ns               Namespace
	secondaryIndexes []bson.Raw
}

// Insert writes one batch. Duplicate "_id" conflicts are ignored: a restarted
// copy reinserts documents it already loaded.
func (l *mongoBulkLoader) Insert(ctx context.Context, docs []bson.Raw) error {
	if len(docs) == 0 {
		return nil
	}

	anyDocs := make([]any, len(docs))
	for i, doc := range docs {
		anyDocs[i] = doc
	}

	_, err := l.coll.InsertMany(ctx, anyDocs, insertOptions)
	if err != nil && !isOnlyDuplicateKeyError(err) {
		return errors.Wrapf(err, "insert into %q", l.ns)
	}

	return nil
}

// Commit builds the secondary indexes from the loaded data.
func (l *mongoBulkLoader) Commit(ctx context.Context) error {
	if len(l.secondaryIndexes) == 0 {
		return nil
	}

	indexes := make(bson.A, 0, len(l.secondaryIndexes))
	for _, spec := range l.secondaryIndexes {
		indexes = append(indexes, sanitizeIndexSpec(spec))
	}

	cmd := bson.D{
		{"createIndexes", l.coll.Name()},
		{"indexes", indexes},
	}

	err := l.coll.Database().RunCommand(ctx, cmd).Err()
	if err != nil {
		return errors.Wrapf(err, "create %d indexes on %q", len(indexes), l.ns)
	}

	log.Ctx(ctx).With(log.NS(l.ns.Database, l.ns.Collection)).
		Debugf("Built %d secondary indexes for %q", len(indexes), l.ns)

	return nil
}

// sanitizeIndexSpec strips listIndexes output fields the createIndexes
// command does not accept.
func sanitizeIndexSpec(spec bson.Raw) bson.D {
	elems, err := spec.Elements()
	if err != nil {
		return bson.D{}
	}

	out := make(bson.D, 0, len(elems))

	for _, el := range elems {
		switch el.Key() {
		case "ns", "background":
			continue
		}

		out = append(out, bson.E{Key: el.Key(), Value: el.Value()})
	}

	return out
}

// isOnlyDuplicateKeyError reports whether every write error in err is a
// duplicate key conflict.
func isOnlyDuplicateKeyError(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return mongo.IsDuplicateKeyError(err)
	}

	if bwe.WriteConcernError != nil {
		return false
	}

	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 { //nolint:mnd
			return false
		}
	}

	return len(bwe.WriteErrors) != 0
}
