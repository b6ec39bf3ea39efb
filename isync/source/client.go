package source

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/percona/percona-initialsync-mongodb/config"
	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/topo"
)

// MongoClient implements [Client] over the MongoDB wire protocol.
type MongoClient struct {
	uri string
	cfg *config.Config

	m *mongo.Client
}

var _ Client = (*MongoClient)(nil)

// NewMongoClient creates an unconnected client for the given source URI.
func NewMongoClient(uri string, cfg *config.Config) *MongoClient {
	return &MongoClient{uri: uri, cfg: cfg}
}

func (c *MongoClient) Connect(ctx context.Context) error {
	m, err := topo.Connect(ctx, c.uri, c.cfg)
	if err != nil {
		return errors.Wrap(err, "connect to sync source")
	}

	c.m = m

	return nil
}

// Authenticate verifies the connection credentials. Credential rejection is
// reported as [errors.ErrAuthenticationFailed].
func (c *MongoClient) Authenticate(ctx context.Context) error {
	err := c.m.Database("admin").
		RunCommand(ctx, bson.D{{"connectionStatus", 1}}).
		Err()
	if err != nil {
		if topo.IsAuthError(err) {
			return errors.Wrap(errors.ErrAuthenticationFailed, err.Error())
		}

		return errors.Wrap(err, "connectionStatus")
	}

	return nil
}

// Reconnect re-establishes the connection after an outage. The previous
// client is discarded; a fresh dial also re-authenticates.
func (c *MongoClient) Reconnect(ctx context.Context) error {
	if c.m != nil {
		_ = c.m.Disconnect(ctx)
		c.m = nil
	}

	err := c.Connect(ctx)
	if err != nil {
		return err
	}

	err = c.Authenticate(ctx)
	if err != nil {
		return err
	}

	log.Ctx(ctx).Debug("Reconnected to the sync source")

	return nil
}

func (c *MongoClient) ListDatabases(ctx context.Context) ([]bson.Raw, error) {
	var res struct {
		Databases []bson.Raw `bson:"databases"`
	}

	err := c.m.Database("admin").
		RunCommand(ctx, bson.D{{"listDatabases", 1}, {"nameOnly", true}}).
		Decode(&res)
	if err != nil {
		return nil, errors.Wrap(err, "listDatabases")
	}

	return res.Databases, nil
}

func (c *MongoClient) ListCollections(ctx context.Context, db string) ([]bson.Raw, error) {
	cur, err := c.m.Database(db).
		RunCommandCursor(ctx, bson.D{{"listCollections", 1}})
	if err != nil {
		return nil, errors.Wrap(err, "listCollections")
	}

	return drainCursor(ctx, cur)
}

func (c *MongoClient) ListIndexes(
	ctx context.Context,
	db string,
	uuid bson.Binary,
) ([]bson.Raw, error) {
	cur, err := c.m.Database(db).
		RunCommandCursor(ctx, bson.D{{"listIndexes", uuid}})
	if err != nil {
		return nil, errors.Wrap(err, "listIndexes")
	}

	return drainCursor(ctx, cur)
}

func (c *MongoClient) Count(ctx context.Context, db string, uuid bson.Binary) (int64, error) {
	var res struct {
		N int64 `bson:"n"`
	}

	err := c.m.Database(db).
		RunCommand(ctx, bson.D{{"count", uuid}}).
		Decode(&res)
	if err != nil {
		return 0, errors.Wrap(err, "count")
	}

	return res.N, nil
}

func (c *MongoClient) OpenFindCursor(
	ctx context.Context,
	db string,
	uuid bson.Binary,
	batchSize int32,
) (DocumentCursor, error) {
	cmd := bson.D{
		{"find", uuid},
		{"hint", bson.D{{"$natural", 1}}},
		{"noCursorTimeout", true},
	}

	if batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: batchSize})
	}

	cur, err := c.m.Database(db).RunCommandCursor(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "find")
	}

	return &findCursor{cur: cur}, nil
}

func (c *MongoClient) Close(ctx context.Context) error {
	if c.m == nil {
		return nil
	}

	err := c.m.Disconnect(ctx)
	c.m = nil

	return errors.Wrap(err, "disconnect")
}

// Ping checks that the source is reachable.
func (c *MongoClient) Ping(ctx context.Context) error {
	return errors.Wrap(c.m.Ping(ctx, readpref.Primary()), "ping")
}

// findCursor adapts a driver cursor to batch-wise iteration.
type findCursor struct {
	cur *mongo.Cursor
}

func (f *findCursor) Next(ctx context.Context) ([]bson.Raw, bool) {
	var batch []bson.Raw

	for f.cur.Next(ctx) {
		doc := make(bson.Raw, len(f.cur.Current))
		copy(doc, f.cur.Current)
		batch = append(batch, doc)

		if f.cur.RemainingBatchLength() == 0 {
			return batch, true
		}
	}

	return batch, len(batch) != 0
}

func (f *findCursor) Err() error {
	return f.cur.Err() //nolint:wrapcheck
}

func (f *findCursor) Close(ctx context.Context) {
	_ = f.cur.Close(ctx)
}

func drainCursor(ctx context.Context, cur *mongo.Cursor) ([]bson.Raw, error) {
	defer cur.Close(ctx)

	var records []bson.Raw

	for cur.Next(ctx) {
		doc := make(bson.Raw, len(cur.Current))
		copy(doc, cur.Current)
		records = append(records, doc)
	}

	err := cur.Err()
	if err != nil {
		return nil, errors.Wrap(err, "cursor")
	}

	return records, nil
}
