package cloner //nolint:testpackage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
)

// inlineExecutor runs scheduled tasks on the calling goroutine. It keeps the
// insert order deterministic in tests.
type inlineExecutor struct{}

func (inlineExecutor) Schedule(task func()) { task() }

// fakeCursor replays canned batches and then reports a terminal error, if
// any.
type fakeCursor struct {
	batches [][]bson.Raw
	err     error

	next   int
	closed bool
}

func (c *fakeCursor) Next(context.Context) ([]bson.Raw, bool) {
	if c.next >= len(c.batches) {
		return nil, false
	}

	batch := c.batches[c.next]
	c.next++

	return batch, true
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) { c.closed = true }

// fakeClient is a scriptable test double for the source client.
type fakeClient struct {
	mu sync.Mutex

	connectErr error
	authErr    error

	reconnectErrs []error // popped per call; empty means success
	reconnects    int

	listDatabasesFn   func() ([]bson.Raw, error)
	listCollectionsFn func(db string) ([]bson.Raw, error)
	listIndexesFn     func(db string, uuid bson.Binary) ([]bson.Raw, error)
	countFn           func(db string, uuid bson.Binary) (int64, error)
	findFn            func(db string, uuid bson.Binary, batchSize int32) (source.DocumentCursor, error)
}

var _ source.Client = (*fakeClient)(nil)

func (c *fakeClient) Connect(context.Context) error { return c.connectErr }

func (c *fakeClient) Authenticate(context.Context) error { return c.authErr }

func (c *fakeClient) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnects++

	if len(c.reconnectErrs) == 0 {
		return nil
	}

	err := c.reconnectErrs[0]
	c.reconnectErrs = c.reconnectErrs[1:]

	return err
}

func (c *fakeClient) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reconnects
}

func (c *fakeClient) ListDatabases(context.Context) ([]bson.Raw, error) {
	if c.listDatabasesFn == nil {
		return nil, nil
	}

	return c.listDatabasesFn()
}

func (c *fakeClient) ListCollections(_ context.Context, db string) ([]bson.Raw, error) {
	if c.listCollectionsFn == nil {
		return nil, nil
	}

	return c.listCollectionsFn(db)
}

func (c *fakeClient) ListIndexes(_ context.Context, db string, uuid bson.Binary) ([]bson.Raw, error) {
	if c.listIndexesFn == nil {
		return nil, nil
	}

	return c.listIndexesFn(db, uuid)
}

func (c *fakeClient) Count(_ context.Context, db string, uuid bson.Binary) (int64, error) {
	if c.countFn == nil {
		return 0, nil
	}

	return c.countFn(db, uuid)
}

func (c *fakeClient) OpenFindCursor(
	_ context.Context,
	db string,
	uuid bson.Binary,
	batchSize int32,
) (source.DocumentCursor, error) {
	if c.findFn == nil {
		return &fakeCursor{}, nil
	}

	return c.findFn(db, uuid, batchSize)
}

func (c *fakeClient) Close(context.Context) error { return nil }

// createCall records one CreateCollectionForBulkLoad invocation.
type createCall struct {
	ns               storage.Namespace
	uuid             bson.Binary
	options          *storage.CreateCollectionOptions
	idIndex          bson.Raw
	secondaryIndexes []bson.Raw
}

// fakeLoader emulates an idempotent bulk loader: documents are keyed by
// "_id" so reinserting a duplicate is a no-op.
type fakeLoader struct {
	mu sync.Mutex

	insertErr error
	commitErr error

	docs      map[string]bson.Raw
	inserts   int
	committed bool
}

var _ storage.BulkLoader = (*fakeLoader)(nil)

func (l *fakeLoader) Insert(_ context.Context, docs []bson.Raw) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.insertErr != nil {
		return l.insertErr
	}

	if l.docs == nil {
		l.docs = make(map[string]bson.Raw)
	}

	for _, doc := range docs {
		l.docs[doc.Lookup("_id").String()] = doc
	}

	l.inserts++

	return nil
}

func (l *fakeLoader) Commit(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.commitErr != nil {
		return l.commitErr
	}

	l.committed = true

	return nil
}

func (l *fakeLoader) DocCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.docs)
}

// fakeStorage records create calls and hands out fake loaders.
type fakeStorage struct {
	mu sync.Mutex

	createErr   error
	insertErr   error
	commitErr   error
	validateErr error

	created       []createCall
	loaders       map[string]*fakeLoader
	validateCalls int
}

var _ storage.Storage = (*fakeStorage)(nil)

func (s *fakeStorage) CreateCollectionForBulkLoad(
	_ context.Context,
	ns storage.Namespace,
	uuid bson.Binary,
	options *storage.CreateCollectionOptions,
	idIndex bson.Raw,
	secondaryIndexes []bson.Raw,
) (storage.BulkLoader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}

	s.created = append(s.created, createCall{
		ns:               ns,
		uuid:             uuid,
		options:          options,
		idIndex:          idIndex,
		secondaryIndexes: secondaryIndexes,
	})

	if s.loaders == nil {
		s.loaders = make(map[string]*fakeLoader)
	}

	loader := &fakeLoader{insertErr: s.insertErr, commitErr: s.commitErr}
	s.loaders[ns.String()] = loader

	return loader, nil
}

func (s *fakeStorage) ValidateAdminDatabase(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validateCalls++

	return s.validateErr
}

func (s *fakeStorage) ValidateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validateCalls
}

func (s *fakeStorage) Created() []createCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]createCall, len(s.created))
	copy(out, s.created)

	return out
}

func (s *fakeStorage) Loader(ns string) *fakeLoader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loaders[ns]
}

// test helpers

func testSharedData(allowedOutage time.Duration) *SharedData {
	return NewSharedData("4.2", 1, allowedOutage, time.Millisecond, clockwork.NewRealClock())
}

func mustRaw(t *testing.T, doc any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return data
}

func rawDoc(t *testing.T, id any) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{{"_id", id}})
}

// collUUID derives a stable fake UUID from a collection name.
func collUUID(name string) bson.Binary {
	data := make([]byte, 16)
	copy(data, name)

	return bson.Binary{Subtype: 0x04, Data: data}
}

func collRecord(t *testing.T, name string) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{
		{"name", name},
		{"type", "collection"},
		{"options", bson.D{}},
		{"info", bson.D{
			{"readOnly", false},
			{"uuid", collUUID(name)},
		}},
	})
}

// findBatches builds a findFn that replays batches per collection, keyed by
// the name encoded in the fake UUID.
func findBatches(byColl map[string][][]bson.Raw) func(string, bson.Binary, int32) (source.DocumentCursor, error) {
	return func(_ string, uuid bson.Binary, _ int32) (source.DocumentCursor, error) {
		name := strings.TrimRight(string(uuid.Data), "\x00")

		return &fakeCursor{batches: byColl[name]}, nil
	}
}

func dbRecord(t *testing.T, name string) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{{"name", name}})
}

func idIndexSpec(t *testing.T) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{
		{"v", int32(2)},
		{"key", bson.D{{"_id", int32(1)}}},
		{"name", "_id_"},
	})
}

func secondaryIndexSpec(t *testing.T, name string) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{
		{"v", int32(2)},
		{"key", bson.D{{name, int32(1)}}},
		{"name", name + "_1"},
	})
}
