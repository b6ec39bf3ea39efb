package cloner

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/config"
	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/metrics"
)

// CollectionCloner clones one collection: count, listIndexes, create, then
// stream-and-insert.
type CollectionCloner struct {
	clonerBase

	ns      storage.Namespace
	uuid    bson.Binary
	options *storage.CreateCollectionOptions

	batchSize int32

	// accessed only from the driving goroutine
	idIndexSpec    bson.Raw
	indexSpecs     []bson.Raw
	loader         storage.BulkLoader
	lastLogAt      time.Time
	lastLogBatches int64

	// insertMu serializes loader inserts so batches are applied in arrival
	// order even when pool workers race.
	insertMu  sync.Mutex
	insertWG  sync.WaitGroup
	insertErr error // guarded by mu

	pendingDocs []bson.Raw      // guarded by mu
	stats       CollectionStats // guarded by mu
}

// NewCollectionCloner creates a cloner for one collection identified by its
// namespace, UUID, and validated create options.
func NewCollectionCloner(
	ns storage.Namespace,
	uuid bson.Binary,
	options *storage.CreateCollectionOptions,
	shared *SharedData,
	client source.Client,
	store storage.Storage,
	workers Executor,
	pauser *Pauser,
	batchSize int32,
) *CollectionCloner {
	return &CollectionCloner{
		clonerBase: newClonerBase("CollectionCloner", shared, client, store, workers, pauser),
		ns:         ns,
		uuid:       uuid,
		options:    options,
		batchSize:  batchSize,
	}
}

// Run clones the collection and returns the cloner's local status.
func (c *CollectionCloner) Run(ctx context.Context) error {
	return c.run(ctx, c)
}

// RunOn executes Run on the executor and resolves the returned channel with
// its result.
func (c *CollectionCloner) RunOn(ctx context.Context, exec Executor) <-chan error {
	return c.runOn(ctx, c, exec)
}

func (c *CollectionCloner) describe() string {
	return c.ns.String()
}

func (c *CollectionCloner) stages() []Stage {
	return []Stage{
		{Name: "count", Run: c.countStage, IsTransient: isTransientSourceError},
		{Name: "listIndexes", Run: c.listIndexesStage, IsTransient: isTransientSourceError},
		// createCollection performs no network I/O; a storage failure is
		// fatal and never retried.
		{Name: "createCollection", Run: c.createCollectionStage},
		{Name: "query", Run: c.queryStage, IsTransient: isTransientSourceError},
	}
}

func (c *CollectionCloner) preStage(context.Context) error {
	c.mu.Lock()
	c.stats.NS = c.ns.String()
	c.stats.Start = c.shared.Clock().Now()
	c.mu.Unlock()

	return nil
}

func (c *CollectionCloner) postStage(context.Context) error {
	c.mu.Lock()
	c.stats.End = c.shared.Clock().Now()
	c.mu.Unlock()

	return nil
}

// countStage asks the source for an approximate document count, for progress
// reporting only. The clone proceeds with a zero estimate when the count
// fails for a non-network reason: progress metrics never gate cloning.
func (c *CollectionCloner) countStage(ctx context.Context) (AfterStage, error) {
	count, err := c.client.Count(ctx, c.ns.Database, c.uuid)
	if err != nil {
		if isNamespaceGone(err) {
			c.lg.With(log.NS(c.ns.Database, c.ns.Collection)).
				Warnf("Collection %q was dropped on the source. Skipping", c.ns)

			return SkipRemainingStages, nil
		}

		if isTransientSourceError(err) {
			return ContinueNormally, errors.Wrapf(err, "count %q", c.ns)
		}

		c.lg.With(log.NS(c.ns.Database, c.ns.Collection)).
			Warnf("Failed to count documents of %q: %s. Proceeding without an estimate",
				c.ns, err.Error())

		count = 0
	}

	count = max(count, 0)

	c.mu.Lock()
	c.stats.DocumentsToCopy = count
	c.mu.Unlock()

	metrics.AddEstimatedDocuments(count)

	return ContinueNormally, nil
}

// listIndexesStage fetches the index specs and separates the "_id" index
// from the secondary ones. A missing "_id" index is tolerated; the storage
// layer handles an empty id spec.
func (c *CollectionCloner) listIndexesStage(ctx context.Context) (AfterStage, error) {
	specs, err := c.client.ListIndexes(ctx, c.ns.Database, c.uuid)
	if err != nil {
		if isNamespaceGone(err) {
			c.lg.With(log.NS(c.ns.Database, c.ns.Collection)).
				Warnf("Collection %q was dropped on the source. Skipping", c.ns)

			return SkipRemainingStages, nil
		}

		return ContinueNormally, errors.Wrapf(err, "listIndexes %q", c.ns)
	}

	if len(specs) == 0 {
		c.lg.With(log.NS(c.ns.Database, c.ns.Collection)).
			Warnf("No indexes found for collection %q", c.ns)
	}

	c.idIndexSpec = nil
	c.indexSpecs = c.indexSpecs[:0]

	for _, spec := range specs {
		if name, ok := spec.Lookup("name").StringValueOK(); ok && name == storage.IDIndex {
			c.idIndexSpec = spec

			continue
		}

		c.indexSpecs = append(c.indexSpecs, spec)
	}

	indexes := int64(len(c.indexSpecs))
	if len(c.idIndexSpec) != 0 {
		indexes++
	}

	c.mu.Lock()
	c.stats.Indexes = indexes
	c.mu.Unlock()

	return ContinueNormally, nil
}

func (c *CollectionCloner) createCollectionStage(ctx context.Context) (AfterStage, error) {
	loader, err := c.storage.CreateCollectionForBulkLoad(
		ctx, c.ns, c.uuid, c.options, c.idIndexSpec, c.indexSpecs)
	if err != nil {
		return ContinueNormally, errors.StorageFailure(
			errors.Wrapf(err, "create collection %q", c.ns))
	}

	c.loader = loader

	return ContinueNormally, nil
}

// queryStage streams all documents of the collection in natural order and
// feeds them to the bulk loader through the worker pool. On a transient
// error the stage restarts from the beginning of the collection: progress
// counters are reset and already-inserted documents are reinserted, which
// the loader tolerates by ignoring duplicate "_id" conflicts.
func (c *CollectionCloner) queryStage(ctx context.Context) (AfterStage, error) {
	c.mu.Lock()
	c.stats.DocumentsCopied = 0
	c.stats.FetchedBatches = 0
	c.stats.ReceivedBatches = 0
	c.insertErr = nil
	c.pendingDocs = nil
	c.mu.Unlock()

	c.lastLogAt = c.shared.Clock().Now()
	c.lastLogBatches = 0

	cur, err := c.client.OpenFindCursor(ctx, c.ns.Database, c.uuid, c.batchSize)
	if err != nil {
		if isNamespaceGone(err) {
			return SkipRemainingStages, nil
		}

		return ContinueNormally, errors.Wrapf(err, "open cursor on %q", c.ns)
	}
	defer cur.Close(ctx)

	for {
		batch, ok := cur.Next(ctx)
		if !ok {
			break
		}

		c.handleBatch(ctx, batch)

		if err := c.insertError(); err != nil {
			c.insertWG.Wait()

			return ContinueNormally, err
		}
	}

	err = cur.Err()
	if err != nil {
		// Let in-flight inserts settle before the stage is restarted or
		// failed.
		c.insertWG.Wait()

		if isNamespaceGone(err) {
			c.lg.With(log.NS(c.ns.Database, c.ns.Collection)).
				Warnf("Collection %q was dropped on the source during copy. Skipping", c.ns)

			return SkipRemainingStages, nil
		}

		return ContinueNormally, errors.Wrapf(err, "stream %q", c.ns)
	}

	c.insertWG.Wait()

	if err := c.insertError(); err != nil {
		return ContinueNormally, err
	}

	err = c.loader.Commit(ctx)
	if err != nil {
		return ContinueNormally, errors.StorageFailure(
			errors.Wrapf(err, "commit bulk load of %q", c.ns))
	}

	c.logProgress(true)

	return ContinueNormally, nil
}

// handleBatch buffers one received batch and schedules its insert on the
// worker pool.
func (c *CollectionCloner) handleBatch(ctx context.Context, batch []bson.Raw) {
	c.mu.Lock()
	c.pendingDocs = append(c.pendingDocs, batch...)
	c.stats.ReceivedBatches++
	c.mu.Unlock()

	metrics.AddBatchesReceived(1)

	c.insertWG.Add(1)
	c.pool.Schedule(func() {
		defer c.insertWG.Done()
		c.insertPendingDocuments(ctx)
	})

	c.logProgress(false)
}

// insertPendingDocuments drains the pending buffer and hands the documents
// to the bulk loader. insertMu keeps inserts serial and in arrival order;
// the stats mutex is never held across the insert I/O.
func (c *CollectionCloner) insertPendingDocuments(ctx context.Context) {
	c.insertMu.Lock()
	defer c.insertMu.Unlock()

	c.mu.Lock()
	docs := c.pendingDocs
	c.pendingDocs = nil
	c.mu.Unlock()

	if len(docs) == 0 {
		return
	}

	err := c.loader.Insert(ctx, docs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.insertErr == nil {
			c.insertErr = errors.StorageFailure(
				errors.Wrapf(err, "insert documents into %q", c.ns))
		}

		return
	}

	c.stats.DocumentsCopied += int64(len(docs))
	c.stats.FetchedBatches++

	metrics.AddDocumentsCopied(len(docs))
	metrics.AddBatchesInserted(1)
}

func (c *CollectionCloner) insertError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertErr
}

// logProgress emits a copy progress line, bounded by a time interval and a
// received-batch interval unless forced.
func (c *CollectionCloner) logProgress(force bool) {
	c.mu.Lock()
	copied := c.stats.DocumentsCopied
	toCopy := c.stats.DocumentsToCopy
	received := c.stats.ReceivedBatches
	c.mu.Unlock()

	if !force {
		if received-c.lastLogBatches < config.ProgressLogBatchInterval {
			return
		}

		now := c.shared.Clock().Now()
		if now.Sub(c.lastLogAt) < config.ProgressLogInterval {
			return
		}

		c.lastLogAt = now
	}

	c.lastLogBatches = received

	c.lg.With(log.NS(c.ns.Database, c.ns.Collection), log.Count(copied)).
		Infof("Cloning %q: %d of %d documents (%d batches)",
			c.ns, copied, toCopy, received)
}

// Stats returns a snapshot of the collection clone progress.
func (c *CollectionCloner) Stats() CollectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
