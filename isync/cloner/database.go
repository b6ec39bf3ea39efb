package cloner

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/sel"
)

// collectionEntry is one parsed listCollections record.
type collectionEntry struct {
	ns      storage.Namespace
	uuid    bson.Binary
	options *storage.CreateCollectionOptions
}

// DatabaseCloner clones one database: listCollections, then one
// CollectionCloner per collection, serially, in upstream order.
type DatabaseCloner struct {
	clonerBase

	dbName    string
	nsFilter  sel.NSFilter
	batchSize int32

	// produced by the listCollections stage; read by postStage
	collections []collectionEntry

	// guarded by mu
	currentCloner *CollectionCloner
	dbStats       DatabaseStats
}

// NewDatabaseCloner creates a cloner for one database.
func NewDatabaseCloner(
	dbName string,
	shared *SharedData,
	client source.Client,
	store storage.Storage,
	workers Executor,
	pauser *Pauser,
	nsFilter sel.NSFilter,
	batchSize int32,
) *DatabaseCloner {
	if nsFilter == nil {
		nsFilter = sel.AllowAllFilter
	}

	return &DatabaseCloner{
		clonerBase: newClonerBase("DatabaseCloner", shared, client, store, workers, pauser),
		dbName:     dbName,
		nsFilter:   nsFilter,
		batchSize:  batchSize,
	}
}

// Run clones the database and returns the cloner's local status.
func (d *DatabaseCloner) Run(ctx context.Context) error {
	return d.run(ctx, d)
}

// RunOn executes Run on the executor and resolves the returned channel with
// its result.
func (d *DatabaseCloner) RunOn(ctx context.Context, exec Executor) <-chan error {
	return d.runOn(ctx, d, exec)
}

func (d *DatabaseCloner) describe() string {
	return d.dbName
}

func (d *DatabaseCloner) stages() []Stage {
	return []Stage{
		{Name: "listCollections", Run: d.listCollectionsStage, IsTransient: isTransientSourceError},
	}
}

func (d *DatabaseCloner) preStage(context.Context) error {
	d.mu.Lock()
	d.dbStats.DBName = d.dbName
	d.mu.Unlock()

	return nil
}

// listCollectionsStage fetches and validates the collection records of the
// database. Unknown top-level fields are ignored for forward compatibility;
// missing required fields and duplicate names are fatal parse errors.
func (d *DatabaseCloner) listCollectionsStage(ctx context.Context) (AfterStage, error) {
	records, err := d.client.ListCollections(ctx, d.dbName)
	if err != nil {
		return ContinueNormally, err
	}

	d.collections = d.collections[:0]
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		name, ok := rec.Lookup("name").StringValueOK()
		if !ok || name == "" {
			return ContinueNormally, errors.ParseErrorf(errors.CodeFailedToParse,
				"collection info in database %q has no 'name' field: %s", d.dbName, rec)
		}

		if collType, ok := rec.Lookup("type").StringValueOK(); ok && collType != "collection" {
			d.lg.With(log.NS(d.dbName, name)).
				Debugf("Skipping %q of type %q", d.dbName+"."+name, collType)

			continue
		}

		if strings.HasPrefix(name, storage.SystemPrefix) {
			d.lg.With(log.NS(d.dbName, name)).
				Debugf("Skipping system collection %q", d.dbName+"."+name)

			continue
		}

		if _, dup := seen[name]; dup {
			return ContinueNormally, errors.ParseErrorf(errors.CodeDuplicateCollectionName,
				"database %q has a duplicate collection name %q", d.dbName, name)
		}
		seen[name] = struct{}{}

		if !d.nsFilter(d.dbName, name) {
			d.lg.With(log.NS(d.dbName, name)).
				Infof("Namespace %q excluded", d.dbName+"."+name)

			continue
		}

		optionsVal, err := rec.LookupErr("options")
		if err != nil {
			return ContinueNormally, errors.ParseErrorf(errors.CodeFailedToParse,
				"collection info for %q has no 'options' field: %s", name, rec)
		}

		optionsDoc, ok := optionsVal.DocumentOK()
		if !ok {
			return ContinueNormally, errors.ParseErrorf(errors.CodeFailedToParse,
				"collection info for %q has a non-document 'options' field: %s", name, rec)
		}

		options, err := storage.DecodeCreateOptions(optionsDoc)
		if err != nil {
			return ContinueNormally, errors.Wrapf(err, "collection %q", name)
		}

		uuid, ok := lookupUUID(rec)
		if !ok {
			return ContinueNormally, errors.ParseErrorf(errors.CodeFailedToParse,
				"collection info for %q has no 'info.uuid' field: %s", name, rec)
		}

		d.collections = append(d.collections, collectionEntry{
			ns:      storage.Namespace{Database: d.dbName, Collection: name},
			uuid:    uuid,
			options: options,
		})
	}

	d.mu.Lock()
	d.dbStats.CollectionCount = len(d.collections)
	d.mu.Unlock()

	return ContinueNormally, nil
}

// postStage clones the collections one by one, in the order the source
// returned them. The first failure stops the database clone.
func (d *DatabaseCloner) postStage(ctx context.Context) error {
	for _, entry := range d.collections {
		d.mu.Lock()
		d.currentCloner = NewCollectionCloner(
			entry.ns, entry.uuid, entry.options,
			d.shared, d.client, d.storage, d.pool, d.pauser, d.batchSize)
		d.mu.Unlock()

		err := d.currentCloner.Run(ctx)
		if err != nil {
			d.lg.With(log.NS(entry.ns.Database, entry.ns.Collection)).
				Errorf(err, "Failed to clone collection %q", entry.ns)

			return errors.Wrapf(err, "clone collection %q", entry.ns)
		}

		d.mu.Lock()
		d.dbStats.CollectionStats = append(d.dbStats.CollectionStats, d.currentCloner.Stats())
		d.dbStats.ClonedCollections++
		d.currentCloner = nil
		d.mu.Unlock()

		d.lg.With(log.NS(entry.ns.Database, entry.ns.Collection)).
			Debugf("Collection %q cloned", entry.ns)
	}

	return nil
}

// lookupUUID extracts info.uuid from a listCollections record.
func lookupUUID(rec bson.Raw) (bson.Binary, bool) {
	infoVal, err := rec.LookupErr("info")
	if err != nil {
		return bson.Binary{}, false
	}

	info, ok := infoVal.DocumentOK()
	if !ok {
		return bson.Binary{}, false
	}

	uuidVal, err := info.LookupErr("uuid")
	if err != nil {
		return bson.Binary{}, false
	}

	subtype, data, ok := uuidVal.BinaryOK()
	if !ok {
		return bson.Binary{}, false
	}

	return bson.Binary{Subtype: subtype, Data: data}, true
}

// Stats returns a snapshot of the database clone progress, including the
// running stats of the collection currently being cloned.
func (d *DatabaseCloner) Stats() DatabaseStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.dbStats
	stats.CollectionStats = make([]CollectionStats, len(d.dbStats.CollectionStats), len(d.dbStats.CollectionStats)+1)
	copy(stats.CollectionStats, d.dbStats.CollectionStats)

	if d.currentCloner != nil {
		stats.CollectionStats = append(stats.CollectionStats, d.currentCloner.Stats())
	}

	return stats
}
