package cloner

import (
	"context"
	"strings"

	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/metrics"
	"github.com/percona/percona-initialsync-mongodb/sel"
)

// adminDB contains the authentication state whose validity gates the
// usefulness of every other database, so it is always cloned first and
// validated right after.
const adminDB = "admin"

// localDB is never cloned.
const localDB = "local"

// Options tunes one initial-sync attempt.
type Options struct {
	// BatchSize is the per-batch document count of the copy cursors.
	// 0 means the server default.
	BatchSize int32
	// NSFilter scopes the attempt to selected namespaces. nil allows all.
	NSFilter sel.NSFilter
}

// AllDatabaseCloner drives the whole initial sync: connect and authenticate,
// list the databases, then clone them one by one through DatabaseCloners.
type AllDatabaseCloner struct {
	clonerBase

	options Options

	// produced by the listDatabases stage; read by postStage
	databases []string

	// guarded by mu
	currentCloner *DatabaseCloner
	aggStats      AllDatabaseStats
}

// NewAllDatabaseCloner creates the top-level cloner of one sync attempt.
func NewAllDatabaseCloner(
	shared *SharedData,
	client source.Client,
	store storage.Storage,
	workers Executor,
	pauser *Pauser,
	options Options,
) *AllDatabaseCloner {
	if options.NSFilter == nil {
		options.NSFilter = sel.AllowAllFilter
	}

	return &AllDatabaseCloner{
		clonerBase: newClonerBase("AllDatabaseCloner", shared, client, store, workers, pauser),
		options:    options,
	}
}

// Run executes the initial sync and returns its status.
func (a *AllDatabaseCloner) Run(ctx context.Context) error {
	return a.run(ctx, a)
}

// RunOn executes Run on the executor and resolves the returned channel with
// its result. The executor must not be the worker pool the collection
// cloners insert through.
func (a *AllDatabaseCloner) RunOn(ctx context.Context, exec Executor) <-chan error {
	return a.runOn(ctx, a, exec)
}

func (a *AllDatabaseCloner) describe() string {
	return "admin"
}

func (a *AllDatabaseCloner) stages() []Stage {
	return []Stage{
		{Name: "listDatabases", Run: a.listDatabasesStage, IsTransient: isTransientSourceError},
	}
}

// preStage connects and authenticates the source client.
//
// TODO: retry the initial connect within the allowed-outage window; the
// first dial must not count as a re-try.
func (a *AllDatabaseCloner) preStage(ctx context.Context) error {
	err := a.client.Connect(ctx)
	if err != nil {
		return errors.Wrap(err, "connect to sync source")
	}

	err = a.client.Authenticate(ctx)
	if err != nil {
		return errors.Wrap(err, "authenticate to sync source")
	}

	return nil
}

// listDatabasesStage records the databases to clone. Records without a name
// are skipped with a warning, "local" is never cloned, and "admin" is moved
// to the front when present.
func (a *AllDatabaseCloner) listDatabasesStage(ctx context.Context) (AfterStage, error) {
	records, err := a.client.ListDatabases(ctx)
	if err != nil {
		return ContinueNormally, err
	}

	a.databases = a.databases[:0]

	for _, rec := range records {
		name, ok := rec.Lookup("name").StringValueOK()
		if !ok || name == "" {
			a.lg.Warnf("Skipping a listDatabases entry without a 'name' field: %s", rec)

			continue
		}

		if name == localDB {
			a.lg.Debugf("Skipping the %q database", name)

			continue
		}

		if !a.options.NSFilter(name, "") {
			a.lg.Infof("Database %q excluded", name)

			continue
		}

		a.databases = append(a.databases, name)

		// admin goes first; everything else keeps its upstream order.
		if name == adminDB && len(a.databases) > 1 {
			last := len(a.databases) - 1
			a.databases[0], a.databases[last] = a.databases[last], a.databases[0]
		}
	}

	return ContinueNormally, nil
}

// postStage clones the recorded databases one by one. The first failure
// stops the sync; a cloned admin database is validated before anything else
// proceeds.
func (a *AllDatabaseCloner) postStage(ctx context.Context) error {
	a.mu.Lock()
	a.aggStats.DatabaseCount = len(a.databases)
	a.aggStats.DatabasesCloned = 0
	a.mu.Unlock()

	metrics.SetDatabaseCount(len(a.databases))
	metrics.SetDatabasesCloned(0)

	for _, dbName := range a.databases {
		a.mu.Lock()
		a.currentCloner = NewDatabaseCloner(
			dbName, a.shared, a.client, a.storage, a.pool, a.pauser,
			a.options.NSFilter, a.options.BatchSize)
		a.mu.Unlock()

		a.mu.Lock()
		cloned := a.aggStats.DatabasesCloned
		a.mu.Unlock()

		err := a.currentCloner.Run(ctx)
		if err != nil {
			a.lg.With(log.NS(dbName, "")).
				Errorf(err, "Failed to clone database %q (%d of %d)",
					dbName, cloned+1, len(a.databases))

			return errors.Wrapf(err, "clone database %q", dbName)
		}

		if strings.EqualFold(dbName, adminDB) {
			a.lg.Debug("Finished the admin db, now validating it")

			err = a.storage.ValidateAdminDatabase(ctx)
			if err != nil {
				return errors.Wrap(err, "validate admin database")
			}
		}

		a.mu.Lock()
		a.aggStats.DatabaseStats = append(a.aggStats.DatabaseStats, a.currentCloner.Stats())
		a.currentCloner = nil
		a.aggStats.DatabasesCloned++
		cloned = a.aggStats.DatabasesCloned
		a.mu.Unlock()

		metrics.SetDatabasesCloned(cloned)

		a.lg.With(log.NS(dbName, "")).
			Infof("Database %q cloned (%d of %d)", dbName, cloned, len(a.databases))
	}

	return nil
}

// Stats returns a snapshot of the aggregate sync progress, including the
// running stats of the database currently being cloned.
func (a *AllDatabaseCloner) Stats() AllDatabaseStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.aggStats
	stats.DatabaseStats = make([]DatabaseStats, len(a.aggStats.DatabaseStats), len(a.aggStats.DatabaseStats)+1)
	copy(stats.DatabaseStats, a.aggStats.DatabaseStats)

	if a.currentCloner != nil {
		stats.DatabaseStats = append(stats.DatabaseStats, a.currentCloner.Stats())
	}

	return stats
}
