/*
Package isync orchestrates one MongoDB initial sync: it probes the source,
builds the shared state and the adapters, and drives the cloner family that
copies every database, collection, document, and index to the target.

The package includes the following main components:

  - InitialSync: the attempt state machine exposed to the CLI and HTTP API.

  - cloner: the staged, retryable cloner family (all databases, one database,
    one collection) and their shared state.

  - source, storage, pool: the adapters the cloners consume.
*/
package isync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/percona/percona-initialsync-mongodb/config"
	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync/cloner"
	"github.com/percona/percona-initialsync-mongodb/isync/pool"
	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/sel"
	"github.com/percona/percona-initialsync-mongodb/topo"
	"github.com/percona/percona-initialsync-mongodb/util"
)

// State represents the state of an initial sync.
type State string

const (
	// StateIdle indicates no sync attempt has been started.
	StateIdle State = "idle"
	// StateRunning indicates a sync attempt is in progress.
	StateRunning State = "running"
	// StateFailed indicates the sync attempt has failed.
	StateFailed State = "failed"
	// StateCompleted indicates the sync attempt has completed.
	StateCompleted State = "completed"
)

// ErrCanceled is the shared status set when the sync is stopped by the
// operator or by process shutdown.
var ErrCanceled = errors.New("initial sync canceled")

// Status is a snapshot of the sync attempt.
type Status struct {
	State State
	Err   error

	Stats cloner.AllDatabaseStats

	TotalRetries         int
	RetryingOperations   int
	TotalTimeUnreachable time.Duration

	StartTime  time.Time
	FinishTime time.Time
}

// StatsDocument renders the cloner stats for the HTTP API.
func (s *Status) StatsDocument() bson.D {
	return s.Stats.Document()
}

// StartOptions tunes one sync attempt.
type StartOptions struct {
	// BatchSize overrides the configured copy cursor batch size.
	BatchSize int
	// NumInsertWorkers overrides the configured insert worker count.
	NumInsertWorkers int
	// IncludeNamespaces scopes the sync to the listed namespaces.
	IncludeNamespaces []string
	// ExcludeNamespaces excludes the listed namespaces.
	ExcludeNamespaces []string
}

// InitialSync manages one initial-sync attempt from the source cluster to
// the target cluster.
type InitialSync struct {
	cfg *config.Config

	lock sync.Mutex

	state State
	err   error

	shared    *cloner.SharedData
	topCloner *cloner.AllDatabaseCloner
	pauser    *cloner.Pauser

	cancel context.CancelFunc
	doneCh chan struct{}

	startTime  time.Time
	finishTime time.Time
}

// New creates an idle InitialSync.
func New(cfg *config.Config) *InitialSync {
	return &InitialSync{
		cfg:    cfg,
		state:  StateIdle,
		pauser: cloner.NewPauser(),
		doneCh: make(chan struct{}),
	}
}

// Done is closed when the sync attempt finishes, successfully or not.
func (s *InitialSync) Done() <-chan struct{} {
	return s.doneCh
}

// Status returns a snapshot of the attempt.
func (s *InitialSync) Status() *Status {
	s.lock.Lock()
	defer s.lock.Unlock()

	st := &Status{
		State:      s.state,
		Err:        s.err,
		StartTime:  s.startTime,
		FinishTime: s.finishTime,
	}

	if s.topCloner != nil {
		st.Stats = s.topCloner.Stats()
	}

	if s.shared != nil {
		st.TotalRetries = s.shared.TotalRetries()
		st.RetryingOperations = s.shared.RetryingOperations()
		st.TotalTimeUnreachable = s.shared.TotalTimeUnreachable()
	}

	return st
}

// Start begins the sync attempt. It fails unless the state is idle.
func (s *InitialSync) Start(_ context.Context, options *StartOptions) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.state {
	case StateRunning:
		return errors.New("already running")
	case StateFailed, StateCompleted:
		return errors.New("already finished")
	case StateIdle:
	}

	if options == nil {
		options = &StartOptions{}
	}

	batchSize := s.cfg.Sync.BatchSize
	if options.BatchSize > 0 {
		batchSize = options.BatchSize
	}

	err := config.ValidateSyncBatchSize(batchSize)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.state = StateRunning
	s.startTime = time.Now()
	s.cancel = cancel

	go s.run(runCtx, options, batchSize)

	return nil
}

// Stop fails the attempt with [ErrCanceled]. Running cloners observe the
// shared status and exit at their next checkpoint.
func (s *InitialSync) Stop(context.Context) {
	s.lock.Lock()
	shared := s.shared
	cancel := s.cancel
	s.lock.Unlock()

	if shared != nil {
		shared.SetStatusIfOK(ErrCanceled)
	}

	if cancel != nil {
		cancel()
	}
}

func (s *InitialSync) run(ctx context.Context, options *StartOptions, batchSize int) {
	lg := log.New("isync")
	ctx = lg.WithContext(ctx)

	lg.Info("Starting Initial Sync")

	err := s.doRun(ctx, options, batchSize)

	s.lock.Lock()
	s.finishTime = time.Now()
	elapsed := s.finishTime.Sub(s.startTime)

	if err != nil {
		s.state = StateFailed
		s.err = err
	} else {
		s.state = StateCompleted
	}

	close(s.doneCh)
	s.lock.Unlock()

	if err != nil {
		lg.With(log.Elapsed(elapsed)).
			Errorf(err, "Initial Sync has failed in %s", elapsed.Round(time.Second))

		return
	}

	lg.With(log.Elapsed(elapsed)).
		Infof("Initial Sync completed in %s", elapsed.Round(time.Second))
}

func (s *InitialSync) doRun(ctx context.Context, options *StartOptions, batchSize int) error {
	lg := log.Ctx(ctx)

	var (
		fcv        string
		rollbackID int
		target     *mongo.Client
	)

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		var err error
		fcv, rollbackID, err = s.probeSource(grpCtx)

		return errors.Wrap(err, "probe sync source")
	})

	grp.Go(func() error {
		var err error
		target, err = topo.Connect(grpCtx, s.cfg.Target, s.cfg)

		return errors.Wrap(err, "connect to target cluster")
	})

	err := grp.Wait()
	if err != nil {
		if target != nil {
			_ = target.Disconnect(context.Background())
		}

		return err
	}

	lg.Infof("Sync source FCV %q, rollback id %d", fcv, rollbackID)

	defer func() {
		err := util.CtxWithTimeout(ctx, config.DisconnectTimeout, target.Disconnect)
		if err != nil {
			lg.Warn("Disconnect Target Cluster: " + err.Error())
		}
	}()

	shared := cloner.NewSharedData(
		fcv, rollbackID,
		s.cfg.Sync.AllowedOutage, s.cfg.Sync.RetryInterval,
		clockwork.NewRealClock())

	client := source.NewMongoClient(s.cfg.Source, s.cfg)

	defer func() {
		err := util.CtxWithTimeout(ctx, config.DisconnectTimeout, client.Close)
		if err != nil {
			lg.Warn("Disconnect Sync Source: " + err.Error())
		}
	}()

	numWorkers := s.cfg.Sync.NumInsertWorkers
	if options.NumInsertWorkers > 0 {
		numWorkers = options.NumInsertWorkers
	}

	insertPool := pool.New(numWorkers)
	defer insertPool.Stop()

	nsFilter := sel.MakeFilter(options.IncludeNamespaces, options.ExcludeNamespaces)

	top := cloner.NewAllDatabaseCloner(
		shared, client, storage.NewMongoStorage(target), insertPool, s.pauser,
		cloner.Options{
			BatchSize: int32(min(batchSize, config.MaxSyncBatchSize)), //nolint:gosec
			NSFilter:  nsFilter,
		})

	s.lock.Lock()
	s.shared = shared
	s.topCloner = top
	s.lock.Unlock()

	return top.Run(ctx)
}

// probeSource records the source feature-compatibility version and rollback
// id with a short-lived connection, before the sync starts.
func (s *InitialSync) probeSource(ctx context.Context) (string, int, error) {
	mc, err := topo.Connect(ctx, s.cfg.Source, s.cfg)
	if err != nil {
		return "", 0, errors.Wrap(err, "connect")
	}

	defer func() {
		_ = util.CtxWithTimeout(ctx, config.DisconnectTimeout, mc.Disconnect)
	}()

	fcv, err := topo.FCV(ctx, mc)
	if err != nil {
		return "", 0, errors.Wrap(err, "featureCompatibilityVersion")
	}

	rollbackID, err := topo.RollbackID(ctx, mc)
	if err != nil {
		return "", 0, errors.Wrap(err, "rollback id")
	}

	return fcv, rollbackID, nil
}
