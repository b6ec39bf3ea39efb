package cloner

import (
	"context"
	"sync"

	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync/source"
	"github.com/percona/percona-initialsync-mongodb/isync/storage"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/metrics"
)

// AfterStage tells the staged runtime what to do once a stage succeeds.
type AfterStage int

const (
	// ContinueNormally proceeds to the next stage.
	ContinueNormally AfterStage = iota
	// SkipRemainingStages skips all remaining stages including postStage.
	SkipRemainingStages
)

// Stage is one retryable unit of work inside a cloner. Run does the work and
// returns an error on failure. IsTransient decides whether that error
// justifies a reconnect and a restart of the stage; a nil IsTransient means
// no error is retryable. Stages must be restartable from their beginning.
type Stage struct {
	Name        string
	Run         func(ctx context.Context) (AfterStage, error)
	IsTransient func(err error) bool
}

// Executor schedules a task for asynchronous execution. Completion is
// observed by the caller through its own synchronization.
type Executor interface {
	Schedule(task func())
}

// stagedCloner is implemented by each concrete cloner and consumed by the
// shared run loop.
type stagedCloner interface {
	// stages returns the cloner's stage list, in execution order.
	stages() []Stage
	// preStage and postStage run before and after the stages respectively.
	// They are not subject to the stage retry logic.
	preStage(ctx context.Context) error
	postStage(ctx context.Context) error
	// describe returns the identifying tag used by pause points: the
	// database or namespace the cloner operates on.
	describe() string
}

// clonerBase carries the state every cloner shares: the attempt-wide
// SharedData handle, the adapters, and the run-loop bookkeeping. It is
// embedded by the concrete cloners.
type clonerBase struct {
	name    string
	shared  *SharedData
	client  source.Client
	storage storage.Storage
	pool    Executor
	pauser  *Pauser

	lg log.Logger

	mu             sync.Mutex
	active         bool
	status         error
	startedAsync   bool
	stopAfterStage string
}

func newClonerBase(
	name string,
	shared *SharedData,
	client source.Client,
	store storage.Storage,
	workers Executor,
	pauser *Pauser,
) clonerBase {
	return clonerBase{
		name:    name,
		shared:  shared,
		client:  client,
		storage: store,
		pool:    workers,
		pauser:  pauser,
		lg:      log.New(name),
	}
}

// Name returns the cloner name.
func (b *clonerBase) Name() string {
	return b.name
}

// Status returns the cloner's local status: nil while running and after a
// clean finish, otherwise the first error it produced or observed.
func (b *clonerBase) Status() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status
}

// Active reports whether the cloner is currently running.
func (b *clonerBase) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active
}

// SetStopAfterStage makes run exit cleanly after the named stage finishes.
// Test hook.
func (b *clonerBase) SetStopAfterStage(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopAfterStage = stage
}

// mustExit reports whether the attempt has failed and the cloner should bail
// out at its next checkpoint.
func (b *clonerBase) mustExit() bool {
	return b.shared.Status() != nil
}

// run executes the cloner: preStage, the stage list with retry, postStage.
// It returns the cloner's local status. Safe to call exactly once.
func (b *clonerBase) run(ctx context.Context, sc stagedCloner) error {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()

		return errors.Errorf("%s: already running", b.name)
	}
	b.active = true
	stopAfter := b.stopAfterStage
	b.mu.Unlock()

	err := b.doRun(ctx, sc, stopAfter)

	b.mu.Lock()
	b.active = false
	b.status = err
	b.mu.Unlock()

	return err
}

func (b *clonerBase) doRun(ctx context.Context, sc stagedCloner, stopAfter string) error {
	err := sc.preStage(ctx)
	if err != nil {
		b.shared.SetStatusIfOK(err)
		b.lg.Errorf(err, "%s failed in preStage", b.name)

		return err
	}

	for _, stage := range sc.stages() {
		behavior, err := b.runStage(ctx, sc, stage)
		if err != nil {
			return err
		}

		if behavior == SkipRemainingStages {
			b.lg.Debugf("%s skipping remaining stages after %q", b.name, stage.Name)

			return nil
		}

		if stopAfter == stage.Name {
			b.lg.Debugf("%s stopping after stage %q", b.name, stage.Name)

			return nil
		}
	}

	err = sc.postStage(ctx)
	if err != nil {
		b.shared.SetStatusIfOK(err)
		b.lg.Errorf(err, "%s failed in postStage", b.name)

		return err
	}

	return nil
}

// RunOn executes run on the given executor and resolves the returned
// channel with the same value run would return. The executor must not be the
// worker pool the cloner inserts through.
func (b *clonerBase) runOn(ctx context.Context, sc stagedCloner, exec Executor) <-chan error {
	b.mu.Lock()
	b.startedAsync = true
	b.mu.Unlock()

	resultCh := make(chan error, 1)

	exec.Schedule(func() {
		resultCh <- b.run(ctx, sc)
	})

	return resultCh
}

// runStage runs one stage under the retry policy.
func (b *clonerBase) runStage(
	ctx context.Context,
	sc stagedCloner,
	stage Stage,
) (AfterStage, error) {
	// A failure discovered by any other cloner aborts this one before it
	// does more work. The shared status is propagated as-is.
	if err := b.shared.Status(); err != nil {
		return ContinueNormally, err
	}

	b.pauser.hit(Checkpoint{
		Cloner: b.name,
		Stage:  stage.Name,
		Tag:    sc.describe(),
	}, b.mustExit)

	for {
		behavior, err := stage.Run(ctx)
		if err == nil {
			b.pauser.hit(Checkpoint{
				Cloner: b.name,
				Stage:  stage.Name,
				Tag:    sc.describe(),
				After:  true,
			}, b.mustExit)

			return behavior, nil
		}

		if stage.IsTransient == nil || !stage.IsTransient(err) {
			b.shared.SetStatusIfOK(err)
			b.lg.Errorf(err, "%s failed in stage %q", b.name, stage.Name)

			return ContinueNormally, err
		}

		retryErr := b.retryWithReconnect(ctx, stage.Name, err)
		if retryErr != nil {
			b.shared.SetStatusIfOK(retryErr)
			b.lg.Errorf(retryErr, "%s exhausted retries in stage %q", b.name, stage.Name)

			return ContinueNormally, retryErr
		}

		// reconnected; restart the stage from its beginning
		b.lg.Infof("%s retrying stage %q", b.name, stage.Name)
	}
}

// retryWithReconnect keeps reconnecting to the sync source within the
// allowed-outage window. It returns nil once reconnected, or the terminal
// error when the window is exhausted or the attempt failed elsewhere.
func (b *clonerBase) retryWithReconnect(ctx context.Context, stageName string, cause error) error {
	if b.shared.AllowedOutageDuration() <= 0 {
		return cause
	}

	b.shared.IncrementRetrying()
	defer func() {
		b.shared.DecrementRetrying()
		metrics.SetSourceUnreachable(b.shared.TotalTimeUnreachable())
	}()

	b.shared.IncrementTotalRetries()
	metrics.AddRetries(1)

	b.lg.With(log.Str("stage", stageName)).
		Warnf("%s got a transient error in stage %q: %s", b.name, stageName, cause.Error())

	clock := b.shared.Clock()

	for {
		if err := b.shared.Status(); err != nil {
			return err
		}

		outage, _ := b.shared.CurrentOutageDuration()
		if outage > b.shared.AllowedOutageDuration() {
			return errors.Wrapf(cause,
				"sync source unreachable for %s (allowed %s)",
				outage, b.shared.AllowedOutageDuration())
		}

		err := b.client.Reconnect(ctx)
		if err == nil {
			return nil
		}

		b.lg.Debugf("%s reconnect failed: %s", b.name, err.Error())

		select {
		case <-ctx.Done():
			return errors.Join(cause, ctx.Err())
		case <-clock.After(b.shared.RetryInterval()):
		}
	}
}
