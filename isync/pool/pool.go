// Package pool implements the worker pool that runs the bulk-insert tasks of
// the initial sync off the cloner's driving goroutine.
package pool

import (
	"runtime"
	"sync"

	"github.com/percona/percona-initialsync-mongodb/log"
)

// Pool is a fixed set of workers draining a task queue. Tasks carry no
// result; callers observe completion through their own synchronization.
type Pool struct {
	taskCh chan func()
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a pool with numWorkers workers. If numWorkers is 0 or less, it
// defaults to runtime.NumCPU().
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &Pool{
		taskCh: make(chan func(), numWorkers),
	}

	for range numWorkers {
		p.wg.Go(func() {
			for task := range p.taskCh {
				task()
			}
		})
	}

	log.New("isync:pool").With(log.Int64("workers", int64(numWorkers))).
		Debug("Worker pool started")

	return p
}

// Schedule enqueues a task. It blocks while all workers are busy and the
// queue is full. Schedule must not be called after Stop.
func (p *Pool) Schedule(task func()) {
	p.taskCh <- task
}

// Stop closes the queue and waits for all running tasks to finish.
func (p *Pool) Stop() {
	p.closeOnce.Do(func() {
		close(p.taskCh)
	})

	p.wg.Wait()

	log.New("isync:pool").Debug("Worker pool stopped")
}
