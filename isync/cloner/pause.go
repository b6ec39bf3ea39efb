package cloner

import (
	"sync"
	"time"
)

// Checkpoint identifies a stage boundary of a running cloner. The runtime
// announces one before and one after each stage run.
type Checkpoint struct {
	Cloner string
	Stage  string
	// Tag identifies what the cloner operates on: a database name or a
	// namespace.
	Tag string
	// After is false for the announcement before the stage runs.
	After bool
}

// Pauser lets tests freeze cloners at stage boundaries. The runtime calls
// hit at every checkpoint; a checkpoint matched by an enabled pause point
// blocks until the point is released or the sync attempt fails. The runtime
// itself does no synchronization beyond calling hit.
type Pauser struct {
	mu     sync.Mutex
	points []*PausePoint
}

// NewPauser creates an empty pause facility. A nil *Pauser is valid and
// never pauses.
func NewPauser() *Pauser {
	return &Pauser{}
}

// PausePoint is one enabled pause predicate.
type PausePoint struct {
	match func(Checkpoint) bool

	reachedCh chan Checkpoint

	releaseOnce sync.Once
	releaseCh   chan struct{}
}

// Reached delivers every checkpoint this point paused.
func (pt *PausePoint) Reached() <-chan Checkpoint {
	return pt.reachedCh
}

// Release unblocks all cloners paused at this point, now and in the future.
func (pt *PausePoint) Release() {
	pt.releaseOnce.Do(func() {
		close(pt.releaseCh)
	})
}

// PauseAt enables a pause point for checkpoints matched by the predicate.
func (p *Pauser) PauseAt(match func(Checkpoint) bool) *PausePoint {
	pt := &PausePoint{
		match:     match,
		reachedCh: make(chan Checkpoint, 16), //nolint:mnd
		releaseCh: make(chan struct{}),
	}

	p.mu.Lock()
	p.points = append(p.points, pt)
	p.mu.Unlock()

	return pt
}

// hit blocks while any enabled point matches cp. mustExit breaks the pause
// when the sync attempt has failed, so paused cloners exit on shutdown.
func (p *Pauser) hit(cp Checkpoint, mustExit func() bool) {
	if p == nil {
		return
	}

	p.mu.Lock()
	points := make([]*PausePoint, len(p.points))
	copy(points, p.points)
	p.mu.Unlock()

	for _, pt := range points {
		if !pt.match(cp) {
			continue
		}

		select {
		case pt.reachedCh <- cp:
		default:
		}

		for {
			select {
			case <-pt.releaseCh:
			case <-time.After(10 * time.Millisecond): //nolint:mnd
				if !mustExit() {
					continue
				}
			}

			break
		}
	}
}
