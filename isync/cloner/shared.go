// Package cloner implements the staged, retryable cloner family of the
// initial sync: the all-database, database, and collection cloners built on a
// common staged runtime, cooperating through one shared state.
package cloner

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SharedData is the state shared by every cloner of one initial-sync
// attempt. It outlives all cloners: the caller constructs it first and
// destroys it last.
type SharedData struct {
	// immutable; readable without the mutex
	fcv           string
	rollbackID    int
	allowedOutage time.Duration
	retryInterval time.Duration
	clock         clockwork.Clock

	mu sync.Mutex

	// status of the entire sync attempt. All cloners exit at their next
	// checkpoint once this becomes non-nil.
	status error

	// number of operations currently retrying due to a transient error
	retryingOps int

	// total retry attempts across all operations; initial attempts are not
	// counted
	totalRetries int

	// earliest time any operation detected the current outage; zero when no
	// operation is retrying
	unreachableSince time.Time

	// total time across all completed outages of this attempt
	totalUnreachable time.Duration
}

// NewSharedData creates the shared state of one sync attempt. fcv and
// rollbackID are the source values probed at start. allowedOutage bounds the
// stage retry window; retryInterval is the delay between reconnect attempts
// within it.
func NewSharedData(
	fcv string,
	rollbackID int,
	allowedOutage, retryInterval time.Duration,
	clock clockwork.Clock,
) *SharedData {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &SharedData{
		fcv:           fcv,
		rollbackID:    rollbackID,
		allowedOutage: allowedOutage,
		retryInterval: retryInterval,
		clock:         clock,
	}
}

// FCV returns the source featureCompatibilityVersion at the start of the
// attempt.
func (s *SharedData) FCV() string {
	return s.fcv
}

// RollbackID returns the source rollback id at the start of the attempt.
func (s *SharedData) RollbackID() int {
	return s.rollbackID
}

// AllowedOutageDuration returns the window within which transient outages
// are retried. It is the single knob the retry policy derives from.
func (s *SharedData) AllowedOutageDuration() time.Duration {
	return s.allowedOutage
}

// RetryInterval returns the delay between reconnect attempts.
func (s *SharedData) RetryInterval() time.Duration {
	return s.retryInterval
}

// Clock returns the clock of the attempt.
func (s *SharedData) Clock() clockwork.Clock {
	return s.clock
}

// Status returns the overall sync status. nil means OK.
func (s *SharedData) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// SetStatus replaces the overall sync status unconditionally.
func (s *SharedData) SetStatus(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = err
}

// SetStatusIfOK sets the overall status only if it is still OK. This is the
// canonical way a cloner reports a failure: the first fatal error wins and is
// never clobbered by later ones.
func (s *SharedData) SetStatusIfOK(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == nil {
		s.status = err
	}
}

// IncrementRetrying records that an operation entered its retry window. If
// it is the only one, the current time becomes the outage start. Returns the
// new count.
func (s *SharedData) IncrementRetrying() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryingOps++
	if s.retryingOps == 1 {
		s.unreachableSince = s.clock.Now()
	}

	return s.retryingOps
}

// DecrementRetrying records that an operation left its retry window. If it
// was the last one, the outage duration is folded into the total and the
// outage start is cleared. Returns the new count.
func (s *SharedData) DecrementRetrying() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryingOps--
	if s.retryingOps == 0 {
		s.totalUnreachable += s.clock.Now().Sub(s.unreachableSince)
		s.unreachableSince = time.Time{}
	}

	return s.retryingOps
}

// IncrementTotalRetries counts one more retry attempt.
func (s *SharedData) IncrementTotalRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRetries++
}

// RetryingOperations returns the number of operations currently retrying.
func (s *SharedData) RetryingOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryingOps
}

// TotalRetries returns the total number of retry attempts of this attempt.
func (s *SharedData) TotalRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalRetries
}

// TotalTimeUnreachable returns the total time the source has been
// unreachable, including the current outage if one is in progress.
func (s *SharedData) TotalTimeUnreachable() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalUnreachable
	if !s.unreachableSince.IsZero() {
		total += s.clock.Now().Sub(s.unreachableSince)
	}

	return total
}

// CurrentOutageDuration returns how long the current outage has lasted. The
// second return value is false when no outage is in progress.
func (s *SharedData) CurrentOutageDuration() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unreachableSince.IsZero() {
		return 0, false
	}

	return s.clock.Now().Sub(s.unreachableSince), true
}
