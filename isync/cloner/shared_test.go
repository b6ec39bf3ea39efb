package cloner //nolint:testpackage

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

func TestSharedData_StatusFirstErrorWins(t *testing.T) {
	t.Parallel()

	s := NewSharedData("4.2", 7, time.Minute, time.Second, clockwork.NewFakeClock())

	require.NoError(t, s.Status())

	first := errors.New("first failure")
	second := errors.New("second failure")

	s.SetStatusIfOK(first)
	s.SetStatusIfOK(second)

	assert.Same(t, first, s.Status()) //nolint:testifylint

	assert.Equal(t, "4.2", s.FCV())
	assert.Equal(t, 7, s.RollbackID())
}

func TestSharedData_OutageAccounting(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewSharedData("4.2", 1, time.Minute, time.Second, clock)

	_, inOutage := s.CurrentOutageDuration()
	assert.False(t, inOutage)
	assert.Equal(t, time.Duration(0), s.TotalTimeUnreachable())

	require.Equal(t, 1, s.IncrementRetrying())

	clock.Advance(3 * time.Second)

	outage, inOutage := s.CurrentOutageDuration()
	require.True(t, inOutage)
	assert.Equal(t, 3*time.Second, outage)
	assert.Equal(t, 3*time.Second, s.TotalTimeUnreachable())

	require.Equal(t, 0, s.DecrementRetrying())

	_, inOutage = s.CurrentOutageDuration()
	assert.False(t, inOutage)
	assert.Equal(t, 3*time.Second, s.TotalTimeUnreachable())

	// a second outage accumulates on top of the first
	s.IncrementRetrying()
	clock.Advance(2 * time.Second)
	s.DecrementRetrying()

	assert.Equal(t, 5*time.Second, s.TotalTimeUnreachable())
}

func TestSharedData_OverlappingRetryingOperations(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewSharedData("4.2", 1, time.Minute, time.Second, clock)

	require.Equal(t, 1, s.IncrementRetrying())
	clock.Advance(time.Second)

	// a second operation joins the same outage; the start time is kept
	require.Equal(t, 2, s.IncrementRetrying())
	clock.Advance(time.Second)

	require.Equal(t, 1, s.DecrementRetrying())

	// the outage is still open while one operation is retrying
	outage, inOutage := s.CurrentOutageDuration()
	require.True(t, inOutage)
	assert.Equal(t, 2*time.Second, outage)

	require.Equal(t, 0, s.DecrementRetrying())
	assert.Equal(t, 2*time.Second, s.TotalTimeUnreachable())
	assert.Equal(t, 0, s.RetryingOperations())
}

func TestSharedData_TotalRetries(t *testing.T) {
	t.Parallel()

	s := NewSharedData("4.2", 1, time.Minute, time.Second, clockwork.NewFakeClock())

	assert.Equal(t, 0, s.TotalRetries())

	s.IncrementTotalRetries()
	s.IncrementTotalRetries()

	assert.Equal(t, 2, s.TotalRetries())
}
