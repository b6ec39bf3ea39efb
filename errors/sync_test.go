package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

func TestParseError(t *testing.T) {
	t.Parallel()

	err := errors.ParseErrorf(errors.CodeDuplicateCollectionName,
		"database %q has a duplicate collection name %q", "db", "a")

	require.Error(t, err)
	assert.True(t, errors.IsParseError(err))
	assert.Equal(t, errors.CodeDuplicateCollectionName, errors.ParseErrorCode(err))
	assert.Contains(t, err.Error(), `duplicate collection name "a"`)
	assert.Contains(t, err.Error(), "51005")
}

func TestParseErrorSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := errors.ParseErrorf(errors.CodeFailedToParse, "no 'name' field")
	wrapped := errors.Wrap(errors.Wrap(err, "listCollections"), "clone database")

	assert.True(t, errors.IsParseError(wrapped))
	assert.Equal(t, errors.CodeFailedToParse, errors.ParseErrorCode(wrapped))
}

func TestParseErrorCodeOnOtherErrors(t *testing.T) {
	t.Parallel()

	assert.False(t, errors.IsParseError(errors.New("plain")))
	assert.Equal(t, int32(0), errors.ParseErrorCode(errors.New("plain")))
	assert.Equal(t, int32(0), errors.ParseErrorCode(nil))
}

func TestWrap(t *testing.T) {
	t.Parallel()

	assert.NoError(t, errors.Wrap(nil, "context"))

	cause := errors.New("cause")
	assert.Same(t, cause, errors.Wrap(cause, "")) //nolint:testifylint

	wrapped := errors.Wrap(cause, "context")
	assert.Equal(t, "context: cause", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
	assert.Same(t, cause, errors.Unwrap(wrapped)) //nolint:testifylint
}

func TestWrapf(t *testing.T) {
	t.Parallel()

	assert.NoError(t, errors.Wrapf(nil, "context %d", 1))

	cause := errors.New("cause")
	wrapped := errors.Wrapf(cause, "op %q", "x")
	assert.Equal(t, `op "x": cause`, wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}
