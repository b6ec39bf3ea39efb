package topo

import (
	"context"
	"io"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-initialsync-mongodb/errors"
)

// Defaults for [RunWithRetry].
const (
	DefaultRetryInterval = time.Second
	DefaultMaxRetries    = 5
)

// Server error codes treated as transient network conditions. The list
// mirrors the retryable codes of the server: unreachable hosts, timeouts,
// shutdowns, stepdowns, and a cursor lost on a live stream.
//
//nolint:gochecknoglobals,mnd
var networkErrorCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	43,    // CursorNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

// IsNetworkError reports whether err looks like a transient network failure
// that justifies a reconnect and retry.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if mongo.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("NetworkError") ||
			se.HasErrorLabel("RetryableWriteError") ||
			se.HasErrorLabel("ResumableChangeStreamError") {
			return true
		}

		for _, code := range networkErrorCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}

	return false
}

//nolint:gochecknoglobals,mnd
var authErrorCodes = []int{
	13, // Unauthorized
	18, // AuthenticationFailed
}

// IsAuthError reports whether err is an authentication or authorization
// failure. Auth errors are never retried.
func IsAuthError(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}

	for _, code := range authErrorCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// IsNamespaceNotFound reports whether err is a NamespaceNotFound server
// error.
func IsNamespaceNotFound(err error) bool {
	var se mongo.ServerError

	return errors.As(err, &se) && se.HasErrorCode(26) //nolint:mnd
}

// IsNamespaceExists reports whether err is a NamespaceExists server error.
func IsNamespaceExists(err error) bool {
	var se mongo.ServerError

	return errors.As(err, &se) && se.HasErrorCode(48) //nolint:mnd
}

// RunWithRetry runs fn, retrying up to maxRetries times on transient network
// errors with the given interval between attempts.
func RunWithRetry(
	ctx context.Context,
	fn func(ctx context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsNetworkError(err) || attempt >= maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(interval):
		}
	}
}
