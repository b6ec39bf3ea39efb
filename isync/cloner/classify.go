package cloner

import (
	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/topo"
)

// isTransientSourceError is the stage classifier for network-facing stages.
// Parse errors, invariant violations, and storage failures are never
// transient.
func isTransientSourceError(err error) bool {
	if errors.IsStorageFailure(err) || errors.IsParseError(err) {
		return false
	}

	return topo.IsNetworkError(err)
}

// isNamespaceGone reports that the collection disappeared on the source
// while it was being cloned. The cloner treats this as a clean skip: the
// drop is reconciled later by the oplog.
func isNamespaceGone(err error) bool {
	return topo.IsNamespaceNotFound(err)
}
