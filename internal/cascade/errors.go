package cascade

import "errors"

var (
	// ErrTimeout — the remote call exceeded its deadline. Recoverable: the
	// client already retried with backoff before surfacing it.
	ErrTimeout = errors.New("cascade: request timed out")

	// ErrExecutionFailed — an execute call failed partially or totally. Not
	// retried automatically; batch runs surface it per item.
	ErrExecutionFailed = errors.New("cascade: execution failed")

	// ErrCancelFailed — the engine refused or failed a cancel request.
	ErrCancelFailed = errors.New("cascade: cancel failed")

	// ErrBatchPreviewFailed — the grouped preview call failed.
	ErrBatchPreviewFailed = errors.New("cascade: batch preview failed")
)

// errNotFound marks a 404 internally; status and progress lookups convert it
// to a benign nil result.
var errNotFound = errors.New("cascade: operation not found")

// IsRecoverable reports whether the caller may retry the failed call.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
