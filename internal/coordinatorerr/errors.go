// Package coordinatorerr defines the sentinel error kinds used across the
// coordinator. Components wrap these with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is while still getting a
// descriptive message.
package coordinatorerr

import "errors"

var (
	// ErrInterrupted marks cooperative cancellation of a Consumer Source;
	// not itself fatal, the task exits cleanly after a final commit.
	ErrInterrupted = errors.New("interrupted")

	// ErrFenced means a conditional offset write's predicate failed
	// because a newer fencing token already committed. Fatal to the
	// owning Consumer Source.
	ErrFenced = errors.New("lock compromised")

	// ErrOrphanSource means the interrupt channel closed without ever
	// signalling. Fatal.
	ErrOrphanSource = errors.New("orphan source")

	// ErrSinkClosed means the downstream delivery channel's receiver is
	// gone. Fatal.
	ErrSinkClosed = errors.New("sink closed")

	// ErrStoreError wraps a wide-column store transport or query failure.
	ErrStoreError = errors.New("store error")

	// ErrCoordError wraps a coordination-store transport or query failure.
	ErrCoordError = errors.New("coord error")

	// ErrLockContended means try_join_consumer_group failed because the
	// (group, consumer) slot is already held elsewhere.
	ErrLockContended = errors.New("consumer lock already held")

	// ErrConfigError surfaces bad configuration or a group definition
	// that fails creation-time validation.
	ErrConfigError = errors.New("config error")

	// ErrGroupAlreadyExists surfaces a duplicate create_consumer_group.
	ErrGroupAlreadyExists = errors.New("consumer group already exists")
)
