package flowsync

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrDuplicateAction = errors.New("duplicate action")

	// ErrLoginRequired aborts an entire sync cycle without advancing the
	// watermark.
	ErrLoginRequired = errors.New("login required")

	// ErrRejected marks an operation the remote refused on validation or
	// conflict grounds. Rejected operations are removed from the queue and
	// never retried.
	ErrRejected = errors.New("operation rejected")

	// ErrCycleInterrupted stops a drain pass on shutdown without charging
	// the remaining operations a retry.
	ErrCycleInterrupted = errors.New("cycle interrupted")
)
