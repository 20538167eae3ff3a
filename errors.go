package fileq

import "github.com/pkg/errors"

// Sentinel error kinds. Callers compare with errors.Is; wrapped causes are
// available via errors.Cause (github.com/pkg/errors) or errors.Unwrap.
var (
	// ErrConfig marks an invalid queue or consumer configuration value.
	ErrConfig = errors.New("fileq: invalid configuration")

	// ErrNotFound marks a reference to a queue that has never been created.
	ErrNotFound = errors.New("fileq: queue not found")

	// ErrAlreadyClaimed marks a consumer open against a (queue, group,
	// partition) that another live process already owns.
	ErrAlreadyClaimed = errors.New("fileq: partition already claimed by another consumer")

	// ErrInvalidPosition marks a seek to a position that is not a valid
	// record boundary in an existing segment.
	ErrInvalidPosition = errors.New("fileq: invalid seek position")

	// ErrIO wraps an underlying filesystem or catalog failure.
	ErrIO = errors.New("fileq: io error")

	// ErrOffsetExpired marks a stored consume offset whose segment has
	// been removed by retention GC. Callers must choose how to proceed
	// via ConsumerOptions.OnExpiredOffset; there is no silent default.
	ErrOffsetExpired = errors.New("fileq: consume offset references an expired segment")
)
