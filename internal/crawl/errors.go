package crawl

import "errors"

// Sentinel errors returned by registry and engine operations. Callers match
// them with errors.Is so batch loops can distinguish per-entry failures
// without aborting the batch.
var (
	// ErrNotFound indicates an unknown session or job identifier.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an owner mismatch on a job operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyRunning indicates a start on an engine whose crawl is in
	// flight; callers resolve it by stopping first, never by queuing a
	// second engine.
	ErrAlreadyRunning = errors.New("crawl already running")

	// ErrStopTimeout indicates a best-effort stop did not complete within
	// its budget. Eviction and drain proceed anyway.
	ErrStopTimeout = errors.New("engine stop timed out")

	// ErrJobTerminal indicates a transition attempt on a job whose status
	// permits none. Completed and archived jobs can only be deleted.
	ErrJobTerminal = errors.New("job status is terminal")

	// ErrRegistryClosed indicates the registry is draining and no longer
	// accepts new sessions.
	ErrRegistryClosed = errors.New("registry closed")
)
