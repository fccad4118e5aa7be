package dispatch

import "errors"

var (
	// ErrWorkerUnavailable indicates there is no ready worker to take the call.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrCallInProgress indicates the single call slot is taken and no queueing is possible.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrWriteFailed indicates the request frame could not be written to the worker.
	ErrWriteFailed = errors.New("failed to write request to worker")

	// ErrWorkerDied indicates the worker exited while the call was in flight.
	ErrWorkerDied = errors.New("worker died")

	// ErrCallTimeout indicates the per-call deadline passed before a final frame arrived.
	ErrCallTimeout = errors.New("call timed out")

	// ErrInvalidRequest indicates the operation name or payload is unusable.
	ErrInvalidRequest = errors.New("invalid request")
)

// WorkerError is a failure the worker itself reported for an operation.
type WorkerError struct {
	Operation string
	Message   string
}

func (e *WorkerError) Error() string {
	return e.Message
}
