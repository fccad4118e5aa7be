package bridge

import (
	"context"
	"errors"

	"github.com/mattjoyce/enginehost/internal/dispatch"
)

// Stable error codes carried in Result.Code.
const (
	CodeWorkerUnavailable = "worker_unavailable"
	CodeCallInProgress    = "call_in_progress"
	CodeWriteFailed       = "write_failed"
	CodeWorkerDied        = "worker_died"
	CodeCallTimeout       = "call_timeout"
	CodeOperationFailed   = "operation_failed"
	CodeInvalidRequest    = "invalid_request"
	CodeCanceled          = "canceled"
	CodeInternal          = "internal"
)

// MsgWorkerUnavailable is shown when no worker can take the call.
const MsgWorkerUnavailable = "Engine is not running. Please restart the application."

// Translate maps a dispatch error onto a stable code and a message for the UI.
// Worker-reported failures keep the worker's message verbatim.
func Translate(err error) (code, message string) {
	var werr *dispatch.WorkerError
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &werr):
		return CodeOperationFailed, werr.Message
	case errors.Is(err, dispatch.ErrWorkerUnavailable):
		return CodeWorkerUnavailable, MsgWorkerUnavailable
	case errors.Is(err, dispatch.ErrCallInProgress):
		return CodeCallInProgress, err.Error()
	case errors.Is(err, dispatch.ErrWriteFailed):
		return CodeWriteFailed, err.Error()
	case errors.Is(err, dispatch.ErrWorkerDied):
		return CodeWorkerDied, err.Error()
	case errors.Is(err, dispatch.ErrCallTimeout):
		return CodeCallTimeout, err.Error()
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return CodeInvalidRequest, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled, err.Error()
	default:
		return CodeInternal, err.Error()
	}
}
