// Package dispatch turns request/response calls into frames on the worker's
// stdio and routes the worker's frames back to the caller that is waiting.
//
// The worker protocol carries no call identifiers, so the dispatcher enforces
// single-flight: at most one call is outstanding per worker process. Further
// callers queue in arrival order (bounded by Options.MaxQueued) or, when the
// queue is disabled, fail fast with ErrCallInProgress.
//
// Routing:
//   - progress frames go to the call's ProgressSink, in arrival order
//   - the first final frame resolves the call and frees the slot
//   - frames with no call in flight are dropped, including progress that
//     arrives after the final frame
//   - worker exit fails the call in flight with ErrWorkerDied immediately
//
// Cancellation and per-call timeouts return control to the caller but the
// call stays installed as abandoned until its final frame or the worker's
// death, so a late response can never be attributed to the next call.
//
// Error handling:
//   - no ready worker → ErrWorkerUnavailable, nothing written
//   - slot busy and queue full → ErrCallInProgress
//   - stdin write failure → ErrWriteFailed, and the worker is stopped
//   - worker-declared failure → *WorkerError carrying its message verbatim
package dispatch
