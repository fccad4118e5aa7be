package worker

import "errors"

var (
	// ErrSpawnFailed indicates the worker could not be launched or exited before it became ready.
	ErrSpawnFailed = errors.New("worker spawn failed")

	// ErrReadinessTimeout indicates the worker never announced readiness.
	ErrReadinessTimeout = errors.New("worker readiness timeout")

	// ErrNotReady indicates there is no ready worker to send to.
	ErrNotReady = errors.New("worker not ready")

	// ErrAlreadyRunning indicates Start was called while a worker is alive.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrStaleGeneration indicates a send targeted a process that has since been replaced.
	ErrStaleGeneration = errors.New("worker generation replaced")
)
