// Package worker supervises the engine subprocess.
//
// A Supervisor owns exactly one worker process at a time. Start spawns the
// process with piped stdin/stdout/stderr (plus an optional control channel on
// fd 3 whose EOF tells the worker the host has gone away) and blocks until the
// worker prints its ready frame, the process dies, or the readiness deadline
// passes. Only one of those outcomes is ever observed.
//
// After readiness a single reader goroutine decodes stdout in arrival order and
// hands every frame to the registered Observer together with the process
// generation. Stderr is forwarded line by line to the log and never affects
// protocol state. When the process is reaped the Observer sees OnExit exactly
// once, after the last frame of that generation.
//
// Shutdown is idempotent and never blocks: it closes the control channel and
// stdin, sends SIGTERM, and escalates to SIGKILL after the configured grace
// period. Each step happens at most once per process.
package worker
