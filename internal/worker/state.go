package worker

import (
	"fmt"
	"time"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateRunning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Alive reports whether a process exists in this state.
func (s State) Alive() bool {
	return s == StateStarting || s == StateReady || s == StateRunning || s == StateTerminating
}

// Accepting reports whether calls may be sent in this state.
func (s State) Accepting() bool {
	return s == StateReady || s == StateRunning
}

// ExitInfo describes how a worker process ended.
type ExitInfo struct {
	Code       int       `json:"code"`
	Signal     string    `json:"signal,omitempty"`
	Err        string    `json:"error,omitempty"`
	Unexpected bool      `json:"unexpected"`
	At         time.Time `json:"at"`
}

func (e ExitInfo) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("killed by signal %s", e.Signal)
	case e.Err != "":
		return fmt.Sprintf("exit code %d (%s)", e.Code, e.Err)
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Status is a point-in-time view of the supervisor for operational surfaces.
type Status struct {
	State      string     `json:"state"`
	Ready      bool       `json:"ready"`
	PID        int        `json:"pid,omitempty"`
	Generation uint64     `json:"generation"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	LastExit   *ExitInfo  `json:"last_exit,omitempty"`
	Starts     int        `json:"starts"`
}
