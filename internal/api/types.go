package api

import (
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/dispatch"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	WorkerState   string `json:"worker_state"`
	Ready         bool   `json:"ready"`
	Generation    uint64 `json:"generation"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ActionResponse is returned by worker lifecycle endpoints.
type ActionResponse struct {
	Status string         `json:"status"`
	Worker *bridge.Status `json:"worker,omitempty"`
}

// ReloadResponse is returned by POST /v1/reload.
type ReloadResponse struct {
	Status  string          `json:"status"`
	Results []bridge.Result `json:"results"`
}

// CallsResponse is returned by GET /v1/calls.
type CallsResponse struct {
	Calls []dispatch.CallRecord `json:"calls"`
}
