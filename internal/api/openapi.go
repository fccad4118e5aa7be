package api

import (
	"slices"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the host routes, with a
// concrete path for every named operation.
func buildOpenAPIDoc(version string, operations []string) map[string]any {
	if version == "" {
		version = "dev"
	}
	secured := []any{map[string]any{"BearerAuth": []string{}}}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Host and worker health",
				"responses":   responses("200"),
			},
		},
		"/v1/operations/{operation}": map[string]any{
			"post": operationSpec("perform", "Perform a worker operation", secured),
		},
		"/v1/worker": map[string]any{
			"get": simpleSpec("workerStatus", "Worker and call state", secured, "200"),
		},
		"/v1/worker/restart": map[string]any{
			"post": simpleSpec("workerRestart", "Respawn the worker", secured, "200", "503"),
		},
		"/v1/worker/shutdown": map[string]any{
			"post": simpleSpec("workerShutdown", "Stop the worker", secured, "202"),
		},
		"/v1/shutdown": map[string]any{
			"post": simpleSpec("shutdown", "Stop the worker and exit the host", secured, "202"),
		},
		"/v1/reload": map[string]any{
			"post": simpleSpec("reload", "Rerun startup operations and notify sessions", secured, "200"),
		},
		"/v1/events": map[string]any{
			"get": simpleSpec("events", "Server-sent lifecycle and progress events", secured, "200"),
		},
		"/v1/calls": map[string]any{
			"get": simpleSpec("listCalls", "Recent calls from the journal", secured, "200", "404"),
		},
		"/v1/paths": map[string]any{
			"get": simpleSpec("paths", "Host log, temp and report directories", secured, "200"),
		},
	}

	names := slices.Clone(operations)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		if name == "" {
			continue
		}
		paths["/v1/operations/"+name] = map[string]any{
			"post": operationSpec("perform__"+name, "Perform "+name, secured),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Engine Host",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operationSpec(id, summary string, security []any) map[string]any {
	op := simpleSpec(id, summary, security, "200", "400", "409", "422", "502", "503", "504")
	op["requestBody"] = map[string]any{
		"required": false,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"type": "object"},
			},
		},
	}
	return op
}

func simpleSpec(id, summary string, security []any, codes ...string) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses(codes...),
		"security":    security,
	}
}

var statusDescriptions = map[string]string{
	"200": "OK",
	"202": "Accepted",
	"400": "Invalid request",
	"404": "Not found",
	"409": "Another call holds the worker",
	"422": "Operation failed",
	"502": "Worker died or could not be written to",
	"503": "Worker unavailable",
	"504": "Call timed out",
}

func responses(codes ...string) map[string]any {
	out := make(map[string]any, len(codes))
	for _, c := range codes {
		out[c] = map[string]any{"description": statusDescriptions[c]}
	}
	return out
}
