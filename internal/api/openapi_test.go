package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestBuildOpenAPIDoc_HostRoutes(t *testing.T) {
	doc := buildOpenAPIDoc("", nil)

	if doc["openapi"] != "3.1.0" {
		t.Errorf("expected openapi 3.1.0, got %v", doc["openapi"])
	}
	info := doc["info"].(map[string]any)
	if info["version"] != "dev" {
		t.Errorf("expected version dev, got %v", info["version"])
	}
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/v1/operations/{operation}", "/v1/worker", "/v1/shutdown", "/v1/events", "/v1/calls", "/v1/paths"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
}

func TestBuildOpenAPIDoc_NamedOperations(t *testing.T) {
	doc := buildOpenAPIDoc("1.2.0", []string{"analyze", "", "analyze", "export"})

	paths := doc["paths"].(map[string]any)
	item, ok := paths["/v1/operations/analyze"].(map[string]any)
	if !ok {
		t.Fatal("expected /v1/operations/analyze path")
	}
	post := item["post"].(map[string]any)
	if post["operationId"] != "perform__analyze" {
		t.Errorf("expected operationId perform__analyze, got %v", post["operationId"])
	}
	if _, ok := post["requestBody"]; !ok {
		t.Error("expected request body schema")
	}
	if _, ok := paths["/v1/operations/export"]; !ok {
		t.Error("expected /v1/operations/export path")
	}
	if _, ok := paths["/v1/operations/"]; ok {
		t.Error("empty operation names must be skipped")
	}
}

func TestHandleOpenAPI(t *testing.T) {
	s := newTestServer(newFakeHost(), nil)
	rr := serve(t, s, http.MethodGet, "/v1/openapi.json", testKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paths := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/operations/analyze"]; !ok {
		t.Error("configured operation missing from document")
	}
}
