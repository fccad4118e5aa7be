package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_SetsPrincipal(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeHost(), nil)
	var scoped bool
	h := s.authMiddleware(s.requireScopes("worker:ro")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = true
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || !scoped {
		t.Fatalf("expected scoped handler to run, got %d", rr.Code)
	}
}

func TestRequireScopes_NoPrincipal(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeHost(), nil)
	h := s.requireScopes("worker:ro")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.test", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_NoKeysConfigured(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newFakeHost(), nil, nil, nil)
	h := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
