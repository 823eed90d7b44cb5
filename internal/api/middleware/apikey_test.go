package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentmesh/trustplane/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	t.Setenv("TRUSTPLANE_API_KEYS", "")

	auth := middleware.NewAPIKeyAuth()
	if auth.Enabled() {
		t.Error("expected auth disabled when TRUSTPLANE_API_KEYS is not set")
	}

	handler := auth.Middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("disabled auth: status = %d, want 200", w.Code)
	}
}

func TestAPIKeyAuthValidKey(t *testing.T) {
	t.Setenv("TRUSTPLANE_API_KEYS", "test-key-1,test-key-2")

	auth := middleware.NewAPIKeyAuth()
	if !auth.Enabled() {
		t.Fatal("expected auth enabled")
	}
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Bearer key: status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "test-key-2")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("X-API-Key: status = %d, want 200", w.Code)
	}
}

func TestAPIKeyAuthRejectsInvalidAndMissing(t *testing.T) {
	t.Setenv("TRUSTPLANE_API_KEYS", "test-key-1")

	auth := middleware.NewAPIKeyAuth()
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil)
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}
}

func TestAPIKeyAuthPublicPaths(t *testing.T) {
	t.Setenv("TRUSTPLANE_API_KEYS", "test-key-1")

	auth := middleware.NewAPIKeyAuth()
	handler := auth.Middleware(okHandler())

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s without key: status = %d, want 200", path, w.Code)
		}
	}
}

func TestAPIKeyAuthRuntimeKeys(t *testing.T) {
	t.Setenv("TRUSTPLANE_API_KEYS", "")

	auth := middleware.NewAPIKeyAuth()
	auth.AddKey("runtime-key")
	if !auth.Enabled() {
		t.Fatal("expected auth enabled after AddKey")
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("expected auth disabled after removing the only key")
	}
}
