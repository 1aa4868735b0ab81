package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	t.Run("generates_id", func(t *testing.T) {
		var seen string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		})

		req := httptest.NewRequest("GET", "/api/v1/session", nil)
		rec := httptest.NewRecorder()

		RequestIDMiddleware()(handler).ServeHTTP(rec, req)

		if seen == "" {
			t.Fatal("Expected a generated request ID in context")
		}
		if got := rec.Header().Get(RequestIDHeader); got != seen {
			t.Errorf("Expected response header %q, got %q", seen, got)
		}
	})

	t.Run("honors_caller_id", func(t *testing.T) {
		var seen string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		})

		req := httptest.NewRequest("GET", "/api/v1/session", nil)
		req.Header.Set(RequestIDHeader, "caller-42")
		rec := httptest.NewRecorder()

		RequestIDMiddleware()(handler).ServeHTTP(rec, req)

		if seen != "caller-42" {
			t.Errorf("Expected caller-supplied ID, got %q", seen)
		}
	})

	t.Run("missing_middleware", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		if got := RequestIDFromContext(req.Context()); got != "" {
			t.Errorf("Expected empty ID without middleware, got %q", got)
		}
	})
}
