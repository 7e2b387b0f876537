package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	allowedOrigins := []string{"http://localhost:5173", "http://example.com"}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	corsHandler := CORS(allowedOrigins)(handler)

	tests := []struct {
		name           string
		origin         string
		method         string
		expectCORS     bool
		expectedOrigin string
	}{
		{
			name:           "allowed origin",
			origin:         "http://localhost:5173",
			method:         http.MethodGet,
			expectCORS:     true,
			expectedOrigin: "http://localhost:5173",
		},
		{
			name:           "another allowed origin",
			origin:         "http://example.com",
			method:         http.MethodGet,
			expectCORS:     true,
			expectedOrigin: "http://example.com",
		},
		{
			name:       "disallowed origin",
			origin:     "http://evil.com",
			method:     http.MethodGet,
			expectCORS: false,
		},
		{
			name:           "preflight request",
			origin:         "http://localhost:5173",
			method:         http.MethodOptions,
			expectCORS:     true,
			expectedOrigin: "http://localhost:5173",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			rec := httptest.NewRecorder()
			corsHandler.ServeHTTP(rec, req)

			if tt.expectCORS {
				acao := rec.Header().Get("Access-Control-Allow-Origin")
				if acao != tt.expectedOrigin {
					t.Errorf("expected Access-Control-Allow-Origin %s, got %s", tt.expectedOrigin, acao)
				}
			} else {
				acao := rec.Header().Get("Access-Control-Allow-Origin")
				if acao != "" {
					t.Errorf("expected no Access-Control-Allow-Origin header, got %s", acao)
				}
			}
		})
	}
}

func TestCORSPreflightAllowsStreamResume(t *testing.T) {
	handler := CORS([]string{"http://localhost:5173"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/changes/stream", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Last-Event-ID")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	allowed := strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, "last-event-id") {
		t.Errorf("expected Last-Event-ID to be allowed, got %q", allowed)
	}
}
