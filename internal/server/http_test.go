package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	srv := New(&mockPool{}, &mockSessions{}, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-Id", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		assert.Equal(t, "my-custom-id", rec.Header().Get("X-Request-Id"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
		expectBody     string
	}{
		{
			name:           "metrics enabled - default endpoint accessible",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "metrics enabled - empty endpoint defaults to /metrics",
			config:         &Config{MetricsEnabled: true},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "copilotpool_",
		},
		{
			name:           "metrics enabled - custom endpoint",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/internal/metrics"},
			requestPath:    "/internal/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "metrics disabled - not found",
			config:         &Config{MetricsEnabled: false},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "metrics skip auth when master key set",
			config:         &Config{MetricsEnabled: true, MasterKey: "secret"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&mockPool{}, &mockSessions{}, tt.config)

			req := httptest.NewRequest(http.MethodGet, tt.requestPath, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectBody != "" {
				body, err := io.ReadAll(rec.Body)
				require.NoError(t, err)
				assert.Contains(t, string(body), tt.expectBody)
			}
		})
	}
}

func TestAdminRoutes_RequireMasterKey(t *testing.T) {
	srv := New(&mockPool{}, &mockSessions{}, &Config{MasterKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/credentials", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/credentials", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshRoute(t *testing.T) {
	sessions := &mockSessions{}
	srv := New(&mockPool{}, sessions, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/session/refresh", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sessions.acquires)
}

func TestBodySizeLimit(t *testing.T) {
	srv := New(&mockPool{}, &mockSessions{}, &Config{BodySizeLimit: "1K"})

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/session/refresh", strings.NewReader(strings.Repeat("x", 4096)))
	req.Header.Set("Content-Length", "4096")
	req.ContentLength = 4096
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
