package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	cfg := AuthConfig{APIKeys: []string{"tok-abc-123", "tok-second"}}

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := authMiddleware(cfg, ok)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{
			name: "health bypass",
			path: "/health",
			want: http.StatusOK,
		},
		{
			name: "metrics bypass",
			path: "/metrics",
			want: http.StatusOK,
		},
		{
			name: "no auth",
			path: "/api/v1/status",
			want: http.StatusUnauthorized,
		},
		{
			name:   "valid bearer token",
			path:   "/api/v1/status",
			header: map[string]string{"Authorization": "Bearer tok-abc-123"},
			want:   http.StatusOK,
		},
		{
			name:   "second key",
			path:   "/api/v1/rules",
			header: map[string]string{"Authorization": "Bearer tok-second"},
			want:   http.StatusOK,
		},
		{
			name:   "invalid bearer token",
			path:   "/api/v1/status",
			header: map[string]string{"Authorization": "Bearer bad-token"},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "basic auth not accepted",
			path:   "/api/v1/status",
			header: map[string]string{"Authorization": "Basic dG9rLWFiYy0xMjM="},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "valid X-API-Key",
			path:   "/api/v1/status",
			header: map[string]string{"X-API-Key": "tok-abc-123"},
			want:   http.StatusOK,
		},
		{
			name:   "invalid X-API-Key",
			path:   "/api/v1/status",
			header: map[string]string{"X-API-Key": "bad-key"},
			want:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("got status %d, want %d", w.Code, tt.want)
			}

			if tt.want == http.StatusUnauthorized {
				if wa := w.Header().Get("WWW-Authenticate"); wa == "" {
					t.Error("expected WWW-Authenticate header on 401")
				}
			}
		})
	}
}
