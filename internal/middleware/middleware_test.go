package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
	"pos-sync-server/pkg/jwt"
)

const testSecret = "middleware-test-secret"

func TestAuthMiddleware(t *testing.T) {
	token, err := jwt.GenerateToken("user-1", "biz-1", time.Hour, testSecret)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		clientID   string
		wantStatus int
		wantID     domain.Identity
	}{
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{
			name:       "valid token with client",
			header:     "Bearer " + token,
			clientID:   "pos-a",
			wantStatus: http.StatusOK,
			wantID:     domain.Identity{UserID: "user-1", BusinessID: "biz-1", ClientID: "pos-a"},
		},
		{
			name:       "valid token without client",
			header:     "Bearer " + token,
			wantStatus: http.StatusOK,
			wantID:     domain.Identity{UserID: "user-1", BusinessID: "biz-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got domain.Identity
			h := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetIdentity(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.clientID != "" {
				req.Header.Set(ClientIDHeader, tt.clientID)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

func TestRequireClient(t *testing.T) {
	h := RequireClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), domain.Identity{BusinessID: "biz-1"})))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), domain.Identity{BusinessID: "biz-1", ClientID: "pos-a"})))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := LoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/process", nil)
	req.Header.Set(ClientIDHeader, "pos-a")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/v1/sync/process"`)
	assert.Contains(t, buf.String(), `"client_id":"pos-a"`)
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware("https://backoffice.example.com", "GET,POST", "Authorization,X-Client-ID")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync/status", nil)
	req.Header.Set("Origin", "https://backoffice.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://backoffice.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
