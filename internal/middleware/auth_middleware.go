package middleware

import (
	"context"
	"net/http"
	"strings"

	"pos-sync-server/internal/domain"
	"pos-sync-server/pkg/jwt"
	"pos-sync-server/pkg/response"
)

type contextKey string

const identityKey contextKey = "identity"

// ClientIDHeader carries the id of the POS client making the request.
const ClientIDHeader = "X-Client-ID"

func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			id := domain.Identity{
				UserID:     claims.UserID,
				BusinessID: claims.BusinessID,
				ClientID:   strings.TrimSpace(r.Header.Get(ClientIDHeader)),
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireClient rejects requests that do not name the calling client.
func RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r).ClientID == "" {
			response.BadRequest(w, "Missing "+ClientIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) domain.Identity {
	id, _ := r.Context().Value(identityKey).(domain.Identity)
	return id
}
