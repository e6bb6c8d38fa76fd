package middleware

import (
	"context"
	"net/http"
	"strings"

	"lifeline-offline/pkg/jwt"
	"lifeline-offline/pkg/response"
)

type contextKey string

const ClientIDKey contextKey = "clientID"

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// AuthMiddleware requires a bearer token signed with jwtSecret. Safe methods
// need the read scope and everything else the write scope. Browsers cannot
// set headers on websocket upgrades, so the token may also come from the
// token query parameter.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := r.URL.Query().Get("token")
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					response.Unauthorized(w, "Invalid authorization header format")
					return
				}
				token = parts[1]
			}
			if token == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if !claims.HasScope(requiredScope(r.Method)) {
				response.Error(w, http.StatusForbidden, "Token lacks the required scope")
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requiredScope(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ScopeRead
	}
	return ScopeWrite
}

func GetClientID(r *http.Request) string {
	clientID, ok := r.Context().Value(ClientIDKey).(string)
	if !ok {
		return ""
	}
	return clientID
}
