package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/services"
)

type contextKey string

const userContextKey contextKey = "user"

type AuthMiddleware struct {
	authService *services.AuthService
}

func NewAuthMiddleware(authService *services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// Auth accepts the token from the Authorization header, or from the token
// query parameter for websocket clients that cannot set headers.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			authParts := strings.Split(authHeader, " ")
			if len(authParts) != 2 || authParts[0] != "Bearer" {
				respondError(w, r, &Exception{Message: "invalid authorization format", StatusCode: http.StatusUnauthorized})
				return
			}
			tokenString = authParts[1]
		}
		if tokenString == "" {
			respondError(w, r, &Exception{Message: "missing authorization header", StatusCode: http.StatusUnauthorized})
			return
		}

		user, err := m.authService.VerifyJWT(tokenString)
		if err != nil {
			respondError(w, r, &Exception{Message: err.Error(), StatusCode: http.StatusUnauthorized})
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the user the request was authenticated as.
func UserFromContext(ctx context.Context) (database.User, bool) {
	user, ok := ctx.Value(userContextKey).(database.User)
	return user, ok
}
