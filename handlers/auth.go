package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/services"
)

// userNamespace derives stable user ids from usernames.
var userNamespace = uuid.MustParse("6f1c2a52-9f4e-4c1e-9d0a-3b8a7c5e2f10")

func userIDFor(username string) string {
	return uuid.NewSHA1(userNamespace, []byte(strings.ToLower(username))).String()
}

// AuthHandler handles authentication-related endpoints
type AuthHandler struct {
	authService *services.AuthService
	dataService *database.DataService
}

func NewAuthHandler(authService *services.AuthService, dataService *database.DataService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		dataService: dataService,
	}
}

// Login signs a user in by name and makes sure they have a workspace.
// The same username always maps to the same user id.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		respondError(w, r, badRequest("username is required"))
		return
	}

	user := database.User{ID: userIDFor(username), Username: username}
	if err := h.dataService.EnsureWorkspace(r.Context(), user); err != nil {
		respondError(w, r, err)
		return
	}

	token, err := h.authService.CreateJWT(user)
	if err != nil {
		respondError(w, r, err)
		return
	}

	log.WithField("user_id", user.ID).Info("user logged in")
	respond(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

// VerifyToken reports the user behind a valid token.
func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		respondError(w, r, ErrUnauthorized)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  user,
	})
}
