package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
)

// Exception is an error that knows the HTTP status it should be reported with.
type Exception struct {
	Message    string
	StatusCode int
}

func (e *Exception) Error() string {
	return e.Message
}

var (
	ErrInvalidJSON  = &Exception{Message: "invalid request format", StatusCode: http.StatusBadRequest}
	ErrUnauthorized = &Exception{Message: "user not found", StatusCode: http.StatusUnauthorized}
)

func badRequest(msg string) error {
	return &Exception{Message: msg, StatusCode: http.StatusBadRequest}
}

// StatusCode maps an error onto the HTTP status it is reported with.
func StatusCode(err error) int {
	var appErr *Exception
	switch {
	case errors.As(err, &appErr):
		return appErr.StatusCode
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, database.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		msg = "server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidJSON
	}
	return nil
}
