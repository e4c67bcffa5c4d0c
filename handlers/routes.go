package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the auth, REST and websocket routes.
func NewRouter(auth *AuthHandler, data *DataHandler, mw *AuthMiddleware) *mux.Router {
	r := mux.NewRouter()

	// Auth routes
	r.HandleFunc("/api/auth/login", auth.Login).Methods(http.MethodPost)
	r.Handle("/api/auth/verify", mw.Auth(http.HandlerFunc(auth.VerifyToken))).Methods(http.MethodGet)

	// Data routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(mw.Auth)

	api.HandleFunc("/projects", data.ListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects", data.CreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/members", data.AddProjectMember).Methods(http.MethodPost)
	api.HandleFunc("/boards", data.ListBoards).Methods(http.MethodGet)

	api.HandleFunc("/tasks/board/{boardId}", data.ListBoardTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", data.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", data.UpdateTask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}", data.DeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/subtasks", data.CreateSubtask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/subtasks/{subtaskId}", data.UpdateSubtask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}/subtasks/{subtaskId}", data.DeleteSubtask).Methods(http.MethodDelete)

	api.HandleFunc("/collections/project/{projectId}", data.ListCollections).Methods(http.MethodGet)
	api.HandleFunc("/collections", data.CreateCollection).Methods(http.MethodPost)
	api.HandleFunc("/collections/reorder", data.ReorderCollections).Methods(http.MethodPut)
	api.HandleFunc("/collections/{id}", data.UpdateCollection).Methods(http.MethodPut)
	api.HandleFunc("/collections/{id}", data.DeleteCollection).Methods(http.MethodDelete)

	// WebSocket route for real-time updates
	api.HandleFunc("/ws", data.HandleWebSocket)

	return r
}
