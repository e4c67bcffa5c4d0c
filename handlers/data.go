package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/realtime"
	"github.com/CrowderSoup/boardsync/services"
)

// DataHandler serves the board REST API. Every successful mutation is
// broadcast to the affected board rooms as the server-confirmed entity.
type DataHandler struct {
	dataService *database.DataService
	hub         *services.Hub
	upgrader    websocket.Upgrader
}

func NewDataHandler(dataService *database.DataService, hub *services.Hub) *DataHandler {
	return &DataHandler{
		dataService: dataService,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}
}

// ListProjects returns the projects the caller owns or was added to.
func (h *DataHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	projects, err := h.dataService.ListProjects(r.Context(), user.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, projects)
}

func (h *DataHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var p database.Project
	if err := decode(r, &p); err != nil {
		respondError(w, r, err)
		return
	}
	if p.Name == "" {
		respondError(w, r, badRequest("project name is required"))
		return
	}
	p.CreatedBy = user.ID
	project, board, err := h.dataService.CreateProject(r.Context(), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"project": project, "board": board})
}

// AddProjectMember lets another user work in the project. Members are
// named by username, which maps to the same id login hands out.
func (h *DataHandler) AddProjectMember(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	projectID := mux.Vars(r)["id"]
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
	if _, err := h.dataService.AuthorizeProject(r.Context(), user.ID, projectID); err != nil {
		respondError(w, r, err)
		return
	}
	project, err := h.dataService.AddProjectMember(r.Context(), projectID, userIDFor(username))
	if err != nil {
		respondError(w, r, err)
		return
	}
	log.WithFields(log.Fields{"project_id": projectID, "user_id": user.ID, "member": username}).Info("project member added")
	respond(w, http.StatusOK, project)
}

func (h *DataHandler) ListBoards(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		respondError(w, r, badRequest("projectId is required"))
		return
	}
	if _, err := h.dataService.AuthorizeProject(r.Context(), user.ID, projectID); err != nil {
		respondError(w, r, err)
		return
	}
	boards, err := h.dataService.ListBoards(r.Context(), projectID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, boards)
}

func (h *DataHandler) ListBoardTasks(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	board, err := h.dataService.AuthorizeBoard(r.Context(), user.ID, mux.Vars(r)["boardId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	tasks, err := h.dataService.ListBoardTasks(r.Context(), board.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, tasks)
}

func (h *DataHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var in database.TaskInput
	if err := decode(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	if in.Title == "" || in.BoardID == "" {
		respondError(w, r, badRequest("title and boardId are required"))
		return
	}
	if _, err := h.dataService.AuthorizeBoard(r.Context(), user.ID, in.BoardID); err != nil {
		respondError(w, r, err)
		return
	}

	task, err := h.dataService.CreateTask(r.Context(), in, user)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.hub.BroadcastToRoom(task.BoardID, realtime.EventTaskCreated, user.ID, task)
	respond(w, http.StatusCreated, task)
}

// UpdateTask applies a partial update. A stale version answers 409 and
// sends the caller the stored task over the real-time channel.
func (h *DataHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	var patch database.TaskPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}

	before, err := h.task(r.Context(), user, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	task, err := h.dataService.UpdateTask(r.Context(), id, patch)
	if errors.Is(err, database.ErrVersionConflict) {
		client := patch.Apply(task.Clone())
		h.hub.SendToUser(user.ID, realtime.EventTaskConflict, realtime.Conflict{
			TaskID:        id,
			ServerVersion: task,
			ClientVersion: &client,
		})
		log.WithFields(log.Fields{"task_id": id, "user_id": user.ID}).Info("rejected stale task update")
		respondError(w, r, err)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	h.hub.BroadcastToRoom(task.BoardID, realtime.EventTaskUpdated, user.ID, task)
	if before.ColumnID != task.ColumnID {
		h.hub.BroadcastToRoom(task.BoardID, realtime.EventTaskMoved, user.ID, realtime.MoveEvent{
			TaskID:       task.ID,
			FromColumnID: before.ColumnID,
			ToColumnID:   task.ColumnID,
			NewIndex:     task.Order,
			BoardID:      task.BoardID,
			Task:         &task,
		})
	}
	respond(w, http.StatusOK, task)
}

func (h *DataHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if _, err := h.task(r.Context(), user, id); err != nil {
		respondError(w, r, err)
		return
	}
	task, err := h.dataService.DeleteTask(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.hub.BroadcastToRoom(task.BoardID, realtime.EventTaskDeleted, user.ID, realtime.Deleted{
		ID: task.ID, BoardID: task.BoardID, ProjectID: task.ProjectID,
	})
	respond(w, http.StatusOK, task)
}

func (h *DataHandler) CreateSubtask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var in database.SubtaskInput
	if err := decode(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	if in.Title == "" {
		respondError(w, r, badRequest("title is required"))
		return
	}
	if _, err := h.task(r.Context(), user, mux.Vars(r)["id"]); err != nil {
		respondError(w, r, err)
		return
	}
	task, sub, err := h.dataService.AddSubtask(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastSubtask(task, realtime.EventSubtaskCreated, user.ID, realtime.SubtaskEvent{
		TaskID: task.ID, BoardID: task.BoardID, Subtask: sub,
	})
	respond(w, http.StatusCreated, sub)
}

func (h *DataHandler) UpdateSubtask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	vars := mux.Vars(r)
	var patch database.SubtaskPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.task(r.Context(), user, vars["id"]); err != nil {
		respondError(w, r, err)
		return
	}
	task, sub, err := h.dataService.UpdateSubtask(r.Context(), vars["id"], vars["subtaskId"], patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastSubtask(task, realtime.EventSubtaskUpdated, user.ID, realtime.SubtaskEvent{
		TaskID: task.ID, BoardID: task.BoardID, Subtask: sub,
	})
	respond(w, http.StatusOK, sub)
}

func (h *DataHandler) DeleteSubtask(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	vars := mux.Vars(r)
	if _, err := h.task(r.Context(), user, vars["id"]); err != nil {
		respondError(w, r, err)
		return
	}
	task, err := h.dataService.DeleteSubtask(r.Context(), vars["id"], vars["subtaskId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastSubtask(task, realtime.EventSubtaskDeleted, user.ID, realtime.SubtaskDeleted{
		TaskID: task.ID, BoardID: task.BoardID, SubtaskID: vars["subtaskId"],
	})
	respond(w, http.StatusOK, nil)
}

// task loads a task the caller is allowed to change.
func (h *DataHandler) task(ctx context.Context, user database.User, id string) (database.Task, error) {
	t, err := h.dataService.GetTask(ctx, id)
	if err != nil {
		return database.Task{}, err
	}
	if _, err := h.dataService.AuthorizeProject(ctx, user.ID, t.ProjectID); err != nil {
		return database.Task{}, err
	}
	return t, nil
}

// collection loads a collection the caller is allowed to change.
func (h *DataHandler) collection(ctx context.Context, user database.User, id string) (database.Collection, error) {
	c, err := h.dataService.GetCollection(ctx, id)
	if err != nil {
		return database.Collection{}, err
	}
	if _, err := h.dataService.AuthorizeProject(ctx, user.ID, c.ProjectID); err != nil {
		return database.Collection{}, err
	}
	return c, nil
}

// broadcastSubtask sends the subtask event followed by the parent task so
// peers pick up its new version.
func (h *DataHandler) broadcastSubtask(task database.Task, event, from string, data any) {
	h.hub.BroadcastToRoom(task.BoardID, event, from, data)
	h.hub.BroadcastToRoom(task.BoardID, realtime.EventTaskUpdated, from, task)
}

func (h *DataHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	projectID := mux.Vars(r)["projectId"]
	if _, err := h.dataService.AuthorizeProject(r.Context(), user.ID, projectID); err != nil {
		respondError(w, r, err)
		return
	}
	cols, err := h.dataService.ListCollections(r.Context(), projectID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, cols)
}

func (h *DataHandler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var in database.CollectionInput
	if err := decode(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	if in.Name == "" || in.ProjectID == "" {
		respondError(w, r, badRequest("name and projectId are required"))
		return
	}
	if _, err := h.dataService.AuthorizeProject(r.Context(), user.ID, in.ProjectID); err != nil {
		respondError(w, r, err)
		return
	}
	c, err := h.dataService.CreateCollection(r.Context(), in, user.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastProject(r.Context(), c.ProjectID, realtime.EventCollectionCreated, user.ID, c)
	respond(w, http.StatusCreated, c)
}

func (h *DataHandler) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	var patch database.CollectionPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.collection(r.Context(), user, id); err != nil {
		respondError(w, r, err)
		return
	}
	c, err := h.dataService.UpdateCollection(r.Context(), id, patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastProject(r.Context(), c.ProjectID, realtime.EventCollectionUpdated, user.ID, c)
	respond(w, http.StatusOK, c)
}

// DeleteCollection removes the collection and uncategorizes its tasks.
func (h *DataHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if _, err := h.collection(r.Context(), user, id); err != nil {
		respondError(w, r, err)
		return
	}
	c, moved, err := h.dataService.DeleteCollection(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastProject(r.Context(), c.ProjectID, realtime.EventCollectionDeleted, user.ID, realtime.Deleted{
		ID: c.ID, ProjectID: c.ProjectID,
	})
	for _, t := range moved {
		h.hub.BroadcastToRoom(t.BoardID, realtime.EventTaskUpdated, user.ID, t)
	}
	respond(w, http.StatusOK, map[string]any{"collection": c, "uncategorized": len(moved)})
}

func (h *DataHandler) ReorderCollections(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var req database.CollectionReorder
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.ProjectID == "" {
		respondError(w, r, badRequest("projectId is required"))
		return
	}
	if _, err := h.dataService.AuthorizeProject(r.Context(), user.ID, req.ProjectID); err != nil {
		respondError(w, r, err)
		return
	}
	cols, err := h.dataService.ReorderCollections(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.broadcastProject(r.Context(), req.ProjectID, realtime.EventCollectionsReordered, user.ID, req)
	respond(w, http.StatusOK, cols)
}

// broadcastProject sends a project-level event to every board room of the project.
func (h *DataHandler) broadcastProject(ctx context.Context, projectID, event, from string, data any) {
	boards, err := h.dataService.ListBoards(ctx, projectID)
	if err != nil {
		log.WithError(err).WithField("project_id", projectID).Warn("failed to list boards for broadcast")
		return
	}
	for _, b := range boards {
		h.hub.BroadcastToRoom(b.ID, event, from, data)
	}
}

// HandleWebSocket upgrades the HTTP connection to a WebSocket connection
func (h *DataHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		respondError(w, r, ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade to websocket")
		return
	}

	client := services.NewClient(h.hub, conn, user)
	h.hub.Register(client)
	log.WithField("user_id", user.ID).Info("websocket client registered")

	// Start goroutines for reading and writing
	go client.WritePump()
	go client.ReadPump()
}
