package realtime

import (
	"encoding/json"

	"github.com/CrowderSoup/boardsync/database"
)

// Envelope is the frame exchanged over the websocket channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	User string          `json:"user,omitempty"`
}

// Outbound event names.
const (
	EventJoinBoard          = "join:board"
	EventLeaveBoard         = "leave:board"
	EventTaskCreate         = "task:create"
	EventTaskUpdate         = "task:update"
	EventTaskDelete         = "task:delete"
	EventTaskMove           = "task:move"
	EventManualSync         = "task:manual-sync"
	EventCollectionCreate   = "collection:create"
	EventCollectionUpdate   = "collection:update"
	EventCollectionDelete   = "collection:delete"
	EventCollectionsReorder = "collections:reorder"
	EventSubtaskCreate      = "subtask:create"
	EventSubtaskUpdate      = "subtask:update"
	EventSubtaskDelete      = "subtask:delete"
	EventStartTyping        = "user:start_typing"
	EventPing               = "ping"
)

// Inbound event names.
const (
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
	EventTaskCreated          = "task:created"
	EventTaskUpdated          = "task:updated"
	EventTaskDeleted          = "task:deleted"
	EventTaskMoved            = "task:moved"
	EventTaskConflict         = "task:conflict"
	EventBoardSync            = "board:sync"
	EventCollectionCreated    = "collection:created"
	EventCollectionUpdated    = "collection:updated"
	EventCollectionDeleted    = "collection:deleted"
	EventCollectionsReordered = "collection:reordered"
	EventSubtaskCreated       = "subtask:created"
	EventSubtaskUpdated       = "subtask:updated"
	EventSubtaskDeleted       = "subtask:deleted"
	EventUserJoined           = "user:joined"
	EventUserLeft             = "user:left"
	EventUserTyping           = "user:typing"
	EventUserStopTyping       = "user:stop_typing"
	EventPong                 = "pong"
)

// MoveEvent carries a column change for one task.
type MoveEvent struct {
	TaskID       string         `json:"taskId"`
	FromColumnID string         `json:"fromColumnId"`
	ToColumnID   string         `json:"toColumnId"`
	NewIndex     int            `json:"newIndex"`
	BoardID      string         `json:"boardId"`
	Task         *database.Task `json:"task,omitempty"`
}

// ResolvedTaskID prefers the embedded task's id over the bare field.
func (m MoveEvent) ResolvedTaskID() string {
	if m.Task != nil && m.Task.ID != "" {
		return m.Task.ID
	}
	return m.TaskID
}

// ManualSync is the fallback broadcast sent alongside a move so peers update
// even when the backend does not re-broadcast.
type ManualSync struct {
	BoardID    string        `json:"boardId"`
	Task       database.Task `json:"task"`
	Action     string        `json:"action"`
	FromColumn string        `json:"fromColumn"`
	ToColumn   string        `json:"toColumn"`
}

// Deleted identifies a removed entity. It decodes either from a bare id
// string or from an object.
type Deleted struct {
	ID        string `json:"id"`
	BoardID   string `json:"boardId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

func (d *Deleted) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*d = Deleted{ID: id}
		return nil
	}
	var raw struct {
		ID           string `json:"id"`
		TaskID       string `json:"taskId"`
		CollectionID string `json:"collectionId"`
		BoardID      string `json:"boardId"`
		ProjectID    string `json:"projectId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.ID = raw.ID
	if d.ID == "" {
		d.ID = raw.TaskID
	}
	if d.ID == "" {
		d.ID = raw.CollectionID
	}
	d.BoardID = raw.BoardID
	d.ProjectID = raw.ProjectID
	return nil
}

// Conflict is sent by the server when a write lost against a newer version.
type Conflict struct {
	TaskID        string         `json:"taskId"`
	ServerVersion database.Task  `json:"serverVersion"`
	ClientVersion *database.Task `json:"clientVersion,omitempty"`
}

// BoardSync is a full snapshot of a board's tasks.
type BoardSync struct {
	BoardID string          `json:"boardId"`
	Tasks   []database.Task `json:"tasks"`
}

type SubtaskEvent struct {
	TaskID  string           `json:"taskId"`
	BoardID string           `json:"boardId,omitempty"`
	Subtask database.Subtask `json:"subtask"`
}

type SubtaskDeleted struct {
	TaskID    string `json:"taskId"`
	BoardID   string `json:"boardId,omitempty"`
	SubtaskID string `json:"subtaskId"`
}

// ActiveUser is a peer present in the current room.
type ActiveUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	BoardID  string `json:"boardId,omitempty"`
}

// TypingUser is a peer typing on a task.
type TypingUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	TaskID   string `json:"taskId"`
}

// UserLeft decodes either a bare user id or {userId, boardId}.
type UserLeft struct {
	UserID  string `json:"userId"`
	BoardID string `json:"boardId,omitempty"`
}

func (u *UserLeft) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*u = UserLeft{UserID: id}
		return nil
	}
	type plain UserLeft
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*u = UserLeft(p)
	return nil
}

type typingSignal struct {
	TaskID string `json:"taskId"`
}
