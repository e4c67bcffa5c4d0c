package realtime

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
)

// TaskAPI is the part of the REST backend the emitter needs for tasks.
type TaskAPI interface {
	CreateTask(ctx context.Context, in database.TaskInput) (database.Task, error)
	UpdateTask(ctx context.Context, id string, patch database.TaskPatch) (database.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type CollectionAPI interface {
	CreateCollection(ctx context.Context, in database.CollectionInput) (database.Collection, error)
	UpdateCollection(ctx context.Context, id string, patch database.CollectionPatch) (database.Collection, error)
	DeleteCollection(ctx context.Context, id string) error
	ReorderCollections(ctx context.Context, r database.CollectionReorder) ([]database.Collection, error)
}

type SubtaskAPI interface {
	CreateSubtask(ctx context.Context, taskID string, in database.SubtaskInput) (database.Subtask, error)
	UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch database.SubtaskPatch) (database.Subtask, error)
	DeleteSubtask(ctx context.Context, taskID, subtaskID string) error
}

// CommandAPI is everything the emitter calls on the backend.
type CommandAPI interface {
	TaskAPI
	CollectionAPI
	SubtaskAPI
}

// Emitter performs each mutation against the REST backend and, once it
// succeeds, broadcasts the same change to the room. REST is authoritative;
// the broadcast is best effort.
type Emitter struct {
	api CommandAPI
	sig Signaler
	log logrus.FieldLogger
}

func NewEmitter(api CommandAPI, sig Signaler, logger logrus.FieldLogger) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Emitter{api: api, sig: sig, log: logger}
}

func (e *Emitter) broadcast(event string, data any) {
	if err := e.sig.Emit(event, data); err != nil {
		e.log.WithField("event", event).Debugf("broadcast skipped: %v", err)
	}
}

func (e *Emitter) CreateTask(ctx context.Context, in database.TaskInput) (database.Task, error) {
	task, err := e.api.CreateTask(ctx, in)
	if err != nil {
		return database.Task{}, err
	}
	e.broadcast(EventTaskCreate, task)
	return task, nil
}

func (e *Emitter) UpdateTask(ctx context.Context, id string, patch database.TaskPatch) (database.Task, error) {
	task, err := e.api.UpdateTask(ctx, id, patch)
	if err != nil {
		return database.Task{}, err
	}
	e.broadcast(EventTaskUpdate, task)
	return task, nil
}

func (e *Emitter) DeleteTask(ctx context.Context, id, boardID string) error {
	if err := e.api.DeleteTask(ctx, id); err != nil {
		return err
	}
	e.broadcast(EventTaskDelete, Deleted{ID: id, BoardID: boardID})
	return nil
}

// MoveTask persists the column change and then sends both the move event
// and the manual-sync fallback carrying the full task.
func (e *Emitter) MoveTask(ctx context.Context, move MoveEvent) (database.Task, error) {
	to := move.ToColumnID
	task, err := e.api.UpdateTask(ctx, move.TaskID, database.TaskPatch{ColumnID: &to})
	if err != nil {
		return database.Task{}, err
	}
	move.Task = nil
	e.broadcast(EventTaskMove, move)
	e.broadcast(EventManualSync, ManualSync{
		BoardID:    move.BoardID,
		Task:       task,
		Action:     string(OpMove),
		FromColumn: move.FromColumnID,
		ToColumn:   move.ToColumnID,
	})
	return task, nil
}

func (e *Emitter) CreateCollection(ctx context.Context, in database.CollectionInput) (database.Collection, error) {
	c, err := e.api.CreateCollection(ctx, in)
	if err != nil {
		return database.Collection{}, err
	}
	e.broadcast(EventCollectionCreate, c)
	return c, nil
}

func (e *Emitter) UpdateCollection(ctx context.Context, id string, patch database.CollectionPatch) (database.Collection, error) {
	c, err := e.api.UpdateCollection(ctx, id, patch)
	if err != nil {
		return database.Collection{}, err
	}
	e.broadcast(EventCollectionUpdate, c)
	return c, nil
}

func (e *Emitter) DeleteCollection(ctx context.Context, id, projectID string) error {
	if err := e.api.DeleteCollection(ctx, id); err != nil {
		return err
	}
	e.broadcast(EventCollectionDelete, Deleted{ID: id, ProjectID: projectID})
	return nil
}

func (e *Emitter) ReorderCollections(ctx context.Context, r database.CollectionReorder) ([]database.Collection, error) {
	cols, err := e.api.ReorderCollections(ctx, r)
	if err != nil {
		return nil, err
	}
	e.broadcast(EventCollectionsReorder, r)
	return cols, nil
}

func (e *Emitter) CreateSubtask(ctx context.Context, taskID, boardID string, in database.SubtaskInput) (database.Subtask, error) {
	sub, err := e.api.CreateSubtask(ctx, taskID, in)
	if err != nil {
		return database.Subtask{}, err
	}
	e.broadcast(EventSubtaskCreate, SubtaskEvent{TaskID: taskID, BoardID: boardID, Subtask: sub})
	return sub, nil
}

func (e *Emitter) UpdateSubtask(ctx context.Context, taskID, boardID, subtaskID string, patch database.SubtaskPatch) (database.Subtask, error) {
	sub, err := e.api.UpdateSubtask(ctx, taskID, subtaskID, patch)
	if err != nil {
		return database.Subtask{}, err
	}
	e.broadcast(EventSubtaskUpdate, SubtaskEvent{TaskID: taskID, BoardID: boardID, Subtask: sub})
	return sub, nil
}

func (e *Emitter) DeleteSubtask(ctx context.Context, taskID, boardID, subtaskID string) error {
	if err := e.api.DeleteSubtask(ctx, taskID, subtaskID); err != nil {
		return err
	}
	e.broadcast(EventSubtaskDelete, SubtaskDeleted{TaskID: taskID, BoardID: boardID, SubtaskID: subtaskID})
	return nil
}

func (e *Emitter) StartTyping(taskID string) {
	e.broadcast(EventStartTyping, typingSignal{TaskID: taskID})
}

func (e *Emitter) StopTyping(taskID string) {
	e.broadcast(EventUserStopTyping, typingSignal{TaskID: taskID})
}
