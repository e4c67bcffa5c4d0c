package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
)

type Config struct {
	APIURL    string
	SocketURL string
	Token     string
	UserID    string

	Logger     logrus.FieldLogger
	Clock      clock.Clock
	HTTPClient *http.Client

	// OnError receives REST failures of mutations after their optimistic
	// change was rolled back.
	OnError func(op string, err error)
}

// Session is the one owned instance of the real-time channel, the joined
// room and the local board state for a signed-in user.
type Session struct {
	log     logrus.FieldLogger
	onError func(op string, err error)

	api        *APIClient
	conn       *Connection
	rooms      *RoomTracker
	emitter    *Emitter
	dispatcher *Dispatcher
	ledger     *Ledger
	presence   *Presence
	board      *BoardState

	mu        sync.Mutex
	closed    bool
	userID    string
	projectID string
	boards    []database.Board
	unsubs    []func()
}

func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ledgerOpts := []LedgerOption{}
	if cfg.Clock != nil {
		ledgerOpts = append(ledgerOpts, WithLedgerClock(cfg.Clock))
	}

	s := &Session{
		log:        logger,
		onError:    cfg.OnError,
		userID:     cfg.UserID,
		dispatcher: NewDispatcher(logger),
		ledger:     NewLedger(ledgerOpts...),
		presence:   NewPresence(),
		board:      NewBoardState(),
	}
	s.api = NewAPIClient(cfg.APIURL, cfg.Token, cfg.HTTPClient, logger)
	s.conn = NewConnection(cfg.SocketURL,
		WithConnectionLogger(logger),
		WithMessageHandler(s.dispatcher.Dispatch),
	)
	s.rooms = NewRoomTracker(s.conn, logger)
	s.emitter = NewEmitter(s.api, s.conn, logger)
	s.wire()
	return s
}

func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Session) Ledger() *Ledger         { return s.ledger }
func (s *Session) Presence() *Presence     { return s.presence }
func (s *Session) Board() *BoardState      { return s.board }
func (s *Session) API() *APIClient         { return s.api }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// Login exchanges a username for a token on the dev backend.
func (s *Session) Login(ctx context.Context, username string) (database.User, error) {
	_, user, err := s.api.Login(ctx, username)
	if err != nil {
		return database.User{}, fmt.Errorf("failed to log in: %w", err)
	}
	s.mu.Lock()
	s.userID = user.ID
	s.mu.Unlock()
	return user, nil
}

// Connect opens the real-time channel with the session token. A failure
// leaves the session usable over REST only.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.conn.Connect(ctx, s.api.Token())
}

func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

// Close leaves the room, drops the channel and discards pending updates.
// Responses that arrive afterwards are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.rooms.LeaveRoom()
	s.conn.Disconnect()
	for _, unsub := range unsubs {
		unsub()
	}
	s.ledger.Clear()
	s.presence.Reset()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OpenProject loads the project's boards and collections and joins the
// first board, which is treated as current.
func (s *Session) OpenProject(ctx context.Context, projectID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	boards, err := s.api.ListBoards(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list boards: %w", err)
	}
	if len(boards) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBoards, projectID)
	}
	collections, err := s.api.ListCollections(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	s.mu.Lock()
	s.projectID = projectID
	s.boards = boards
	s.mu.Unlock()

	return s.joinBoard(ctx, boards[0], collections)
}

// Boards lists the boards of the open project.
func (s *Session) Boards() []database.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.Board(nil), s.boards...)
}

// JoinBoard switches the room to another board of the open project and
// loads its tasks.
func (s *Session) JoinBoard(ctx context.Context, boardID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	var board database.Board
	found := false
	s.mu.Lock()
	for _, b := range s.boards {
		if b.ID == boardID {
			board, found = b, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, boardID)
	}
	return s.joinBoard(ctx, board, s.board.Collections())
}

func (s *Session) joinBoard(ctx context.Context, board database.Board, collections []database.Collection) error {
	// Cleared before the join goes out so the server's introductions survive.
	s.ledger.Clear()
	s.presence.Reset()
	s.rooms.JoinRoom(board.ID)
	gen := s.rooms.Generation()

	tasks, err := s.api.ListBoardTasks(ctx, board.ID)
	if err != nil {
		return fmt.Errorf("failed to load board %s: %w", board.ID, err)
	}
	if !s.fresh(gen) {
		return ErrStaleResponse
	}
	s.board.Load(board, tasks, collections)
	s.log.WithFields(logrus.Fields{"board_id": board.ID, "tasks": len(tasks)}).Info("board loaded")
	return nil
}

func (s *Session) LeaveBoard() {
	s.rooms.LeaveRoom()
	s.ledger.Clear()
	s.presence.Reset()
}

func (s *Session) CurrentBoard() (string, bool) {
	return s.rooms.Current()
}

// fresh reports whether a response captured at generation gen may still be
// applied: the session is open and the room has not changed since.
func (s *Session) fresh(gen uint64) bool {
	return !s.isClosed() && s.rooms.Generation() == gen
}

// rollback undoes an optimistic change after a failed REST call.
func (s *Session) rollback(gen uint64, op, id string, err error, restore func()) error {
	s.ledger.Revert(id)
	if !s.fresh(gen) {
		return err
	}
	restore()
	s.log.WithFields(logrus.Fields{"op": op, "id": id}).WithError(err).Warn("mutation failed, rolled back")
	if s.onError != nil {
		s.onError(op, err)
	}
	return err
}

// CreateTask inserts a placeholder under a temporary id and swaps it for
// the stored task once the backend answers.
func (s *Session) CreateTask(ctx context.Context, in database.TaskInput) (database.Task, error) {
	if in.BoardID == "" {
		in.BoardID, _ = s.rooms.Current()
	}
	if in.ProjectID == "" {
		in.ProjectID = s.ProjectID()
	}
	tempID := "temp-" + uuid.NewString()
	placeholder := database.Task{
		ID:           tempID,
		Title:        in.Title,
		Description:  in.Description,
		Status:       in.Status,
		Priority:     in.Priority,
		ProjectID:    in.ProjectID,
		BoardID:      in.BoardID,
		ColumnID:     in.ColumnID,
		CollectionID: in.CollectionID,
		Labels:       in.Labels,
		Order:        s.board.AppendIndex(in.ColumnID, tempID),
	}
	gen := s.rooms.Generation()
	s.board.UpsertTask(placeholder)
	s.ledger.Record(tempID, OpCreate, in)

	task, err := s.emitter.CreateTask(ctx, in)
	if err != nil {
		return database.Task{}, s.rollback(gen, "create task", tempID, err, func() {
			s.board.RemoveTask(tempID)
		})
	}
	s.ledger.Revert(tempID)
	s.ledger.Record(task.ID, OpCreate, task)
	s.ledger.Confirm(task.ID)
	if s.fresh(gen) {
		s.board.RemoveTask(tempID)
		s.board.UpsertTask(task)
	}
	return task, nil
}

func (s *Session) UpdateTask(ctx context.Context, id string, patch database.TaskPatch) (database.Task, error) {
	snapshot, ok := s.board.Task(id)
	if !ok {
		return database.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	gen := s.rooms.Generation()
	s.board.UpsertTask(patch.Apply(snapshot.Clone()))
	s.ledger.Record(id, OpUpdate, patch)

	task, err := s.emitter.UpdateTask(ctx, id, patch)
	if err != nil {
		return database.Task{}, s.rollback(gen, "update task", id, err, func() {
			s.board.RestoreTask(snapshot)
		})
	}
	s.ledger.Confirm(id)
	if s.fresh(gen) {
		s.board.UpsertTask(task)
	}
	return task, nil
}

func (s *Session) DeleteTask(ctx context.Context, id string) error {
	snapshot, ok := s.board.Task(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	gen := s.rooms.Generation()
	s.board.RemoveTask(id)
	s.ledger.Record(id, OpDelete, snapshot)

	if err := s.emitter.DeleteTask(ctx, id, snapshot.BoardID); err != nil {
		return s.rollback(gen, "delete task", id, err, func() {
			s.board.RestoreTask(snapshot)
		})
	}
	s.ledger.Confirm(id)
	return nil
}

// MoveTask drops the task at the end of toColumnID.
func (s *Session) MoveTask(ctx context.Context, id, toColumnID string) (database.Task, error) {
	snapshot, ok := s.board.Task(id)
	if !ok {
		return database.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if snapshot.ColumnID == toColumnID {
		return snapshot, nil
	}
	move := MoveEvent{
		TaskID:       id,
		FromColumnID: snapshot.ColumnID,
		ToColumnID:   toColumnID,
		NewIndex:     s.board.AppendIndex(toColumnID, id),
		BoardID:      snapshot.BoardID,
	}
	gen := s.rooms.Generation()
	s.board.MoveTask(id, toColumnID)
	s.ledger.Record(id, OpMove, move)

	task, err := s.emitter.MoveTask(ctx, move)
	if err != nil {
		return database.Task{}, s.rollback(gen, "move task", id, err, func() {
			s.board.RestoreTask(snapshot)
		})
	}
	s.ledger.Confirm(id)
	if s.fresh(gen) {
		s.board.UpsertTask(task)
	}
	return task, nil
}

func (s *Session) CreateCollection(ctx context.Context, in database.CollectionInput) (database.Collection, error) {
	if in.ProjectID == "" {
		in.ProjectID = s.ProjectID()
	}
	gen := s.rooms.Generation()
	c, err := s.emitter.CreateCollection(ctx, in)
	if err != nil {
		if s.fresh(gen) && s.onError != nil {
			s.onError("create collection", err)
		}
		return database.Collection{}, err
	}
	s.ledger.Record(c.ID, OpCreate, c)
	s.ledger.Confirm(c.ID)
	if s.fresh(gen) {
		s.board.UpsertCollection(c)
	}
	return c, nil
}

func (s *Session) UpdateCollection(ctx context.Context, id string, patch database.CollectionPatch) (database.Collection, error) {
	snapshot, ok := s.board.Collection(id)
	if !ok {
		return database.Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	gen := s.rooms.Generation()
	s.board.UpsertCollection(patch.Apply(snapshot))
	s.ledger.Record(id, OpUpdate, patch)

	c, err := s.emitter.UpdateCollection(ctx, id, patch)
	if err != nil {
		return database.Collection{}, s.rollback(gen, "update collection", id, err, func() {
			s.board.UpsertCollection(snapshot)
		})
	}
	s.ledger.Confirm(id)
	if s.fresh(gen) {
		s.board.UpsertCollection(c)
	}
	return c, nil
}

// DeleteCollection removes the collection locally and uncategorizes its
// tasks; both are restored if the backend refuses.
func (s *Session) DeleteCollection(ctx context.Context, id string) error {
	snapshot, ok := s.board.Collection(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	members := s.board.CollectionTasks(id)
	gen := s.rooms.Generation()
	s.board.RemoveCollection(id)
	s.ledger.Record(id, OpDelete, snapshot)

	if err := s.emitter.DeleteCollection(ctx, id, snapshot.ProjectID); err != nil {
		return s.rollback(gen, "delete collection", id, err, func() {
			s.board.UpsertCollection(snapshot)
			for _, t := range members {
				s.board.RestoreTask(t)
			}
		})
	}
	s.ledger.Confirm(id)
	return nil
}

func (s *Session) ReorderCollections(ctx context.Context, orders []database.CollectionOrder) error {
	previous := make([]database.CollectionOrder, 0, len(orders))
	for _, c := range s.board.Collections() {
		previous = append(previous, database.CollectionOrder{ID: c.ID, Order: c.Order})
	}
	r := database.CollectionReorder{ProjectID: s.ProjectID(), Orders: orders}
	key := "collections:" + r.ProjectID

	gen := s.rooms.Generation()
	s.board.ReorderCollections(orders)
	s.ledger.Record(key, OpUpdate, r)

	cols, err := s.emitter.ReorderCollections(ctx, r)
	if err != nil {
		return s.rollback(gen, "reorder collections", key, err, func() {
			s.board.ReorderCollections(previous)
		})
	}
	s.ledger.Confirm(key)
	if s.fresh(gen) {
		for _, c := range cols {
			s.board.UpsertCollection(c)
		}
	}
	return nil
}

func (s *Session) CreateSubtask(ctx context.Context, taskID string, in database.SubtaskInput) (database.Subtask, error) {
	task, ok := s.board.Task(taskID)
	if !ok {
		return database.Subtask{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	gen := s.rooms.Generation()
	sub, err := s.emitter.CreateSubtask(ctx, taskID, task.BoardID, in)
	if err != nil {
		if s.fresh(gen) && s.onError != nil {
			s.onError("create subtask", err)
		}
		return database.Subtask{}, err
	}
	s.ledger.Record(sub.ID, OpCreate, sub)
	s.ledger.Confirm(sub.ID)
	if s.fresh(gen) {
		s.board.UpsertSubtask(taskID, sub)
	}
	return sub, nil
}

func (s *Session) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch database.SubtaskPatch) (database.Subtask, error) {
	snapshot, ok := s.board.Task(taskID)
	if !ok {
		return database.Subtask{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	for _, sub := range snapshot.Subtasks {
		if sub.ID == subtaskID {
			s.board.UpsertSubtask(taskID, patch.Apply(sub))
			break
		}
	}
	gen := s.rooms.Generation()
	s.ledger.Record(subtaskID, OpUpdate, patch)

	sub, err := s.emitter.UpdateSubtask(ctx, taskID, snapshot.BoardID, subtaskID, patch)
	if err != nil {
		return database.Subtask{}, s.rollback(gen, "update subtask", subtaskID, err, func() {
			s.board.RestoreTask(snapshot)
		})
	}
	s.ledger.Confirm(subtaskID)
	if s.fresh(gen) {
		s.board.UpsertSubtask(taskID, sub)
	}
	return sub, nil
}

func (s *Session) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	snapshot, ok := s.board.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	gen := s.rooms.Generation()
	s.board.RemoveSubtask(taskID, subtaskID)
	s.ledger.Record(subtaskID, OpDelete, taskID)

	if err := s.emitter.DeleteSubtask(ctx, taskID, snapshot.BoardID, subtaskID); err != nil {
		return s.rollback(gen, "delete subtask", subtaskID, err, func() {
			s.board.RestoreTask(snapshot)
		})
	}
	s.ledger.Confirm(subtaskID)
	return nil
}

func (s *Session) StartTyping(taskID string) { s.emitter.StartTyping(taskID) }
func (s *Session) StopTyping(taskID string)  { s.emitter.StopTyping(taskID) }

// inRoom reports whether an event tagged with boardID belongs to the joined
// room. Untagged events are accepted.
func (s *Session) inRoom(boardID string) bool {
	if boardID == "" {
		return true
	}
	cur, ok := s.rooms.Current()
	return ok && cur == boardID
}

func (s *Session) inProject(projectID string) bool {
	return projectID == "" || projectID == s.ProjectID()
}

func (s *Session) fromSelf(env Envelope) bool {
	return env.User != "" && env.User == s.UserID()
}

func (s *Session) skip(env Envelope, boardID string) {
	s.log.WithFields(logrus.Fields{"event": env.Type, "board_id": boardID}).Debug("ignoring event for another board")
}

func (s *Session) wire() {
	d := s.dispatcher
	s.unsubs = append(s.unsubs,
		d.OnConnect(func() {
			s.rooms.Rejoin()
		}),
		d.OnDisconnect(func() {
			s.presence.Reset()
		}),
		d.OnTaskCreated(s.applyTask),
		d.OnTaskUpdated(s.applyTask),
		d.OnManualSync(func(m ManualSync, env Envelope) {
			boardID := m.BoardID
			if boardID == "" {
				boardID = m.Task.BoardID
			}
			if !s.inRoom(boardID) {
				s.skip(env, boardID)
				return
			}
			s.board.UpsertTask(m.Task)
		}),
		d.OnTaskDeleted(func(del Deleted, env Envelope) {
			if !s.inRoom(del.BoardID) {
				s.skip(env, del.BoardID)
				return
			}
			s.board.RemoveTask(del.ID)
			if s.fromSelf(env) {
				s.ledger.Confirm(del.ID)
			}
		}),
		d.OnTaskMoved(func(m MoveEvent, env Envelope) {
			boardID := m.BoardID
			if boardID == "" && m.Task != nil {
				boardID = m.Task.BoardID
			}
			if !s.inRoom(boardID) {
				s.skip(env, boardID)
				return
			}
			if m.Task != nil {
				s.board.UpsertTask(*m.Task)
				return
			}
			s.board.MoveTask(m.ResolvedTaskID(), m.ToColumnID)
		}),
		d.OnTaskConflict(func(c Conflict, env Envelope) {
			id := c.TaskID
			if id == "" {
				id = c.ServerVersion.ID
			}
			s.log.WithField("task_id", id).Warn("task conflict, keeping server version")
			s.ledger.Revert(id)
			if c.ServerVersion.ID != "" && s.inRoom(c.ServerVersion.BoardID) {
				s.board.UpsertTask(c.ServerVersion)
			}
		}),
		d.OnBoardSync(func(snap BoardSync, env Envelope) {
			cur, ok := s.rooms.Current()
			if !ok || cur != snap.BoardID {
				s.skip(env, snap.BoardID)
				return
			}
			s.board.ReplaceTasks(snap.Tasks)
			s.ledger.Clear()
		}),
		d.OnCollectionCreated(s.applyCollection),
		d.OnCollectionUpdated(s.applyCollection),
		d.OnCollectionDeleted(func(del Deleted, env Envelope) {
			if !s.inProject(del.ProjectID) {
				return
			}
			s.board.RemoveCollection(del.ID)
		}),
		d.OnCollectionsReordered(func(r database.CollectionReorder, env Envelope) {
			if !s.inProject(r.ProjectID) {
				return
			}
			s.board.ReorderCollections(r.Orders)
		}),
		d.OnSubtaskCreated(s.applySubtask),
		d.OnSubtaskUpdated(s.applySubtask),
		d.OnSubtaskDeleted(func(e SubtaskDeleted, env Envelope) {
			if !s.inRoom(e.BoardID) {
				s.skip(env, e.BoardID)
				return
			}
			s.board.RemoveSubtask(e.TaskID, e.SubtaskID)
		}),
		d.OnUserJoined(func(u ActiveUser, env Envelope) {
			if s.inRoom(u.BoardID) {
				s.presence.UserJoined(u)
			}
		}),
		d.OnUserLeft(func(u UserLeft, env Envelope) {
			s.presence.UserLeft(u.UserID)
		}),
		d.OnUserTyping(func(u TypingUser, env Envelope) {
			s.presence.Typing(u)
		}),
		d.OnUserStopTyping(func(u TypingUser, env Envelope) {
			s.presence.StopTyping(u.UserID, u.TaskID)
		}),
	)
}

func (s *Session) applyTask(t database.Task, env Envelope) {
	if !s.inRoom(t.BoardID) {
		s.skip(env, t.BoardID)
		return
	}
	s.board.UpsertTask(t)
	if s.fromSelf(env) {
		s.ledger.Confirm(t.ID)
	}
}

func (s *Session) applyCollection(c database.Collection, env Envelope) {
	if !s.inProject(c.ProjectID) {
		return
	}
	s.board.UpsertCollection(c)
}

func (s *Session) applySubtask(e SubtaskEvent, env Envelope) {
	if !s.inRoom(e.BoardID) {
		s.skip(env, e.BoardID)
		return
	}
	s.board.UpsertSubtask(e.TaskID, e.Subtask)
}

// IsConflict reports whether err is a lost version race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
