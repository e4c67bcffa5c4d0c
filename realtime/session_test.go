package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/CrowderSoup/boardsync/database"
)

// fakeBackend serves the REST routes a session needs for one project with
// two boards.
type fakeBackend struct {
	mu         sync.Mutex
	failStatus int
	entered    chan struct{}
	release    chan struct{}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/boards":
		writeData(w, http.StatusOK, []database.Board{
			{ID: "board-Y", ProjectID: "p1", Columns: database.DefaultColumns()},
			{ID: "board-Z", ProjectID: "p1", Columns: database.DefaultColumns()},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/api/collections/project/p1":
		writeData(w, http.StatusOK, []database.Collection{{ID: "c1", Name: "Backend", ProjectID: "p1"}})
	case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/board/board-Y":
		writeData(w, http.StatusOK, []database.Task{
			{ID: "t1", BoardID: "board-Y", ProjectID: "p1", ColumnID: "todo", CollectionID: "c1", Version: 1,
				Subtasks: []database.Subtask{{ID: "s1", Title: "draft"}}},
			{ID: "t2", BoardID: "board-Y", ProjectID: "p1", ColumnID: "done", Version: 1},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/board/board-Z":
		writeData(w, http.StatusOK, []database.Task{
			{ID: "t9", BoardID: "board-Z", ProjectID: "p1", ColumnID: "todo", Version: 1},
		})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/tasks/"):
		if b.entered != nil {
			b.entered <- struct{}{}
			<-b.release
		}
		if status := b.status(); status != 0 {
			writeData(w, status, "boom")
			return
		}
		var patch database.TaskPatch
		json.NewDecoder(r.Body).Decode(&patch)
		id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		task := patch.Apply(database.Task{ID: id, BoardID: "board-Y", ProjectID: "p1", ColumnID: "todo", Version: 1})
		task.Version = 2
		writeData(w, http.StatusOK, task)
	case r.Method != http.MethodGet && b.status() != 0:
		writeData(w, b.status(), "boom")
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) status() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failStatus
}

type errorLog struct {
	mu  sync.Mutex
	ops []string
}

func (e *errorLog) record(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
}

func (e *errorLog) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

func openSession(t *testing.T, backend *fakeBackend) (*Session, *errorLog) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	errs := &errorLog{}
	s := NewSession(Config{
		APIURL:    srv.URL,
		SocketURL: "ws://127.0.0.1:1/ws",
		Token:     "tok",
		UserID:    "u1",
		Logger:    logger,
		OnError:   errs.record,
	})
	t.Cleanup(s.Close)

	if err := s.OpenProject(context.Background(), "p1"); err != nil {
		t.Fatalf("open project: %v", err)
	}
	if cur, _ := s.CurrentBoard(); cur != "board-Y" {
		t.Fatalf("expected first board to be current, got %q", cur)
	}
	return s, errs
}

func column(t *testing.T, s *Session, id string) string {
	t.Helper()
	task, ok := s.Board().Task(id)
	if !ok {
		t.Fatalf("task %s missing", id)
	}
	return task.ColumnID
}

func TestMoveRollsBackWhenRESTFails(t *testing.T) {
	s, errs := openSession(t, &fakeBackend{failStatus: http.StatusInternalServerError})

	_, err := s.MoveTask(context.Background(), "t1", "done")
	if err == nil {
		t.Fatal("expected move to fail")
	}
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("unexpected error %v", err)
	}
	if got := column(t, s, "t1"); got != "todo" {
		t.Fatalf("expected t1 back in todo, got %q", got)
	}
	if s.Ledger().Has("t1") {
		t.Fatal("failed move should be reverted from the ledger")
	}
	if errs.count() != 1 {
		t.Fatalf("expected the failure to be surfaced once, got %d", errs.count())
	}
}

func TestMutationsRollBackWhenRESTFails(t *testing.T) {
	ctx := context.Background()
	subtask := func(t *testing.T, s *Session) database.Subtask {
		t.Helper()
		task, _ := s.Board().Task("t1")
		for _, sub := range task.Subtasks {
			if sub.ID == "s1" {
				return sub
			}
		}
		t.Fatal("subtask s1 missing")
		return database.Subtask{}
	}

	tests := []struct {
		name   string
		mutate func(s *Session) error
		check  func(t *testing.T, s *Session)
	}{
		{
			name: "create task",
			mutate: func(s *Session) error {
				_, err := s.CreateTask(ctx, database.TaskInput{Title: "new", ColumnID: "todo"})
				return err
			},
			check: func(t *testing.T, s *Session) {
				tasks := s.Board().Tasks()
				if len(tasks) != 2 {
					t.Fatalf("placeholder left behind: %+v", tasks)
				}
				for _, task := range tasks {
					if strings.HasPrefix(task.ID, "temp-") {
						t.Fatalf("placeholder %s left behind", task.ID)
					}
				}
			},
		},
		{
			name: "update task",
			mutate: func(s *Session) error {
				title := "renamed"
				_, err := s.UpdateTask(ctx, "t1", database.TaskPatch{Title: &title})
				return err
			},
			check: func(t *testing.T, s *Session) {
				if task, _ := s.Board().Task("t1"); task.Title != "" {
					t.Fatalf("title not restored: %q", task.Title)
				}
			},
		},
		{
			name:   "delete task",
			mutate: func(s *Session) error { return s.DeleteTask(ctx, "t1") },
			check: func(t *testing.T, s *Session) {
				task, ok := s.Board().Task("t1")
				if !ok || task.CollectionID != "c1" || len(task.Subtasks) != 1 {
					t.Fatalf("task not restored: %+v %v", task, ok)
				}
			},
		},
		{
			name: "update collection",
			mutate: func(s *Session) error {
				name := "Frontend"
				_, err := s.UpdateCollection(ctx, "c1", database.CollectionPatch{Name: &name})
				return err
			},
			check: func(t *testing.T, s *Session) {
				if c, _ := s.Board().Collection("c1"); c.Name != "Backend" {
					t.Fatalf("collection name not restored: %q", c.Name)
				}
			},
		},
		{
			name: "reorder collections",
			mutate: func(s *Session) error {
				return s.ReorderCollections(ctx, []database.CollectionOrder{{ID: "c1", Order: 5}})
			},
			check: func(t *testing.T, s *Session) {
				if c, _ := s.Board().Collection("c1"); c.Order != 0 {
					t.Fatalf("collection order not restored: %d", c.Order)
				}
			},
		},
		{
			name:   "delete collection",
			mutate: func(s *Session) error { return s.DeleteCollection(ctx, "c1") },
			check: func(t *testing.T, s *Session) {
				if _, ok := s.Board().Collection("c1"); !ok {
					t.Fatal("collection not restored")
				}
				members := s.Board().CollectionTasks("c1")
				if len(members) != 1 || members[0].ID != "t1" {
					t.Fatalf("member tasks not re-categorized: %+v", members)
				}
			},
		},
		{
			name: "update subtask",
			mutate: func(s *Session) error {
				done := true
				_, err := s.UpdateSubtask(ctx, "t1", "s1", database.SubtaskPatch{Completed: &done})
				return err
			},
			check: func(t *testing.T, s *Session) {
				if sub := subtask(t, s); sub.Completed {
					t.Fatal("subtask completion not restored")
				}
			},
		},
		{
			name:   "delete subtask",
			mutate: func(s *Session) error { return s.DeleteSubtask(ctx, "t1", "s1") },
			check: func(t *testing.T, s *Session) {
				if sub := subtask(t, s); sub.Title != "draft" {
					t.Fatalf("subtask not restored: %+v", sub)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, errs := openSession(t, &fakeBackend{failStatus: http.StatusInternalServerError})

			err := tt.mutate(s)
			if StatusCode(err) != http.StatusInternalServerError {
				t.Fatalf("expected a 500 failure, got %v", err)
			}
			tt.check(t, s)
			if n := s.Ledger().Len(); n != 0 {
				t.Fatalf("failed mutation left %d pending updates: %+v", n, s.Ledger().All())
			}
			for _, id := range []string{"t1", "c1", "s1", "collections:p1"} {
				if s.Ledger().Has(id) {
					t.Fatalf("%s still pending after rollback", id)
				}
			}
			if errs.count() != 1 {
				t.Fatalf("expected the failure to be surfaced once, got %d", errs.count())
			}
		})
	}
}

func TestUnknownCollectionIsReported(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})

	name := "x"
	if _, err := s.UpdateCollection(context.Background(), "nope", database.CollectionPatch{Name: &name}); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
	if err := s.DeleteCollection(context.Background(), "nope"); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
}

func TestMoveAppliesServerVersion(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})

	task, err := s.MoveTask(context.Background(), "t1", "done")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if task.Version != 2 || column(t, s, "t1") != "done" {
		t.Fatalf("server version not applied: %+v", task)
	}
	u, ok := s.Ledger().Get("t1")
	if !ok || !u.Confirmed || u.Kind != OpMove {
		t.Fatalf("expected confirmed move entry, got %+v %v", u, ok)
	}
}

func TestMoveForAnotherBoardIsIgnored(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})

	s.Dispatcher().Dispatch(envelope(t, EventTaskMoved, MoveEvent{
		TaskID: "t1", FromColumnID: "todo", ToColumnID: "done", BoardID: "board-X",
	}))
	for _, task := range s.Board().Tasks() {
		if task.ID == "t1" && task.ColumnID != "todo" {
			t.Fatal("event for another board moved a local task")
		}
	}

	s.Dispatcher().Dispatch(envelope(t, EventTaskMoved, MoveEvent{
		TaskID: "t1", FromColumnID: "todo", ToColumnID: "done", BoardID: "board-Y",
	}))
	if got := column(t, s, "t1"); got != "done" {
		t.Fatalf("event for the joined board should apply, got %q", got)
	}
}

func TestUpdatedEventAppliedTwice(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	env := envelope(t, EventTaskUpdated, database.Task{
		ID: "t2", BoardID: "board-Y", ColumnID: "done", Title: "shipped", Version: 2,
	})

	s.Dispatcher().Dispatch(env)
	first := s.Board().Tasks()
	s.Dispatcher().Dispatch(env)
	second := s.Board().Tasks()

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("duplicate tasks: %d %d", len(first), len(second))
	}
	if first[1].Title != "shipped" || second[1].Title != "shipped" {
		t.Fatalf("update not applied: %+v", second)
	}
}

func TestConflictKeepsServerVersion(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	s.Ledger().Record("t1", OpUpdate, nil)

	s.Dispatcher().Dispatch(envelope(t, EventTaskConflict, Conflict{
		TaskID:        "t1",
		ServerVersion: database.Task{ID: "t1", BoardID: "board-Y", ColumnID: "review", Title: "server", Version: 5},
	}))

	task, _ := s.Board().Task("t1")
	if task.Title != "server" || task.ColumnID != "review" {
		t.Fatalf("server version not applied: %+v", task)
	}
	if s.Ledger().Has("t1") {
		t.Fatal("local pending entry should be discarded")
	}
}

func TestBoardSyncReplacesCurrentBoardOnly(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	s.Ledger().Record("t1", OpUpdate, nil)

	s.Dispatcher().Dispatch(envelope(t, EventBoardSync, BoardSync{
		BoardID: "board-Z",
		Tasks:   []database.Task{{ID: "t9", BoardID: "board-Z"}},
	}))
	if len(s.Board().Tasks()) != 2 || !s.Ledger().Has("t1") {
		t.Fatal("sync for another board should be ignored")
	}

	s.Dispatcher().Dispatch(envelope(t, EventBoardSync, BoardSync{
		BoardID: "board-Y",
		Tasks:   []database.Task{{ID: "t5", BoardID: "board-Y", ColumnID: "todo"}},
	}))
	tasks := s.Board().Tasks()
	if len(tasks) != 1 || tasks[0].ID != "t5" {
		t.Fatalf("unexpected tasks after sync %+v", tasks)
	}
	if s.Ledger().Len() != 0 {
		t.Fatal("sync should clear pending updates")
	}
}

func TestStaleResponseIgnoredAfterBoardSwitch(t *testing.T) {
	backend := &fakeBackend{
		failStatus: http.StatusInternalServerError,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	s, errs := openSession(t, backend)

	done := make(chan error, 1)
	go func() {
		title := "late"
		_, err := s.UpdateTask(context.Background(), "t1", database.TaskPatch{Title: &title})
		done <- err
	}()

	select {
	case <-backend.entered:
	case <-time.After(time.Second):
		t.Fatal("update never reached the backend")
	}
	if err := s.JoinBoard(context.Background(), "board-Z"); err != nil {
		t.Fatalf("join board: %v", err)
	}
	close(backend.release)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the update to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("update did not return")
	}

	if errs.count() != 0 {
		t.Fatal("failure for a board that was left should not be surfaced")
	}
	if _, ok := s.Board().Task("t1"); ok {
		t.Fatal("stale rollback leaked into the new board")
	}
	if _, ok := s.Board().Task("t9"); !ok {
		t.Fatal("new board not loaded")
	}
}

func TestPresenceWiring(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	d := s.Dispatcher()

	d.Dispatch(envelope(t, EventUserJoined, ActiveUser{UserID: "u2", Username: "bo", BoardID: "board-Y"}))
	d.Dispatch(envelope(t, EventUserJoined, ActiveUser{UserID: "u3", BoardID: "board-X"}))
	d.Dispatch(envelope(t, EventUserTyping, TypingUser{UserID: "u2", TaskID: "t1"}))

	if n := len(s.Presence().ActiveUsers()); n != 1 {
		t.Fatalf("expected one active user, got %d", n)
	}
	if n := len(s.Presence().TypingOn("t1")); n != 1 {
		t.Fatalf("expected one typing user, got %d", n)
	}

	d.Dispatch(Envelope{Type: EventDisconnect})
	if len(s.Presence().ActiveUsers()) != 0 || len(s.Presence().TypingUsers()) != 0 {
		t.Fatal("disconnect should reset presence")
	}
}

func TestCollectionDeleteEventUncategorizes(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	s.Dispatcher().Dispatch(envelope(t, EventTaskUpdated, database.Task{
		ID: "t1", BoardID: "board-Y", ColumnID: "todo", CollectionID: "c1", Version: 2,
	}))

	s.Dispatcher().Dispatch(envelope(t, EventCollectionDeleted, Deleted{ID: "c1", ProjectID: "other"}))
	if len(s.Board().CollectionTasks("c1")) != 1 {
		t.Fatal("delete for another project should be ignored")
	}

	s.Dispatcher().Dispatch(envelope(t, EventCollectionDeleted, map[string]string{"collectionId": "c1", "projectId": "p1"}))
	if len(s.Board().Collections()) != 0 {
		t.Fatal("collection should be removed")
	}
	if task, _ := s.Board().Task("t1"); task.CollectionID != "" {
		t.Fatal("task should be uncategorized")
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	s, _ := openSession(t, &fakeBackend{})
	s.Close()
	s.Close()

	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := s.JoinBoard(context.Background(), "board-Z"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestIntroductionsOnJoinArePresent(t *testing.T) {
	backend := httptest.NewServer(&fakeBackend{})
	t.Cleanup(backend.Close)

	// The socket answers every join with an introduction of u2.
	upgrader := websocket.Upgrader{}
	socket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != EventJoinBoard {
				continue
			}
			var boardID string
			json.Unmarshal(env.Data, &boardID)
			conn.WriteJSON(envelope(t, EventUserJoined, ActiveUser{UserID: "u2", Username: "bo", BoardID: boardID}))
		}
	}))
	t.Cleanup(socket.Close)

	logger, _ := test.NewNullLogger()
	s := NewSession(Config{
		APIURL:    backend.URL,
		SocketURL: wsURL(socket),
		Token:     "tok",
		UserID:    "u1",
		Logger:    logger,
	})
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	present := func(boardID string) func() bool {
		return func() bool {
			users := s.Presence().ActiveUsers()
			return len(users) == 1 && users[0].BoardID == boardID
		}
	}
	if err := s.OpenProject(context.Background(), "p1"); err != nil {
		t.Fatalf("open project: %v", err)
	}
	waitFor(t, present("board-Y"), "introduction on board-Y")

	if err := s.JoinBoard(context.Background(), "board-Z"); err != nil {
		t.Fatalf("join board: %v", err)
	}
	waitFor(t, present("board-Z"), "introduction on board-Z")
}
