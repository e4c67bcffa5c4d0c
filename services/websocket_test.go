package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/realtime"
)

type fakeStore struct {
	tasks map[string][]database.Task
}

func (s *fakeStore) ListBoardTasks(_ context.Context, boardID string) ([]database.Task, error) {
	return s.tasks[boardID], nil
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []realtime.Envelope
}

func newHubServer(t *testing.T, store BoardStore) (*Hub, string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(store, WithHubLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := r.URL.Query().Get("user")
		client := NewClient(hub, conn, database.User{ID: id, Username: strings.ToUpper(id)})
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPeer(t *testing.T, url, user string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user="+user, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) emit(event string, data any) {
	p.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	if err := p.conn.WriteJSON(realtime.Envelope{Type: event, Data: raw}); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// next returns the next envelope of the given type, skipping others.
func (p *peer) next(event string) realtime.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for i, env := range p.pending {
			if env.Type == event {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				return env
			}
		}
		p.conn.SetReadDeadline(deadline)
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", event, err)
		}
		for _, frame := range bytes.Split(msg, []byte("\n")) {
			var env realtime.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				p.t.Fatalf("decode frame %q: %v", frame, err)
			}
			p.pending = append(p.pending, env)
		}
	}
}

// sequence returns the next n envelopes whose type is one of events, in
// arrival order.
func (p *peer) sequence(n int, events ...string) []realtime.Envelope {
	p.t.Helper()
	wanted := map[string]bool{}
	for _, e := range events {
		wanted[e] = true
	}
	var got []realtime.Envelope
	take := func() {
		rest := p.pending[:0]
		for _, env := range p.pending {
			if wanted[env.Type] && len(got) < n {
				got = append(got, env)
				continue
			}
			rest = append(rest, env)
		}
		p.pending = rest
	}
	take()
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n {
		p.conn.SetReadDeadline(deadline)
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("got %d of %d events: %v", len(got), n, err)
		}
		for _, frame := range bytes.Split(msg, []byte("\n")) {
			var env realtime.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				p.t.Fatalf("decode frame %q: %v", frame, err)
			}
			p.pending = append(p.pending, env)
		}
		take()
	}
	return got
}

// silent asserts nothing of the given type arrives for a short while.
func (p *peer) silent(event string) {
	p.t.Helper()
	for _, env := range p.pending {
		if env.Type == event {
			p.t.Fatalf("unexpected %s", event)
		}
	}
	p.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if bytes.Contains(msg, []byte(`"type":"`+event+`"`)) {
			p.t.Fatalf("unexpected %s in %s", event, msg)
		}
	}
}

func TestJoinSendsSnapshotAndPresence(t *testing.T) {
	store := &fakeStore{tasks: map[string][]database.Task{
		"b1": {{ID: "t1", BoardID: "b1", ColumnID: "todo"}},
	}}
	_, url := newHubServer(t, store)

	ada := dialPeer(t, url, "ada")
	ada.emit(realtime.EventJoinBoard, "b1")
	var snap realtime.BoardSync
	if err := json.Unmarshal(ada.next(realtime.EventBoardSync).Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.BoardID != "b1" || len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	bob := dialPeer(t, url, "bob")
	bob.emit(realtime.EventJoinBoard, "b1")

	var joined realtime.ActiveUser
	json.Unmarshal(ada.next(realtime.EventUserJoined).Data, &joined)
	if joined.UserID != "bob" || joined.Username != "BOB" || joined.BoardID != "b1" {
		t.Fatalf("ada saw unexpected join %+v", joined)
	}
	json.Unmarshal(bob.next(realtime.EventUserJoined).Data, &joined)
	if joined.UserID != "ada" {
		t.Fatalf("bob should be introduced to ada, got %+v", joined)
	}

	bob.emit(realtime.EventLeaveBoard, nil)
	var left realtime.UserLeft
	json.Unmarshal(ada.next(realtime.EventUserLeft).Data, &left)
	if left.UserID != "bob" || left.BoardID != "b1" {
		t.Fatalf("unexpected leave %+v", left)
	}
}

func TestClientBroadcastReachesRoomPeersOnly(t *testing.T) {
	_, url := newHubServer(t, nil)

	ada := dialPeer(t, url, "ada")
	bob := dialPeer(t, url, "bob")
	eve := dialPeer(t, url, "eve")
	ada.emit(realtime.EventJoinBoard, "b1")
	bob.emit(realtime.EventJoinBoard, "b1")
	eve.emit(realtime.EventJoinBoard, "b2")
	ada.next(realtime.EventUserJoined)

	ada.emit(realtime.EventTaskUpdate, database.Task{ID: "t1", BoardID: "b1", Title: "renamed"})

	env := bob.next(realtime.EventTaskUpdated)
	if env.User != "ada" {
		t.Fatalf("expected sender ada, got %q", env.User)
	}
	var task database.Task
	json.Unmarshal(env.Data, &task)
	if task.Title != "renamed" {
		t.Fatalf("unexpected task %+v", task)
	}
	ada.silent(realtime.EventTaskUpdated)
	eve.silent(realtime.EventTaskUpdated)
}

func TestTypingIsRelayedWithIdentity(t *testing.T) {
	_, url := newHubServer(t, nil)

	ada := dialPeer(t, url, "ada")
	bob := dialPeer(t, url, "bob")
	ada.emit(realtime.EventJoinBoard, "b1")
	bob.emit(realtime.EventJoinBoard, "b1")
	ada.next(realtime.EventUserJoined)

	ada.emit(realtime.EventStartTyping, map[string]string{"taskId": "t1"})
	var typing realtime.TypingUser
	json.Unmarshal(bob.next(realtime.EventUserTyping).Data, &typing)
	if typing != (realtime.TypingUser{UserID: "ada", Username: "ADA", TaskID: "t1"}) {
		t.Fatalf("unexpected typing %+v", typing)
	}

	ada.emit(realtime.EventUserStopTyping, map[string]string{"taskId": "t1"})
	json.Unmarshal(bob.next(realtime.EventUserStopTyping).Data, &typing)
	if typing.UserID != "ada" || typing.TaskID != "t1" {
		t.Fatalf("unexpected stop typing %+v", typing)
	}
}

func TestServerBroadcastIncludesOriginator(t *testing.T) {
	hub, url := newHubServer(t, nil)

	ada := dialPeer(t, url, "ada")
	bob := dialPeer(t, url, "bob")
	ada.emit(realtime.EventJoinBoard, "b1")
	bob.emit(realtime.EventJoinBoard, "b1")
	ada.next(realtime.EventUserJoined)

	hub.BroadcastToRoom("b1", realtime.EventTaskCreated, "ada", database.Task{ID: "t2", BoardID: "b1"})
	for _, p := range []*peer{ada, bob} {
		env := p.next(realtime.EventTaskCreated)
		if env.User != "ada" {
			t.Fatalf("expected sender ada, got %q", env.User)
		}
	}

	hub.SendToUser("bob", realtime.EventTaskConflict, realtime.Conflict{TaskID: "t2"})
	var c realtime.Conflict
	json.Unmarshal(bob.next(realtime.EventTaskConflict).Data, &c)
	if c.TaskID != "t2" {
		t.Fatalf("unexpected conflict %+v", c)
	}
	ada.silent(realtime.EventTaskConflict)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, url := newHubServer(t, nil)

	ada := dialPeer(t, url, "ada")
	ada.emit(realtime.EventPing, nil)
	ada.next(realtime.EventPong)
}

func TestHubRelaysThroughRedis(t *testing.T) {
	relay, mr := newTestRelay(t)
	logger, _ := test.NewNullLogger()

	// Two hubs sharing one channel stand in for two server instances.
	servers := make([]string, 2)
	for i := range servers {
		hub := NewHub(nil, WithRelay(relay), WithHubLogger(logger))
		ctx, cancel := context.WithCancel(context.Background())
		go hub.Run(ctx)
		t.Cleanup(cancel)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
			if err != nil {
				return
			}
			client := NewClient(hub, conn, database.User{ID: r.URL.Query().Get("user")})
			hub.Register(client)
			go client.WritePump()
			go client.ReadPump()
		}))
		t.Cleanup(srv.Close)
		servers[i] = "ws" + strings.TrimPrefix(srv.URL, "http")
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultRelayChannel)[DefaultRelayChannel] < 2 {
		if time.Now().After(deadline) {
			t.Fatal("hubs did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ada := dialPeer(t, servers[0], "ada")
	bob := dialPeer(t, servers[1], "bob")
	ada.emit(realtime.EventJoinBoard, "b1")
	ada.emit(realtime.EventPing, nil)
	ada.next(realtime.EventPong)
	bob.emit(realtime.EventJoinBoard, "b1")

	var joined realtime.ActiveUser
	json.Unmarshal(ada.next(realtime.EventUserJoined).Data, &joined)
	if joined.UserID != "bob" {
		t.Fatalf("ada saw unexpected join %+v", joined)
	}
	// ada is on the other instance, so her hub introduces her to bob.
	json.Unmarshal(bob.next(realtime.EventUserJoined).Data, &joined)
	if joined.UserID != "ada" || joined.BoardID != "b1" {
		t.Fatalf("bob should be introduced to ada, got %+v", joined)
	}

	ada.emit(realtime.EventTaskDelete, map[string]string{"id": "t1", "boardId": "b1"})
	var del realtime.Deleted
	json.Unmarshal(bob.next(realtime.EventTaskDeleted).Data, &del)
	if del.ID != "t1" {
		t.Fatalf("unexpected delete %+v", del)
	}
}

func TestRelayedEventsKeepSenderOrder(t *testing.T) {
	relay, mr := newTestRelay(t)
	logger, _ := test.NewNullLogger()
	hub := NewHub(nil, WithRelay(relay), WithHubLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, database.User{ID: r.URL.Query().Get("user")})
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultRelayChannel)[DefaultRelayChannel] < 1 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ada := dialPeer(t, url, "ada")
	bob := dialPeer(t, url, "bob")
	ada.emit(realtime.EventJoinBoard, "b1")
	bob.emit(realtime.EventJoinBoard, "b1")
	ada.next(realtime.EventUserJoined)

	const pairs = 100
	for i := 0; i < pairs; i++ {
		ada.emit(realtime.EventStartTyping, map[string]string{"taskId": "t1"})
		ada.emit(realtime.EventUserStopTyping, map[string]string{"taskId": "t1"})
	}

	got := bob.sequence(2*pairs, realtime.EventUserTyping, realtime.EventUserStopTyping)
	for i, env := range got {
		want := realtime.EventUserTyping
		if i%2 == 1 {
			want = realtime.EventUserStopTyping
		}
		if env.Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, env.Type)
		}
	}
}
