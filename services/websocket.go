package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB

	sendBufferSize = 256
)

// relayed maps client broadcasts to the name peers receive them under.
var relayed = map[string]string{
	realtime.EventTaskCreate:         realtime.EventTaskCreated,
	realtime.EventTaskUpdate:         realtime.EventTaskUpdated,
	realtime.EventTaskDelete:         realtime.EventTaskDeleted,
	realtime.EventTaskMove:           realtime.EventTaskMoved,
	realtime.EventManualSync:         realtime.EventManualSync,
	realtime.EventCollectionCreate:   realtime.EventCollectionCreated,
	realtime.EventCollectionUpdate:   realtime.EventCollectionUpdated,
	realtime.EventCollectionDelete:   realtime.EventCollectionDeleted,
	realtime.EventCollectionsReorder: realtime.EventCollectionsReordered,
	realtime.EventSubtaskCreate:      realtime.EventSubtaskCreated,
	realtime.EventSubtaskUpdate:      realtime.EventSubtaskUpdated,
	realtime.EventSubtaskDelete:      realtime.EventSubtaskDeleted,
}

// BoardStore is what the hub reads to send a joining client the board snapshot.
type BoardStore interface {
	ListBoardTasks(ctx context.Context, boardID string) ([]database.Task, error)
}

// Client represents a connected WebSocket client
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   string
	Username string

	// board is the joined room. Only the hub goroutine touches it.
	board string
}

func NewClient(hub *Hub, conn *websocket.Conn, user database.User) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		UserID:   user.ID,
		Username: user.Username,
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.log.WithError(err).WithField("user_id", c.UserID).Warn("websocket error")
			}
			break
		}

		var env realtime.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.Hub.log.WithError(err).WithField("user_id", c.UserID).Warn("dropping undecodable client message")
			continue
		}
		env.User = c.UserID

		// Handle ping messages specially
		if env.Type == realtime.EventPing {
			if pong, err := encode(realtime.EventPong, "", map[string]string{"timestamp": time.Now().Format(time.RFC3339)}); err == nil {
				c.Hub.deliverTo(c, pong)
			}
			continue
		}

		c.Hub.log.WithFields(logrus.Fields{"user_id": c.UserID, "event": env.Type}).Debug("received client message")
		if !c.Hub.submit(clientMessage{client: c, env: env}) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	client *Client
	env    realtime.Envelope
}

type directMessage struct {
	client  *Client
	userID  string
	payload []byte
}

// Hub maintains the set of active clients and the board rooms they joined.
// All client and room state is owned by the Run goroutine.
type Hub struct {
	id      string
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	// outgoing holds relay messages not yet handed to the publisher, in
	// the order the run loop produced them.
	outgoing []RoomMessage

	register   chan *Client
	unregister chan *Client
	inbound    chan clientMessage
	broadcast  chan RoomMessage
	publish    chan RoomMessage
	deliver    chan RoomMessage
	direct     chan directMessage
	done       chan struct{}

	store BoardStore
	relay Relay
	log   logrus.FieldLogger
}

type HubOption func(*Hub)

// WithRelay routes every room broadcast through r so other instances
// deliver it too.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

func WithHubLogger(l logrus.FieldLogger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a new hub instance
func NewHub(store BoardStore, opts ...HubOption) *Hub {
	h := &Hub{
		id:         uuid.NewString(),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan clientMessage),
		broadcast:  make(chan RoomMessage, 64),
		publish:    make(chan RoomMessage),
		deliver:    make(chan RoomMessage, 64),
		direct:     make(chan directMessage, 64),
		done:       make(chan struct{}),
		store:      store,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) submit(m clientMessage) bool {
	select {
	case h.inbound <- m:
		return true
	case <-h.done:
		return false
	}
}

// BroadcastToRoom sends a server-confirmed event to every client in the
// board room, the originating user included.
func (h *Hub) BroadcastToRoom(boardID, event, from string, data any) {
	payload, err := encode(event, from, data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- RoomMessage{Room: boardID, Payload: payload}:
	case <-h.done:
	}
}

// publishLoop hands queued room messages to the relay one at a time. A
// message the relay rejects is delivered locally in its place.
func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.publish:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := h.relay.Publish(pctx, msg)
			cancel()
			if err == nil {
				continue
			}
			h.log.WithError(err).Warn("relay publish failed, delivering locally")
			select {
			case h.deliver <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SendToUser delivers an event to every connection of one user.
func (h *Hub) SendToUser(userID, event string, data any) {
	payload, err := encode(event, "", data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode message")
		return
	}
	select {
	case h.direct <- directMessage{userID: userID, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) deliverTo(c *Client, payload []byte) {
	select {
	case h.direct <- directMessage{client: c, payload: payload}:
	case <-h.done:
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.relay != nil {
		go func() {
			err := h.relay.Subscribe(ctx, func(m RoomMessage) {
				select {
				case h.deliver <- m:
				case <-ctx.Done():
				}
			})
			if err != nil {
				h.log.WithError(err).Error("room relay stopped")
			}
		}()
		go h.publishLoop(ctx)
	}

	for {
		var (
			publish chan RoomMessage
			next    RoomMessage
		)
		if len(h.outgoing) > 0 {
			publish = h.publish
			next = h.outgoing[0]
		}

		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.WithField("user_id", client.UserID).Info("client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.leave(client)
				h.drop(client)
				h.log.WithField("user_id", client.UserID).Info("client disconnected")
			}
		case m := <-h.inbound:
			if _, ok := h.clients[m.client]; ok {
				h.handle(m.client, m.env)
			}
		case msg := <-h.broadcast:
			h.route(msg)
		case publish <- next:
			h.outgoing[0] = RoomMessage{}
			h.outgoing = h.outgoing[1:]
		case msg := <-h.deliver:
			if msg.Joiner != "" && msg.Origin != h.id {
				h.introduce(msg.Room, msg.Joiner)
			}
			h.deliverLocal(msg)
		case d := <-h.direct:
			if d.client != nil {
				if _, ok := h.clients[d.client]; ok {
					h.send(d.client, d.payload)
				}
				continue
			}
			for client := range h.clients {
				if client.UserID == d.userID {
					h.send(client, d.payload)
				}
			}
		}
	}
}

func (h *Hub) handle(c *Client, env realtime.Envelope) {
	logger := h.log.WithFields(logrus.Fields{"user_id": c.UserID, "event": env.Type})

	switch env.Type {
	case realtime.EventJoinBoard:
		var boardID string
		if err := json.Unmarshal(env.Data, &boardID); err != nil || boardID == "" {
			logger.Warn("join without board id")
			return
		}
		h.join(c, boardID)
	case realtime.EventLeaveBoard:
		h.leave(c)
	case realtime.EventStartTyping, realtime.EventUserStopTyping:
		var signal struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(env.Data, &signal); err != nil || signal.TaskID == "" || c.board == "" {
			return
		}
		event := realtime.EventUserTyping
		if env.Type == realtime.EventUserStopTyping {
			event = realtime.EventUserStopTyping
		}
		h.fanout(c.board, event, c.UserID, realtime.TypingUser{UserID: c.UserID, Username: c.Username, TaskID: signal.TaskID})
	default:
		name, ok := relayed[env.Type]
		if !ok {
			logger.Debug("ignoring unknown client event")
			return
		}
		if c.board == "" {
			logger.Debug("ignoring broadcast from client outside any room")
			return
		}
		h.fanout(c.board, name, c.UserID, env.Data)
	}
}

// join moves c into the board room, sends it the board snapshot and
// introduces it to the members already there.
func (h *Hub) join(c *Client, boardID string) {
	if c.board == boardID {
		return
	}
	h.leave(c)

	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[boardID] = room
	}
	seen := map[string]bool{c.UserID: true}
	for member := range room {
		if seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		if payload, err := encode(realtime.EventUserJoined, member.UserID, realtime.ActiveUser{
			UserID: member.UserID, Username: member.Username, BoardID: boardID,
		}); err == nil {
			h.send(c, payload)
		}
	}
	room[c] = true
	c.board = boardID

	if payload, err := encode(realtime.EventUserJoined, c.UserID, realtime.ActiveUser{
		UserID: c.UserID, Username: c.Username, BoardID: boardID,
	}); err == nil {
		h.route(RoomMessage{Room: boardID, ExcludeUser: c.UserID, Payload: payload, Joiner: c.UserID})
	}
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "board_id": boardID}).Info("client joined board")

	if h.store != nil {
		go h.sendSnapshot(c, boardID)
	}
}

func (h *Hub) sendSnapshot(c *Client, boardID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	tasks, err := h.store.ListBoardTasks(ctx, boardID)
	if err != nil {
		h.log.WithError(err).WithField("board_id", boardID).Error("failed to load board snapshot")
		return
	}
	payload, err := encode(realtime.EventBoardSync, "", realtime.BoardSync{BoardID: boardID, Tasks: tasks})
	if err != nil {
		return
	}
	h.deliverTo(c, payload)
}

func (h *Hub) leave(c *Client) {
	if c.board == "" {
		return
	}
	boardID := c.board
	c.board = ""

	room := h.rooms[boardID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, boardID)
	}
	for member := range room {
		if member.UserID == c.UserID {
			return
		}
	}
	h.fanout(boardID, realtime.EventUserLeft, c.UserID, realtime.UserLeft{UserID: c.UserID, BoardID: boardID})
}

// introduce answers a join seen on another instance with the members
// this hub holds in the room.
func (h *Hub) introduce(boardID, joiner string) {
	seen := map[string]bool{joiner: true}
	for member := range h.rooms[boardID] {
		if seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		payload, err := encode(realtime.EventUserJoined, member.UserID, realtime.ActiveUser{
			UserID: member.UserID, Username: member.Username, BoardID: boardID,
		})
		if err != nil {
			continue
		}
		h.route(RoomMessage{Room: boardID, ToUser: joiner, Payload: payload})
	}
}

// fanout sends a room event from inside the run loop.
func (h *Hub) fanout(boardID, event, excludeUser string, data any) {
	payload, err := encode(event, excludeUser, data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode broadcast")
		return
	}
	h.route(RoomMessage{Room: boardID, ExcludeUser: excludeUser, Payload: payload})
}

// route queues msg for the relay, or delivers it directly without one.
// Queued messages are published in order.
func (h *Hub) route(msg RoomMessage) {
	if h.relay == nil {
		h.deliverLocal(msg)
		return
	}
	msg.Origin = h.id
	h.outgoing = append(h.outgoing, msg)
}

func (h *Hub) deliverLocal(msg RoomMessage) {
	for client := range h.rooms[msg.Room] {
		if msg.ExcludeUser != "" && client.UserID == msg.ExcludeUser {
			continue
		}
		if msg.ToUser != "" && client.UserID != msg.ToUser {
			continue
		}
		h.send(client, msg.Payload)
	}
}

func (h *Hub) send(c *Client, payload []byte) {
	select {
	case c.Send <- payload:
	default:
		// Client's send buffer is full, assume disconnected
		h.log.WithField("user_id", c.UserID).Warn("client send buffer full, removing client")
		h.leave(c)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)
}

func encode(event, user string, data any) ([]byte, error) {
	env := realtime.Envelope{Type: event, User: user}
	if data != nil {
		switch d := data.(type) {
		case json.RawMessage:
			env.Data = d
		default:
			raw, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			env.Data = raw
		}
	}
	return json.Marshal(env)
}
