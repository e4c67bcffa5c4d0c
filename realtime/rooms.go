package realtime

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Signaler sends a fire-and-forget event over the channel.
type Signaler interface {
	Emit(event string, data any) error
}

// RoomTracker enforces membership of at most one board room.
type RoomTracker struct {
	mu      sync.Mutex
	sig     Signaler
	current string
	gen     uint64
	log     logrus.FieldLogger
}

func NewRoomTracker(sig Signaler, logger logrus.FieldLogger) *RoomTracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RoomTracker{sig: sig, log: logger}
}

// JoinRoom leaves the current room (if different) and joins id.
func (r *RoomTracker) JoinRoom(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == id {
		return
	}
	if r.current != "" {
		r.signal(EventLeaveBoard, r.current)
	}
	r.signal(EventJoinBoard, id)
	r.current = id
	r.gen++
	r.log.WithField("board_id", id).Info("joined board room")
}

// LeaveRoom leaves the current room; it is a no-op when idle.
func (r *RoomTracker) LeaveRoom() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == "" {
		return
	}
	r.signal(EventLeaveBoard, r.current)
	r.log.WithField("board_id", r.current).Info("left board room")
	r.current = ""
	r.gen++
}

// Rejoin re-sends the join signal for the current room, e.g. after a reconnect.
func (r *RoomTracker) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" {
		r.signal(EventJoinBoard, r.current)
	}
}

// Current returns the joined room, if any.
func (r *RoomTracker) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// Generation changes on every membership transition. Responses captured
// under an older generation belong to a room the client has since left.
func (r *RoomTracker) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *RoomTracker) signal(event, boardID string) {
	if err := r.sig.Emit(event, boardID); err != nil {
		r.log.WithFields(logrus.Fields{"event": event, "board_id": boardID}).Debugf("room signal dropped: %v", err)
	}
}
