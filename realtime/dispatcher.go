package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
)

type listener struct {
	id uint64
	fn func(Envelope)
}

// Dispatcher fans inbound envelopes out to typed listeners. Dispatch runs
// listeners synchronously, in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[string][]listener
	log       logrus.FieldLogger
}

func NewDispatcher(logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		listeners: make(map[string][]listener),
		log:       logger,
	}
}

// Subscribe registers a raw listener for event and returns its unsubscribe
// function. Calling the returned function more than once is harmless.
func (d *Dispatcher) Subscribe(event string, fn func(Envelope)) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.listeners[event] = append(d.listeners[event], listener{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(event, id) })
	}
}

func (d *Dispatcher) remove(event string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.listeners[event]
	for i, l := range ls {
		if l.id == id {
			d.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(d.listeners[event]) == 0 {
		delete(d.listeners, event)
	}
}

// ListenerCount reports how many listeners are registered for event.
func (d *Dispatcher) ListenerCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event])
}

// Dispatch delivers env to every listener of env.Type.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.RLock()
	ls := append([]listener(nil), d.listeners[env.Type]...)
	d.mu.RUnlock()

	for _, l := range ls {
		d.call(env, l.fn)
	}
}

func (d *Dispatcher) call(env Envelope, fn func(Envelope)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("event", env.Type).Errorf("listener panicked: %v", r)
		}
	}()
	fn(env)
}

// on decodes the payload into T, runs validate, and hands it to fn.
// Undecodable or invalid payloads are logged and dropped.
func on[T any](d *Dispatcher, event string, validate func(T) error, fn func(T, Envelope)) func() {
	return d.Subscribe(event, func(env Envelope) {
		var v T
		if len(env.Data) == 0 {
			d.drop(env, fmt.Errorf("%w: empty payload", ErrMalformedEvent))
			return
		}
		if err := json.Unmarshal(env.Data, &v); err != nil {
			d.drop(env, fmt.Errorf("%w: %v", ErrMalformedEvent, err))
			return
		}
		if validate != nil {
			if err := validate(v); err != nil {
				d.drop(env, err)
				return
			}
		}
		fn(v, env)
	})
}

func (d *Dispatcher) drop(env Envelope, err error) {
	d.log.WithFields(logrus.Fields{
		"event": env.Type,
		"user":  env.User,
	}).Warnf("dropping inbound event: %v", err)
}

func requireTaskID(t database.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: task without id", ErrMalformedEvent)
	}
	return nil
}

func requireCollectionID(c database.Collection) error {
	if c.ID == "" {
		return fmt.Errorf("%w: collection without id", ErrMalformedEvent)
	}
	return nil
}

func requireDeletedID(del Deleted) error {
	if del.ID == "" {
		return fmt.Errorf("%w: delete without id", ErrMalformedEvent)
	}
	return nil
}

func (d *Dispatcher) OnConnect(fn func()) func() {
	return d.Subscribe(EventConnect, func(Envelope) { fn() })
}

func (d *Dispatcher) OnDisconnect(fn func()) func() {
	return d.Subscribe(EventDisconnect, func(Envelope) { fn() })
}

func (d *Dispatcher) OnTaskCreated(fn func(database.Task, Envelope)) func() {
	return on(d, EventTaskCreated, requireTaskID, fn)
}

func (d *Dispatcher) OnTaskUpdated(fn func(database.Task, Envelope)) func() {
	return on(d, EventTaskUpdated, requireTaskID, fn)
}

func (d *Dispatcher) OnTaskDeleted(fn func(Deleted, Envelope)) func() {
	return on(d, EventTaskDeleted, requireDeletedID, fn)
}

// OnTaskMoved rejects moves that do not name a task so a bad frame cannot
// move unrelated tasks.
func (d *Dispatcher) OnTaskMoved(fn func(MoveEvent, Envelope)) func() {
	return on(d, EventTaskMoved, func(m MoveEvent) error {
		if m.ResolvedTaskID() == "" {
			return fmt.Errorf("%w: move without task id", ErrMalformedEvent)
		}
		if m.ToColumnID == "" {
			return fmt.Errorf("%w: move without destination column", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnTaskConflict(fn func(Conflict, Envelope)) func() {
	return on(d, EventTaskConflict, func(c Conflict) error {
		if c.TaskID == "" && c.ServerVersion.ID == "" {
			return fmt.Errorf("%w: conflict without task id", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnBoardSync(fn func(BoardSync, Envelope)) func() {
	return on(d, EventBoardSync, func(s BoardSync) error {
		if s.BoardID == "" {
			return fmt.Errorf("%w: sync without board id", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnManualSync(fn func(ManualSync, Envelope)) func() {
	return on(d, EventManualSync, func(s ManualSync) error {
		return requireTaskID(s.Task)
	}, fn)
}

func (d *Dispatcher) OnCollectionCreated(fn func(database.Collection, Envelope)) func() {
	return on(d, EventCollectionCreated, requireCollectionID, fn)
}

func (d *Dispatcher) OnCollectionUpdated(fn func(database.Collection, Envelope)) func() {
	return on(d, EventCollectionUpdated, requireCollectionID, fn)
}

func (d *Dispatcher) OnCollectionDeleted(fn func(Deleted, Envelope)) func() {
	return on(d, EventCollectionDeleted, requireDeletedID, fn)
}

func (d *Dispatcher) OnCollectionsReordered(fn func(database.CollectionReorder, Envelope)) func() {
	return on(d, EventCollectionsReordered, func(r database.CollectionReorder) error {
		for _, o := range r.Orders {
			if o.ID == "" {
				return fmt.Errorf("%w: reorder entry without id", ErrMalformedEvent)
			}
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnSubtaskCreated(fn func(SubtaskEvent, Envelope)) func() {
	return on(d, EventSubtaskCreated, validSubtaskEvent, fn)
}

func (d *Dispatcher) OnSubtaskUpdated(fn func(SubtaskEvent, Envelope)) func() {
	return on(d, EventSubtaskUpdated, validSubtaskEvent, fn)
}

func (d *Dispatcher) OnSubtaskDeleted(fn func(SubtaskDeleted, Envelope)) func() {
	return on(d, EventSubtaskDeleted, func(s SubtaskDeleted) error {
		if s.TaskID == "" || s.SubtaskID == "" {
			return fmt.Errorf("%w: subtask delete without ids", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func validSubtaskEvent(s SubtaskEvent) error {
	if s.TaskID == "" || s.Subtask.ID == "" {
		return fmt.Errorf("%w: subtask event without ids", ErrMalformedEvent)
	}
	return nil
}

func (d *Dispatcher) OnUserJoined(fn func(ActiveUser, Envelope)) func() {
	return on(d, EventUserJoined, func(u ActiveUser) error {
		if u.UserID == "" {
			return fmt.Errorf("%w: join without user id", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnUserLeft(fn func(UserLeft, Envelope)) func() {
	return on(d, EventUserLeft, func(u UserLeft) error {
		if u.UserID == "" {
			return fmt.Errorf("%w: leave without user id", ErrMalformedEvent)
		}
		return nil
	}, fn)
}

func (d *Dispatcher) OnUserTyping(fn func(TypingUser, Envelope)) func() {
	return on(d, EventUserTyping, validTyping, fn)
}

func (d *Dispatcher) OnUserStopTyping(fn func(TypingUser, Envelope)) func() {
	return on(d, EventUserStopTyping, validTyping, fn)
}

func validTyping(u TypingUser) error {
	if u.UserID == "" || u.TaskID == "" {
		return fmt.Errorf("%w: typing without user or task", ErrMalformedEvent)
	}
	return nil
}
