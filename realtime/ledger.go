package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultPendingTimeout = 5 * time.Second
	DefaultConfirmGrace   = 1 * time.Second
)

// Operation is the kind of a locally initiated mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpMove   Operation = "move"
)

// PendingUpdate is a mutation applied locally and not yet settled.
type PendingUpdate struct {
	ID        string
	Kind      Operation
	Payload   any
	Timestamp time.Time
	Confirmed bool
}

type ledgerEntry struct {
	update PendingUpdate
	timer  *clock.Timer
	gen    uint64
}

// Ledger tracks at most one pending update per entity id. Unconfirmed
// entries are evicted after the timeout; confirmed ones linger for the
// grace period so "saving" indicators can settle.
type Ledger struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	grace   time.Duration
	gen     uint64
	entries map[string]*ledgerEntry
}

type LedgerOption func(*Ledger)

func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) { l.clock = c }
}

func WithPendingTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.timeout = d }
}

func WithConfirmGrace(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.grace = d }
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		clock:   clock.New(),
		timeout: DefaultPendingTimeout,
		grace:   DefaultConfirmGrace,
		entries: make(map[string]*ledgerEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record inserts or replaces the pending entry for id.
func (l *Ledger) Record(id string, kind Operation, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.entries[id]; ok {
		old.timer.Stop()
	}
	l.gen++
	e := &ledgerEntry{
		update: PendingUpdate{
			ID:        id,
			Kind:      kind,
			Payload:   payload,
			Timestamp: l.clock.Now(),
		},
		gen: l.gen,
	}
	gen := e.gen
	e.timer = l.clock.AfterFunc(l.timeout, func() { l.expire(id, gen, false) })
	l.entries[id] = e
}

// Confirm marks the entry for id as confirmed and schedules its removal
// after the grace period. It reports whether an entry existed.
func (l *Ledger) Confirm(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return false
	}
	if e.update.Confirmed {
		return true
	}
	e.timer.Stop()
	e.update.Confirmed = true
	gen := e.gen
	e.timer = l.clock.AfterFunc(l.grace, func() { l.expire(id, gen, true) })
	return true
}

// Revert drops the entry for id immediately. Restoring the prior UI value
// is the caller's job.
func (l *Ledger) Revert(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(l.entries, id)
	return true
}

func (l *Ledger) expire(id string, gen uint64, confirmed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || e.gen != gen || e.update.Confirmed != confirmed {
		return
	}
	delete(l.entries, id)
}

func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

func (l *Ledger) Get(id string) (PendingUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return PendingUpdate{}, false
	}
	return e.update, true
}

// All returns the pending entries, oldest first.
func (l *Ledger) All() []PendingUpdate {
	l.mu.Lock()
	out := make([]PendingUpdate, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.update)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every entry and cancels their timers.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		e.timer.Stop()
		delete(l.entries, id)
	}
}
