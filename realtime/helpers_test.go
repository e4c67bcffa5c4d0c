package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"
)

type emitted struct {
	event string
	data  any
}

type fakeSignaler struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (f *fakeSignaler) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{event: event, data: data})
	return nil
}

func (f *fakeSignaler) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": status < 300}
	if status < 300 {
		body["data"] = data
	} else {
		body["error"] = data
	}
	json.NewEncoder(w).Encode(body)
}

func envelope(t *testing.T, event string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	return Envelope{Type: event, Data: raw}
}
