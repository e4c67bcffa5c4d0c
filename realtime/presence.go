package realtime

import (
	"sort"
	"sync"
)

type typingKey struct {
	userID string
	taskID string
}

// Presence holds who is in the room and who is typing where. It only
// changes in response to peer events; typing never times out locally.
type Presence struct {
	mu     sync.RWMutex
	active map[string]ActiveUser
	typing map[typingKey]TypingUser
}

func NewPresence() *Presence {
	return &Presence{
		active: make(map[string]ActiveUser),
		typing: make(map[typingKey]TypingUser),
	}
}

func (p *Presence) UserJoined(u ActiveUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[u.UserID]; ok {
		return
	}
	p.active[u.UserID] = u
}

// UserLeft removes the user and every typing indicator they own.
func (p *Presence) UserLeft(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, userID)
	for k := range p.typing {
		if k.userID == userID {
			delete(p.typing, k)
		}
	}
}

func (p *Presence) Typing(u TypingUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing[typingKey{u.UserID, u.TaskID}] = u
}

func (p *Presence) StopTyping(userID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, typingKey{userID, taskID})
}

// Reset forgets everyone, e.g. after the channel drops.
func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = make(map[string]ActiveUser)
	p.typing = make(map[typingKey]TypingUser)
}

func (p *Presence) ActiveUsers() []ActiveUser {
	p.mu.RLock()
	out := make([]ActiveUser, 0, len(p.active))
	for _, u := range p.active {
		out = append(out, u)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Presence) TypingUsers() []TypingUser {
	p.mu.RLock()
	out := make([]TypingUser, 0, len(p.typing))
	for _, u := range p.typing {
		out = append(out, u)
	}
	p.mu.RUnlock()
	sortTyping(out)
	return out
}

// TypingOn lists the users typing on one task.
func (p *Presence) TypingOn(taskID string) []TypingUser {
	p.mu.RLock()
	var out []TypingUser
	for k, u := range p.typing {
		if k.taskID == taskID {
			out = append(out, u)
		}
	}
	p.mu.RUnlock()
	sortTyping(out)
	return out
}

func sortTyping(us []TypingUser) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].TaskID != us[j].TaskID {
			return us[i].TaskID < us[j].TaskID
		}
		return us[i].UserID < us[j].UserID
	})
}
