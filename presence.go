package fanlume

import (
	"sort"
	"sync"
	"time"
)

// TypingWindow is both the outbound typing cool-down (one signal per window
// while the user keeps typing) and the inbound indicator lifetime (cleared
// this long after the last received signal).
const TypingWindow = 3 * time.Second

// PresenceTracker maintains the set of online user ids and transient typing
// state, derived from inbound connection events.
//
// Outbound typing is a leading-edge debounce: the first keystroke in a
// cool-down window emits, the rest do not. Inbound typing is a trailing-edge
// timeout: each signal restarts a single timer per sender, it never stacks.
type PresenceTracker struct {
	mu     sync.Mutex
	window time.Duration
	notify func()

	online map[string]struct{}

	typingTimers map[string]*time.Timer // senderID -> expiry timer
	cooldowns    map[string]time.Time   // conversationID -> cool-down deadline
	now          func() time.Time
}

// NewPresenceTracker creates a tracker. onChange, if non-nil, is invoked
// after every observable state change, including timer-driven typing expiry;
// it must not call back into the tracker.
func NewPresenceTracker(window time.Duration, onChange func()) *PresenceTracker {
	if window <= 0 {
		window = TypingWindow
	}
	return &PresenceTracker{
		window:       window,
		notify:       onChange,
		online:       make(map[string]struct{}),
		typingTimers: make(map[string]*time.Timer),
		cooldowns:    make(map[string]time.Time),
		now:          time.Now,
	}
}

// SetOnlineUsers replaces the online set wholesale; the presence event
// carries the full list, not a diff.
func (p *PresenceTracker) SetOnlineUsers(ids []string) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			p.online[id] = struct{}{}
		}
	}
	p.mu.Unlock()
	p.changed()
}

// IsOnline reports whether the user is currently considered online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// OnlineUsers returns the sorted online set.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// TouchTyping records an inbound typing signal from senderID. The indicator
// stays up for one window after the most recent signal; a fresh signal
// cancels and reschedules the expiry rather than stacking a second timer.
func (p *PresenceTracker) TouchTyping(senderID string) {
	if senderID == "" {
		return
	}
	p.mu.Lock()
	if t, ok := p.typingTimers[senderID]; ok {
		t.Stop()
	}
	// The callback removes only its own registration: an expiry that lost
	// the race against Stop and a fresh signal must not clear the timer
	// that replaced it.
	var t *time.Timer
	t = time.AfterFunc(p.window, func() {
		p.mu.Lock()
		if p.typingTimers[senderID] != t {
			p.mu.Unlock()
			return
		}
		delete(p.typingTimers, senderID)
		p.mu.Unlock()
		p.changed()
	})
	p.typingTimers[senderID] = t
	p.mu.Unlock()
	p.changed()
}

// IsTyping reports whether senderID is inside an unexpired typing window.
func (p *PresenceTracker) IsTyping(senderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typingTimers[senderID]
	return ok
}

// ShouldNotifyTyping reports whether an outbound typing signal is due for the
// conversation and, if so, enters a new cool-down window. Keystrokes landing
// inside the window return false so the signal is emitted once per window.
func (p *PresenceTracker) ShouldNotifyTyping(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if deadline, ok := p.cooldowns[conversationID]; ok && now.Before(deadline) {
		return false
	}
	p.cooldowns[conversationID] = now.Add(p.window)
	return true
}

// Reset clears all presence and typing state and cancels outstanding timers.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	for id, t := range p.typingTimers {
		t.Stop()
		delete(p.typingTimers, id)
	}
	p.online = make(map[string]struct{})
	p.cooldowns = make(map[string]time.Time)
	p.mu.Unlock()
	p.changed()
}

func (p *PresenceTracker) changed() {
	if p.notify != nil {
		p.notify()
	}
}
