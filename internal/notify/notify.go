package notify

import (
	"sync"
	"time"

	appLog "slotbook/internal/log"
)

// Alerter surfaces a blocking, user-facing message.
type Alerter interface {
	Alert(msg string)
}

// Entry is a single recorded alert.
type Entry struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Ring keeps the most recent alerts in memory until they are drained by
// the UI surface.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

const defaultRingSize = 64

// NewRing creates a Ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{max: size}
}

func (r *Ring) Alert(msg string) {
	appLog.Info("alert", "message", msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Message: msg, At: time.Now()})
	if over := len(r.entries) - r.max; over > 0 {
		r.entries = append([]Entry(nil), r.entries[over:]...)
	}
}

// Drain returns all pending alerts, oldest first, and clears the ring.
func (r *Ring) Drain() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = nil
	if out == nil {
		out = []Entry{}
	}
	return out
}

// Func adapts a plain function to Alerter.
type Func func(msg string)

func (f Func) Alert(msg string) { f(msg) }
