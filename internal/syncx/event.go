package syncx

import (
	"sync"
	"time"
)

// Event is a one-shot signal: one writer fires it, any number of readers wait
// on Done. Everything written before Fire is visible to readers after Done.
type Event struct {
	once   sync.Once
	ch     chan struct{}
	mu     sync.Mutex
	at     time.Time
	reason string
}

// NewEvent returns an unfired event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Fire signals the event. Only the first call has an effect; it reports
// whether this call was the one that fired.
func (e *Event) Fire(at time.Time, reason string) bool {
	fired := false
	e.once.Do(func() {
		e.mu.Lock()
		e.at = at
		e.reason = reason
		e.mu.Unlock()
		close(e.ch)
		fired = true
	})
	return fired
}

// Done is closed once the event fires.
func (e *Event) Done() <-chan struct{} { return e.ch }

// Fired reports whether the event has fired.
func (e *Event) Fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// FiredAt returns the time passed to the first Fire, or zero.
func (e *Event) FiredAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.at
}

// Reason returns the reason passed to the first Fire.
func (e *Event) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}
