package session

import (
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
)

// DefaultEventBuffer is each subscriber's queue length.
const DefaultEventBuffer = 64

// EventType names a session event on the wire.
type EventType string

const (
	EventStarted         EventType = "session_started"
	EventPhase           EventType = "phase"
	EventJoinState       EventType = "join_state"
	EventProcess         EventType = "process"
	EventFinished        EventType = "session_finished"
	EventFailed          EventType = "session_failed"
	EventTerminated      EventType = "session_terminated"
	EventTranscriptReady EventType = "transcript_ready"
	EventUploaded        EventType = "artifacts_uploaded"

	// EventTranscriptionFailed reports an on-demand transcription that
	// produced no transcript.
	EventTranscriptionFailed EventType = "transcription_failed"
)

// Event is one change to a session. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType            `json:"type"`
	SessionID string               `json:"session_id,omitempty"`
	Time      time.Time            `json:"time"`
	Phase     orchestrator.Phase   `json:"phase,omitempty"`
	JoinState join.State           `json:"join_state,omitempty"`
	Process   *Process             `json:"process,omitempty"`
	Result    *orchestrator.Result `json:"result,omitempty"`
	Artifact  string               `json:"artifact_id,omitempty"`
	Path      string               `json:"path,omitempty"`
	Uploaded  []string             `json:"uploaded,omitempty"`
	Error     *apperrors.AppError  `json:"error,omitempty"`
}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the session.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewHub creates a hub whose subscribers queue up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Hub{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of future events and a func that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
