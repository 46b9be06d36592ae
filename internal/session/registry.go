// Package session runs at most one recording session in the background and
// tracks its progress for the control surfaces.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

var (
	// ErrSessionActive is the cause of the error returned when a session is
	// started while another is running.
	ErrSessionActive = errors.New("already_in_progress")
	// ErrNoSession is the cause of the error returned when there is no
	// session to act on.
	ErrNoSession = errors.New("no_session")
)

// Status is a session's lifecycle position.
type Status string

const (
	StatusRunning      Status = "running"
	StatusTranscribing Status = "transcribing"
	StatusFinished     Status = "finished"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
)

// Process is a pid the session started.
type Process struct {
	Role  orchestrator.Role `json:"role"`
	PID   int               `json:"pid"`
	Alive bool              `json:"alive"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID         string                      `json:"id"`
	Request    orchestrator.MeetingRequest `json:"request"`
	Status     Status                      `json:"status"`
	Phase      orchestrator.Phase          `json:"phase,omitempty"`
	JoinState  join.State                  `json:"join_state,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	EndedAt    time.Time                   `json:"ended_at,omitzero"`
	Processes  []Process                   `json:"processes,omitempty"`
	Result     *orchestrator.Result        `json:"result,omitempty"`
	Transcript *transcribe.Result          `json:"transcript,omitempty"`
	Uploaded   []string                    `json:"uploaded,omitempty"`
	LastError  *apperrors.AppError         `json:"last_error,omitempty"`
}

// session is the mutable state behind a Snapshot.
type session struct {
	id     string
	cancel context.CancelFunc
	stop   func() bool

	mu   sync.Mutex
	snap Snapshot
	pids []Process
}

func newSession(id string, req orchestrator.MeetingRequest, at time.Time, cancel context.CancelFunc) *session {
	if req.Passcode != "" {
		req.Passcode = "***"
	}
	return &session{
		id:     id,
		cancel: cancel,
		snap:   Snapshot{ID: id, Request: req, Status: StatusRunning, StartedAt: at},
	}
}

func (s *session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

func (s *session) track(role orchestrator.Role, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pids {
		if p.Role == role {
			s.pids[i].PID = pid
			return
		}
	}
	s.pids = append(s.pids, Process{Role: role, PID: pid})
}

func (s *session) processes() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Process(nil), s.pids...)
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Status
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Processes = append([]Process(nil), s.pids...)
	snap.Uploaded = append([]string(nil), s.snap.Uploaded...)
	return snap
}

// Registry holds the single active session.
type Registry struct {
	active *syncx.Guard[*session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: syncx.NewGuard[*session](nil)}
}

// create installs s unless a session is already active.
func (r *Registry) create(s *session) error {
	return r.active.Update(func(cur **session) error {
		if *cur != nil {
			return apperrors.Wrap(ErrSessionActive, apperrors.CodeSessionActive, "a recording session is already in progress").
				WithMetadata("session_id", (*cur).id)
		}
		*cur = s
		return nil
	})
}

// current returns the active session or nil.
func (r *Registry) current() *session {
	return r.active.Get()
}

// take removes and returns the active session.
func (r *Registry) take() (*session, error) {
	var s *session
	err := r.active.Update(func(cur **session) error {
		if *cur == nil {
			return noSession()
		}
		s, *cur = *cur, nil
		return nil
	})
	return s, err
}

// clear removes the session with id if it is still the active one.
func (r *Registry) clear(id string) bool {
	cleared := false
	_ = r.active.Update(func(cur **session) error {
		if *cur != nil && (*cur).id == id {
			*cur = nil
			cleared = true
		}
		return nil
	})
	return cleared
}

// Active reports whether a session is running.
func (r *Registry) Active() bool {
	return r.current() != nil
}

func noSession() error {
	return apperrors.Wrap(ErrNoSession, apperrors.CodeNoSession, "no recording session")
}
