package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/metrics"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

const defaultTerminateGrace = 5 * time.Second

// Recorder records one meeting. RequestStop ends a recording in progress
// gracefully.
type Recorder interface {
	Record(ctx context.Context, req orchestrator.MeetingRequest) (orchestrator.Result, error)
	RequestStop() bool
}

// RecorderFactory builds the recorder for one session, reporting to obs.
type RecorderFactory func(obs orchestrator.Observer) Recorder

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, artifactID string) (*transcribe.Result, error)
}

// Uploader copies finished artifacts elsewhere and returns where they went.
type Uploader interface {
	Upload(ctx context.Context, paths ...string) ([]string, error)
}

// ProcessTree inspects and terminates the session's processes.
type ProcessTree interface {
	Alive(ctx context.Context, pid int) bool
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}

// Options configure a Manager. Transcriber, Uploader and Metrics are optional.
type Options struct {
	TranscribeAfter bool
	TerminateGrace  time.Duration
	Transcriber     Transcriber
	Uploader        Uploader
	Tree            ProcessTree
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	Hub             *Hub
}

// Manager starts, tracks and terminates the single background session.
type Manager struct {
	newRecorder RecorderFactory
	opts        Options
	registry    *Registry
	last        *syncx.Guard[*Snapshot]
	wg          sync.WaitGroup
}

// NewManager creates a manager. A nil Tree, Clock or Hub gets the default.
func NewManager(newRecorder RecorderFactory, opts Options) *Manager {
	if opts.Tree == nil {
		opts.Tree = proc.Tree{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(DefaultEventBuffer)
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	return &Manager{
		newRecorder: newRecorder,
		opts:        opts,
		registry:    NewRegistry(),
		last:        syncx.NewGuard[*Snapshot](nil),
	}
}

// Events is the hub session events are published on.
func (m *Manager) Events() *Hub { return m.opts.Hub }

// Active reports whether a session is running.
func (m *Manager) Active() bool { return m.registry.Active() }

// Start validates req and records it in the background. It fails with
// ErrSessionActive while another session is running.
func (m *Manager) Start(ctx context.Context, req orchestrator.MeetingRequest) (Snapshot, error) {
	if err := req.Validate(); err != nil {
		return Snapshot{}, err
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(trace.WithSession(context.WithoutCancel(ctx), id))
	s := newSession(id, req, m.opts.Clock.Now(), cancel)
	rec := m.newRecorder(observer{m: m, s: s})
	s.stop = rec.RequestStop
	if err := m.registry.create(s); err != nil {
		cancel()
		return Snapshot{}, err
	}

	if mt := m.opts.Metrics; mt != nil {
		mt.ActiveSessions.Inc()
	}
	trace.Logger(sctx).Info("session started", "description", req.Description)
	m.publish(s, Event{Type: EventStarted})

	m.wg.Add(1)
	go m.run(sctx, s, rec, req)
	return s.snapshot(), nil
}

// Current returns the running session with the liveness of its processes.
func (m *Manager) Current(ctx context.Context) (Snapshot, error) {
	s := m.registry.current()
	if s == nil {
		return Snapshot{}, noSession()
	}
	snap := s.snapshot()
	for i := range snap.Processes {
		snap.Processes[i].Alive = m.opts.Tree.Alive(ctx, snap.Processes[i].PID)
	}
	return snap, nil
}

// Last returns the most recently ended session.
func (m *Manager) Last() (Snapshot, bool) {
	last := m.last.Get()
	if last == nil {
		return Snapshot{}, false
	}
	return *last, true
}

// Terminate stops the running session: the recorder is asked to finalize,
// the session context is cancelled and every tracked process tree is
// terminated. The registry is cleared even if termination fails.
func (m *Manager) Terminate(ctx context.Context) (Snapshot, error) {
	s, err := m.registry.take()
	if err != nil {
		return Snapshot{}, err
	}
	log := trace.Logger(trace.WithSession(ctx, s.id))

	s.update(func(snap *Snapshot) {
		snap.Status = StatusTerminated
		snap.EndedAt = m.opts.Clock.Now()
	})
	if s.stop != nil {
		s.stop()
	}
	s.cancel()

	for _, p := range s.processes() {
		if err := m.opts.Tree.Terminate(ctx, p.PID, m.opts.TerminateGrace); err != nil {
			log.Warn("terminating process failed", "role", p.Role, "pid", p.PID, "error", err)
			continue
		}
		log.Info("process terminated", "role", p.Role, "pid", p.PID)
	}

	snap := s.snapshot()
	m.last.Set(&snap)
	m.publish(s, Event{Type: EventTerminated})
	log.Info("session terminated")
	return snap, nil
}

// Wait blocks until every background session has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Shutdown terminates the running session, if any, and waits for it up to
// ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	if _, err := m.Terminate(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, s *session, rec Recorder, req orchestrator.MeetingRequest) {
	defer m.wg.Done()
	defer s.cancel()
	log := trace.Logger(ctx)

	res, err := rec.Record(ctx, req)
	m.observeRecording(res)
	s.update(func(snap *Snapshot) {
		if res.Outcome != "" {
			snap.Result = &res
		}
	})
	if err != nil {
		appErr := apperrors.From(err)
		s.update(func(snap *Snapshot) { snap.LastError = appErr })
		if s.status() != StatusTerminated {
			log.Error("session failed", "error", err)
			m.publish(s, Event{Type: EventFailed, Error: appErr})
		}
		m.finish(ctx, s, err)
		return
	}
	m.publish(s, Event{Type: EventFinished, Result: &res})

	if res.Joined() && ctx.Err() == nil {
		paths := []string{res.Path}
		if m.opts.TranscribeAfter && m.opts.Transcriber != nil {
			if p := m.transcribe(ctx, s, res.ArtifactID); p != "" {
				paths = append(paths, p)
			}
		}
		if m.opts.Uploader != nil && ctx.Err() == nil {
			m.upload(ctx, s, paths)
		}
	}
	m.finish(ctx, s, nil)
}

// transcribe returns the transcript path, or "" if none was written.
func (m *Manager) transcribe(ctx context.Context, s *session, artifactID string) string {
	log := trace.Logger(ctx)
	s.update(func(snap *Snapshot) {
		if snap.Status == StatusRunning {
			snap.Status = StatusTranscribing
		}
	})

	tr, err := m.opts.Transcriber.Transcribe(ctx, artifactID)
	if err != nil {
		var gaps *transcribe.GapError
		appErr := apperrors.From(err)
		if errors.As(err, &gaps) {
			appErr = apperrors.Wrap(err, apperrors.CodeTranscription, "transcript has gaps")
		}
		s.update(func(snap *Snapshot) { snap.LastError = appErr })
		log.Error("transcription failed", "artifact", artifactID, "error", err)
	}
	if tr == nil {
		return ""
	}
	s.update(func(snap *Snapshot) { snap.Transcript = tr })
	m.publish(s, Event{Type: EventTranscriptReady, Artifact: artifactID, Path: tr.Path})
	log.Info("transcript ready", "artifact", artifactID, "path", tr.Path)
	return tr.Path
}

func (m *Manager) upload(ctx context.Context, s *session, paths []string) {
	log := trace.Logger(ctx)
	uploaded, err := m.opts.Uploader.Upload(ctx, paths...)
	if len(uploaded) > 0 {
		s.update(func(snap *Snapshot) { snap.Uploaded = append(snap.Uploaded, uploaded...) })
		m.publish(s, Event{Type: EventUploaded, Uploaded: uploaded})
	}
	if err != nil {
		s.update(func(snap *Snapshot) { snap.LastError = apperrors.From(err) })
		log.Error("artifact upload failed", "error", err)
	}
}

func (m *Manager) finish(ctx context.Context, s *session, recErr error) {
	s.update(func(snap *Snapshot) {
		if snap.Status != StatusTerminated {
			snap.Status = StatusFinished
			if recErr != nil {
				snap.Status = StatusFailed
			}
		}
		if snap.EndedAt.IsZero() {
			snap.EndedAt = m.opts.Clock.Now()
		}
	})
	snap := s.snapshot()
	cleared := m.registry.clear(s.id)
	// A terminated session must not replace a newer one's result.
	_ = m.last.Update(func(last **Snapshot) error {
		if cleared || *last == nil || (*last).ID == s.id {
			*last = &snap
		}
		return nil
	})

	if mt := m.opts.Metrics; mt != nil {
		mt.ActiveSessions.Dec()
		mt.SessionsTotal.WithLabelValues(string(snap.Status)).Inc()
	}
	trace.Logger(ctx).Info("session ended", "status", snap.Status)
}

func (m *Manager) observeRecording(res orchestrator.Result) {
	mt := m.opts.Metrics
	if mt == nil || res.Outcome == "" {
		return
	}
	mt.JoinOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Joined() && !res.StartedAt.IsZero() && res.EndedAt.After(res.StartedAt) {
		mt.RecordingSeconds.Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	}
}

func (m *Manager) publish(s *session, e Event) {
	e.SessionID = s.id
	e.Time = m.opts.Clock.Now()
	m.opts.Hub.Publish(e)
}

// observer feeds orchestrator progress into one session.
type observer struct {
	m *Manager
	s *session
}

func (o observer) Phase(p orchestrator.Phase) {
	o.s.update(func(snap *Snapshot) { snap.Phase = p })
	o.m.publish(o.s, Event{Type: EventPhase, Phase: p})
}

func (o observer) JoinState(st join.State) {
	o.s.update(func(snap *Snapshot) { snap.JoinState = st })
	o.m.publish(o.s, Event{Type: EventJoinState, JoinState: st})
}

func (o observer) Process(role orchestrator.Role, pid int) {
	o.s.track(role, pid)
	o.m.publish(o.s, Event{Type: EventProcess, Process: &Process{Role: role, PID: pid, Alive: true}})
}
