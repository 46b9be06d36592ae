// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/session"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

// Sessions is the session manager as seen by the control surface.
type Sessions interface {
	Start(ctx context.Context, req orchestrator.MeetingRequest) (session.Snapshot, error)
	Terminate(ctx context.Context) (session.Snapshot, error)
	Current(ctx context.Context) (session.Snapshot, error)
	Last() (session.Snapshot, bool)
	Events() *session.Hub
}

// Transcriber runs the transcription pipeline on demand.
type Transcriber interface {
	Transcribe(ctx context.Context, artifactID string) (*transcribe.Result, error)
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type    string            `json:"type"`
	Active  bool              `json:"active"`
	Session *session.Snapshot `json:"session,omitempty"`
	Last    *session.Snapshot `json:"last,omitempty"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// legacyJoinRequest is the body older clients post to /join-meeting.
type legacyJoinRequest struct {
	MeetingLink string `json:"meeting_link"`
	ID          string `json:"id"`
	Passcode    string `json:"passcode"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (l legacyJoinRequest) meetingRequest() orchestrator.MeetingRequest {
	return orchestrator.MeetingRequest{
		URL:         l.MeetingLink,
		MeetingID:   l.ID,
		Passcode:    l.Passcode,
		DisplayName: l.Name,
		Description: l.Description,
	}
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Options carry the server's optional collaborators.
type Options struct {
	// Transcriber serves POST /api/transcriptions; nil answers 503.
	Transcriber Transcriber
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// CORSOrigins are the allowed origins; "*" allows any.
	CORSOrigins []string
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions Sessions
	opts     Options

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter

	// jobs holds artifacts with a transcription in flight.
	jobs   *syncx.Guard[map[string]struct{}]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new server.
func New(sessions Sessions, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions:   sessions,
		opts:       opts,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
		jobs:       syncx.NewGuard(map[string]struct{}{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/meetings", s.handleStart)
	mux.HandleFunc("POST /join-meeting", s.handleLegacyJoin)
	mux.HandleFunc("GET /api/meetings/current", s.handleCurrent)
	mux.HandleFunc("DELETE /api/meetings/current", s.handleTerminate)
	mux.HandleFunc("POST /api/meetings/stop", s.handleTerminate)
	mux.HandleFunc("POST /api/transcriptions/{artifact}", s.handleTranscribe)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(s.opts.CORSOrigins, trace.Middleware(mux))
}

// Close stops background transcriptions and disconnects WebSocket clients.
func (s *Server) Close() {
	s.cancel()
	s.mu.RLock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

func corsMiddleware(origins []string, next http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.MeetingRequest
	if !decode(w, r, &req) {
		return
	}
	s.start(w, r, req)
}

func (s *Server) handleLegacyJoin(w http.ResponseWriter, r *http.Request) {
	var legacy legacyJoinRequest
	if !decode(w, r, &legacy) {
		return
	}
	s.start(w, r, legacy.meetingRequest())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req orchestrator.MeetingRequest) {
	ctx, span := trace.StartSpan(r.Context(), "start_session")
	defer span.End()

	snap, err := s.sessions.Start(ctx, req)
	if err != nil {
		span.SetAttr("error", err.Error())
		writeError(ctx, w, err)
		return
	}
	span.SetAttr("session_id", snap.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": StatusStarted, "session": snap})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.StartSpan(r.Context(), "terminate_session")
	defer span.End()

	snap, err := s.sessions.Terminate(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusTerminated, "session": snap})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Current(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": StatusActive, "session": snap})
		return
	}
	if !errors.Is(err, session.ErrNoSession) {
		writeError(r.Context(), w, err)
		return
	}
	body := errorBody(err)
	if last, ok := s.sessions.Last(); ok {
		body["last"] = last
	}
	writeJSON(w, http.StatusNotFound, body)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.Transcriber == nil {
		writeError(ctx, w, apperrors.New(apperrors.CodeUnavailable, "transcription is not configured"))
		return
	}
	artifact := r.PathValue("artifact")

	err := s.jobs.Update(func(jobs *map[string]struct{}) error {
		if _, running := (*jobs)[artifact]; running {
			return apperrors.New(apperrors.CodeSessionActive, "transcription already running").
				WithMetadata("artifact", artifact)
		}
		(*jobs)[artifact] = struct{}{}
		return nil
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	// The job outlives the request but keeps its trace.
	jobCtx := s.ctx
	if tc, ok := trace.FromContext(ctx); ok {
		jobCtx = trace.WithContext(jobCtx, tc)
	}
	s.wg.Add(1)
	go s.transcribe(jobCtx, artifact)

	writeJSON(w, http.StatusAccepted, map[string]any{"status": StatusTranscribing, "artifact_id": artifact})
}

func (s *Server) transcribe(ctx context.Context, artifact string) {
	defer s.wg.Done()
	defer func() {
		_ = s.jobs.Update(func(jobs *map[string]struct{}) error {
			delete(*jobs, artifact)
			return nil
		})
	}()
	log := trace.Logger(ctx).With("artifact", artifact)

	res, err := s.opts.Transcriber.Transcribe(ctx, artifact)
	if res != nil {
		s.sessions.Events().Publish(session.Event{
			Type:     session.EventTranscriptReady,
			Time:     time.Now(),
			Artifact: artifact,
			Path:     res.Path,
			Error:    apperrors.From(err),
		})
	}
	if err != nil {
		log.Error("on-demand transcription failed", "error", err)
		if res == nil {
			s.sessions.Events().Publish(session.Event{
				Type:     session.EventTranscriptionFailed,
				Time:     time.Now(),
				Artifact: artifact,
				Error:    apperrors.From(err),
			})
		}
		return
	}
	log.Info("on-demand transcription finished", "path", res.Path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := s.sessions.Current(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusOK, "recording": err == nil})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.CORSOrigins,
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	events, unsubscribe := s.sessions.Events().Subscribe()
	defer unsubscribe()

	go s.readLoop(ctx, cancel, conn)

	if err := s.writeStatus(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("websocket closed", "remote", r.RemoteAddr)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := write(ctx, conn, evt); err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

// readLoop answers client messages until the connection fails.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	log := trace.Logger(ctx)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		// Check rate limit
		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if rl != nil && !rl.allow() {
			log.Warn("rate limit exceeded")
			_ = write(ctx, conn, RateLimitedMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "status":
			_ = s.writeStatus(ctx, conn)
		case "ping":
			_ = write(ctx, conn, PongMessage{Type: "pong"})
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn) error {
	msg := StatusMessage{Type: "status"}
	if snap, err := s.sessions.Current(ctx); err == nil {
		msg.Active = true
		msg.Session = &snap
	}
	if last, ok := s.sessions.Last(); ok {
		msg.Last = &last
	}
	return write(ctx, conn, msg)
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(r.Context(), w, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "request body is not valid JSON"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody renders err as {"status", "error": {"code", "message", "metadata"}}.
func errorBody(err error) map[string]any {
	appErr := apperrors.From(err)
	status := StatusError
	switch {
	case errors.Is(err, session.ErrSessionActive) || appErr.Code == apperrors.CodeSessionActive:
		status = StatusAlreadyInProgress
	case errors.Is(err, session.ErrNoSession):
		status = StatusNoSession
	case appErr.Code == apperrors.CodeInvalidArgument || appErr.Code == apperrors.CodeConfigInvalid:
		status = StatusInvalidRequest
	}
	return map[string]any{"status": status, "error": appErr}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	appErr := apperrors.From(err)
	if appErr.HTTPStatus() >= http.StatusInternalServerError {
		trace.Logger(ctx).Error("request failed", "error", err)
	}
	writeJSON(w, appErr.HTTPStatus(), errorBody(err))
}
