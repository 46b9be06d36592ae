// Package orchestrator drives one meeting from client launch through join,
// recording and end detection.
package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/zoomrec/internal/audio"
	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/config"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/ending"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
)

// Recorder captures audio until the end signal fires.
type Recorder interface {
	Run(ctx context.Context, sink, path string, ended *syncx.Event, started func(audio.Session)) (audio.Session, error)
}

// ProcessTree terminates process trees and stale clients.
type ProcessTree interface {
	Terminate(ctx context.Context, pid int, grace time.Duration) error
	KillByName(ctx context.Context, name string, grace time.Duration) ([]int, error)
}

// Observer is told about progress. Calls are made from the goroutine
// running Record, except Process for the recorder.
type Observer interface {
	Phase(p Phase)
	JoinState(s join.State)
	Process(role Role, pid int)
}

type nopObserver struct{}

func (nopObserver) Phase(Phase)          {}
func (nopObserver) JoinState(join.State) {}
func (nopObserver) Process(Role, int)    {}

// Config is the orchestrator's slice of the recorder configuration.
type Config struct {
	ClientBinary         string
	ClientProcessName    string
	KillStaleClients     bool
	CloseClientOnEnd     bool
	SettleMin, SettleMax time.Duration
	Join                 join.Config
	EndPollInterval      time.Duration
	EndSkipDistance      int
	MaxRecordingDuration time.Duration
	AudioSink            string
	RecordingsDir        string
	ArtifactName         string
	TerminateGrace       time.Duration
}

// ConfigFrom extracts the orchestrator settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ClientBinary:      c.ClientBinary,
		ClientProcessName: c.ClientProcessName,
		KillStaleClients:  c.KillStaleClients,
		CloseClientOnEnd:  c.CloseClientOnEnd,
		SettleMin:         c.SettleMin,
		SettleMax:         c.SettleMax,
		Join: join.Config{
			PollInterval:  c.PollInterval,
			Timeout:       c.JoinTimeout,
			ClickPauseMin: c.ClickPauseMin,
			ClickPauseMax: c.ClickPauseMax,
			InterKeyDelay: c.InterKeyDelay,
		},
		EndPollInterval:      c.EndPollInterval,
		EndSkipDistance:      c.EndSkipDistance,
		MaxRecordingDuration: c.MaxRecordingDuration,
		AudioSink:            c.AudioSink,
		RecordingsDir:        c.RecordingsDir,
		ArtifactName:         c.ArtifactName,
		TerminateGrace:       c.TerminateGrace,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Screen    join.Screen
	Actuator  join.Actuator
	Templates *matcher.Set
	Launcher  proc.Launcher
	Tree      ProcessTree
	Recorder  Recorder
	Clock     clock.Clock
	Observer  Observer
}

// Result is what a recording attempt produced. ArtifactID is empty unless
// the meeting was joined.
type Result struct {
	Outcome    join.Outcome  `json:"outcome"`
	ArtifactID string        `json:"artifact_id,omitempty"`
	Path       string        `json:"path,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	EndedAt    time.Time     `json:"ended_at,omitzero"`
	EndReason  ending.Reason `json:"end_reason,omitempty"`
}

// Joined reports whether the attempt produced a recording.
func (r Result) Joined() bool { return r.Outcome == join.Joined }

// Orchestrator records one meeting at a time.
type Orchestrator struct {
	cfg  Config
	deps Deps

	// ended is the end signal of the recording in progress, if any.
	ended *syncx.Guard[*syncx.Event]
	// Pause picks a random delay in [lo, hi].
	Pause func(lo, hi time.Duration) time.Duration
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ClientBinary == "" {
		cfg.ClientBinary = DefaultClientBinary
	}
	if cfg.AudioSink == "" {
		cfg.AudioSink = DefaultSink
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}
	if deps.Launcher == nil {
		deps.Launcher = proc.ExecLauncher{}
	}
	if deps.Tree == nil {
		deps.Tree = proc.Tree{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		ended: syncx.NewGuard[*syncx.Event](nil),
		Pause: clock.Between,
	}
}

// Record joins the meeting and records it until it ends. A rejected or
// timed-out join is a normal result with no artifact; errors are reserved
// for launch failures, recorder failures and cancellation.
func (o *Orchestrator) Record(ctx context.Context, req MeetingRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := trace.StartSpan(ctx, "record_meeting")
	defer span.End()
	log := trace.Logger(ctx)

	if o.cfg.KillStaleClients && o.cfg.ClientProcessName != "" {
		killed, err := o.deps.Tree.KillByName(ctx, o.cfg.ClientProcessName, o.cfg.TerminateGrace)
		if err != nil {
			log.Warn("killing stale clients failed", "error", err)
		} else if len(killed) > 0 {
			log.Info("killed stale clients", "pids", killed)
		}
	}

	o.deps.Observer.Phase(PhaseLaunching)
	client, err := o.deps.Launcher.Launch(ctx, proc.Spec{
		Name: o.cfg.ClientBinary,
		Args: []string{"--url=" + req.Link()},
	})
	if err != nil {
		span.SetAttr("error", err.Error())
		return Result{}, apperrors.Wrap(err, apperrors.CodeProcessLaunch, "launch conferencing client").
			WithMetadata("binary", o.cfg.ClientBinary)
	}
	log.Info("client launched", "pid", client.Pid())
	o.deps.Observer.Process(RoleClient, client.Pid())
	if o.cfg.CloseClientOnEnd {
		defer o.closeClient(log, client)
	}

	o.deps.Observer.Phase(PhaseSettling)
	if err := o.deps.Clock.Sleep(ctx, o.Pause(o.cfg.SettleMin, o.cfg.SettleMax)); err != nil {
		return Result{}, err
	}

	o.deps.Observer.Phase(PhaseJoining)
	machine := join.New(o.deps.Screen, o.deps.Actuator, o.deps.Templates, o.deps.Clock, o.cfg.Join, log)
	machine.OnState = o.deps.Observer.JoinState
	outcome, err := machine.Run(ctx, req.DisplayName)
	if err != nil {
		return Result{}, err
	}
	span.SetAttr("outcome", string(outcome))
	if outcome != join.Joined {
		log.Info("meeting not joined", "outcome", outcome)
		o.deps.Observer.Phase(PhaseFinished)
		return Result{Outcome: outcome}, nil
	}

	res, err := o.record(ctx, log, req)
	o.deps.Observer.Phase(PhaseFinished)
	if err != nil {
		span.SetAttr("error", err.Error())
	}
	return res, err
}

// record runs the end detector and the recorder on one artifact path.
func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, req MeetingRequest) (Result, error) {
	id := o.cfg.ArtifactName
	if id == "" {
		id = NewArtifactID(req.Description, o.deps.Clock.Now())
	}
	path := filepath.Join(o.cfg.RecordingsDir, id+audio.Ext)
	res := Result{Outcome: join.Joined, ArtifactID: id, Path: path}

	ended := syncx.NewEvent()
	o.ended.Set(ended)
	defer o.ended.Set(nil)

	o.deps.Observer.Phase(PhaseRecording)
	detector := ending.NewDetector(o.deps.Screen, o.deps.Templates.End, o.deps.Clock,
		o.cfg.EndPollInterval, o.cfg.MaxRecordingDuration, o.cfg.EndSkipDistance, log)

	var (
		reason  ending.Reason
		session audio.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reason = detector.Run(gctx, ended)
		return nil
	})
	g.Go(func() error {
		s, err := o.deps.Recorder.Run(gctx, o.cfg.AudioSink, path, ended, func(s audio.Session) {
			o.deps.Observer.Process(RoleRecorder, s.PID)
		})
		session = s
		return err
	})
	err := g.Wait()

	res.StartedAt = session.StartedAt
	res.EndedAt = session.StoppedAt
	res.EndReason = reason
	if res.EndReason == "" && ended.Fired() {
		res.EndReason = ending.Reason(ended.Reason())
	}
	if err != nil {
		log.Error("recording failed", "artifact", id, "error", err)
		return res, err
	}
	log.Info("recording finished", "artifact", id, "reason", res.EndReason,
		"duration", res.EndedAt.Sub(res.StartedAt).Round(time.Second))
	return res, nil
}

// RequestStop ends the recording in progress as if the meeting had ended,
// letting the recorder finalize the file. It reports whether a recording
// was running.
func (o *Orchestrator) RequestStop() bool {
	ended := o.ended.Get()
	if ended == nil {
		return false
	}
	return ended.Fire(o.deps.Clock.Now(), string(ending.StopRequested))
}

func (o *Orchestrator) closeClient(log *slog.Logger, client proc.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*o.cfg.TerminateGrace)
	defer cancel()
	if err := o.deps.Tree.Terminate(ctx, client.Pid(), o.cfg.TerminateGrace); err != nil {
		log.Warn("closing client failed", "pid", client.Pid(), "error", err)
		_ = client.Kill()
		return
	}
	log.Info("client closed", "pid", client.Pid())
}
