// Package audio records a meeting's audio with an external ffmpeg process
// and probes or slices finished recordings.
package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
)

// Recorder defaults
const (
	DefaultBinary    = "ffmpeg"
	DefaultBitRate   = "128k"
	DefaultStopGrace = 10 * time.Second
	Ext              = ".mp3"
	LogExt           = ".ffmpeg.log"
	logTailBytes     = 512
)

// Session describes one recording. StoppedAt is zero while it runs.
type Session struct {
	ArtifactID string    `json:"artifact_id"`
	Path       string    `json:"path"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
}

// Capture is a running recorder owned by the controller that started it.
type Capture struct {
	Session
	handle proc.Handle
	log    io.Closer
}

// Done is closed when the recorder process exits.
func (c *Capture) Done() <-chan struct{} { return c.handle.Done() }

// Controller starts and stops the recorder.
type Controller struct {
	Binary    string
	BitRate   string
	StopGrace time.Duration

	launcher proc.Launcher
	clock    clock.Clock
	log      *slog.Logger
}

// NewController creates a capture controller. Nil arguments fall back to
// real processes and the wall clock.
func NewController(launcher proc.Launcher, clk clock.Clock, log *slog.Logger) *Controller {
	if launcher == nil {
		launcher = proc.ExecLauncher{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		Binary:    DefaultBinary,
		BitRate:   DefaultBitRate,
		StopGrace: DefaultStopGrace,
		launcher:  launcher,
		clock:     clk,
		log:       log,
	}
}

// Args returns the recorder command line for sink and path.
func (c *Controller) Args(sink, path string) []string {
	return []string{
		"-y",
		"-f", "pulse",
		"-i", sink + ".monitor",
		"-acodec", "libmp3lame",
		"-b:a", c.BitRate,
		"-async", "1",
		"-vn",
		path,
	}
}

// ArtifactID is the file stem of a recording path.
func ArtifactID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// LogPath is where the recorder's stderr goes for a recording at path.
func LogPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + LogExt
}

// Start launches the recorder writing sink's monitor to outputPath.
func (c *Controller) Start(ctx context.Context, sink, outputPath string) (*Capture, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProcessLaunch, "create recordings dir")
	}
	logFile, err := os.Create(LogPath(outputPath))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProcessLaunch, "create recorder log")
	}

	h, err := c.launcher.Launch(ctx, proc.Spec{
		Name:   c.Binary,
		Args:   c.Args(sink, outputPath),
		Stderr: logFile,
	})
	if err != nil {
		logFile.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeProcessLaunch, "launch recorder").
			WithMetadata("binary", c.Binary)
	}

	capture := &Capture{
		Session: Session{
			ArtifactID: ArtifactID(outputPath),
			Path:       outputPath,
			PID:        h.Pid(),
			StartedAt:  c.clock.Now(),
		},
		handle: h,
		log:    logFile,
	}
	c.log.Info("recording started", "artifact", capture.ArtifactID, "pid", capture.PID, "sink", sink)
	return capture, nil
}

// Stop interrupts the recorder so it can finalize the file, escalating to
// SIGKILL of its process group after StopGrace.
func (c *Controller) Stop(capture *Capture) error {
	err := proc.Stop(capture.handle, syscall.SIGINT, c.StopGrace)
	capture.log.Close()
	if capture.StoppedAt.IsZero() {
		capture.StoppedAt = c.clock.Now()
	}
	if err != nil {
		c.log.Error("recorder did not stop", "pid", capture.PID, "error", err)
		return apperrors.Wrap(err, apperrors.CodeInternal, "stop recorder")
	}
	c.log.Info("recording stopped", "artifact", capture.ArtifactID, "duration", capture.StoppedAt.Sub(capture.StartedAt).Round(time.Second))
	return nil
}

// Run records until ended fires, then stops the recorder. The returned
// session's StoppedAt is never before the signal's fire time. started, if
// set, is called once the recorder is running.
func (c *Controller) Run(ctx context.Context, sink, path string, ended *syncx.Event, started func(Session)) (Session, error) {
	capture, err := c.Start(ctx, sink, path)
	if err != nil {
		return Session{}, err
	}
	if started != nil {
		started(capture.Session)
	}

	select {
	case <-ended.Done():
		capture.StoppedAt = latest(c.clock.Now(), ended.FiredAt())
		err := c.Stop(capture)
		return capture.Session, err

	case <-capture.Done():
		capture.log.Close()
		capture.StoppedAt = c.clock.Now()
		exitErr := capture.handle.Err()
		c.log.Error("recorder exited before meeting end", "pid", capture.PID, "error", exitErr)
		appErr := apperrors.Wrap(exitErr, apperrors.CodeCaptureExitedEarly, "recorder exited before meeting end").
			WithMetadata("artifact", capture.ArtifactID)
		if tail := readTail(LogPath(path), logTailBytes); tail != "" {
			appErr = appErr.WithMetadata("recorder_log", tail)
		}
		return capture.Session, appErr

	case <-ctx.Done():
		capture.StoppedAt = c.clock.Now()
		if err := c.Stop(capture); err != nil {
			return capture.Session, fmt.Errorf("%w (stop: %v)", ctx.Err(), err)
		}
		return capture.Session, ctx.Err()
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil && st.Size() > n {
		_, _ = f.Seek(-n, io.SeekEnd)
	}
	b, _ := io.ReadAll(f)
	return strings.TrimSpace(string(b))
}
