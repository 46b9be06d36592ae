package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/audio"
	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/config"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/input"
	"github.com/GriffinCanCode/zoomrec/internal/logging"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/metrics"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/zoomrec/internal/output"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/resilience"
	"github.com/GriffinCanCode/zoomrec/internal/screen"
	"github.com/GriffinCanCode/zoomrec/internal/storage"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

const breakerName = "speech"

// errNoAPIKey means transcription is not configured.
var errNoAPIKey = apperrors.New(apperrors.CodeConfigInvalid, "api_key is not set; export API_KEY or ZOOMREC_API_KEY")

// recorder holds what every recording shares: the screen, the templates, the
// input actuator and the audio controller. Each recording gets its own
// orchestrator on top.
type recorder struct {
	cfg       orchestrator.Config
	capturer  screen.Capturer
	locator   *matcher.Locator
	templates *matcher.Set
	actuator  *input.Xdotool
	audio     *audio.Controller
}

func newRecorder(cfg *config.Config, m *metrics.Metrics) (*recorder, error) {
	templates, err := matcher.LoadTemplates(cfg.TemplateDir, cfg.Confidence)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "load templates").WithMetadata("dir", cfg.TemplateDir)
	}
	capturer, err := screen.New(cfg.ScreenBackend)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "screen capture")
	}

	locator := matcher.NewLocator(capturer, matcher.Options{
		Scale:          cfg.MatchScale,
		ReuseUnchanged: cfg.ReuseUnchangedFrames,
		OnMatch: func(template string, r matcher.Result) {
			m.ObserveMatch(template, r.Found, r.Took)
		},
		OnCapture: m.ObserveCapture,
		Logger:    logging.L("matcher"),
	})

	ctl := audio.NewController(proc.ExecLauncher{}, clock.Real{}, logging.L("audio"))
	ctl.StopGrace = cfg.StopGrace

	return &recorder{
		cfg:       orchestrator.ConfigFrom(cfg),
		capturer:  capturer,
		locator:   locator,
		templates: templates,
		actuator:  input.New(proc.ExecRunner{}, clock.Real{}),
		audio:     ctl,
	}, nil
}

// orchestrator builds a fresh orchestrator reporting to obs.
func (r *recorder) orchestrator(obs orchestrator.Observer) *orchestrator.Orchestrator {
	return orchestrator.New(r.cfg, orchestrator.Deps{
		Screen:    r.locator,
		Actuator:  r.actuator,
		Templates: r.templates,
		Launcher:  proc.ExecLauncher{},
		Tree:      proc.Tree{},
		Recorder:  r.audio,
		Clock:     clock.Real{},
		Observer:  obs,
	})
}

func (r *recorder) Close() error {
	return r.capturer.Close()
}

// newPipeline wires the speech client, ffprobe and ffmpeg into a
// transcription pipeline whose progress is recorded in m.
func newPipeline(cfg *config.Config, m *metrics.Metrics, hooks transcribe.Hooks) (*transcribe.Pipeline, error) {
	if cfg.APIKey == "" {
		return nil, errNoAPIKey
	}
	runner := proc.ExecRunner{}
	speech := transcribe.NewClient(cfg.TranscriptionURL, cfg.TranscriptionModel, cfg.APIKey)
	p := transcribe.New(transcribe.ConfigFrom(cfg), speech, audio.NewProber(runner), audio.NewSlicer(runner), clock.Real{}, instrument(m, hooks))
	p.Breaker().WithHook(func(_, to resilience.State) {
		m.SetBreakerState(breakerName, uint32(to))
	})
	return p, nil
}

// instrument adds metrics to hooks, keeping any callbacks already set.
func instrument(m *metrics.Metrics, h transcribe.Hooks) transcribe.Hooks {
	chunk, retry := h.Chunk, h.Retry
	h.Chunk = func(w transcript.Window, took time.Duration, err error) {
		m.ObserveChunk(took, err)
		if chunk != nil {
			chunk(w, took, err)
		}
	}
	h.Retry = func(attempt int, err error) {
		m.SpeechRetries.Inc()
		if retry != nil {
			retry(attempt, err)
		}
	}
	return h
}

// newStore returns nil when no bucket is configured.
func newStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	sc := storage.ConfigFrom(cfg)
	if !sc.Enabled() {
		return nil, nil
	}
	return storage.New(ctx, sc)
}

// transcribeArtifact runs p on id. A transcript with gaps is still a result.
func transcribeArtifact(ctx context.Context, p *transcribe.Pipeline, id string, out *output.Formatter) (*transcribe.Result, error) {
	out.Transcribing(id)
	res, err := p.Transcribe(ctx, id)
	var gaps *transcribe.GapError
	switch {
	case errors.As(err, &gaps) && res != nil:
		out.Warning(gaps.Error())
	case err != nil:
		return nil, err
	}
	out.TranscribeDone(res.Path)
	return res, nil
}

func upload(ctx context.Context, store *storage.Store, out *output.Formatter, paths ...string) error {
	if store == nil || len(paths) == 0 {
		return nil
	}
	uris, err := store.Upload(ctx, paths...)
	out.Uploaded(uris)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}
