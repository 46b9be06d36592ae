// Package transcribe turns a finished recording into text by cutting it
// into chunks and sending each to a speech-to-text service.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/zoomrec/internal/audio"
	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/config"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/zoomrec/internal/resilience"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
)

// Pipeline defaults
const (
	DefaultConcurrency  = 1
	DefaultArtifactWait = 30 * time.Second
	DefaultArtifactPoll = time.Second
	TextExt             = ".txt"
)

// artifactMaxPoll caps the backoff between artifact checks, in multiples of
// ArtifactPoll.
const artifactMaxPoll = 8

// Prober reads a recording's duration.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Slicer extracts one window of a recording into its own file.
type Slicer interface {
	Slice(ctx context.Context, src, dst string, start, length time.Duration) error
}

// Config tunes the pipeline.
type Config struct {
	Dir          string
	ChunkLength  time.Duration
	Concurrency  int
	ArtifactWait time.Duration
	ArtifactPoll time.Duration
	Retry        resilience.RetryConfig
	Breaker      resilience.Config
}

// ConfigFrom extracts the pipeline settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Dir:          c.RecordingsDir,
		ChunkLength:  c.ChunkLength(),
		Concurrency:  c.ChunkConcurrency,
		ArtifactWait: c.ArtifactWaitTimeout,
		ArtifactPoll: c.ArtifactPollInterval,
		Retry:        resilience.SpeechRetryConfig(),
		Breaker:      resilience.SpeechConfig(),
	}
}

// Hooks observe pipeline progress. Every field is optional.
type Hooks struct {
	// Job is called once the chunk plan is known.
	Job func(*Job)
	// Chunk is called after each speech request with its outcome.
	Chunk func(w transcript.Window, took time.Duration, err error)
	Retry func(attempt int, err error)
}

// Job is one transcription in progress.
type Job struct {
	ArtifactID  string
	TotalChunks int
	Assembler   *transcript.Assembler
}

// Result is a finished transcript.
type Result struct {
	ArtifactID string           `json:"artifact_id"`
	Path       string           `json:"path"`
	Text       string           `json:"-"`
	Duration   time.Duration    `json:"duration"`
	Chunks     int              `json:"chunks"`
	Gaps       []transcript.Gap `json:"gaps,omitempty"`
}

// GapError reports chunks that could not be transcribed. The transcript is
// still written, with markers in their place.
type GapError struct {
	ArtifactID string
	Total      int
	Gaps       []transcript.Gap
}

func (e *GapError) Error() string {
	spans := make([]string, len(e.Gaps))
	for i, g := range e.Gaps {
		spans[i] = g.Window.String()
	}
	return fmt.Sprintf("%s: %d of %d chunks not transcribed (%s)",
		e.ArtifactID, len(e.Gaps), e.Total, strings.Join(spans, ", "))
}

// Unwrap exposes each chunk's failure.
func (e *GapError) Unwrap() []error {
	errs := make([]error, 0, len(e.Gaps))
	for _, g := range e.Gaps {
		errs = append(errs, g.Err)
	}
	return errs
}

// Pipeline transcribes recordings found in Config.Dir.
type Pipeline struct {
	cfg     Config
	speech  Speech
	prober  Prober
	slicer  Slicer
	clock   clock.Clock
	breaker *resilience.Breaker
	hooks   Hooks
}

// New creates a pipeline. A nil clock uses the wall clock.
func New(cfg Config, speech Speech, prober Prober, slicer Slicer, clk clock.Clock, hooks Hooks) *Pipeline {
	if cfg.ChunkLength <= 0 {
		cfg.ChunkLength = DefaultChunkLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ArtifactWait < 0 {
		cfg.ArtifactWait = 0
	}
	if cfg.ArtifactPoll <= 0 {
		cfg.ArtifactPoll = DefaultArtifactPoll
	}
	if clk == nil {
		clk = clock.Real{}
	}
	cfg.Retry.Clock = clk
	cfg.Retry.OnRetry = hooks.Retry
	return &Pipeline{
		cfg:     cfg,
		speech:  speech,
		prober:  prober,
		slicer:  slicer,
		clock:   clk,
		breaker: resilience.NewBreaker(cfg.Breaker),
		hooks:   hooks,
	}
}

// Breaker exposes the speech breaker so callers can observe its state.
func (p *Pipeline) Breaker() *resilience.Breaker { return p.breaker }

// ArtifactPath is where the recording for id is expected.
func (p *Pipeline) ArtifactPath(id string) string {
	return filepath.Join(p.cfg.Dir, id+audio.Ext)
}

// TextPath is where the transcript for id is written.
func (p *Pipeline) TextPath(id string) string {
	return filepath.Join(p.cfg.Dir, id+TextExt)
}

// Transcribe waits for the recording, transcribes it chunk by chunk and
// writes the transcript next to it. If some chunks fail the transcript is
// still written and returned together with a *GapError.
func (p *Pipeline) Transcribe(ctx context.Context, artifactID string) (*Result, error) {
	if artifactID == "" || artifactID != filepath.Base(artifactID) || strings.ContainsAny(artifactID, `/\`) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "invalid artifact id").WithMetadata("artifact", artifactID)
	}
	ctx, span := trace.StartSpan(ctx, "transcribe")
	defer span.End()
	span.SetAttr("artifact", artifactID)
	log := trace.Logger(ctx).With("artifact", artifactID)

	src := p.ArtifactPath(artifactID)
	if err := p.waitForArtifact(ctx, src); err != nil {
		return nil, err
	}

	total, err := p.prober.Duration(ctx, src)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTranscription, "probe recording").WithMetadata("artifact", artifactID)
	}
	windows := PlanChunks(total, p.cfg.ChunkLength)
	if len(windows) == 0 {
		return nil, apperrors.New(apperrors.CodeTranscription, "recording is empty").WithMetadata("artifact", artifactID)
	}
	span.SetAttr("chunks", len(windows))
	log.Info("transcription started", "duration", total.Round(time.Second), "chunks", len(windows))

	tmp, err := os.MkdirTemp("", "zoomrec-chunks-")
	if err != nil {
		return nil, fmt.Errorf("chunk dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	job := &Job{
		ArtifactID:  artifactID,
		TotalChunks: len(windows),
		Assembler:   transcript.NewAssembler(windows, len(windows)),
	}
	if p.hooks.Job != nil {
		p.hooks.Job(job)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, w := range windows {
		g.Go(func() error {
			p.chunk(gctx, log, job.Assembler, src, tmp, w)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := job.Assembler.Text()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "assemble transcript")
	}
	res := &Result{
		ArtifactID: artifactID,
		Path:       p.TextPath(artifactID),
		Text:       text,
		Duration:   total,
		Chunks:     len(windows),
		Gaps:       job.Assembler.Gaps(),
	}
	if err := os.WriteFile(res.Path, []byte(text), 0o644); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "write transcript")
	}

	if len(res.Gaps) > 0 {
		gapErr := &GapError{ArtifactID: artifactID, Total: len(windows), Gaps: res.Gaps}
		log.Warn("transcription finished with gaps", "gaps", len(res.Gaps), "path", res.Path)
		return res, gapErr
	}
	log.Info("transcription finished", "path", res.Path, "chars", len(text))
	return res, nil
}

// chunk slices one window and transcribes it, recording a gap on failure.
func (p *Pipeline) chunk(ctx context.Context, log *slog.Logger, asm *transcript.Assembler, src, dir string, w transcript.Window) {
	dst := filepath.Join(dir, fmt.Sprintf("chunk-%03d%s", w.Index, audio.Ext))
	defer os.Remove(dst)

	if err := p.slicer.Slice(ctx, src, dst, w.Start, w.Length()); err != nil {
		log.Error("slicing chunk failed", "chunk", w.Index, "window", w.String(), "error", err)
		_ = asm.Fail(w.Index, err)
		return
	}

	start := p.clock.Now()
	text, err := resilience.RetryWithResult(ctx, p.cfg.Retry, func(ctx context.Context) (string, error) {
		return resilience.ExecuteWithResult(ctx, p.breaker, func(ctx context.Context) (string, error) {
			return p.speech.Transcribe(ctx, dst)
		})
	})
	if p.hooks.Chunk != nil {
		p.hooks.Chunk(w, p.clock.Now().Sub(start), err)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("chunk not transcribed", "chunk", w.Index, "window", w.String(), "error", err)
		}
		_ = asm.Fail(w.Index, err)
		return
	}
	log.Debug("chunk transcribed", "chunk", w.Index, "chars", len(text))
	_ = asm.Set(w.Index, text)
}

// waitForArtifact polls with backoff until the recording exists and is
// non-empty, for at most ArtifactWait. The recorder may still be finalizing
// it when transcription is requested.
func (p *Pipeline) waitForArtifact(ctx context.Context, path string) error {
	notFound := apperrors.New(apperrors.CodeArtifactNotFound, "recording not found").
		WithMetadata("path", path).
		WithMetadata("waited", p.cfg.ArtifactWait.String())
	check := func(context.Context) error {
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			return nil
		}
		return notFound
	}
	if p.cfg.ArtifactWait <= 0 {
		return check(ctx)
	}
	return resilience.Retry(ctx, resilience.RetryConfig{
		MaxRetries:  math.MaxInt32,
		BaseDelay:   p.cfg.ArtifactPoll,
		MaxDelay:    artifactMaxPoll * p.cfg.ArtifactPoll,
		MaxElapsed:  p.cfg.ArtifactWait,
		IsRetryable: func(err error) bool { return apperrors.IsCode(err, apperrors.CodeArtifactNotFound) },
		Clock:       p.clock,
	}, check)
}
