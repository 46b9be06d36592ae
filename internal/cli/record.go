package cli

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/zoomrec/internal/config"
	"github.com/GriffinCanCode/zoomrec/internal/logging"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/zoomrec/internal/output"
	"github.com/GriffinCanCode/zoomrec/internal/trace"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var req orchestrator.MeetingRequest
	var skipTranscription bool
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Join a meeting and record it until it ends",
		Long: "Join a meeting and record it until the host ends it, the bot is removed or\n" +
			"max_recording_duration passes. Ctrl+C stops the recording and keeps what was captured.",
		Example: "  zoomrec record -u 'https://zoom.us/j/123456789?pwd=abc' -n Notetaker\n" +
			"  zoomrec record -i '123 456 789' -p secret -n Notetaker -d 'weekly sync'",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			transcribeAfter := deps.Config.TranscribeAfterRecording && !skipTranscription
			return record(cmd.Context(), deps, req, transcribeAfter, output.NewFormatter(cmd.OutOrStdout()))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.URL, "url", "u", "", "meeting link")
	f.StringVarP(&req.MeetingID, "id", "i", "", "meeting id, instead of a link")
	f.StringVarP(&req.Passcode, "passcode", "p", "", "meeting passcode, used with --id")
	f.StringVarP(&req.DisplayName, "name", "n", "", "display name shown in the meeting")
	f.StringVarP(&req.Description, "description", "d", "", "description used to name the recording")
	f.BoolVar(&skipTranscription, "no-transcribe", false, "skip transcription after recording")
	f.String("artifact_name", def.ArtifactName, "fixed recording name, e.g. "+orchestrator.LegacyArtifactName)
	f.Duration("max_recording_duration", def.MaxRecordingDuration, "stop recording after this long; 0 disables the limit")

	return cmd
}

func record(ctx context.Context, deps *Dependencies, req orchestrator.MeetingRequest, transcribeAfter bool, out *output.Formatter) error {
	if err := req.Validate(); err != nil {
		return err
	}
	cfg := deps.Config

	// Fail before joining rather than after an hour of recording.
	var pipeline *transcribe.Pipeline
	if transcribeAfter {
		p, err := newPipeline(cfg, deps.Metrics, progressHooks(out))
		if err != nil {
			return err
		}
		pipeline = p
	}
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	rec, err := newRecorder(cfg, deps.Metrics)
	if err != nil {
		return err
	}
	defer func() { _ = rec.Close() }()

	orch := rec.orchestrator(phaseReporter{out: out})

	// Interrupting ends a recording gracefully; before recording starts
	// there is nothing to keep, so the attempt is abandoned.
	runCtx, cancel := context.WithCancel(trace.WithSession(context.WithoutCancel(ctx), uuid.NewString()))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		if !orch.RequestStop() {
			cancel()
		}
	})
	defer stop()

	out.Info("Joining as " + req.DisplayName)
	res, err := orch.Record(runCtx, req)
	if err != nil {
		return err
	}
	if !res.Joined() {
		out.NotJoined(string(res.Outcome))
		return nil
	}
	out.RecordingStopped(res.Path, res.EndedAt.Sub(res.StartedAt), string(res.EndReason))

	paths := []string{res.Path}
	if pipeline != nil {
		tr, err := transcribeArtifact(runCtx, pipeline, res.ArtifactID, out)
		if err != nil {
			return err
		}
		paths = append(paths, tr.Path)
	}
	return upload(runCtx, store, out, paths...)
}

// phaseReporter prints the orchestrator's progress.
type phaseReporter struct {
	out *output.Formatter
}

func (r phaseReporter) Phase(p orchestrator.Phase) {
	r.out.Info("Phase: " + string(p))
}

func (r phaseReporter) JoinState(s join.State) {
	logging.L("record").Debug("join state", "state", s)
}

func (r phaseReporter) Process(role orchestrator.Role, pid int) {
	logging.L("record").Debug("process started", "role", role, "pid", pid)
}

// progressHooks print one line per finished chunk.
func progressHooks(out *output.Formatter) transcribe.Hooks {
	var total, done atomic.Int64
	return transcribe.Hooks{
		Job: func(j *transcribe.Job) {
			total.Store(int64(j.TotalChunks))
			done.Store(0)
		},
		Chunk: func(_ transcript.Window, _ time.Duration, err error) {
			out.ChunkDone(int(done.Add(1)), int(total.Load()), err != nil)
		},
	}
}
