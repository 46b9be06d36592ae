package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/zoomrec/internal/audio"
	"github.com/GriffinCanCode/zoomrec/internal/config"
	"github.com/GriffinCanCode/zoomrec/internal/output"
)

func NewTranscribeCmd(deps *Dependencies) *cobra.Command {
	var skipUpload bool

	cmd := &cobra.Command{
		Use:   "transcribe ARTIFACT",
		Short: "Transcribe a recording",
		Long: "Transcribe recordings_dir/ARTIFACT.mp3 into recordings_dir/ARTIFACT.txt.\n" +
			"Chunks that cannot be transcribed leave a marked gap in the text.",
		Example: "  zoomrec transcribe weekly-sync_20240102-150405_1a2b3c4d",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.NewFormatter(cmd.OutOrStdout())

			p, err := newPipeline(deps.Config, deps.Metrics, progressHooks(out))
			if err != nil {
				return err
			}
			res, err := transcribeArtifact(ctx, p, strings.TrimSuffix(args[0], audio.Ext), out)
			if err != nil {
				return err
			}
			if skipUpload {
				return nil
			}

			store, err := newStore(ctx, deps.Config)
			if err != nil {
				return err
			}
			return upload(ctx, store, out, res.Path)
		},
	}

	cmd.Flags().BoolVar(&skipUpload, "no-upload", false, "keep the transcript local even when s3_bucket is set")
	cmd.Flags().Int("chunk_seconds", config.Default().ChunkSeconds, "length of each transcribed chunk")
	cmd.Flags().Int("chunk_concurrency", config.Default().ChunkConcurrency, "chunks transcribed at once")

	return cmd
}
