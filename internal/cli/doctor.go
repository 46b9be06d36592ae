package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/zoomrec/internal/output"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	var probe time.Duration
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Long: "Check that the tools, templates and audio sink a recording needs are in place.\n" +
			"With --server, also ask a running zoomrec server whether it is ready.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())

			checks := defaultPreflight.run(deps.Config, probe)
			if serverAddr != "" {
				checks = append(checks, serverCheck(cmd.Context(), serverAddr))
			}
			for _, c := range checks {
				f.SetupCheck(c.Name, c.OK, c.Detail)
			}

			f.Info("Recordings directory: " + deps.Config.RecordingsDir)
			if ready(checks) {
				f.Success("\nAll prerequisites met. Ready to record!")
			} else {
				f.Warning("\nSome prerequisites are missing.")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&probe, "probe", time.Second, "listen on the audio sink for this long; 0 skips the probe")
	cmd.Flags().StringVar(&serverAddr, "server", "", "gRPC address of a running server to check, e.g. localhost:50061")

	return cmd
}
