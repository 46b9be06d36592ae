// Package cli implements the zoomrec command line.
package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/zoomrec/internal/config"
	"github.com/GriffinCanCode/zoomrec/internal/logging"
	"github.com/GriffinCanCode/zoomrec/internal/metrics"
)

// Dependencies are filled in before any subcommand runs.
type Dependencies struct {
	Version string
	Config  *config.Config
	Metrics *metrics.Metrics

	configFile string
	envFile    string
	logs       io.Closer
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:   "zoomrec",
		Short: "Join Zoom meetings, record them and transcribe the audio",
		Long: "zoomrec launches the Zoom client, joins a meeting by recognising its dialogs on screen,\n" +
			"records the meeting audio with ffmpeg until the meeting ends and transcribes the recording.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return deps.close()
		},
	}
	if deps.Version != "" {
		rootCmd.Version = deps.Version
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&deps.configFile, "config", "", "config file (default ./zoomrec.yaml)")
	pf.StringVar(&deps.envFile, "env-file", "", "dotenv file (default ./.env)")
	pf.String("log_level", def.LogLevel, "debug, info, warn or error")
	pf.String("log_format", def.LogFormat, "text or json")
	pf.String("log_dir", def.LogDir, "directory for run.log; empty logs to stdout only")
	pf.String("recordings_dir", def.RecordingsDir, "where recordings and transcripts are written")
	pf.String("template_dir", def.TemplateDir, "directory holding the screen templates")
	pf.String("audio_sink", def.AudioSink, "pulse sink whose monitor is recorded")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewTranscribeCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}

// load resolves configuration for cmd, whose flags override every other
// source, and installs logging.
func (d *Dependencies) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Options{
		ConfigFile: d.configFile,
		EnvFile:    d.envFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}
	d.Config = cfg

	logs, err := logging.Setup(cfg.LogFormat, cfg.LogLevel, cfg.LogDir)
	if err != nil {
		logging.L("cli").Warn("run log unavailable, logging to stdout only", "dir", cfg.LogDir, "error", err)
	}
	d.logs = logs

	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return nil
}

func (d *Dependencies) close() error {
	if d.logs == nil {
		return nil
	}
	err := d.logs.Close()
	d.logs = nil
	return err
}
