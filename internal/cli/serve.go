package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/zoomrec/internal/config"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/health"
	"github.com/GriffinCanCode/zoomrec/internal/logging"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/server"
	"github.com/GriffinCanCode/zoomrec/internal/session"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

const (
	readHeaderTimeout = 10 * time.Second
	// shutdownTimeout bounds terminating the session and draining requests.
	shutdownTimeout = 30 * time.Second
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server",
		Long: "Serve the HTTP API and WebSocket event stream that start and stop recordings,\n" +
			"and a gRPC health service reporting whether the host can record.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), deps)
		},
	}

	cmd.Flags().String("http_addr", def.HTTPAddr, "HTTP listen address")
	cmd.Flags().String("grpc_addr", def.GRPCAddr, "gRPC health listen address")
	cmd.Flags().Bool("transcribe_after_recording", def.TranscribeAfterRecording, "transcribe each recording when it ends")

	return cmd
}

func serve(ctx context.Context, deps *Dependencies) error {
	cfg, m := deps.Config, deps.Metrics
	log := logging.L("serve")

	rec, err := newRecorder(cfg, m)
	if err != nil {
		return err
	}
	defer func() { _ = rec.Close() }()

	opts := session.Options{
		TranscribeAfter: cfg.TranscribeAfterRecording,
		TerminateGrace:  cfg.TerminateGrace,
		Metrics:         m,
	}
	var transcriber server.Transcriber
	if p, err := newPipeline(cfg, m, transcribe.Hooks{}); err != nil {
		log.Warn("transcription disabled", "error", err)
	} else {
		opts.Transcriber = p
		transcriber = p
	}
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		opts.Uploader = store
	}

	manager := session.NewManager(func(obs orchestrator.Observer) session.Recorder {
		return rec.orchestrator(obs)
	}, opts)
	srv := server.New(manager, server.Options{
		Transcriber: transcriber,
		Metrics:     m.Handler(),
		CORSOrigins: cfg.CORSOrigins,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "listen").WithMetadata("addr", cfg.GRPCAddr)
	}
	hs := health.New()
	go func() {
		if err := hs.Serve(lis); err != nil {
			log.Error("grpc server error", "error", err)
		}
	}()

	checks := defaultPreflight.run(cfg, 0)
	for _, c := range checks {
		if !c.OK && !c.Optional {
			log.Warn("preflight check failed", "check", c.Name, "detail", c.Detail)
		}
	}
	hs.SetReady(ready(checks))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("zoomrec server starting", "http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		err = apperrors.Wrap(err, apperrors.CodeUnavailable, "http server").WithMetadata("addr", cfg.HTTPAddr)
	}

	log.Info("shutting down...")
	hs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("session shutdown error", "error", err)
	}
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	hs.Shutdown()

	log.Info("shutdown complete")
	return err
}
