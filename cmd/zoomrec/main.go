// zoomrec records Zoom meetings and transcribes them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/zoomrec/internal/cli"
	"github.com/GriffinCanCode/zoomrec/internal/output"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The first signal stops gracefully; a second one kills.
	context.AfterFunc(ctx, stop)

	return cli.NewRootCmd(&cli.Dependencies{Version: version}).ExecuteContext(ctx)
}
