package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/zoomrec/internal/audio/devices"
	"github.com/GriffinCanCode/zoomrec/internal/config"
	"github.com/GriffinCanCode/zoomrec/internal/grpcclient"
	"github.com/GriffinCanCode/zoomrec/internal/health"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/screen"
	"github.com/GriffinCanCode/zoomrec/internal/storage"
)

// Check is one preflight result. Optional checks never make the recorder
// unready.
type Check struct {
	Name     string
	OK       bool
	Detail   string
	Optional bool
}

type preflight struct {
	which     func(names ...string) (string, bool)
	templates func(dir string, confidence float64) (*matcher.Set, error)
	probe     func(sink string, window time.Duration) (devices.Report, error)
}

var defaultPreflight = preflight{
	which:     proc.Which,
	templates: matcher.LoadTemplates,
	probe:     devices.Probe,
}

var requiredTools = []struct{ name, purpose string }{
	{"ffmpeg", "records the meeting audio"},
	{"ffprobe", "measures recordings for transcription"},
	{"xdotool", "clicks and types into the client"},
}

// run checks cfg against the host. The audio sink is only probed when
// probeWindow is positive.
func (p preflight) run(cfg *config.Config, probeWindow time.Duration) []Check {
	var checks []Check
	for _, t := range requiredTools {
		checks = append(checks, p.tool(t.name, t.purpose))
	}
	checks = append(checks, p.tool(cfg.ClientBinary, "the conferencing client"))

	backends := screen.Backends()
	if cfg.ScreenBackend != "" {
		backends = []string{cfg.ScreenBackend}
	}
	if name, ok := p.which(backends...); ok {
		checks = append(checks, Check{Name: "screenshot tool", OK: true, Detail: name})
	} else {
		checks = append(checks, Check{Name: "screenshot tool", Detail: fmt.Sprintf("none of %v found", backends)})
	}

	if set, err := p.templates(cfg.TemplateDir, cfg.Confidence); err != nil {
		checks = append(checks, Check{Name: "templates", Detail: err.Error()})
	} else {
		checks = append(checks, Check{Name: "templates", OK: true, Detail: fmt.Sprintf("%d loaded from %s", len(set.All()), cfg.TemplateDir)})
	}

	if probeWindow > 0 {
		checks = append(checks, p.sink(cfg.AudioSink, probeWindow))
	}

	if cfg.APIKey != "" {
		checks = append(checks, Check{Name: "speech API key", OK: true, Detail: "configured", Optional: true})
	} else {
		checks = append(checks, Check{Name: "speech API key", Detail: "not set, transcription disabled", Optional: true})
	}

	if sc := storage.ConfigFrom(cfg); sc.Enabled() {
		checks = append(checks, Check{Name: "upload", OK: true, Detail: "s3://" + sc.Bucket + "/" + sc.Prefix, Optional: true})
	} else {
		checks = append(checks, Check{Name: "upload", Detail: "s3_bucket not set, artifacts stay local", Optional: true})
	}
	return checks
}

func (p preflight) tool(name, purpose string) Check {
	if _, ok := p.which(name); ok {
		return Check{Name: name, OK: true, Detail: purpose}
	}
	return Check{Name: name, Detail: "not found on PATH (" + purpose + ")"}
}

func (p preflight) sink(sink string, window time.Duration) Check {
	c := Check{Name: "audio sink"}
	report, err := p.probe(sink, window)
	switch {
	case errors.Is(err, devices.ErrNotFound):
		c.Detail = fmt.Sprintf("no monitor for sink %q; create it with pactl load-module module-null-sink sink_name=%s", sink, sink)
	case err != nil:
		c.Detail = err.Error()
	case report.Silent():
		c.OK = true
		c.Detail = report.Device.Name + " (silent)"
	default:
		c.OK = true
		c.Detail = fmt.Sprintf("%s (peak %.3f)", report.Device.Name, report.Peak)
	}
	return c
}

// ready reports whether every required check passed.
func ready(checks []Check) bool {
	for _, c := range checks {
		if !c.OK && !c.Optional {
			return false
		}
	}
	return true
}

// serverCheck asks a running recorder for its health.
func serverCheck(ctx context.Context, addr string, opts ...grpc.DialOption) Check {
	c := Check{Name: "server " + addr}
	client, err := grpcclient.New(addr, opts...)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	defer func() { _ = client.Close() }()

	status, err := client.Status(ctx, health.ServiceName)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = status == healthpb.HealthCheckResponse_SERVING
	c.Detail = status.String()
	return c
}
