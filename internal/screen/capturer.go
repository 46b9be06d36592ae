// Package screen grabs the primary display as a decoded image by shelling
// out to the platform's screenshot tool.
package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GriffinCanCode/zoomrec/internal/proc"
)

// ErrNoBackend is returned when no supported screenshot tool is installed.
var ErrNoBackend = errors.New("no screenshot tool found")

// Capturer captures the screen.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// tool describes one screenshot command writing a PNG to the path argument.
type tool struct {
	name string
	args func(path string) []string
}

// commandCapturer runs a tool into a private temp dir and decodes the result.
type commandCapturer struct {
	tool    tool
	runner  proc.Runner
	tempDir string
}

// New picks a screenshot tool. An empty backend selects the first one found
// on PATH in platform preference order.
func New(backend string) (Capturer, error) {
	return newWithRunner(backend, proc.ExecRunner{}, lookPath)
}

func newWithRunner(backend string, runner proc.Runner, look func(string) bool) (Capturer, error) {
	t, err := selectTool(backend, look)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "zoomrec-screen-*")
	if err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	slog.Debug("screen capture backend selected", "tool", t.name)
	return &commandCapturer{tool: t, runner: runner, tempDir: tmp}, nil
}

func selectTool(backend string, look func(string) bool) (tool, error) {
	for _, t := range platformTools() {
		if backend != "" {
			if t.name == backend {
				return t, nil
			}
			continue
		}
		if look(t.name) {
			return t, nil
		}
	}
	if backend != "" {
		return tool{}, fmt.Errorf("%w: unsupported backend %q", ErrNoBackend, backend)
	}
	return tool{}, ErrNoBackend
}

func lookPath(name string) bool {
	_, ok := proc.Which(name)
	return ok
}

// Backends lists the screenshot tools supported on this platform.
func Backends() []string {
	var names []string
	for _, t := range platformTools() {
		names = append(names, t.name)
	}
	return names
}

func (c *commandCapturer) Capture(ctx context.Context) (image.Image, error) {
	path := filepath.Join(c.tempDir, "screen.png")
	defer os.Remove(path)

	if _, err := c.runner.Run(ctx, c.tool.name, c.tool.args(path)...); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func (c *commandCapturer) Close() error {
	return os.RemoveAll(c.tempDir)
}
