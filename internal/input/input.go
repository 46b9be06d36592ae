// Package input drives the pointer and keyboard through xdotool.
package input

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
)

// DefaultInterKeyDelay paces typed text like a person would.
const DefaultInterKeyDelay = 200 * time.Millisecond

const leftButton = "1"

// Xdotool is an actuator backed by the xdotool binary.
type Xdotool struct {
	Binary string
	runner proc.Runner
	clock  clock.Clock
}

// New creates an actuator. A nil runner or clock uses the real ones.
func New(runner proc.Runner, clk clock.Clock) *Xdotool {
	if runner == nil {
		runner = proc.ExecRunner{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Xdotool{Binary: "xdotool", runner: runner, clock: clk}
}

// Click moves the pointer to p and clicks the left button.
func (x *Xdotool) Click(ctx context.Context, p matcher.Point) error {
	_, err := x.runner.Run(ctx, x.Binary,
		"mousemove", "--sync", strconv.Itoa(p.X), strconv.Itoa(p.Y),
		"click", leftButton)
	if err != nil {
		return fmt.Errorf("click at %d,%d: %w", p.X, p.Y, err)
	}
	return nil
}

// Type sends text one rune at a time, sleeping interKeyDelay between
// keystrokes. Text is sent verbatim, including leading dashes.
func (x *Xdotool) Type(ctx context.Context, text string, interKeyDelay time.Duration) error {
	first := true
	for _, r := range text {
		if !first {
			if err := x.clock.Sleep(ctx, interKeyDelay); err != nil {
				return err
			}
		}
		first = false
		if _, err := x.runner.Run(ctx, x.Binary, "type", "--delay", "0", "--", string(r)); err != nil {
			return fmt.Errorf("type %q: %w", r, err)
		}
	}
	return nil
}
