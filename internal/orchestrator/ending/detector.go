// Package ending watches a recorded meeting for its end screen.
package ending

import (
	"context"
	"log/slog"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
)

// Reason explains why the end signal fired.
type Reason string

const (
	EndScreen     Reason = "end_screen"
	MaxDuration   Reason = "max_duration"
	StopRequested Reason = "stop_requested"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxDuration  = 4 * time.Hour
	// DefaultSkipDistance is the largest pHash distance from the last
	// searched frame at which a new frame is treated as unchanged.
	DefaultSkipDistance = 4
)

// Detector polls for the end template and fires the end signal once.
type Detector struct {
	screen      join.Screen
	end         *matcher.Template
	clock       clock.Clock
	interval    time.Duration
	maxDuration time.Duration // 0 disables the cap
	skip        int           // negative searches every frame
	log         *slog.Logger
}

// NewDetector creates an end detector.
func NewDetector(screen join.Screen, end *matcher.Template, clk clock.Clock, interval, maxDuration time.Duration, skipDistance int, log *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		screen:      screen,
		end:         end,
		clock:       clk,
		interval:    interval,
		maxDuration: maxDuration,
		skip:        skipDistance,
		log:         log,
	}
}

// Run blocks until the meeting ends or ctx is cancelled. It returns the
// reason the signal fired, or "" on cancellation. If the signal was fired
// elsewhere, Run returns that reason without firing again.
//
// Frames within the skip distance of the last frame that missed the end
// template are not searched again.
func (d *Detector) Run(ctx context.Context, signal *syncx.Event) Reason {
	start := d.clock.Now()
	var missed *goimagehash.ImageHash
	for {
		if ctx.Err() != nil {
			return ""
		}
		if signal.Fired() {
			return Reason(signal.Reason())
		}

		frame := d.screen.Frame(ctx)
		hash := matcher.HashOf(frame)
		if !d.unchanged(missed, hash) {
			if _, ok := frame.Find(d.end); ok {
				return d.fire(signal, EndScreen, start)
			}
			missed = hash
		}
		if d.maxDuration > 0 && d.clock.Now().Sub(start) >= d.maxDuration {
			return d.fire(signal, MaxDuration, start)
		}

		if err := d.clock.Sleep(ctx, d.interval); err != nil {
			return ""
		}
	}
}

func (d *Detector) unchanged(missed, hash *goimagehash.ImageHash) bool {
	if d.skip < 0 || missed == nil || hash == nil {
		return false
	}
	dist, err := missed.Distance(hash)
	if err != nil {
		return false
	}
	if dist <= d.skip {
		d.log.Debug("skipping end search on similar frame", "distance", dist)
		return true
	}
	return false
}

func (d *Detector) fire(signal *syncx.Event, reason Reason, start time.Time) Reason {
	now := d.clock.Now()
	if !signal.Fire(now, string(reason)) {
		return Reason(signal.Reason())
	}
	d.log.Info("meeting ended", "reason", reason, "recorded", now.Sub(start).Round(time.Second))
	return reason
}
