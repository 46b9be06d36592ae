// Package join drives the conferencing client's pre-meeting screens until
// the meeting is joined, rejected or the attempt times out.
package join

import (
	"context"
	"log/slog"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
)

// Outcome is the terminal result of a join attempt.
type Outcome string

const (
	Joined         Outcome = "joined"
	InvalidMeeting Outcome = "invalid_meeting"
	TimedOut       Outcome = "timed_out"
)

// State is the machine's position, reported to observers.
type State string

const (
	AwaitingUI             State = "awaiting_ui"
	NameEntry              State = "name_entry"
	Admitted               State = "admitted"
	InvalidMeetingDetected State = "invalid_meeting_detected"
	TimedOutState          State = "timed_out"
)

// Defaults
const (
	DefaultPollInterval  = 300 * time.Millisecond
	DefaultTimeout       = 30 * time.Minute
	DefaultClickPauseMin = time.Second
	DefaultClickPauseMax = 2 * time.Second
)

// Screen yields one frame per call.
type Screen interface {
	Frame(ctx context.Context) matcher.Frame
}

// Actuator clicks and types.
type Actuator interface {
	Click(ctx context.Context, p matcher.Point) error
	Type(ctx context.Context, text string, interKeyDelay time.Duration) error
}

type Config struct {
	PollInterval  time.Duration
	Timeout       time.Duration // 0 waits forever
	ClickPauseMin time.Duration
	ClickPauseMax time.Duration
	InterKeyDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClickPauseMax < c.ClickPauseMin {
		c.ClickPauseMax = c.ClickPauseMin
	}
	return c
}

// Machine is the join state machine. It is single-use per attempt and not
// safe for concurrent Run calls.
type Machine struct {
	screen    Screen
	act       Actuator
	templates *matcher.Set
	clock     clock.Clock
	cfg       Config
	log       *slog.Logger

	// Pause picks the human-like delay after a click.
	Pause func(lo, hi time.Duration) time.Duration
	// OnState observes every state transition.
	OnState func(State)
}

// New creates a join machine.
func New(screen Screen, act Actuator, templates *matcher.Set, clk clock.Clock, cfg Config, log *slog.Logger) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		screen:    screen,
		act:       act,
		templates: templates,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		log:       log,
		Pause:     clock.Between,
	}
}

// Run polls the screen until a terminal state. Recognition misses and
// actuator failures are logged and retried on the next tick; only context
// cancellation returns an error.
func (m *Machine) Run(ctx context.Context, displayName string) (Outcome, error) {
	t := m.templates
	start := m.clock.Now()
	m.enter(AwaitingUI)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if m.cfg.Timeout > 0 && m.clock.Now().Sub(start) >= m.cfg.Timeout {
			m.enter(TimedOutState)
			m.log.Warn("join timed out", "timeout", m.cfg.Timeout)
			return TimedOut, nil
		}

		frame := m.screen.Frame(ctx)

		if _, ok := frame.Find(t.Leave); ok {
			m.enter(Admitted)
			m.log.Info("joined meeting", "elapsed", m.clock.Now().Sub(start))
			return Joined, nil
		}

		if p, ok := frame.Find(t.Join); ok {
			m.click(ctx, "join", p)
			if err := m.pause(ctx); err != nil {
				return "", err
			}
			continue
		}

		if p, name, ok := findAny(frame, t.NameFields); ok {
			m.enter(NameEntry)
			if err := m.enterName(ctx, name, p, displayName); err != nil {
				return "", err
			}
			m.enter(AwaitingUI)
			continue
		}

		if _, ok := frame.Find(t.Invalid); ok {
			m.enter(InvalidMeetingDetected)
			m.log.Warn("meeting id rejected by client")
			return InvalidMeeting, nil
		}

		if err := m.clock.Sleep(ctx, m.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// enterName focuses the field, types the display name and submits it with
// the join button if it is visible on a fresh frame.
func (m *Machine) enterName(ctx context.Context, field string, p matcher.Point, displayName string) error {
	m.click(ctx, field, p)
	if err := m.pause(ctx); err != nil {
		return err
	}
	if err := m.act.Type(ctx, displayName, m.cfg.InterKeyDelay); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("typing display name failed", "error", err)
	}
	if jp, ok := m.screen.Frame(ctx).Find(m.templates.Join); ok {
		m.click(ctx, "join", jp)
		return m.pause(ctx)
	}
	return nil
}

func (m *Machine) click(ctx context.Context, what string, p matcher.Point) {
	if err := m.act.Click(ctx, p); err != nil {
		m.log.Warn("click failed", "target", what, "x", p.X, "y", p.Y, "error", err)
		return
	}
	m.log.Debug("clicked", "target", what, "x", p.X, "y", p.Y)
}

func (m *Machine) pause(ctx context.Context) error {
	return m.clock.Sleep(ctx, m.Pause(m.cfg.ClickPauseMin, m.cfg.ClickPauseMax))
}

func (m *Machine) enter(s State) {
	if m.OnState != nil {
		m.OnState(s)
	}
}

// findAny checks every template and returns the first, in order, that matched.
func findAny(frame matcher.Frame, templates []*matcher.Template) (matcher.Point, string, bool) {
	var (
		hit   matcher.Point
		name  string
		found bool
	)
	for _, t := range templates {
		if p, ok := frame.Find(t); ok && !found {
			hit, name, found = p, t.Name, true
		}
	}
	return hit, name, found
}
