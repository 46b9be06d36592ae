// Package devices inspects the host's audio inputs so preflight checks can
// confirm the recording sink's monitor is visible and carrying signal.
package devices

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Kind is a coarse device classification by name.
type Kind string

const (
	KindMonitor Kind = "monitor"
	KindMic     Kind = "mic"
	KindOther   Kind = "other"
)

const framesPerBuffer = 1024

// ErrNotFound means no input device matched the sink.
var ErrNotFound = errors.New("sink monitor not visible to portaudio")

var (
	monitorKeywords = []string{"monitor", "blackhole", "vb-cable", "loopback", "soundflower", "pulse"}
	micKeywords     = []string{"microphone", "mic", "input", "built-in"}
)

// Device is one capture-capable input.
type Device struct {
	Name       string
	Channels   int
	SampleRate float64
	Kind       Kind
}

// Report is the result of probing a sink.
type Report struct {
	Device Device
	// Peak is the largest absolute sample seen, in [0, 1].
	Peak float64
}

// Silent reports whether nothing was playing during the probe.
func (r Report) Silent() bool { return r.Peak < 1e-4 }

func classify(name string) Kind {
	lower := strings.ToLower(name)
	for _, kw := range monitorKeywords {
		if strings.Contains(lower, kw) {
			return KindMonitor
		}
	}
	for _, kw := range micKeywords {
		if strings.Contains(lower, kw) {
			return KindMic
		}
	}
	return KindOther
}

// Match picks the input for sink: a name containing the sink wins, monitors
// before other kinds; failing that, the first monitor-like device.
func Match(devs []Device, sink string) (Device, bool) {
	sink = strings.ToLower(sink)
	var named, monitor *Device
	for i := range devs {
		d := &devs[i]
		if sink != "" && strings.Contains(strings.ToLower(d.Name), sink) {
			if named == nil || (d.Kind == KindMonitor && named.Kind != KindMonitor) {
				named = d
			}
		}
		if monitor == nil && d.Kind == KindMonitor {
			monitor = d
		}
	}
	switch {
	case named != nil:
		return *named, true
	case monitor != nil:
		return *monitor, true
	}
	return Device{}, false
}

// List returns every input device.
func List() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()
	return inputs()
}

func inputs() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var out []Device
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: info.DefaultSampleRate,
			Kind:       classify(info.Name),
		})
	}
	return out, nil
}

// Probe opens the input matching sink and measures its peak level over
// window.
func Probe(sink string, window time.Duration) (Report, error) {
	if err := portaudio.Initialize(); err != nil {
		return Report{}, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devs, err := inputs()
	if err != nil {
		return Report{}, err
	}
	dev, ok := Match(devs, sink)
	if !ok {
		return Report{}, ErrNotFound
	}
	info, err := lookup(dev.Name)
	if err != nil {
		return Report{Device: dev}, err
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      info.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, buf)
	if err != nil {
		return Report{Device: dev}, fmt.Errorf("open %s: %w", dev.Name, err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return Report{Device: dev}, fmt.Errorf("start %s: %w", dev.Name, err)
	}
	defer stream.Stop()

	report := Report{Device: dev}
	reads := max(1, int(window.Seconds()*info.DefaultSampleRate)/framesPerBuffer)
	for range reads {
		if err := stream.Read(); err != nil {
			return report, fmt.Errorf("read %s: %w", dev.Name, err)
		}
		report.Peak = math.Max(report.Peak, peak(buf))
	}
	return report, nil
}

func lookup(name string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return nil, ErrNotFound
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(float64(s)))
	}
	return min(p, 1)
}
