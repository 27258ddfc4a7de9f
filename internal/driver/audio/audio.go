// Package audio captures continuous PCM from the USB microphone via
// PortAudio, delivering 20ms mono frames of 16-bit samples.
package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"nightwatch/internal/driver"
)

// FrameDuration is the fixed processing granule for the audio chain.
const FrameDuration = 20 * time.Millisecond

// PCMFrame is one captured block of mono samples.
type PCMFrame struct {
	SampleRate int
	Samples    []int16
}

// Driver captures from the configured input device. Device is a
// substring match against PortAudio device names; empty selects the
// default input.
type Driver struct {
	Device     string
	SampleRate int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

// New builds an audio Driver. sampleRate below 16kHz is raised to it.
func New(device string, sampleRate int) *Driver {
	if sampleRate < 16000 {
		sampleRate = 16000
	}
	return &Driver{Device: device, SampleRate: sampleRate}
}

// FrameSamples returns how many samples one 20ms frame holds.
func (d *Driver) FrameSamples() int {
	return d.SampleRate * int(FrameDuration) / int(time.Second)
}

// Connect initializes PortAudio and opens the capture stream.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}
	d.buf = make([]int16, d.FrameSamples())

	var stream *portaudio.Stream
	var err error
	if d.Device == "" {
		stream, err = portaudio.OpenDefaultStream(1, 0, float64(d.SampleRate), len(d.buf), d.buf)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findInput(d.Device)
		if err == nil {
			params := portaudio.LowLatencyParameters(dev, nil)
			params.Input.Channels = 1
			params.SampleRate = float64(d.SampleRate)
			params.FramesPerBuffer = len(d.buf)
			stream, err = portaudio.OpenStream(params, d.buf)
		}
	}
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("audio: open %q: %w", d.Device, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("audio: start stream: %w", err)
	}
	d.stream = stream
	return nil
}

func findInput(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(dev.Name, name) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", name)
}

// Disconnect stops the stream and tears down PortAudio.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Stop()
	if cerr := d.stream.Close(); err == nil {
		err = cerr
	}
	d.stream = nil
	_ = portaudio.Terminate()
	return err
}

// Read blocks until one 20ms frame has been captured. An underrun is
// transient; the next read resumes the stream.
func (d *Driver) Read(ctx context.Context) (driver.Frame, error) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return driver.Frame{}, driver.Fatal(fmt.Errorf("audio: not connected"))
	}
	if err := ctx.Err(); err != nil {
		return driver.Frame{}, driver.Fatal(err)
	}
	if err := stream.Read(); err != nil {
		if err == portaudio.InputOverflowed {
			return driver.Frame{}, driver.Transient(fmt.Errorf("audio: input overflow: %w", err))
		}
		return driver.Frame{}, driver.Fatal(fmt.Errorf("audio: read: %w", err))
	}
	samples := make([]int16, len(d.buf))
	copy(samples, d.buf)
	return driver.Frame{
		Timestamp: time.Now(),
		Payload:   PCMFrame{SampleRate: d.SampleRate, Samples: samples},
	}, nil
}

// Calibrate is a no-op; the detector learns its noise floor adaptively.
func (d *Driver) Calibrate(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}

// Describe identifies the driver for logs and health.
func (d *Driver) Describe() string {
	name := d.Device
	if name == "" {
		name = "default"
	}
	return fmt.Sprintf("audio(%s@%dHz)", name, d.SampleRate)
}
