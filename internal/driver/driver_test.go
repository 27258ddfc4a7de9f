package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoffBoundsAndJitter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBackoff()
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			d := b.Next()
			// Jitter is +/-20% around the nominal value; the cap plus
			// jitter bounds everything.
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, time.Duration(float64(b.Cap)*1.2)+time.Nanosecond)
		}
	})
}

func TestBackoffResets(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	// After reset the delay is back near the start value.
	assert.LessOrEqual(t, d, time.Duration(float64(b.Start)*1.2)+time.Nanosecond)
}

// scriptDriver yields a scripted sequence of frames and errors.
type scriptDriver struct {
	script   []any // Frame or error
	i        int
	connects int
}

func (d *scriptDriver) Connect(ctx context.Context) error {
	d.connects++
	return nil
}
func (d *scriptDriver) Disconnect(ctx context.Context) error { return nil }
func (d *scriptDriver) Calibrate(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}
func (d *scriptDriver) Describe() string { return "script" }

func (d *scriptDriver) Read(ctx context.Context) (Frame, error) {
	if d.i >= len(d.script) {
		<-ctx.Done()
		return Frame{}, Fatal(ctx.Err())
	}
	item := d.script[d.i]
	d.i++
	switch v := item.(type) {
	case Frame:
		return v, nil
	case error:
		return Frame{}, v
	}
	return Frame{}, nil
}

func TestRunWithReconnectRetriesTransient(t *testing.T) {
	d := &scriptDriver{script: []any{
		Frame{Payload: 1},
		Transient(errors.New("timeout")),
		Frame{Payload: 2},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var frames []Frame
	var transients int
	RunWithReconnect(ctx, d, nil, func(f Frame) {
		frames = append(frames, f)
		if len(frames) == 2 {
			cancel()
		}
	}, func(err error, fatal bool) {
		if !fatal {
			transients++
		}
	})

	require.Len(t, frames, 2)
	assert.Equal(t, 1, frames[0].Payload)
	assert.Equal(t, 2, frames[1].Payload)
	assert.Equal(t, 1, transients)
	assert.Equal(t, 1, d.connects)
}

func TestRunWithReconnectReconnectsOnFatal(t *testing.T) {
	d := &scriptDriver{script: []any{
		Frame{Payload: 1},
		Fatal(errors.New("device gone")),
		Frame{Payload: 2},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var frames []Frame
	RunWithReconnect(ctx, d, nil, func(f Frame) {
		frames = append(frames, f)
		if len(frames) == 2 {
			cancel()
		}
	}, func(err error, fatal bool) {})

	require.Len(t, frames, 2)
	assert.GreaterOrEqual(t, d.connects, 2, "fatal error must force a reconnect")
}

func TestErrorCategories(t *testing.T) {
	assert.False(t, IsFatal(Transient(errors.New("x"))))
	assert.True(t, IsFatal(Fatal(errors.New("x"))))
	assert.False(t, IsFatal(errors.New("plain")))
}
