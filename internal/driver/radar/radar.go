// Package radar drives the mmWave presence sensor over its UART,
// framing the sensor's binary report stream into per-frame target
// lists. The serial layer uses github.com/pkg/term in raw mode with a
// read timeout, so a silent sensor surfaces as a transient timeout
// rather than a blocked goroutine.
package radar

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/term"

	"nightwatch/internal/driver"
)

// Target is one tracked subject position reported by the sensor.
type Target struct {
	XMM      int // millimetres, lateral
	YMM      int // millimetres, distance from sensor
	SpeedCMS int // cm/s, signed (negative = approaching)
}

// Frame is one parsed radar report: up to MaxTargets positions.
type Frame struct {
	Targets []Target
}

// MaxTargets is the most targets one report can carry (ld2450 tracks 3).
const MaxTargets = 3

// ld2450 report framing: 4-byte header, 3 fixed-size target slots of
// 8 bytes each, 2-byte tail.
var (
	frameHeader = []byte{0xAA, 0xFF, 0x03, 0x00}
	frameTail   = []byte{0x55, 0xCC}
)

const (
	targetSlotLen = 8
	frameBodyLen  = MaxTargets * targetSlotLen
	frameTotalLen = 4 + frameBodyLen + 2

	// readTimeout is generous relative to the ~10Hz report period;
	// ten missed periods means the sensor has gone quiet.
	readTimeout = 1 * time.Second
)

// Driver reads ld2450/ld2410-style report frames from a UART device.
type Driver struct {
	Device string
	Baud   int
	Model  string // ld2450 | ld2410

	mu   sync.Mutex
	port serialPort
	buf  []byte

	// Resyncs counts frames discarded while hunting for the header,
	// surfaced in health.
	resyncs uint64

	// openPort is swapped in tests to substitute a pty for the real
	// device.
	openPort func(device string, baud int) (serialPort, error)
}

// serialPort is the subset of *term.Term the driver needs.
type serialPort interface {
	Read(p []byte) (int, error)
	Close() error
}

// New builds a Driver for the configured device.
func New(device string, baud int, model string) *Driver {
	if baud == 0 {
		baud = 256000
	}
	return &Driver{
		Device:   device,
		Baud:     baud,
		Model:    model,
		openPort: openTerm,
	}
}

func openTerm(device string, baud int) (serialPort, error) {
	t, err := term.Open(device, term.RawMode, term.Speed(baud), term.ReadTimeout(readTimeout))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Connect opens the serial device.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	p, err := d.openPort(d.Device, d.Baud)
	if err != nil {
		return fmt.Errorf("radar: open %s: %w", d.Device, err)
	}
	d.port = p
	d.buf = d.buf[:0]
	return nil
}

// Disconnect closes the serial device.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Read blocks until one complete report frame is parsed, then returns
// it timestamped at acquisition. Byte loss mid-frame is tolerated: the
// scanner hunts for the next header and counts the discard as a
// resync.
func (d *Driver) Read(ctx context.Context) (driver.Frame, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return driver.Frame{}, driver.Fatal(fmt.Errorf("radar: not connected"))
	}

	chunk := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return driver.Frame{}, driver.Fatal(err)
		}
		if f, ok := d.scan(); ok {
			return driver.Frame{Timestamp: time.Now(), Payload: f}, nil
		}
		n, err := port.Read(chunk)
		if n > 0 {
			d.mu.Lock()
			d.buf = append(d.buf, chunk[:n]...)
			d.mu.Unlock()
			continue
		}
		if err != nil {
			return driver.Frame{}, driver.Transient(fmt.Errorf("radar: read %s: %w", d.Device, err))
		}
		// Zero-byte read with no error: the port's read timeout
		// expired with no data.
		return driver.Frame{}, driver.Transient(fmt.Errorf("radar: read timeout on %s", d.Device))
	}
}

// scan attempts to extract one complete frame from the accumulated
// buffer, resynchronizing on the header when the stream is torn.
func (d *Driver) scan() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		start := indexOf(d.buf, frameHeader)
		if start < 0 {
			// Keep a header-length tail in case the preamble is split
			// across reads.
			if len(d.buf) > len(frameHeader) {
				if len(d.buf) >= frameTotalLen {
					d.resyncs++
				}
				d.buf = append(d.buf[:0], d.buf[len(d.buf)-len(frameHeader):]...)
			}
			return Frame{}, false
		}
		if start > 0 {
			d.resyncs++
			d.buf = append(d.buf[:0], d.buf[start:]...)
		}
		if len(d.buf) < frameTotalLen {
			return Frame{}, false
		}
		body := d.buf[4 : 4+frameBodyLen]
		tail := d.buf[4+frameBodyLen : frameTotalLen]
		if tail[0] != frameTail[0] || tail[1] != frameTail[1] {
			// Malformed frame: drop the header and rescan.
			d.resyncs++
			d.buf = append(d.buf[:0], d.buf[len(frameHeader):]...)
			continue
		}
		f := parseBody(body)
		d.buf = append(d.buf[:0], d.buf[frameTotalLen:]...)
		return f, true
	}
}

func indexOf(haystack, needle []byte) int {
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

// parseBody decodes the 3 fixed target slots. The sensor encodes
// signed coordinates as magnitude with a sign flag in the high bit.
func parseBody(body []byte) Frame {
	var f Frame
	for i := 0; i < MaxTargets; i++ {
		slot := body[i*targetSlotLen : (i+1)*targetSlotLen]
		x := decodeSigned(binary.LittleEndian.Uint16(slot[0:2]))
		y := decodeSigned(binary.LittleEndian.Uint16(slot[2:4]))
		speed := decodeSigned(binary.LittleEndian.Uint16(slot[4:6]))
		if x == 0 && y == 0 && speed == 0 {
			continue // empty slot
		}
		f.Targets = append(f.Targets, Target{XMM: x, YMM: y, SpeedCMS: speed})
	}
	return f
}

// decodeSigned undoes the sensor's sign-magnitude encoding: high bit
// set means positive, clear means negative.
func decodeSigned(raw uint16) int {
	if raw&0x8000 != 0 {
		return int(raw & 0x7FFF)
	}
	return -int(raw)
}

// EncodeFrame builds the wire form of f, used by the mock transport
// and the loopback tests.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, 0, frameTotalLen)
	out = append(out, frameHeader...)
	for i := 0; i < MaxTargets; i++ {
		slot := make([]byte, targetSlotLen)
		if i < len(f.Targets) {
			t := f.Targets[i]
			binary.LittleEndian.PutUint16(slot[0:2], encodeSigned(t.XMM))
			binary.LittleEndian.PutUint16(slot[2:4], encodeSigned(t.YMM))
			binary.LittleEndian.PutUint16(slot[4:6], encodeSigned(t.SpeedCMS))
		}
		out = append(out, slot...)
	}
	out = append(out, frameTail...)
	return out
}

func encodeSigned(v int) uint16 {
	if v >= 0 {
		return uint16(v) | 0x8000
	}
	return uint16(-v) & 0x7FFF
}

// Resyncs reports how many times the scanner discarded bytes to
// re-find frame alignment.
func (d *Driver) Resyncs() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resyncs
}

// Calibrate is a no-op for the radar; the sensor self-calibrates.
func (d *Driver) Calibrate(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}

// Describe identifies the driver for logs and health.
func (d *Driver) Describe() string {
	return fmt.Sprintf("radar(%s@%s)", d.Model, d.Device)
}
