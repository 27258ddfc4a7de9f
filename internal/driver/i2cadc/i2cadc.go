// Package i2cadc reads a single-channel ADC over Linux i2c-dev, the
// shared transport for the capacitive pad and the under-mattress
// piezo BCG sensor. Bus transactions go through raw unix ioctls
// against /dev/i2c-N.
package i2cadc

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"nightwatch/internal/driver"
	"nightwatch/internal/dsp"
)

// Sample is one ADC conversion result.
type Sample struct {
	Raw int16
}

// Value converts the raw count to a unitless [-1,1] amplitude.
func (s Sample) Value() float64 { return float64(s.Raw) / 32768.0 }

// conversionReg is the ADS1115-family conversion result register.
const conversionReg = 0x00

// Driver paces conversions off a ticker at SampleRate and yields one
// Sample per Read.
type Driver struct {
	Name       string // capacitive | bcg, for logs and Describe
	Bus        string // e.g. /dev/i2c-1
	Addr       int
	SampleRate int

	mu     sync.Mutex
	file   *os.File
	ticker *time.Ticker

	// transact is swapped in tests to avoid real hardware.
	transact func(fd uintptr, reg byte) (int16, error)
}

// New builds a Driver for one ADC at addr on bus.
func New(name, bus string, addr, sampleRate int) *Driver {
	if sampleRate <= 0 {
		sampleRate = 100
	}
	return &Driver{
		Name:       name,
		Bus:        bus,
		Addr:       addr,
		SampleRate: sampleRate,
		transact:   readRegister,
	}
}

// Connect opens the i2c-dev node and claims the peripheral address.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return nil
	}
	f, err := os.OpenFile(d.Bus, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("i2cadc(%s): open %s: %w", d.Name, d.Bus, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.I2C_SLAVE, d.Addr); err != nil {
		_ = f.Close()
		return fmt.Errorf("i2cadc(%s): claim 0x%02x on %s: %w", d.Name, d.Addr, d.Bus, err)
	}
	d.file = f
	d.ticker = time.NewTicker(time.Second / time.Duration(d.SampleRate))
	return nil
}

// Disconnect releases the bus node.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	d.ticker.Stop()
	err := d.file.Close()
	d.file = nil
	return err
}

// Read waits for the next sample period and performs one conversion
// read. A NAK or bus error is transient; the ADC recovers on retry.
func (d *Driver) Read(ctx context.Context) (driver.Frame, error) {
	d.mu.Lock()
	file, ticker := d.file, d.ticker
	d.mu.Unlock()
	if file == nil {
		return driver.Frame{}, driver.Fatal(fmt.Errorf("i2cadc(%s): not connected", d.Name))
	}
	select {
	case <-ctx.Done():
		return driver.Frame{}, driver.Fatal(ctx.Err())
	case <-ticker.C:
	}
	raw, err := d.transact(file.Fd(), conversionReg)
	if err != nil {
		return driver.Frame{}, driver.Transient(fmt.Errorf("i2cadc(%s): read 0x%02x: %w", d.Name, d.Addr, err))
	}
	return driver.Frame{Timestamp: time.Now(), Payload: Sample{Raw: raw}}, nil
}

// readRegister does a register-pointer write followed by a two-byte
// big-endian result read, the standard SMBus word-read shape.
func readRegister(fd uintptr, reg byte) (int16, error) {
	if _, err := unix.Write(int(fd), []byte{reg}); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	n, err := unix.Read(int(fd), buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, fmt.Errorf("short read: %d bytes", n)
	}
	return int16(binary.BigEndian.Uint16(buf)), nil
}

// Calibrate samples the pad for two seconds and reports the observed
// RMS and mean levels. No occupancy threshold is derived from them.
func (d *Driver) Calibrate(ctx context.Context) (map[string]float64, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(2 * time.Second)
	var values []float64
	for time.Now().Before(deadline) {
		f, err := d.Read(ctx)
		if err != nil {
			if driver.IsFatal(err) {
				return nil, err
			}
			continue
		}
		values = append(values, f.Payload.(Sample).Value())
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("i2cadc(%s): calibration collected no samples", d.Name)
	}
	return map[string]float64{
		"rms":  dsp.RMS(values),
		"mean": dsp.Mean(values),
	}, nil
}

// Describe identifies the driver for logs and health.
func (d *Driver) Describe() string {
	return fmt.Sprintf("%s(0x%02x@%s %dHz)", d.Name, d.Addr, d.Bus, d.SampleRate)
}
