package radar

import (
	"context"
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ptyDriver returns a Driver whose serial port is the tty end of a
// pty pair, with the master end returned for the test to write frames
// into. Stands in for the physical UART; the tty is switched to raw
// mode like the real port so binary frames pass through unaltered.
func ptyDriver(t *testing.T) (*Driver, func([]byte)) {
	t.Helper()
	master, tty, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })
	tio, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	require.NoError(t, err)
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB
	tio.Cflag |= unix.CS8
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	require.NoError(t, unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, tio))

	d := New("pty", 256000, "ld2450")
	d.openPort = func(device string, baud int) (serialPort, error) {
		return tty, nil
	}
	require.NoError(t, d.Connect(context.Background()))
	return d, func(b []byte) {
		_, err := master.Write(b)
		require.NoError(t, err)
	}
}

func TestReadParsesFrame(t *testing.T) {
	d, write := ptyDriver(t)
	defer d.Disconnect(context.Background())

	want := Frame{Targets: []Target{
		{XMM: -120, YMM: 1500, SpeedCMS: 3},
		{XMM: 40, YMM: 2100, SpeedCMS: -12},
	}}
	write(EncodeFrame(want))

	f, err := d.Read(context.Background())
	require.NoError(t, err)
	got, ok := f.Payload.(Frame)
	require.True(t, ok)
	assert.Equal(t, want.Targets, got.Targets)
	assert.False(t, f.Timestamp.IsZero())
}

func TestReadResyncsAfterGarbage(t *testing.T) {
	d, write := ptyDriver(t)
	defer d.Disconnect(context.Background())

	want := Frame{Targets: []Target{{XMM: 10, YMM: 900, SpeedCMS: 0}}}
	garbage := []byte{0x01, 0x02, 0xAA, 0xFF, 0x00, 0x99, 0x55}
	write(append(garbage, EncodeFrame(want)...))

	f, err := d.Read(context.Background())
	require.NoError(t, err)
	got := f.Payload.(Frame)
	assert.Equal(t, want.Targets, got.Targets)
	assert.GreaterOrEqual(t, d.Resyncs(), uint64(1))
}

func TestReadTornHeaderAcrossWrites(t *testing.T) {
	d, write := ptyDriver(t)
	defer d.Disconnect(context.Background())

	want := Frame{Targets: []Target{{XMM: 5, YMM: 1200, SpeedCMS: -2}}}
	wire := EncodeFrame(want)
	write(wire[:3])
	write(wire[3:])

	f, err := d.Read(context.Background())
	require.NoError(t, err)
	got := f.Payload.(Frame)
	assert.Equal(t, want.Targets, got.Targets)
}

func TestBadTailDropsFrame(t *testing.T) {
	d, write := ptyDriver(t)
	defer d.Disconnect(context.Background())

	bad := EncodeFrame(Frame{Targets: []Target{{XMM: 1, YMM: 1, SpeedCMS: 1}}})
	bad[len(bad)-1] = 0x00 // corrupt the tail
	good := Frame{Targets: []Target{{XMM: 7, YMM: 800, SpeedCMS: 1}}}
	write(append(bad, EncodeFrame(good)...))

	f, err := d.Read(context.Background())
	require.NoError(t, err)
	got := f.Payload.(Frame)
	assert.Equal(t, good.Targets, got.Targets)
	assert.GreaterOrEqual(t, d.Resyncs(), uint64(1))
}

func TestSignedRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, -1, 4095, -4095, 32000} {
		assert.Equal(t, v, decodeSigned(encodeSigned(v)), "value %d", v)
	}
}
