package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepDegradesThenOfflines(t *testing.T) {
	r := NewRegistry(10 * time.Second)
	base := time.Unix(0, 0)
	r.Touch("radar", base)

	degraded, offline := r.Sweep(base.Add(5 * time.Second))
	assert.Empty(t, degraded)
	assert.Empty(t, offline)

	degraded, offline = r.Sweep(base.Add(11 * time.Second))
	assert.Equal(t, []string{"radar"}, degraded)
	assert.Empty(t, offline)

	// Second sweep in the degraded band does not re-report.
	degraded, _ = r.Sweep(base.Add(12 * time.Second))
	assert.Empty(t, degraded)

	_, offline = r.Sweep(base.Add(21 * time.Second))
	assert.Equal(t, []string{"radar"}, offline)
}

func TestTouchRevivesComponent(t *testing.T) {
	r := NewRegistry(10 * time.Second)
	base := time.Unix(0, 0)
	r.Touch("audio", base)
	r.Sweep(base.Add(25 * time.Second))

	r.Touch("audio", base.Add(26*time.Second))
	degraded, offline := r.Sweep(base.Add(27 * time.Second))
	assert.Empty(t, degraded)
	assert.Empty(t, offline)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusOnline, snap[0].Status)
}

func TestSystemStatusDerivation(t *testing.T) {
	r := NewRegistry(10 * time.Second)
	base := time.Unix(0, 0)
	r.Touch("radar", base)
	r.Touch("audio", base)
	assert.Equal(t, StatusOnline, r.System())

	r.Touch("audio", base.Add(30*time.Second))
	r.Sweep(base.Add(30 * time.Second)) // radar is now offline
	assert.Equal(t, StatusDegraded, r.System())

	r.SetStatus("notifier", StatusError)
	assert.Equal(t, StatusError, r.System())
}
