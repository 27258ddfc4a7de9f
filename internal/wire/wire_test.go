package wire

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"nightwatch/internal/model"
)

func TestEventEnvelopeRoundTrip(t *testing.T) {
	ev := model.Event{
		Detector:   "radar",
		Timestamp:  time.Unix(1700000000, 123456000).UTC(),
		Sequence:   42,
		SessionID:  "radar-1-1",
		State:      model.StateNormal,
		Confidence: 0.9,
		Value:      map[string]any{"respiration_rate": 14.5, "presence": true},
	}
	line, err := Marshal("event", FromEvent(ev))
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(line, []byte("\n")))

	var env Envelope
	require.NoError(t, json.Unmarshal(line, &env))
	assert.Equal(t, "event", env.Type)

	var rec EventRecord
	require.NoError(t, json.Unmarshal(env.Payload, &rec))

	// Re-serialize: byte-equivalent framing.
	again, err := Marshal("event", rec)
	require.NoError(t, err)
	assert.Equal(t, line, again)
}

func TestAlertRecordRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ack := rapid.Bool().Draw(t, "hasAck")
		resolved := rapid.Bool().Draw(t, "resolved")
		triggered := time.Unix(rapid.Int64Range(0, 2_000_000_000).Draw(t, "triggered"), 0).UTC()

		a := model.Alert{
			AlertID:     rapid.StringMatching(`[a-f0-9]{16}`).Draw(t, "id"),
			RuleName:    rapid.StringMatching(`[a-z ]{1,20}`).Draw(t, "rule"),
			Level:       model.SeverityWarning,
			Source:      "rule",
			Message:     rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "msg"),
			TriggeredAt: triggered,
			Resolved:    resolved,
		}
		if ack {
			at := triggered.Add(5 * time.Second)
			a.AcknowledgedAt = &at
		}
		if resolved {
			at := triggered.Add(30 * time.Second)
			a.ResolvedAt = &at
		}

		line, err := Marshal("alert", FromAlert(a))
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		var rec AlertRecord
		require.NoError(t, json.Unmarshal(env.Payload, &rec))

		again, err := Marshal("alert", rec)
		require.NoError(t, err)
		assert.Equal(t, line, again)
	})
}

func TestChannelRecordCarriesBoolAndNumeric(t *testing.T) {
	for _, v := range []any{true, 13.8} {
		fs := model.FusedSignal{
			Name:       "ch",
			Value:      v,
			Confidence: 0.8,
			Timestamp:  time.Unix(1, 0).UTC(),
			Sources:    []string{"radar", "audio"},
			Agreement:  0.95,
		}
		line, err := Marshal("channel", FromChannel(fs))
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		var rec ChannelRecord
		require.NoError(t, json.Unmarshal(env.Payload, &rec))
		assert.Equal(t, "ch", rec.Name)
		assert.Len(t, rec.Sources, 2)
	}
}
