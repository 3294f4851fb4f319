package domain

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	base := SignalEnvelope{
		RoomID:    "room-1",
		From:      "alice",
		To:        "bob",
		Type:      SignalOffer,
		Payload:   json.RawMessage(`{"sdp":"v=0"}`),
		Timestamp: time.Now(),
	}
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*SignalEnvelope)
	}{
		{"unknown type", func(e *SignalEnvelope) { e.Type = "hangup" }},
		{"empty from", func(e *SignalEnvelope) { e.From = "" }},
		{"empty to", func(e *SignalEnvelope) { e.To = "" }},
		{"oversized payload", func(e *SignalEnvelope) {
			e.Payload = bytes.Repeat([]byte("x"), MaxSignalPayloadBytes+1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := base
			tc.mutate(&env)
			assert.Error(t, env.Validate())
		})
	}
}

func TestSignalTypeKnown(t *testing.T) {
	for _, st := range []SignalType{SignalOffer, SignalAnswer, SignalCandidate, SignalRenegotiate, SignalBye} {
		assert.True(t, st.Known(), string(st))
	}
	assert.False(t, SignalType("hangup").Known())
	assert.False(t, SignalType("").Known())
}

func TestEnvelopeWireFieldNames(t *testing.T) {
	env := SignalEnvelope{
		RoomID: "room-1",
		From:   "alice",
		To:     "bob",
		Type:   SignalCandidate,
	}
	data, err := json.Marshal(&env)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"room_id", "from_user", "to_user", "signal_type"} {
		assert.Contains(t, raw, key)
	}
}
