package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType is the kind of a signaling envelope.
type SignalType string

const (
	SignalOffer       SignalType = "offer"
	SignalAnswer      SignalType = "answer"
	SignalCandidate   SignalType = "ice-candidate"
	SignalRenegotiate SignalType = "renegotiate"
	SignalBye         SignalType = "bye"
)

// Known reports whether the type is one the engine dispatches.
func (t SignalType) Known() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalRenegotiate, SignalBye:
		return true
	}
	return false
}

// MaxSignalPayloadBytes is the hard byte ceiling on envelope payloads,
// enforced before send and on receipt.
const MaxSignalPayloadBytes = 64 * 1024

// SignalEnvelope is the immutable wire message exchanged through the relay.
// Delivery is at-least-once, possibly reordered, possibly duplicated.
type SignalEnvelope struct {
	RoomID    RoomID          `json:"room_id"`
	From      PeerID          `json:"from_user"`
	To        PeerID          `json:"to_user"`
	Type      SignalType      `json:"signal_type"`
	Payload   json.RawMessage `json:"signal_data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks structural well-formedness. Malformed envelopes are
// discarded by the receiver, never dispatched.
func (e *SignalEnvelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("unknown signal type %q", e.Type)
	}
	if e.From == "" {
		return fmt.Errorf("envelope from is empty")
	}
	if e.To == "" {
		return fmt.Errorf("envelope to is empty")
	}
	if len(e.Payload) > MaxSignalPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes (got %d)", MaxSignalPayloadBytes, len(e.Payload))
	}
	return nil
}

// PresenceStatus is the presence row status.
type PresenceStatus string

const (
	PresenceJoined PresenceStatus = "joined"
	PresenceLeft   PresenceStatus = "left"
)

// PresenceUpdate is the presence row exchanged through the relay.
type PresenceUpdate struct {
	RoomID        RoomID         `json:"room_id"`
	UserID        PeerID         `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}
