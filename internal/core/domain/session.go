package domain

// PeerID identifies a remote peer within a room.
type PeerID string

// RoomID identifies a call room.
type RoomID string

// SessionState is the lifecycle state of one peer session.
type SessionState string

const (
	SessionAbsent       SessionState = "absent"
	SessionNegotiating  SessionState = "negotiating"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionReconnecting SessionState = "reconnecting"
	SessionFailed       SessionState = "failed"
	SessionClosed       SessionState = "closed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionClosed
}

// Polite reports whether the local peer yields in an offer collision against
// remote. Politeness is deterministic: the lexicographically smaller id is polite.
func Polite(local, remote PeerID) bool {
	return local < remote
}

// MediaKind distinguishes audio from video for mute toggles.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)
