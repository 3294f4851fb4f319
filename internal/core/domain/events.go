package domain

// EventName identifies an engine event delivered to external observers.
type EventName string

const (
	EventEngineReady        EventName = "engine:ready"
	EventEngineDisconnected EventName = "engine:disconnected"
	EventPeerJoined         EventName = "peer:joined"
	EventPeerLeft           EventName = "peer:left"
	EventTrackAdded         EventName = "track:added"
	EventTrackRemoved       EventName = "track:removed"
	EventReconnectAttempt   EventName = "reconnect:attempt"
	EventReconnectFailed    EventName = "reconnect:failed"
	EventStatsUpdate        EventName = "stats:update"
	EventBandwidthWarning   EventName = "bandwidth:warning"
	EventError              EventName = "error"
)

// PeerEvent carries peer:joined / peer:left payloads.
type PeerEvent struct {
	UserID PeerID
}

// TrackEvent carries track:added / track:removed payloads. Track and Stream
// are opaque handles owned by the native layer.
type TrackEvent struct {
	UserID   PeerID
	TrackID  string
	Kind     MediaKind
	Track    interface{}
	StreamID string
}

// ReconnectEvent carries reconnect:attempt payloads.
type ReconnectEvent struct {
	UserID  PeerID
	Attempt int
}

// StatsEvent carries stats:update payloads.
type StatsEvent struct {
	UserID PeerID
	Report StatsReport
}

// BandwidthWarning carries bandwidth:warning payloads (kbps).
type BandwidthWarning struct {
	UserID    PeerID
	Available float64
	Required  float64
}

// ErrorEvent carries error payloads with the context in which they occurred.
type ErrorEvent struct {
	Err     error
	Context string
}
