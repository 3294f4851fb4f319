package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("peer session not found")
	ErrRoomFull        = errors.New("room peer limit reached")
	ErrNoRelayServers  = errors.New("no relay servers configured")
	ErrNotConnected    = errors.New("signal channel not connected")
	ErrNoLocalMedia    = errors.New("local media not started")
)
