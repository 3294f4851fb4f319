package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// UserIDRegex validates user/peer identifier format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RoomIDRegex validates room identifier format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxSignalPayloadBytes is the hard ceiling on a signal envelope payload.
const MaxSignalPayloadBytes = 64 * 1024

// ValidateUserID validates a user/peer identifier.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 100 {
		return fmt.Errorf("user ID is too long (max 100 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateRoomID validates a room identifier.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateBitrate validates a bitrate ceiling in kbps.
func ValidateBitrate(bitrate int) error {
	if bitrate < 100 {
		return fmt.Errorf("bitrate must be at least 100 kbps")
	}
	if bitrate > 10000 {
		return fmt.Errorf("bitrate is too high (max 10000 kbps)")
	}
	return nil
}

// ValidatePayloadSize validates a signal payload against the hard byte ceiling.
func ValidatePayloadSize(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if len(payload) > MaxSignalPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes (got %d)", MaxSignalPayloadBytes, len(payload))
	}
	return nil
}

// ValidateRelayURL validates a relay server URL (turn/turns/stun schemes).
func ValidateRelayURL(url string) error {
	if url == "" {
		return fmt.Errorf("relay URL is required")
	}
	for _, scheme := range []string{"turn:", "turns:", "stun:", "stuns:"} {
		if strings.HasPrefix(url, scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid relay URL scheme (must be turn, turns, stun, or stuns)")
}

// ValidateQualityPresetName validates a named video quality preset.
func ValidateQualityPresetName(name string) error {
	valid := map[string]bool{
		"ultraLow": true,
		"low":      true,
		"medium":   true,
		"high":     true,
		"maxAuto":  true,
	}
	if !valid[name] {
		return fmt.Errorf("invalid quality preset (must be ultraLow, low, medium, high, or maxAuto)")
	}
	return nil
}

// ValidateNonEmptyString validates that a string is not empty after trimming.
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
