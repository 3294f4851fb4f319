package wsrelay

import (
	"fmt"
	"time"

	"callmesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims scopes a relay token to one room and user.
type accessClaims struct {
	RoomID string `json:"room_id"`
	jwt.RegisteredClaims
}

// tokenTTL bounds how long a minted token stays usable. Reconnects mint a
// fresh one.
const tokenTTL = time.Hour

// MintAccessToken signs a short-lived HS256 token the relay verifies on
// upgrade.
func MintAccessToken(secret string, room domain.RoomID, user domain.PeerID) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty relay secret")
	}

	now := time.Now()
	claims := accessClaims{
		RoomID: string(room),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing relay token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and validates a relay token, returning the room
// and user it was minted for.
func VerifyAccessToken(secret, raw string) (domain.RoomID, domain.PeerID, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parsing relay token: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("invalid relay token")
	}
	return domain.RoomID(claims.RoomID), domain.PeerID(claims.Subject), nil
}
