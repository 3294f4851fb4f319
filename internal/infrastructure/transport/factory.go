package transport

import (
	"fmt"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/transport/redisrelay"
	"callmesh/internal/infrastructure/transport/wsrelay"
	"callmesh/pkg/config"

	"go.uber.org/zap"
)

// New selects the relay transport implementation from configuration.
func New(cfg *config.Config, logger *zap.SugaredLogger) (ports.RelayTransport, error) {
	room := domain.RoomID(cfg.Room.ID)
	user := domain.PeerID(cfg.Room.UserID)

	switch cfg.Signal.Transport {
	case "websocket":
		return wsrelay.New(wsrelay.Config{
			URL:    cfg.Signal.URL,
			Secret: cfg.Signal.Secret,
			RoomID: room,
			UserID: user,
		}, logger), nil

	case "redis":
		return redisrelay.New(redisrelay.Config{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			RoomID:      room,
			UserID:      user,
			PresenceTTL: 3 * cfg.Signal.HeartbeatInterval,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown signal transport %q", cfg.Signal.Transport)
	}
}
