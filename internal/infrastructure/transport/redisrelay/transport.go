package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config tunes the redis relay client.
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int

	RoomID domain.RoomID
	UserID domain.PeerID

	// PresenceTTL bounds how long a presence key survives without heartbeat.
	PresenceTTL time.Duration
}

// Transport relays signaling through redis pub/sub. Signals and presence
// travel on separate per-room channels; presence is additionally mirrored
// into a TTL key so late joiners can enumerate the room.
type Transport struct {
	cfg    Config
	client *redis.Client
	logger *zap.SugaredLogger

	mu     sync.Mutex
	sub    *redis.PubSub
	closed bool

	signals  chan domain.SignalEnvelope
	presence chan domain.PresenceUpdate

	wg sync.WaitGroup
}

// New builds a transport; Connect establishes the client and subscriptions.
func New(cfg Config, logger *zap.SugaredLogger) *Transport {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 90 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		signals:  make(chan domain.SignalEnvelope, 32),
		presence: make(chan domain.PresenceUpdate, 32),
	}
}

func (t *Transport) signalChannel() string {
	return fmt.Sprintf("callmesh:room:%s:signals", t.cfg.RoomID)
}

func (t *Transport) presenceChannel() string {
	return fmt.Sprintf("callmesh:room:%s:presence", t.cfg.RoomID)
}

func (t *Transport) presenceKey(user domain.PeerID) string {
	return fmt.Sprintf("callmesh:room:%s:peer:%s", t.cfg.RoomID, user)
}

// Connect pings redis, subscribes to the room channels and starts the
// receive pump.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	client := redis.NewClient(&redis.Options{
		Addr:         t.cfg.Address,
		Password:     t.cfg.Password,
		DB:           t.cfg.DB,
		PoolSize:     t.cfg.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sub := client.Subscribe(ctx, t.signalChannel(), t.presenceChannel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		client.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.sub = sub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receivePump(sub.Channel())

	t.logger.Infow("redis relay connected",
		"address", t.cfg.Address, "room_id", t.cfg.RoomID,
	)
	return nil
}

// PublishSignal publishes one envelope on the room's signal channel.
func (t *Transport) PublishSignal(ctx context.Context, env domain.SignalEnvelope) error {
	client := t.clientOrNil()
	if client == nil {
		return domain.ErrNotConnected
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := client.Publish(ctx, t.signalChannel(), body).Err(); err != nil {
		return fmt.Errorf("publishing signal: %w", err)
	}
	return nil
}

// PublishPresence publishes one presence row and refreshes the TTL mirror.
// "left" deletes the mirror instead.
func (t *Transport) PublishPresence(ctx context.Context, upd domain.PresenceUpdate) error {
	client := t.clientOrNil()
	if client == nil {
		return domain.ErrNotConnected
	}

	body, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("marshaling presence: %w", err)
	}

	pipe := client.Pipeline()
	pipe.Publish(ctx, t.presenceChannel(), body)
	if upd.Status == domain.PresenceLeft {
		pipe.Del(ctx, t.presenceKey(upd.UserID))
	} else {
		pipe.Set(ctx, t.presenceKey(upd.UserID), body, t.cfg.PresenceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing presence: %w", err)
	}
	return nil
}

// RoomPeers enumerates the presence mirror for the room.
func (t *Transport) RoomPeers(ctx context.Context) ([]domain.PresenceUpdate, error) {
	client := t.clientOrNil()
	if client == nil {
		return nil, domain.ErrNotConnected
	}

	pattern := fmt.Sprintf("callmesh:room:%s:peer:*", t.cfg.RoomID)
	var out []domain.PresenceUpdate

	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		body, err := client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var upd domain.PresenceUpdate
		if err := json.Unmarshal(body, &upd); err != nil {
			continue
		}
		out = append(out, upd)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning presence keys: %w", err)
	}
	return out, nil
}

func (t *Transport) clientOrNil() *redis.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) Signals() <-chan domain.SignalEnvelope {
	return t.signals
}

func (t *Transport) Presence() <-chan domain.PresenceUpdate {
	return t.presence
}

// Close unsubscribes, closes the client and both inbound channels.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub := t.sub
	client := t.client
	t.sub = nil
	t.client = nil
	t.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	if client != nil {
		if cerr := client.Close(); err == nil {
			err = cerr
		}
	}

	t.wg.Wait()
	close(t.signals)
	close(t.presence)
	return err
}

func (t *Transport) receivePump(msgs <-chan *redis.Message) {
	defer t.wg.Done()

	for msg := range msgs {
		switch msg.Channel {
		case t.signalChannel():
			var env domain.SignalEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.logger.Debugw("undecodable signal row", "error", err)
				continue
			}
			select {
			case t.signals <- env:
			default:
				t.logger.Warnw("inbound signal buffer full, dropping row")
			}
		case t.presenceChannel():
			var upd domain.PresenceUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
				t.logger.Debugw("undecodable presence row", "error", err)
				continue
			}
			select {
			case t.presence <- upd:
			default:
				t.logger.Warnw("inbound presence buffer full, dropping row")
			}
		}
	}
}

var _ ports.RelayTransport = (*Transport)(nil)
