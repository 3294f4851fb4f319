package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/backoff"
	engerr "callmesh/pkg/errors"
	"callmesh/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SignalChannelConfig tunes the channel.
type SignalChannelConfig struct {
	RoomID            domain.RoomID
	LocalID           domain.PeerID
	HeartbeatInterval time.Duration
	ConnectPolicy     backoff.Policy
	MessagesPerMinute int
	RetryQueueSize    int
	RetryDrainEvery   time.Duration
}

// SignalChannel is the durable-ish pub/sub signaling surface over a
// RelayTransport. It owns its outbound retry queue and handler registries.
type SignalChannel struct {
	cfg       SignalChannelConfig
	transport ports.RelayTransport
	logger    *zap.SugaredLogger
	limiter   *rate.Limiter

	mu               sync.Mutex
	connected        bool
	signalHandlers   []func(domain.SignalEnvelope)
	presenceHandlers []func(domain.PresenceUpdate)
	retryQueue       []domain.SignalEnvelope

	stopHeartbeat chan struct{}
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewSignalChannel builds a channel over the given transport.
func NewSignalChannel(transport ports.RelayTransport, cfg SignalChannelConfig, logger *zap.SugaredLogger) *SignalChannel {
	if cfg.RetryDrainEvery <= 0 {
		cfg.RetryDrainEvery = 5 * time.Second
	}
	perSecond := rate.Limit(float64(cfg.MessagesPerMinute) / 60.0)
	return &SignalChannel{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		limiter:   rate.NewLimiter(perSecond, cfg.MessagesPerMinute),
	}
}

// LocalID returns the local user id envelopes are filtered against.
func (c *SignalChannel) LocalID() domain.PeerID {
	return c.cfg.LocalID
}

// Connect establishes the relay subscription, announces presence "joined" and
// starts the heartbeat. Connection attempts are bounded with linear backoff;
// exhaustion surfaces a transport error.
func (c *SignalChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := backoff.Retry(ctx, c.cfg.ConnectPolicy, func() error {
		return c.transport.Connect(ctx)
	})
	if err != nil {
		return engerr.NewTransportError("relay connection failed", err).
			WithContext("room_id", string(c.cfg.RoomID))
	}

	if err := c.transport.PublishPresence(ctx, c.presence(domain.PresenceJoined)); err != nil {
		return engerr.NewTransportError("presence announce failed", err)
	}

	c.mu.Lock()
	c.connected = true
	c.stopHeartbeat = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(3)
	go c.heartbeatLoop()
	go c.dispatchLoop()
	go c.retryDrainLoop()

	c.logger.Infow("signal channel connected",
		"room_id", c.cfg.RoomID,
		"user_id", c.cfg.LocalID,
	)
	return nil
}

func (c *SignalChannel) presence(status domain.PresenceStatus) domain.PresenceUpdate {
	return domain.PresenceUpdate{
		RoomID:        c.cfg.RoomID,
		UserID:        c.cfg.LocalID,
		Status:        status,
		LastHeartbeat: time.Now(),
	}
}

// Send validates, rate-limits and publishes one envelope. Transient publish
// failures enqueue the envelope in the bounded retry buffer instead of
// failing the caller.
func (c *SignalChannel) Send(ctx context.Context, to domain.PeerID, t domain.SignalType, payload json.RawMessage) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}

	if err := validation.ValidateUserID(string(to)); err != nil {
		return engerr.NewConfigError("invalid signal recipient: " + err.Error())
	}

	env := domain.SignalEnvelope{
		RoomID:    c.cfg.RoomID,
		From:      c.cfg.LocalID,
		To:        to,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := env.Validate(); err != nil {
		return engerr.NewConfigError("invalid signal envelope: " + err.Error())
	}

	if !c.limiter.Allow() {
		return engerr.NewTransportError("signal rate limit exceeded", nil).
			WithContext("to", string(to)).
			WithContext("type", string(t))
	}

	if err := c.transport.PublishSignal(ctx, env); err != nil {
		c.enqueueRetry(env)
		c.logger.Warnw("signal publish failed, queued for retry",
			"to", to, "type", t, "error", err,
		)
		return nil
	}

	// A successful send is a good moment to flush older stragglers.
	c.drainRetryQueue(ctx)
	return nil
}

func (c *SignalChannel) enqueueRetry(env domain.SignalEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.retryQueue) >= c.cfg.RetryQueueSize {
		// Bounded FIFO: oldest envelope is dropped on overflow.
		dropped := c.retryQueue[0]
		c.retryQueue = c.retryQueue[1:]
		c.logger.Warnw("retry queue overflow, dropping oldest envelope",
			"dropped_type", dropped.Type, "dropped_to", dropped.To,
		)
	}
	c.retryQueue = append(c.retryQueue, env)
}

func (c *SignalChannel) drainRetryQueue(ctx context.Context) {
	c.mu.Lock()
	pending := c.retryQueue
	c.retryQueue = nil
	c.mu.Unlock()

	for i, env := range pending {
		if err := c.transport.PublishSignal(ctx, env); err != nil {
			// Put the remainder back in order.
			c.mu.Lock()
			c.retryQueue = append(pending[i:], c.retryQueue...)
			if len(c.retryQueue) > c.cfg.RetryQueueSize {
				c.retryQueue = c.retryQueue[len(c.retryQueue)-c.cfg.RetryQueueSize:]
			}
			c.mu.Unlock()
			return
		}
	}
}

// QueuedRetries reports the retry backlog size.
func (c *SignalChannel) QueuedRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retryQueue)
}

// OnSignal registers a handler for inbound envelopes addressed to the local id.
func (c *SignalChannel) OnSignal(fn func(domain.SignalEnvelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalHandlers = append(c.signalHandlers, fn)
}

// OnPresence registers a handler for presence updates of other peers.
func (c *SignalChannel) OnPresence(fn func(domain.PresenceUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceHandlers = append(c.presenceHandlers, fn)
}

// Disconnect stops the heartbeat first, announces "left" best-effort,
// unsubscribes and clears all handler registries. The ordering matters: a
// heartbeat racing the "left" announcement would resurrect presence.
func (c *SignalChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	stopHeartbeat := c.stopHeartbeat
	done := c.done
	c.mu.Unlock()

	close(stopHeartbeat)

	if err := c.transport.PublishPresence(ctx, c.presence(domain.PresenceLeft)); err != nil {
		c.logger.Warnw("presence left announce failed", "error", err)
	}

	close(done)
	err := c.transport.Close(ctx)
	c.wg.Wait()

	c.mu.Lock()
	c.signalHandlers = nil
	c.presenceHandlers = nil
	c.retryQueue = nil
	c.mu.Unlock()

	c.logger.Infow("signal channel disconnected", "room_id", c.cfg.RoomID)
	return err
}

func (c *SignalChannel) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
			if err := c.transport.PublishPresence(ctx, c.presence(domain.PresenceJoined)); err != nil {
				c.logger.Warnw("heartbeat publish failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *SignalChannel) dispatchLoop() {
	defer c.wg.Done()

	signals := c.transport.Signals()
	presence := c.transport.Presence()

	for {
		select {
		case <-c.done:
			return
		case env, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			c.dispatchSignal(env)
		case upd, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.dispatchPresence(upd)
		}
		if signals == nil && presence == nil {
			return
		}
	}
}

func (c *SignalChannel) dispatchSignal(env domain.SignalEnvelope) {
	if err := env.Validate(); err != nil {
		// Malformed envelopes are logged and dropped, never raised to handlers.
		c.logger.Debugw("discarding malformed envelope", "error", err, "from", env.From)
		return
	}
	if env.To != c.cfg.LocalID {
		return
	}

	c.mu.Lock()
	handlers := make([]func(domain.SignalEnvelope), len(c.signalHandlers))
	copy(handlers, c.signalHandlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.safeDispatch(func() { fn(env) }, "signal")
	}
}

func (c *SignalChannel) dispatchPresence(upd domain.PresenceUpdate) {
	if upd.UserID == "" || upd.UserID == c.cfg.LocalID {
		return
	}

	c.mu.Lock()
	handlers := make([]func(domain.PresenceUpdate), len(c.presenceHandlers))
	copy(handlers, c.presenceHandlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.safeDispatch(func() { fn(upd) }, "presence")
	}
}

// safeDispatch isolates one handler so a panicking observer cannot break
// iteration over the others.
func (c *SignalChannel) safeDispatch(fn func(), kind string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("handler panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}

func (c *SignalChannel) retryDrainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RetryDrainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RetryDrainEvery)
			c.drainRetryQueue(ctx)
			cancel()
		}
	}
}
