package wsrelay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/backoff"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// frameKind discriminates multiplexed rows on the relay socket.
type frameKind string

const (
	frameSignal   frameKind = "signal"
	framePresence frameKind = "presence"
)

// frame is the wire row: one signal envelope or one presence update.
type frame struct {
	Kind     frameKind              `json:"kind"`
	Signal   *domain.SignalEnvelope `json:"signal,omitempty"`
	Presence *domain.PresenceUpdate `json:"presence,omitempty"`
}

// Config tunes the websocket relay client.
type Config struct {
	URL    string
	Secret string
	RoomID domain.RoomID
	UserID domain.PeerID

	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration

	// RedialPolicy bounds reconnection after a mid-session socket loss.
	RedialPolicy backoff.Policy
}

// Transport is a websocket relay client. One socket carries both signal and
// presence rows for the subscribed room. A socket lost mid-session is
// redialed with bounded backoff; writes in the gap fail with ErrNotConnected
// so the caller's retry queue absorbs them.
type Transport struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	signals  chan domain.SignalEnvelope
	presence chan domain.PresenceUpdate

	done        chan struct{}
	inboundOnce sync.Once
	wg          sync.WaitGroup
}

// New builds a transport; Connect establishes the socket.
func New(cfg Config, logger *zap.SugaredLogger) *Transport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RedialPolicy.MaxAttempts <= 0 {
		cfg.RedialPolicy = backoff.DefaultConnect()
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		signals:  make(chan domain.SignalEnvelope, 32),
		presence: make(chan domain.PresenceUpdate, 32),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay with a freshly minted access token and starts the
// read pump.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	token, err := MintAccessToken(t.cfg.Secret, t.cfg.RoomID, t.cfg.UserID)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
		return nil
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed")
	}
	t.conn = conn
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readPump(conn)
	go t.pingLoop(conn)

	t.logger.Infow("relay socket connected", "url", t.cfg.URL, "room_id", t.cfg.RoomID)
	return nil
}

// PublishSignal writes one envelope frame.
func (t *Transport) PublishSignal(ctx context.Context, env domain.SignalEnvelope) error {
	return t.writeFrame(frame{Kind: frameSignal, Signal: &env})
}

// PublishPresence writes one presence frame.
func (t *Transport) PublishPresence(ctx context.Context, upd domain.PresenceUpdate) error {
	return t.writeFrame(frame{Kind: framePresence, Presence: &upd})
}

// writeFrame serializes socket writes; gorilla connections permit one
// concurrent writer.
func (t *Transport) writeFrame(f frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return domain.ErrNotConnected
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("relay write failed: %w", err)
	}
	return nil
}

func (t *Transport) Signals() <-chan domain.SignalEnvelope {
	return t.signals
}

func (t *Transport) Presence() <-chan domain.PresenceUpdate {
	return t.presence
}

// Close shuts the socket and closes both inbound channels. Returns once the
// pump goroutines have exited.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	close(t.done)

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}

	t.wg.Wait()
	t.closeInbound()
	return err
}

// closeInbound ends inbound delivery exactly once, whether the transport was
// closed deliberately or the redial schedule gave up.
func (t *Transport) closeInbound() {
	t.inboundOnce.Do(func() {
		close(t.signals)
		close(t.presence)
	})
}

func (t *Transport) readPump(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()

			if closed {
				return
			}
			t.logger.Warnw("relay socket lost, redialing", "error", err)
			t.wg.Add(1)
			go t.redial()
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))

		switch f.Kind {
		case frameSignal:
			if f.Signal == nil {
				continue
			}
			select {
			case t.signals <- *f.Signal:
			default:
				t.logger.Warnw("inbound signal buffer full, dropping row")
			}
		case framePresence:
			if f.Presence == nil {
				continue
			}
			select {
			case t.presence <- *f.Presence:
			default:
				t.logger.Warnw("inbound presence buffer full, dropping row")
			}
		default:
			t.logger.Debugw("unknown relay frame kind", "kind", f.Kind)
		}
	}
}

// redial re-establishes a lost socket on the bounded schedule. Exhaustion
// closes the inbound channels so the consumer observes the loss instead of
// waiting on a dead subscription.
func (t *Transport) redial() {
	defer t.wg.Done()

	for attempt := 0; attempt < t.cfg.RedialPolicy.MaxAttempts; attempt++ {
		select {
		case <-t.done:
			return
		case <-time.After(t.cfg.RedialPolicy.DelayFor(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			t.logger.Infow("relay socket restored", "attempt", attempt+1)
			return
		}
		t.logger.Warnw("relay redial failed", "attempt", attempt+1, "error", err)
	}

	t.logger.Errorw("relay redial exhausted", "attempts", t.cfg.RedialPolicy.MaxAttempts)
	t.closeInbound()
}

func (t *Transport) pingLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

var _ ports.RelayTransport = (*Transport)(nil)
