package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/pkg/backoff"
	engerr "callmesh/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport is a scriptable in-memory relay.
type fakeTransport struct {
	mu           sync.Mutex
	connectErrs  int // first N connects fail
	connects     int
	publishErr   bool
	published    []domain.SignalEnvelope
	presence     []domain.PresenceUpdate
	closed       bool
	signalsCh    chan domain.SignalEnvelope
	presenceCh   chan domain.PresenceUpdate
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		signalsCh:  make(chan domain.SignalEnvelope, 16),
		presenceCh: make(chan domain.PresenceUpdate, 16),
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connects <= t.connectErrs {
		return fmt.Errorf("connect failure %d", t.connects)
	}
	return nil
}

func (t *fakeTransport) PublishSignal(ctx context.Context, env domain.SignalEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr {
		return fmt.Errorf("publish failed")
	}
	t.published = append(t.published, env)
	return nil
}

func (t *fakeTransport) PublishPresence(ctx context.Context, upd domain.PresenceUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presence = append(t.presence, upd)
	return nil
}

func (t *fakeTransport) Signals() <-chan domain.SignalEnvelope  { return t.signalsCh }
func (t *fakeTransport) Presence() <-chan domain.PresenceUpdate { return t.presenceCh }

func (t *fakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.signalsCh)
		close(t.presenceCh)
	}
	return nil
}

func (t *fakeTransport) publishedSignals() []domain.SignalEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.SignalEnvelope, len(t.published))
	copy(out, t.published)
	return out
}

func (t *fakeTransport) presenceRows() []domain.PresenceUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PresenceUpdate, len(t.presence))
	copy(out, t.presence)
	return out
}

func (t *fakeTransport) setPublishErr(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = fail
}

func channelConfig() SignalChannelConfig {
	return SignalChannelConfig{
		RoomID:            "room-1",
		LocalID:           "alice",
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectPolicy: backoff.Policy{
			Strategy:     backoff.Linear,
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
		MessagesPerMinute: 600,
		RetryQueueSize:    3,
		RetryDrainEvery:   5 * time.Millisecond,
	}
}

func newChannel(t *testing.T, transport *fakeTransport, cfg SignalChannelConfig) *SignalChannel {
	t.Helper()
	ch := NewSignalChannel(transport, cfg, zap.NewNop().Sugar())
	t.Cleanup(func() { ch.Disconnect(context.Background()) })
	return ch
}

func TestConnectRetriesWithBoundedBackoff(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErrs = 2
	ch := newChannel(t, transport, channelConfig())

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, 3, transport.connects)

	rows := transport.presenceRows()
	require.NotEmpty(t, rows)
	assert.Equal(t, domain.PresenceJoined, rows[0].Status)
}

func TestConnectExhaustionSurfacesTransportError(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErrs = 10
	ch := newChannel(t, transport, channelConfig())

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, engerr.ErrCodeTransport, engerr.CodeOf(err))
	assert.Equal(t, 3, transport.connects, "attempts must stop at the policy bound")
}

func TestSendRequiresConnection(t *testing.T) {
	ch := newChannel(t, newFakeTransport(), channelConfig())

	err := ch.Send(context.Background(), "bob", domain.SignalOffer, nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())
	require.NoError(t, ch.Connect(context.Background()))

	huge := json.RawMessage(`"` + string(make([]byte, domain.MaxSignalPayloadBytes)) + `"`)
	err := ch.Send(context.Background(), "bob", domain.SignalOffer, huge)
	require.Error(t, err)
	assert.Equal(t, engerr.ErrCodeConfig, engerr.CodeOf(err))
	assert.Empty(t, transport.publishedSignals())
}

func TestPublishFailureEnqueuesAndDrains(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())
	require.NoError(t, ch.Connect(context.Background()))

	transport.setPublishErr(true)
	require.NoError(t, ch.Send(context.Background(), "bob", domain.SignalOffer, nil))
	assert.Equal(t, 1, ch.QueuedRetries())

	transport.setPublishErr(false)
	require.Eventually(t, func() bool {
		return ch.QueuedRetries() == 0 && len(transport.publishedSignals()) == 1
	}, time.Second, 5*time.Millisecond, "retry drain loop must flush the backlog")
}

func TestRetryQueueDropsOldestOnOverflow(t *testing.T) {
	transport := newFakeTransport()
	cfg := channelConfig() // queue size 3
	ch := newChannel(t, transport, cfg)
	require.NoError(t, ch.Connect(context.Background()))

	transport.setPublishErr(true)
	for i := 0; i < 5; i++ {
		payload := mustMarshal(t, map[string]int{"seq": i})
		require.NoError(t, ch.Send(context.Background(), "bob", domain.SignalOffer, payload))
	}
	assert.Equal(t, 3, ch.QueuedRetries())

	transport.setPublishErr(false)
	require.Eventually(t, func() bool {
		return len(transport.publishedSignals()) == 3
	}, time.Second, 5*time.Millisecond)

	// The two oldest envelopes were dropped; 2, 3, 4 survive in order.
	var seqs []int
	for _, env := range transport.publishedSignals() {
		var m map[string]int
		require.NoError(t, json.Unmarshal(env.Payload, &m))
		seqs = append(seqs, m["seq"])
	}
	assert.Equal(t, []int{2, 3, 4}, seqs)
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	transport := newFakeTransport()
	cfg := channelConfig()
	cfg.MessagesPerMinute = 2
	ch := newChannel(t, transport, cfg)
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Send(context.Background(), "bob", domain.SignalOffer, nil))
	require.NoError(t, ch.Send(context.Background(), "bob", domain.SignalOffer, nil))

	err := ch.Send(context.Background(), "bob", domain.SignalOffer, nil)
	require.Error(t, err)
	assert.Equal(t, engerr.ErrCodeTransport, engerr.CodeOf(err))
}

func TestInboundFiltering(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())

	var mu sync.Mutex
	var got []domain.SignalEnvelope
	ch.OnSignal(func(env domain.SignalEnvelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))

	mine := domain.SignalEnvelope{
		RoomID: "room-1", From: "bob", To: "alice",
		Type: domain.SignalOffer, Timestamp: time.Now(),
	}
	other := domain.SignalEnvelope{
		RoomID: "room-1", From: "bob", To: "carol",
		Type: domain.SignalOffer, Timestamp: time.Now(),
	}
	malformed := domain.SignalEnvelope{
		RoomID: "room-1", From: "bob", To: "alice",
		Type: "bogus", Timestamp: time.Now(),
	}

	transport.signalsCh <- other
	transport.signalsCh <- malformed
	transport.signalsCh <- mine

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, domain.PeerID("bob"), got[0].From)
	mu.Unlock()
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())

	var mu sync.Mutex
	calls := 0
	ch.OnSignal(func(domain.SignalEnvelope) { panic("boom") })
	ch.OnSignal(func(domain.SignalEnvelope) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))

	transport.signalsCh <- domain.SignalEnvelope{
		RoomID: "room-1", From: "bob", To: "alice",
		Type: domain.SignalOffer, Timestamp: time.Now(),
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectStopsHeartbeatBeforeLeft(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())
	require.NoError(t, ch.Connect(context.Background()))

	// Let a few heartbeats through first.
	require.Eventually(t, func() bool {
		return len(transport.presenceRows()) >= 2
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, ch.Disconnect(context.Background()))

	rows := transport.presenceRows()
	require.NotEmpty(t, rows)
	last := rows[len(rows)-1]
	assert.Equal(t, domain.PresenceLeft, last.Status, "no heartbeat may follow the left announcement")

	for _, row := range rows[:len(rows)-1] {
		assert.Equal(t, domain.PresenceJoined, row.Status)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	ch := newChannel(t, transport, channelConfig())
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Disconnect(context.Background()))
	require.NoError(t, ch.Disconnect(context.Background()))
}
