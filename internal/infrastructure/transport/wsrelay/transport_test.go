package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "relay-test-secret"

func startRelay(t *testing.T) string {
	t.Helper()

	srv := NewServer(testSecret, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func clientConfig(url string, user domain.PeerID) Config {
	return Config{
		URL:    url,
		Secret: testSecret,
		RoomID: "room-1",
		UserID: user,
		RedialPolicy: backoff.Policy{
			Strategy:     backoff.Linear,
			MaxAttempts:  10,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func connectClient(t *testing.T, url string, user domain.PeerID) *Transport {
	t.Helper()

	tr := New(clientConfig(url, user), zap.NewNop().Sugar())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func envelope(from, to domain.PeerID) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		RoomID:    "room-1",
		From:      from,
		To:        to,
		Type:      domain.SignalOffer,
		Timestamp: time.Now(),
	}
}

func TestSignalRoundTripBetweenMembers(t *testing.T) {
	url := startRelay(t)
	alice := connectClient(t, url, "alice")
	bob := connectClient(t, url, "bob")

	require.NoError(t, alice.PublishSignal(context.Background(), envelope("alice", "bob")))

	select {
	case env := <-bob.Signals():
		assert.Equal(t, domain.PeerID("alice"), env.From)
		assert.Equal(t, domain.SignalOffer, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the signal")
	}

	// Presence fans out to every other member.
	require.NoError(t, alice.PublishPresence(context.Background(), domain.PresenceUpdate{
		RoomID: "room-1", UserID: "alice", Status: domain.PresenceJoined, LastHeartbeat: time.Now(),
	}))

	select {
	case upd := <-bob.Presence():
		assert.Equal(t, domain.PeerID("alice"), upd.UserID)
		assert.Equal(t, domain.PresenceJoined, upd.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the presence row")
	}
}

func TestPublishWithoutConnectFails(t *testing.T) {
	tr := New(clientConfig("ws://localhost:1/ws", "alice"), zap.NewNop().Sugar())

	err := tr.PublishSignal(context.Background(), envelope("alice", "bob"))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestCloseReturnsWithoutWaitingForPingTick(t *testing.T) {
	url := startRelay(t)

	cfg := clientConfig(url, "alice")
	cfg.PingInterval = time.Hour
	tr := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, tr.Connect(context.Background()))

	start := time.Now()
	require.NoError(t, tr.Close(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second,
		"close must not block until the next ping tick")

	// Inbound channels are closed, not left dangling.
	_, open := <-tr.Signals()
	assert.False(t, open)
	_, open2 := <-tr.Presence()
	assert.False(t, open2)
}

func TestRedialRestoresLostSocket(t *testing.T) {
	url := startRelay(t)
	alice := connectClient(t, url, "alice")
	bob := connectClient(t, url, "bob")

	// A second connection for the same user displaces the first, killing
	// alice's socket from the server side mid-session.
	token, err := MintAccessToken(testSecret, "room-1", "alice")
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	intruder, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer intruder.Close()

	// The transport redials; once it is back, bob's signal reaches alice.
	require.Eventually(t, func() bool {
		bob.PublishSignal(context.Background(), envelope("bob", "alice"))
		select {
		case env, ok := <-alice.Signals():
			return ok && env.From == "bob"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 20*time.Millisecond, "redial never restored delivery to alice")
}
