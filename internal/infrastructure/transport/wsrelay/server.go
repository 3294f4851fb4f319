package wsrelay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"callmesh/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the relay counterpart of the websocket transport: it verifies
// access tokens on upgrade and fans every frame out to the other members of
// the room. Signals addressed to a specific user go only to that user.
type Server struct {
	secret string
	logger *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.PeerID]*memberConn

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
}

type memberConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func NewServer(secret string, logger *zap.SugaredLogger) *Server {
	return &Server{
		secret:       secret,
		logger:       logger,
		rooms:        make(map[domain.RoomID]map[domain.PeerID]*memberConn),
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
	}
}

// HandleWS upgrades one client connection. The bearer token scopes it to a
// room and user; a second connection for the same user displaces the first.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	room, user, err := VerifyAccessToken(s.secret, token)
	if err != nil {
		s.logger.Warnw("relay upgrade rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	member := &memberConn{conn: conn}

	s.mu.Lock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[domain.PeerID]*memberConn)
	}
	if prev, ok := s.rooms[room][user]; ok {
		prev.conn.Close()
		s.logger.Infow("displacing previous connection", "room_id", room, "user_id", user)
	}
	s.rooms[room][user] = member
	s.mu.Unlock()

	s.logger.Infow("relay member connected", "room_id", room, "user_id", user)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	go s.pingLoop(member, stopPing)

	s.readLoop(room, user, member)

	close(stopPing)
	s.detach(room, user, member)
}

func (s *Server) readLoop(room domain.RoomID, user domain.PeerID, member *memberConn) {
	for {
		var f frame
		if err := member.conn.ReadJSON(&f); err != nil {
			return
		}
		member.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		switch f.Kind {
		case frameSignal:
			if f.Signal == nil || f.Signal.From != user {
				continue
			}
			s.deliverSignal(room, *f.Signal)
		case framePresence:
			if f.Presence == nil || f.Presence.UserID != user {
				continue
			}
			s.broadcast(room, user, frame{Kind: framePresence, Presence: f.Presence})
		}
	}
}

// deliverSignal routes one envelope to its addressee only.
func (s *Server) deliverSignal(room domain.RoomID, env domain.SignalEnvelope) {
	s.mu.Lock()
	target := s.rooms[room][env.To]
	s.mu.Unlock()

	if target == nil {
		s.logger.Debugw("dropping signal for absent member",
			"room_id", room, "to", env.To, "type", env.Type,
		)
		return
	}
	s.write(target, frame{Kind: frameSignal, Signal: &env})
}

// broadcast fans a frame out to every member of the room except the sender.
func (s *Server) broadcast(room domain.RoomID, from domain.PeerID, f frame) {
	s.mu.Lock()
	targets := make([]*memberConn, 0, len(s.rooms[room]))
	for user, member := range s.rooms[room] {
		if user != from {
			targets = append(targets, member)
		}
	}
	s.mu.Unlock()

	for _, member := range targets {
		s.write(member, f)
	}
}

func (s *Server) write(member *memberConn, f frame) {
	member.mu.Lock()
	defer member.mu.Unlock()

	member.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := member.conn.WriteJSON(f); err != nil {
		s.logger.Debugw("relay write failed", "error", err)
	}
}

func (s *Server) pingLoop(member *memberConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := member.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// detach removes the member and synthesizes a "left" row so the room does not
// wait for a heartbeat timeout on abrupt disconnects.
func (s *Server) detach(room domain.RoomID, user domain.PeerID, member *memberConn) {
	s.mu.Lock()
	// Only remove if not already displaced by a newer connection.
	if cur, ok := s.rooms[room][user]; ok && cur == member {
		delete(s.rooms[room], user)
		if len(s.rooms[room]) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()

	member.conn.Close()

	left := domain.PresenceUpdate{
		RoomID:        room,
		UserID:        user,
		Status:        domain.PresenceLeft,
		LastHeartbeat: time.Now(),
	}
	s.broadcast(room, user, frame{Kind: framePresence, Presence: &left})

	s.logger.Infow("relay member disconnected", "room_id", room, "user_id", user)
}
