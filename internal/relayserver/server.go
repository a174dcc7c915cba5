package relayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/umbra-im/realtime/internal/metrics"
	"github.com/umbra-im/realtime/internal/protocol"
)

// Config fixes the server's collaborators and limits.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Store holds offline messages; defaults to an in-memory store.
	Store OfflineStore

	// AuthMode is AuthModeNone (default) or AuthModeJWT. With JWT, clients
	// must dial with a `token` query parameter whose `did` claim matches the
	// DID they register.
	AuthMode  string
	JWTSecret []byte

	MaxOfflinePerDID    int
	SessionTTL          time.Duration
	MaxCallParticipants int

	// MaxMessagesPerSecond rate-limits envelopes per connection, with a burst
	// of the same size. 0 disables limiting.
	MaxMessagesPerSecond int

	// AllowedOrigins restricts browser upgrades to the listed normalized
	// origins ("*" matches any). Empty admits every origin; requests without
	// an Origin header are always admitted.
	AllowedOrigins []string
}

// Server accepts relay clients over WebSocket and routes protocol envelopes
// between them.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    OfflineStore
	sessions *sessionStore
	rooms    *roomStore
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// client is one registered connection. Writes from other clients' read loops
// are serialized through wmu.
type client struct {
	did string
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *client) send(env protocol.ServerEnvelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(env)
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(cfg.MaxOfflinePerDID)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		store:    store,
		sessions: newSessionStore(cfg.SessionTTL),
		rooms:    newRoomStore(cfg.MaxCallParticipants),
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},
	}
}

// RegisterRoutes mounts the relay endpoint plus health and metrics handlers.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
	mux.Handle("/metrics", metrics.PrometheusHandler(s.metrics))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveConn(r.Context(), ws, r.URL.Query().Get("token"))
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn, token string) {
	c := &client{ws: ws}
	defer func() {
		_ = ws.Close()
		if c.did != "" {
			s.dropClient(c)
		}
	}()

	limiter := newEnvelopeLimiter(int64(s.cfg.MaxMessagesPerSecond), 0, nil)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.allow() {
			s.metrics.Inc(metrics.EventRateLimited)
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "rate limit exceeded"})
			continue
		}
		env, err := protocol.ParseClientEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.EventFrameDropped)
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "invalid message format"})
			continue
		}

		if c.did == "" && env.Type != protocol.TypeRegister {
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "register first"})
			continue
		}

		switch env.Type {
		case protocol.TypeRegister:
			s.handleRegister(c, env.DID, token)
		case protocol.TypePing:
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypePong})
		case protocol.TypeSend:
			s.handleSend(ctx, c, env.ToDID, env.Payload)
		case protocol.TypeSignal:
			s.handleSignal(ctx, c, env.ToDID, env.Payload)
		case protocol.TypeFetchOffline:
			s.handleFetchOffline(ctx, c)
		case protocol.TypeCreateSession:
			id := s.sessions.create(c.did, env.OfferPayload)
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeSessionCreated, SessionID: id})
		case protocol.TypeJoinSession:
			s.handleJoinSession(ctx, c, env.SessionID, env.AnswerPayload)
		case protocol.TypeCreateCallRoom:
			id := s.rooms.create(env.GroupID, c.did)
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeCallRoomCreated, RoomID: id, GroupID: env.GroupID})
		case protocol.TypeJoinCallRoom:
			s.handleJoinCallRoom(c, env.RoomID)
		case protocol.TypeLeaveCallRoom:
			s.handleLeaveCallRoom(c, env.RoomID)
		case protocol.TypeCallSignal:
			s.handleCallSignal(c, env.RoomID, env.ToDID, env.Payload)
		}
	}
}

func (s *Server) handleRegister(c *client, did, token string) {
	if s.cfg.AuthMode == AuthModeJWT {
		if err := verifyRegistrationToken(s.cfg.JWTSecret, token, did); err != nil {
			s.metrics.Inc(metrics.EventAuthRejected)
			s.logger.Debug("registration rejected", "did", did, "error", err)
			_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "registration not authorized"})
			return
		}
	}

	c.did = did
	s.mu.Lock()
	// Last registration wins; a lingering socket from a dropped connection
	// must not shadow the live one.
	s.clients[did] = c
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventRegistered)
	s.logger.Info("client registered", "did", did)
	_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeRegistered, DID: did})
}

// deliver sends env to did if a live connection exists.
func (s *Server) deliver(did string, env protocol.ServerEnvelope) bool {
	s.mu.Lock()
	target := s.clients[did]
	s.mu.Unlock()
	if target == nil {
		return false
	}
	return target.send(env) == nil
}

func (s *Server) handleSend(ctx context.Context, c *client, toDID, payload string) {
	ts := time.Now().Unix()
	delivered := s.deliver(toDID, protocol.ServerEnvelope{
		Type:      protocol.TypeMessage,
		FromDID:   c.did,
		Payload:   payload,
		Timestamp: ts,
	})
	if delivered {
		s.metrics.Inc(metrics.EventMessageForwarded)
	} else {
		s.queueOffline(ctx, toDID, c.did, payload, ts)
	}
	// Receipt is acknowledged whether delivered live or queued.
	_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeAck, ID: fmt.Sprintf("msg_%s_%d", toDID, ts)})
}

func (s *Server) handleSignal(ctx context.Context, c *client, toDID, payload string) {
	delivered := s.deliver(toDID, protocol.ServerEnvelope{
		Type:    protocol.TypeSignal,
		FromDID: c.did,
		Payload: payload,
	})
	if delivered {
		s.metrics.Inc(metrics.EventSignalForwarded)
		return
	}
	s.queueOffline(ctx, toDID, c.did, payload, time.Now().Unix())
	_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeAck, ID: "signal_queued_" + toDID})
}

func newMessageID() string { return uuid.NewString() }

func (s *Server) queueOffline(ctx context.Context, toDID, fromDID, payload string, ts int64) {
	msg := protocol.OfflineMessage{
		ID:        newMessageID(),
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: ts,
	}
	if err := s.store.Queue(ctx, toDID, msg); err != nil {
		s.logger.Warn("offline queue rejected message", "to", toDID, "error", err)
		return
	}
	s.metrics.Inc(metrics.EventMessageQueued)
	s.logger.Debug("queued for offline delivery", "to", toDID, "from", fromDID)
}

func (s *Server) handleFetchOffline(ctx context.Context, c *client) {
	msgs, err := s.store.Drain(ctx, c.did)
	if err != nil {
		s.logger.Warn("offline drain failed", "did", c.did, "error", err)
		_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "offline fetch failed"})
		return
	}
	if len(msgs) > 0 {
		s.metrics.Inc(metrics.EventOfflineReplayed)
	}
	_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeOfflineMessages, Messages: msgs})
}

func (s *Server) handleJoinSession(ctx context.Context, c *client, sessionID, answerPayload string) {
	creatorDID, offerPayload, err := s.sessions.consume(sessionID)
	if err != nil {
		_ = c.send(protocol.ServerEnvelope{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("session %q not found or expired", sessionID),
		})
		return
	}

	// The joiner gets the stored offer, the creator gets the answer.
	_ = c.send(protocol.ServerEnvelope{
		Type:         protocol.TypeSessionOffer,
		SessionID:    sessionID,
		FromDID:      creatorDID,
		OfferPayload: offerPayload,
	})
	delivered := s.deliver(creatorDID, protocol.ServerEnvelope{
		Type:          protocol.TypeSessionJoined,
		SessionID:     sessionID,
		FromDID:       c.did,
		AnswerPayload: answerPayload,
	})
	if !delivered {
		s.queueOffline(ctx, creatorDID, c.did, answerPayload, time.Now().Unix())
	}
}

func (s *Server) handleJoinCallRoom(c *client, roomID string) {
	existing, err := s.rooms.join(roomID, c.did)
	if err != nil {
		_ = c.send(protocol.ServerEnvelope{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("call room %q not found or full", roomID),
		})
		return
	}
	for _, did := range existing {
		s.deliver(did, protocol.ServerEnvelope{
			Type:   protocol.TypeCallParticipantJoined,
			RoomID: roomID,
			DID:    c.did,
		})
	}
	_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeAck, ID: "call_room_joined_" + roomID})
}

func (s *Server) handleLeaveCallRoom(c *client, roomID string) {
	for _, did := range s.rooms.leave(roomID, c.did) {
		s.deliver(did, protocol.ServerEnvelope{
			Type:   protocol.TypeCallParticipantLeft,
			RoomID: roomID,
			DID:    c.did,
		})
	}
}

func (s *Server) handleCallSignal(c *client, roomID, toDID, payload string) {
	if !s.rooms.contains(roomID, c.did) {
		_ = c.send(protocol.ServerEnvelope{Type: protocol.TypeError, Message: "you are not in this call room"})
		return
	}
	if !s.rooms.contains(roomID, toDID) {
		_ = c.send(protocol.ServerEnvelope{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("target %q is not in this call room", toDID),
		})
		return
	}
	s.deliver(toDID, protocol.ServerEnvelope{
		Type:    protocol.TypeCallSignalForward,
		RoomID:  roomID,
		FromDID: c.did,
		Payload: payload,
	})
}

// dropClient removes a disconnected client and notifies every call room it
// was part of.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if s.clients[c.did] == c {
		delete(s.clients, c.did)
	}
	s.mu.Unlock()

	for roomID, remaining := range s.rooms.leaveAll(c.did) {
		for _, did := range remaining {
			s.deliver(did, protocol.ServerEnvelope{
				Type:   protocol.TypeCallParticipantLeft,
				RoomID: roomID,
				DID:    c.did,
			})
		}
	}
	s.logger.Info("client disconnected", "did", c.did)
}
