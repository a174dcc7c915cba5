package relayserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/umbra-im/realtime/internal/metrics"
	"github.com/umbra-im/realtime/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := New(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialClient(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func registerClient(t *testing.T, url, did string) *testClient {
	t.Helper()
	c := dialClient(t, url)
	c.send(protocol.Register(did))
	env := c.read()
	if env.Type != protocol.TypeRegistered || env.DID != did {
		t.Fatalf("registration reply = %+v", env)
	}
	return c
}

func (c *testClient) send(env protocol.ClientEnvelope) {
	c.t.Helper()
	if err := c.ws.WriteJSON(env); err != nil {
		c.t.Fatalf("write %s: %v", env.Type, err)
	}
}

func (c *testClient) read() protocol.ServerEnvelope {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := protocol.ParseServerEnvelope(data)
	if err != nil {
		c.t.Fatalf("parse server envelope: %v (raw %s)", err, data)
	}
	return env
}

func (c *testClient) expect(typ string) protocol.ServerEnvelope {
	c.t.Helper()
	env := c.read()
	if env.Type != typ {
		c.t.Fatalf("received %q (%+v), want %q", env.Type, env, typ)
	}
	return env
}

func TestServer_RequiresRegistrationFirst(t *testing.T) {
	_, url := newTestServer(t, Config{})
	c := dialClient(t, url)

	c.send(protocol.Ping())
	env := c.expect(protocol.TypeError)
	if env.Message != "register first" {
		t.Fatalf("error message = %q", env.Message)
	}
}

func TestServer_PingPong(t *testing.T) {
	_, url := newTestServer(t, Config{})
	c := registerClient(t, url, "did:key:zAlice")

	c.send(protocol.Ping())
	c.expect(protocol.TypePong)
}

func TestServer_ForwardsToOnlineRecipient(t *testing.T) {
	_, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")
	bob := registerClient(t, url, "did:key:zBob")

	alice.send(protocol.Send("did:key:zBob", "ciphertext"))

	msg := bob.expect(protocol.TypeMessage)
	if msg.FromDID != "did:key:zAlice" || msg.Payload != "ciphertext" || msg.Timestamp == 0 {
		t.Fatalf("delivered message = %+v", msg)
	}
	ack := alice.expect(protocol.TypeAck)
	if !strings.HasPrefix(ack.ID, "msg_did:key:zBob_") {
		t.Fatalf("ack id = %q", ack.ID)
	}
}

func TestServer_QueuesForOfflineRecipientAndReplays(t *testing.T) {
	srv, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")

	alice.send(protocol.Send("did:key:zBob", "held-1"))
	alice.expect(protocol.TypeAck)
	alice.send(protocol.Send("did:key:zBob", "held-2"))
	alice.expect(protocol.TypeAck)

	if got := srv.metrics.Get(metrics.EventMessageQueued); got != 2 {
		t.Fatalf("queued counter = %d, want 2", got)
	}

	bob := registerClient(t, url, "did:key:zBob")
	bob.send(protocol.FetchOffline())
	env := bob.expect(protocol.TypeOfflineMessages)
	if len(env.Messages) != 2 || env.Messages[0].Payload != "held-1" || env.Messages[1].Payload != "held-2" {
		t.Fatalf("offline messages = %+v", env.Messages)
	}
	for _, m := range env.Messages {
		if m.ID == "" || m.FromDID != "did:key:zAlice" || m.Timestamp == 0 {
			t.Fatalf("offline message missing fields: %+v", m)
		}
	}

	// The queue is drained; a second fetch is empty.
	bob.send(protocol.FetchOffline())
	if env := bob.expect(protocol.TypeOfflineMessages); len(env.Messages) != 0 {
		t.Fatalf("second fetch returned %d messages", len(env.Messages))
	}
}

func TestServer_SignalForwardAndOfflineAck(t *testing.T) {
	_, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")
	bob := registerClient(t, url, "did:key:zBob")

	alice.send(protocol.Signal("did:key:zBob", "sdp-offer"))
	sig := bob.expect(protocol.TypeSignal)
	if sig.FromDID != "did:key:zAlice" || sig.Payload != "sdp-offer" {
		t.Fatalf("signal = %+v", sig)
	}

	alice.send(protocol.Signal("did:key:zGone", "sdp-offer"))
	ack := alice.expect(protocol.TypeAck)
	if ack.ID != "signal_queued_did:key:zGone" {
		t.Fatalf("ack id = %q", ack.ID)
	}
}

func TestServer_SessionConsumedOnce(t *testing.T) {
	_, url := newTestServer(t, Config{})
	creator := registerClient(t, url, "did:key:zCreator")
	joiner := registerClient(t, url, "did:key:zJoiner")

	creator.send(protocol.ClientEnvelope{Type: protocol.TypeCreateSession, OfferPayload: "offer-sdp"})
	created := creator.expect(protocol.TypeSessionCreated)
	if created.SessionID == "" {
		t.Fatalf("session id empty")
	}

	joiner.send(protocol.ClientEnvelope{
		Type:          protocol.TypeJoinSession,
		SessionID:     created.SessionID,
		AnswerPayload: "answer-sdp",
	})
	offer := joiner.expect(protocol.TypeSessionOffer)
	if offer.FromDID != "did:key:zCreator" || offer.OfferPayload != "offer-sdp" {
		t.Fatalf("session offer = %+v", offer)
	}
	joined := creator.expect(protocol.TypeSessionJoined)
	if joined.FromDID != "did:key:zJoiner" || joined.AnswerPayload != "answer-sdp" {
		t.Fatalf("session joined = %+v", joined)
	}

	// A consumed session is gone.
	joiner.send(protocol.ClientEnvelope{
		Type:          protocol.TypeJoinSession,
		SessionID:     created.SessionID,
		AnswerPayload: "answer-sdp",
	})
	joiner.expect(protocol.TypeError)
}

func TestServer_CallRoomLifecycle(t *testing.T) {
	_, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")
	bob := registerClient(t, url, "did:key:zBob")

	alice.send(protocol.ClientEnvelope{Type: protocol.TypeCreateCallRoom, GroupID: "group-1"})
	created := alice.expect(protocol.TypeCallRoomCreated)
	if created.GroupID != "group-1" || created.RoomID == "" {
		t.Fatalf("room created = %+v", created)
	}
	roomID := created.RoomID

	bob.send(protocol.ClientEnvelope{Type: protocol.TypeJoinCallRoom, RoomID: roomID})
	joined := alice.expect(protocol.TypeCallParticipantJoined)
	if joined.RoomID != roomID || joined.DID != "did:key:zBob" {
		t.Fatalf("participant joined = %+v", joined)
	}
	ack := bob.expect(protocol.TypeAck)
	if ack.ID != "call_room_joined_"+roomID {
		t.Fatalf("join ack = %q", ack.ID)
	}

	alice.send(protocol.ClientEnvelope{
		Type:    protocol.TypeCallSignal,
		RoomID:  roomID,
		ToDID:   "did:key:zBob",
		Payload: "ice-candidate",
	})
	fwd := bob.expect(protocol.TypeCallSignalForward)
	if fwd.FromDID != "did:key:zAlice" || fwd.Payload != "ice-candidate" || fwd.RoomID != roomID {
		t.Fatalf("call signal forward = %+v", fwd)
	}

	bob.send(protocol.ClientEnvelope{Type: protocol.TypeLeaveCallRoom, RoomID: roomID})
	left := alice.expect(protocol.TypeCallParticipantLeft)
	if left.DID != "did:key:zBob" || left.RoomID != roomID {
		t.Fatalf("participant left = %+v", left)
	}
}

func TestServer_CallSignalRequiresMembership(t *testing.T) {
	_, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")
	intruder := registerClient(t, url, "did:key:zEve")

	alice.send(protocol.ClientEnvelope{Type: protocol.TypeCreateCallRoom, GroupID: "group-1"})
	roomID := alice.expect(protocol.TypeCallRoomCreated).RoomID

	intruder.send(protocol.ClientEnvelope{
		Type:    protocol.TypeCallSignal,
		RoomID:  roomID,
		ToDID:   "did:key:zAlice",
		Payload: "spoof",
	})
	intruder.expect(protocol.TypeError)
}

func TestServer_DisconnectNotifiesCallRooms(t *testing.T) {
	_, url := newTestServer(t, Config{})
	alice := registerClient(t, url, "did:key:zAlice")
	bob := registerClient(t, url, "did:key:zBob")

	alice.send(protocol.ClientEnvelope{Type: protocol.TypeCreateCallRoom, GroupID: "group-1"})
	roomID := alice.expect(protocol.TypeCallRoomCreated).RoomID
	bob.send(protocol.ClientEnvelope{Type: protocol.TypeJoinCallRoom, RoomID: roomID})
	alice.expect(protocol.TypeCallParticipantJoined)
	bob.expect(protocol.TypeAck)

	_ = bob.ws.Close()

	left := alice.expect(protocol.TypeCallParticipantLeft)
	if left.DID != "did:key:zBob" || left.RoomID != roomID {
		t.Fatalf("participant left = %+v", left)
	}
}

func TestServer_JWTGate(t *testing.T) {
	secret := []byte("test-secret")
	_, url := newTestServer(t, Config{AuthMode: AuthModeJWT, JWTSecret: secret})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"did": "did:key:zAlice"}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	// Valid token, matching DID.
	c := dialClient(t, url+"?token="+token)
	c.send(protocol.Register("did:key:zAlice"))
	c.expect(protocol.TypeRegistered)

	// Valid token, wrong DID.
	c2 := dialClient(t, url+"?token="+token)
	c2.send(protocol.Register("did:key:zMallory"))
	c2.expect(protocol.TypeError)

	// No token at all.
	c3 := dialClient(t, url)
	c3.send(protocol.Register("did:key:zAlice"))
	c3.expect(protocol.TypeError)
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	srv, url := newTestServer(t, Config{})
	c := registerClient(t, url, "did:key:zAlice")

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expect(protocol.TypeError)
	if got := srv.metrics.Get(metrics.EventFrameDropped); got != 1 {
		t.Fatalf("frame drop counter = %d, want 1", got)
	}

	// The connection is still usable.
	c.send(protocol.Ping())
	c.expect(protocol.TypePong)
}

func TestServer_RateLimitRejectsBurst(t *testing.T) {
	srv, url := newTestServer(t, Config{MaxMessagesPerSecond: 3})
	c := dialClient(t, url)

	// Registration consumes the first envelope of budget.
	c.send(protocol.Register("did:key:zAlice"))
	c.expect(protocol.TypeRegistered)

	c.send(protocol.Ping())
	c.expect(protocol.TypePong)
	c.send(protocol.Ping())
	c.expect(protocol.TypePong)

	c.send(protocol.Ping())
	env := c.expect(protocol.TypeError)
	if !strings.Contains(env.Message, "rate limit") {
		t.Fatalf("error message = %q", env.Message)
	}
	if got := srv.metrics.Get(metrics.EventRateLimited); got != 1 {
		t.Fatalf("rate limit counter = %d, want 1", got)
	}

	// Budget refills at 3/sec; the connection itself stays up.
	time.Sleep(400 * time.Millisecond)
	c.send(protocol.Ping())
	c.expect(protocol.TypePong)
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	_, url := newTestServer(t, Config{AllowedOrigins: []string{"https://app.umbra.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("dial with disallowed origin succeeded")
	}

	header = http.Header{"Origin": []string{"https://app.umbra.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = ws.Close()
}
