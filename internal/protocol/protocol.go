package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Type tags shared by both directions of the wire protocol.
const (
	TypeRegister      = "register"
	TypeSend          = "send"
	TypeSignal        = "signal"
	TypePing          = "ping"
	TypeFetchOffline  = "fetch_offline"
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"

	TypeCreateCallRoom = "create_call_room"
	TypeJoinCallRoom   = "join_call_room"
	TypeLeaveCallRoom  = "leave_call_room"
	TypeCallSignal     = "call_signal"

	TypeRegistered            = "registered"
	TypeMessage               = "message"
	TypeAck                   = "ack"
	TypePong                  = "pong"
	TypeOfflineMessages       = "offline_messages"
	TypeSessionCreated        = "session_created"
	TypeSessionJoined         = "session_joined"
	TypeSessionOffer          = "session_offer"
	TypeCallRoomCreated       = "call_room_created"
	TypeCallParticipantJoined = "call_participant_joined"
	TypeCallParticipantLeft   = "call_participant_left"
	TypeCallSignalForward     = "call_signal_forward"
	TypeError                 = "error"
)

// ClientEnvelope is a client → relay message. Exactly the fields required by
// the envelope's Type are set; Validate enforces this.
type ClientEnvelope struct {
	Type string `json:"type"`

	DID string `json:"did,omitempty"`

	ToDID   string `json:"to_did,omitempty"`
	Payload string `json:"payload,omitempty"`

	OfferPayload  string `json:"offer_payload,omitempty"`
	AnswerPayload string `json:"answer_payload,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	GroupID string `json:"group_id,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

// ServerEnvelope is a relay → client message.
type ServerEnvelope struct {
	Type string `json:"type"`

	DID string `json:"did,omitempty"`

	FromDID   string `json:"from_did,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	ID string `json:"id,omitempty"`

	Messages []OfflineMessage `json:"messages,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	OfferPayload  string `json:"offer_payload,omitempty"`
	AnswerPayload string `json:"answer_payload,omitempty"`

	RoomID  string `json:"room_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	Message string `json:"message,omitempty"`
}

// OfflineMessage is one entry of an offline_messages envelope: a message the
// relay held while the recipient was unreachable.
type OfflineMessage struct {
	ID        string `json:"id"`
	FromDID   string `json:"from_did"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ParseClientEnvelope decodes and validates a client → relay frame. Unknown
// fields and trailing data are rejected so malformed traffic is caught at the
// edge rather than deep in connection handling.
func ParseClientEnvelope(data []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return ClientEnvelope{}, err
	}
	if err := env.Validate(); err != nil {
		return ClientEnvelope{}, err
	}
	return env, nil
}

// ParseServerEnvelope decodes and validates a relay → client frame.
func ParseServerEnvelope(data []byte) (ServerEnvelope, error) {
	var env ServerEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return ServerEnvelope{}, err
	}
	if err := env.Validate(); err != nil {
		return ServerEnvelope{}, err
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func (e ClientEnvelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.DID == "" {
			return fmt.Errorf("register envelope missing did")
		}
	case TypeSend, TypeSignal:
		if e.ToDID == "" {
			return fmt.Errorf("%s envelope missing to_did", e.Type)
		}
		if e.Payload == "" {
			return fmt.Errorf("%s envelope missing payload", e.Type)
		}
	case TypePing, TypeFetchOffline:
	case TypeCreateSession:
		if e.OfferPayload == "" {
			return fmt.Errorf("create_session envelope missing offer_payload")
		}
	case TypeJoinSession:
		if e.SessionID == "" || e.AnswerPayload == "" {
			return fmt.Errorf("join_session envelope missing session_id/answer_payload")
		}
	case TypeCreateCallRoom:
		if e.GroupID == "" {
			return fmt.Errorf("create_call_room envelope missing group_id")
		}
	case TypeJoinCallRoom, TypeLeaveCallRoom:
		if e.RoomID == "" {
			return fmt.Errorf("%s envelope missing room_id", e.Type)
		}
	case TypeCallSignal:
		if e.RoomID == "" || e.ToDID == "" || e.Payload == "" {
			return fmt.Errorf("call_signal envelope missing room_id/to_did/payload")
		}
	default:
		return fmt.Errorf("unsupported client envelope type %q", e.Type)
	}
	return nil
}

func (e ServerEnvelope) Validate() error {
	switch e.Type {
	case TypeRegistered:
		if e.DID == "" {
			return fmt.Errorf("registered envelope missing did")
		}
	case TypeMessage:
		if e.FromDID == "" {
			return fmt.Errorf("message envelope missing from_did")
		}
	case TypeSignal:
		if e.FromDID == "" || e.Payload == "" {
			return fmt.Errorf("signal envelope missing from_did/payload")
		}
	case TypeAck:
		if e.ID == "" {
			return fmt.Errorf("ack envelope missing id")
		}
	case TypePong, TypeOfflineMessages:
	case TypeSessionCreated:
		if e.SessionID == "" {
			return fmt.Errorf("session_created envelope missing session_id")
		}
	case TypeSessionJoined:
		if e.SessionID == "" || e.FromDID == "" || e.AnswerPayload == "" {
			return fmt.Errorf("session_joined envelope missing fields")
		}
	case TypeSessionOffer:
		if e.SessionID == "" || e.FromDID == "" || e.OfferPayload == "" {
			return fmt.Errorf("session_offer envelope missing fields")
		}
	case TypeCallRoomCreated:
		if e.RoomID == "" || e.GroupID == "" {
			return fmt.Errorf("call_room_created envelope missing room_id/group_id")
		}
	case TypeCallParticipantJoined, TypeCallParticipantLeft:
		if e.RoomID == "" || e.DID == "" {
			return fmt.Errorf("%s envelope missing room_id/did", e.Type)
		}
	case TypeCallSignalForward:
		if e.RoomID == "" || e.FromDID == "" || e.Payload == "" {
			return fmt.Errorf("call_signal_forward envelope missing fields")
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("error envelope missing message")
		}
	default:
		return fmt.Errorf("unsupported server envelope type %q", e.Type)
	}
	return nil
}

// Register builds the registration handshake envelope. It must be the first
// frame a client sends after the transport opens.
func Register(did string) ClientEnvelope {
	return ClientEnvelope{Type: TypeRegister, DID: did}
}

// Send builds a store-and-forward message envelope. payload is opaque
// ciphertext.
func Send(toDID, payload string) ClientEnvelope {
	return ClientEnvelope{Type: TypeSend, ToDID: toDID, Payload: payload}
}

// Signal builds a direct signaling envelope (SDP offers/answers, ICE
// candidates) addressed to a peer DID.
func Signal(toDID, payload string) ClientEnvelope {
	return ClientEnvelope{Type: TypeSignal, ToDID: toDID, Payload: payload}
}

func Ping() ClientEnvelope         { return ClientEnvelope{Type: TypePing} }
func FetchOffline() ClientEnvelope { return ClientEnvelope{Type: TypeFetchOffline} }
