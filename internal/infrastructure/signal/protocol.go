package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"duocall/internal/core/domain"
)

// Message types exchanged over the relay. Offer, answer, candidate and bye
// are forwarded to the other participant; the rest originate at the server.
const (
	TypeJoined     = "joined"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeBye        = "bye"
	TypeError      = "error"
)

// Message is the relay envelope. From is always set by the server.
type Message struct {
	Type    string          `json:"type"`
	From    domain.Identity `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinedPayload tells a newcomer who is already in the room. A participant that
// finds the other side present makes the offer.
type JoinedPayload struct {
	SessionID domain.SessionID  `json:"session_id"`
	Peers     []domain.Identity `json:"peers"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage encodes payload into an envelope of the given type.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

func relayed(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeBye:
		return true
	}
	return false
}

// validateSDP is a shallow structural check; the peers do the real parsing.
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

func validate(msg Message) error {
	switch msg.Type {
	case TypeOffer, TypeAnswer:
		var desc SessionDescription
		if err := msg.Decode(&desc); err != nil {
			return err
		}
		if desc.Type != msg.Type {
			return fmt.Errorf("%s carries a %q description", msg.Type, desc.Type)
		}
		return validateSDP(desc.SDP)
	case TypeCandidate:
		var c CandidatePayload
		if err := msg.Decode(&c); err != nil {
			return err
		}
		if c.Candidate == "" {
			return fmt.Errorf("ICE candidate is required")
		}
	case TypeBye:
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return nil
}
