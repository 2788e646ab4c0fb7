// Package signaling defines the rendezvous wire protocol and implements
// both sides of it: the WebSocket server that relays envelopes between
// room members, and the client used by chat nodes. The server never sees
// chat plaintext; it only routes negotiation and presence traffic.
package signaling

import "encoding/json"

type Type string

const (
	TypeJoin       Type = "join"
	TypeLeave      Type = "leave"
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
	TypePeers      Type = "peers"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
)

// Envelope is one signaling message. Payload shape depends on Type:
// offer/answer carry SDPPayload, candidate carries CandidatePayload,
// peers carries PeersPayload, user_joined/user_left carry PresencePayload.
type Envelope struct {
	Type     Type            `json:"type"`
	FromUser string          `json:"fromUser,omitempty"`
	ToUser   string          `json:"toUser,omitempty"`
	Room     string          `json:"room,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

type PeersPayload struct {
	Users []string `json:"users"`
}

type PresencePayload struct {
	User string `json:"user"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// SDP decodes the payload of an offer or answer envelope.
func (e *Envelope) SDP() (SDPPayload, error) {
	var p SDPPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Candidate decodes the payload of a candidate envelope.
func (e *Envelope) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Peers decodes the payload of a peers envelope.
func (e *Envelope) Peers() (PeersPayload, error) {
	var p PeersPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Presence decodes the payload of a user_joined or user_left envelope.
func (e *Envelope) Presence() (PresencePayload, error) {
	var p PresencePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func newEnvelope(t Type, from, to, room string, payload interface{}) *Envelope {
	env := &Envelope{Type: t, FromUser: from, ToUser: to, Room: room}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			// All payload types marshal cleanly; a failure here is a
			// programming error.
			panic(err)
		}
		env.Payload = raw
	}
	return env
}

func NewJoin(from, room string) *Envelope {
	return newEnvelope(TypeJoin, from, "", room, nil)
}

func NewLeave(from, room string) *Envelope {
	return newEnvelope(TypeLeave, from, "", room, nil)
}

func NewOffer(from, to, room, sdp string) *Envelope {
	return newEnvelope(TypeOffer, from, to, room, SDPPayload{Type: "offer", SDP: sdp})
}

func NewAnswer(from, to, room, sdp string) *Envelope {
	return newEnvelope(TypeAnswer, from, to, room, SDPPayload{Type: "answer", SDP: sdp})
}

func NewCandidate(from, to, room string, c CandidatePayload) *Envelope {
	return newEnvelope(TypeCandidate, from, to, room, c)
}

func NewPeers(room string, users []string) *Envelope {
	return newEnvelope(TypePeers, "", "", room, PeersPayload{Users: users})
}

func NewUserJoined(room, user string) *Envelope {
	return newEnvelope(TypeUserJoined, "", "", room, PresencePayload{User: user})
}

func NewUserLeft(room, user string) *Envelope {
	return newEnvelope(TypeUserLeft, "", "", room, PresencePayload{User: user})
}
