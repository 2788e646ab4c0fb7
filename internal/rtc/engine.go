// Package rtc abstracts the WebRTC engine behind a minimal capability
// interface so the negotiation state machine can be driven by a fake in
// tests. The pion-backed implementation lives in pion.go.
package rtc

type SDPKind string

const (
	SDPOffer  SDPKind = "offer"
	SDPAnswer SDPKind = "answer"
)

type SessionDescription struct {
	Kind SDPKind
	SDP  string
}

// Candidate is one discovered network path proposed for direct peer
// connectivity.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection cannot recover from s.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateFailed, StateClosed:
		return true
	default:
		return false
	}
}

// Events carries the engine's asynchronous callbacks for one connection.
// Unset funcs are ignored.
type Events struct {
	OnICECandidate func(Candidate)
	OnDataChannel  func(DataChannel)
	OnStateChange  func(State)
}

type Engine interface {
	NewConnection(events Events) (Connection, error)
}

type Connection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c Candidate) error
	Close() error
}

type DataChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
}
