package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// DefaultSTUNServers are used when no servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type pionEngine struct {
	config webrtc.Configuration
}

// NewEngine returns the pion-backed engine. NAT traversal is delegated to
// the listed STUN servers.
func NewEngine(stunServers []string) Engine {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &pionEngine{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
	}
}

func (e *pionEngine) NewConnection(events Events) (Connection, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil || events.OnICECandidate == nil {
			return
		}
		j := ice.ToJSON()
		c := Candidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			c.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			c.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		events.OnICECandidate(c)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if events.OnDataChannel != nil {
			events.OnDataChannel(&pionChannel{dc: dc})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if events.OnStateChange != nil {
			events.OnStateChange(mapState(s))
		}
	})

	return &pionConn{pc: pc}, nil
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) CreateOffer() (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return SessionDescription{Kind: SDPOffer, SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return SessionDescription{Kind: SDPAnswer, SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(desc SessionDescription) error {
	return c.pc.SetLocalDescription(toPionDesc(desc))
}

func (c *pionConn) SetRemoteDescription(desc SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDesc(desc))
}

func (c *pionConn) AddICECandidate(candidate Candidate) error {
	mid := candidate.SDPMid
	index := uint16(candidate.SDPMLineIndex)
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func toPionDesc(desc SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if desc.Kind == SDPAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (ch *pionChannel) Label() string { return ch.dc.Label() }

func (ch *pionChannel) Send(data []byte) error { return ch.dc.Send(data) }

func (ch *pionChannel) Close() error { return ch.dc.Close() }

func (ch *pionChannel) OnOpen(fn func()) { ch.dc.OnOpen(fn) }

func (ch *pionChannel) OnMessage(fn func(data []byte)) {
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (ch *pionChannel) OnClose(fn func()) { ch.dc.OnClose(fn) }
