// Package peer implements the per-peer negotiation state machine: one
// Session per remote peer, driving offer/answer/candidate exchange over
// the signaling relay and owning the resulting chat data channel.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/whisperwire/whisperwire/internal/rtc"
	"github.com/whisperwire/whisperwire/internal/signaling"
)

// ChannelLabel is the data channel carrying chat traffic. Delivery is
// ordered and reliable.
const ChannelLabel = "chat"

var (
	// ErrChannelNotOpen is returned by Send before the data channel is
	// ready or after teardown.
	ErrChannelNotOpen = errors.New("peer: data channel not open")
	// ErrUnexpectedAnswer is returned when an answer arrives for a
	// session that never sent an offer.
	ErrUnexpectedAnswer = errors.New("peer: answer without outstanding offer")
)

// IsOfferer decides the negotiation role for a peer pair: the
// lexicographically smaller identity is the offerer. Both sides compute
// the same outcome independently, so no coordination round is needed.
func IsOfferer(local, remote string) bool {
	return local < remote
}

type State int

const (
	StateIdle State = iota
	StateOffering
	StateHaveLocalOffer
	StateAnswering
	StateHaveRemoteOffer
	StateAnswerSent
	StateConnected
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOffering:
		return "OFFERING"
	case StateHaveLocalOffer:
		return "HAVE_LOCAL_OFFER"
	case StateAnswering:
		return "ANSWERING"
	case StateHaveRemoteOffer:
		return "HAVE_REMOTE_OFFER"
	case StateAnswerSent:
		return "ANSWER_SENT"
	case StateConnected:
		return "CONNECTED"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Signaler sends envelopes to the rendezvous server.
type Signaler interface {
	Send(env *signaling.Envelope) error
}

// Events is the upward interface to the session's owner. Callbacks are
// invoked from engine goroutines; the owner is responsible for
// serializing them. Every callback carries the session so the owner can
// discard events from sessions it has already replaced.
type Events interface {
	ChannelOpened(s *Session)
	ChannelClosed(s *Session)
	MessageReceived(s *Session, data []byte)
}

type Config struct {
	Local    string
	Remote   string
	Room     string
	Engine   rtc.Engine
	Signaler Signaler
	Events   Events
	Logger   *logrus.Logger
}

// Session is one peer-to-peer connection attempt and, once open, the
// live chat channel to that peer.
type Session struct {
	local    string
	remote   string
	room     string
	signaler Signaler
	events   Events
	logger   *logrus.Logger

	mu      sync.Mutex
	state   State
	conn    rtc.Connection
	channel rtc.DataChannel
	wasOpen bool
}

// NewSession allocates the underlying transport connection. The session
// starts in IDLE; call StartOffer or AcceptOffer to begin negotiation.
func NewSession(cfg Config) (*Session, error) {
	s := &Session{
		local:    cfg.Local,
		remote:   cfg.Remote,
		room:     cfg.Room,
		signaler: cfg.Signaler,
		events:   cfg.Events,
		logger:   cfg.Logger,
		state:    StateIdle,
	}

	conn, err := cfg.Engine.NewConnection(rtc.Events{
		OnICECandidate: s.handleLocalCandidate,
		OnDataChannel:  s.handleRemoteChannel,
		OnStateChange:  s.handleStateChange,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection for %q: %w", cfg.Remote, err)
	}
	s.conn = conn
	return s, nil
}

func (s *Session) Remote() string { return s.remote }
func (s *Session) Room() string   { return s.room }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WasOpen reports whether the data channel ever reached OPEN.
func (s *Session) WasOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasOpen
}

// OfferSent reports whether the local offer is already on the wire. Used
// by the glare policy: a designated offerer whose offer is out ignores a
// competing remote offer.
func (s *Session) OfferSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHaveLocalOffer, StateConnected, StateOpen:
		return true
	default:
		return false
	}
}

// StartOffer runs the outbound negotiation: create the chat channel,
// create and apply the local offer, transmit it. Any failing step tears
// the session down; no partially built session survives.
func (s *Session) StartOffer() error {
	s.mu.Lock()
	s.state = StateOffering
	conn := s.conn
	s.mu.Unlock()

	channel, err := conn.CreateDataChannel(ChannelLabel)
	if err != nil {
		s.teardown()
		return fmt.Errorf("create data channel for %q: %w", s.remote, err)
	}
	s.bindChannel(channel)

	offer, err := conn.CreateOffer()
	if err != nil {
		s.teardown()
		return fmt.Errorf("create offer for %q: %w", s.remote, err)
	}

	if err := conn.SetLocalDescription(offer); err != nil {
		s.teardown()
		return fmt.Errorf("apply local offer for %q: %w", s.remote, err)
	}

	if err := s.signaler.Send(signaling.NewOffer(s.local, s.remote, s.room, offer.SDP)); err != nil {
		s.teardown()
		return fmt.Errorf("send offer to %q: %w", s.remote, err)
	}

	s.mu.Lock()
	if s.state == StateOffering {
		s.state = StateHaveLocalOffer
	}
	s.mu.Unlock()

	s.logger.Debugf("Sent offer to %q", s.remote)
	return nil
}

// AcceptOffer runs the inbound negotiation for a remote offer: apply it,
// create and apply the answer, transmit it.
func (s *Session) AcceptOffer(sdp string) error {
	s.mu.Lock()
	s.state = StateAnswering
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SetRemoteDescription(rtc.SessionDescription{Kind: rtc.SDPOffer, SDP: sdp}); err != nil {
		s.teardown()
		return fmt.Errorf("apply remote offer from %q: %w", s.remote, err)
	}

	s.mu.Lock()
	if s.state == StateAnswering {
		s.state = StateHaveRemoteOffer
	}
	s.mu.Unlock()

	answer, err := conn.CreateAnswer()
	if err != nil {
		s.teardown()
		return fmt.Errorf("create answer for %q: %w", s.remote, err)
	}

	if err := conn.SetLocalDescription(answer); err != nil {
		s.teardown()
		return fmt.Errorf("apply local answer for %q: %w", s.remote, err)
	}

	if err := s.signaler.Send(signaling.NewAnswer(s.local, s.remote, s.room, answer.SDP)); err != nil {
		s.teardown()
		return fmt.Errorf("send answer to %q: %w", s.remote, err)
	}

	s.mu.Lock()
	if s.state == StateHaveRemoteOffer {
		s.state = StateAnswerSent
	}
	s.mu.Unlock()

	s.logger.Debugf("Sent answer to %q", s.remote)
	return nil
}

// HandleAnswer applies the remote answer to an outstanding local offer.
func (s *Session) HandleAnswer(sdp string) error {
	s.mu.Lock()
	if s.state != StateHaveLocalOffer {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrUnexpectedAnswer, state)
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SetRemoteDescription(rtc.SessionDescription{Kind: rtc.SDPAnswer, SDP: sdp}); err != nil {
		s.teardown()
		return fmt.Errorf("apply remote answer from %q: %w", s.remote, err)
	}

	s.mu.Lock()
	if s.state == StateHaveLocalOffer {
		s.state = StateConnected
	}
	s.mu.Unlock()
	return nil
}

// AddCandidate feeds a remote ICE candidate into the connection.
func (s *Session) AddCandidate(candidate rtc.Candidate) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("candidate for closed session with %q", s.remote)
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %q: %w", s.remote, err)
	}
	return nil
}

// Send transmits raw bytes over the open data channel.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	if s.state != StateOpen || s.channel == nil {
		s.mu.Unlock()
		return ErrChannelNotOpen
	}
	channel := s.channel
	s.mu.Unlock()

	return channel.Send(data)
}

// Close tears the session down without reporting events; owners call it
// when they decide the session's fate themselves.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

// teardown closes channel and connection exactly once.
func (s *Session) teardown() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	channel := s.channel
	conn := s.conn
	s.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return true
}

func (s *Session) bindChannel(channel rtc.DataChannel) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	channel.OnOpen(func() {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateOpen
		s.wasOpen = true
		s.mu.Unlock()

		s.logger.Infof("Data channel to %q open", s.remote)
		s.events.ChannelOpened(s)
	})

	channel.OnMessage(func(data []byte) {
		s.events.MessageReceived(s, data)
	})

	channel.OnClose(func() {
		if s.teardown() {
			s.logger.Infof("Data channel to %q closed", s.remote)
			s.events.ChannelClosed(s)
		}
	})
}

// handleRemoteChannel adopts the channel created by the remote offerer.
func (s *Session) handleRemoteChannel(channel rtc.DataChannel) {
	if channel.Label() != ChannelLabel {
		s.logger.Warnf("Ignoring unexpected data channel %q from %q", channel.Label(), s.remote)
		return
	}
	s.bindChannel(channel)
}

// handleStateChange treats connectivity loss like a channel close: the
// session is gone either way.
func (s *Session) handleStateChange(state rtc.State) {
	s.logger.Debugf("Connection to %q is %s", s.remote, state)
	if !state.Terminal() {
		return
	}
	if s.teardown() {
		s.events.ChannelClosed(s)
	}
}

func (s *Session) handleLocalCandidate(candidate rtc.Candidate) {
	env := signaling.NewCandidate(s.local, s.remote, s.room, signaling.CandidatePayload{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err := s.signaler.Send(env); err != nil {
		s.logger.Warnf("Failed to send ICE candidate to %q: %v", s.remote, err)
	}
}
