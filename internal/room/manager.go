// Package room coordinates everything one user needs to chat in a room:
// the signaling connection, the password-derived room key, and one peer
// session per remote member. All state lives on a single goroutine; the
// signaling client, peer sessions, and heartbeat ticker post work to it,
// so no mutation ever races.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/whisperwire/whisperwire/internal/crypto"
	"github.com/whisperwire/whisperwire/internal/message"
	"github.com/whisperwire/whisperwire/internal/peer"
	"github.com/whisperwire/whisperwire/internal/rtc"
	"github.com/whisperwire/whisperwire/internal/signaling"
)

var (
	ErrNotInRoom = errors.New("not in a room")
	ErrNoPeers   = errors.New("no connected peers")
	ErrClosed    = errors.New("manager closed")
)

// DefaultHeartbeatInterval keeps idle data channels from being dropped
// by NAT bindings timing out.
const DefaultHeartbeatInterval = 25 * time.Second

// Signaler is the slice of the signaling client the manager drives.
type Signaler interface {
	OnEnvelope(fn func(*signaling.Envelope))
	OnClose(fn func(error))
	ConnectAndJoin(ctx context.Context, identity, room string) error
	Send(env *signaling.Envelope) error
	Disconnect() error
	Connected() bool
}

// FileOffer describes a shared file announced by a peer. The fields come
// straight off the wire; the payload key stays encrypted until the user
// decides to fetch.
type FileOffer struct {
	Sender           string
	FileName         string
	FileSize         int64
	DownloadURL      string
	EncryptedFileKey string
	FileHash         string
}

// Listener receives everything the manager wants the user to see. All
// callbacks fire from the manager's goroutine; implementations must not
// call back into the manager synchronously.
type Listener interface {
	OnPeerConnected(room, user string)
	OnPeerDisconnected(room, user string)
	OnChatMessage(room, sender, text string)
	OnSystemNotice(room, notice string)
	OnFileOffer(room string, offer FileOffer)
	OnFatalError(err error)
}

type Config struct {
	Identity          string
	Engine            rtc.Engine
	Signaler          Signaler
	Listener          Listener
	Logger            *logrus.Logger
	HeartbeatInterval time.Duration
}

type Manager struct {
	identity       string
	engine         rtc.Engine
	signaler       Signaler
	listener       Listener
	logger         *logrus.Logger
	heartbeatEvery time.Duration

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state. Touched only from run().
	room          string
	key           *crypto.RoomKey
	sessions      map[string]*peer.Session
	history       *History
	heartbeatStop chan struct{}
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if cfg.Engine == nil || cfg.Signaler == nil || cfg.Listener == nil {
		return nil, fmt.Errorf("engine, signaler and listener are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	m := &Manager{
		identity:       cfg.Identity,
		engine:         cfg.Engine,
		signaler:       cfg.Signaler,
		listener:       cfg.Listener,
		logger:         cfg.Logger,
		heartbeatEvery: cfg.HeartbeatInterval,
		tasks:          make(chan func(), 64),
		done:           make(chan struct{}),
		sessions:       make(map[string]*peer.Session),
		history:        NewHistory(),
	}
	m.signaler.OnEnvelope(m.handleEnvelope)
	m.signaler.OnClose(m.handleSignalerClosed)
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	for {
		select {
		case fn := <-m.tasks:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the loop. Work posted after Close is dropped.
func (m *Manager) post(fn func()) {
	select {
	case m.tasks <- fn:
	case <-m.done:
	}
}

// call runs fn on the loop and waits for its result.
func (m *Manager) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.tasks <- func() { errc <- fn() }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// JoinRoom tears down the current room, derives the new room key from
// the password, connects to the signaling server and announces presence.
// Peer connections follow as the server reports members. Joining the
// room the manager is already actively in is a no-op. Any failure leaves
// the manager in no room at all, never with partial state.
func (m *Manager) JoinRoom(ctx context.Context, roomName, password string) error {
	return m.call(func() error {
		if roomName == m.room && m.signaler.Connected() && len(m.sessions) > 0 {
			m.logger.WithField("room", roomName).Debug("Already joined")
			return nil
		}
		m.leaveLocked()

		key, err := crypto.DeriveRoomKey(roomName, password)
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if err := m.signaler.ConnectAndJoin(ctx, m.identity, roomName); err != nil {
			return fmt.Errorf("join room %s: %w", roomName, err)
		}
		m.room = roomName
		m.key = key
		m.startHeartbeat()
		m.logger.WithFields(logrus.Fields{
			"room": roomName,
			"user": m.identity,
		}).Info("Joined room")
		return nil
	})
}

// LeaveRoom tears down every peer session and the signaling connection.
func (m *Manager) LeaveRoom() error {
	return m.call(func() error {
		if m.room == "" {
			return nil
		}
		m.leaveLocked()
		return nil
	})
}

// leaveLocked resets to the out-of-room state. Runs on the loop.
func (m *Manager) leaveLocked() {
	m.stopHeartbeat()
	for user, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, user)
	}
	if m.room != "" {
		if err := m.signaler.Disconnect(); err != nil {
			m.logger.WithError(err).Debug("Disconnect from signaling failed")
		}
		m.logger.WithField("room", m.room).Info("Left room")
	}
	m.room = ""
	m.key = nil
}

// SendChat encrypts text once under the room key and fans it out to every
// open peer session. The message lands in local history immediately; send
// failures to individual peers are joined into the returned error.
func (m *Manager) SendChat(text string) error {
	return m.call(func() error {
		if m.key == nil {
			return ErrNotInRoom
		}
		open := m.openSessions()
		if len(open) == 0 {
			return ErrNoPeers
		}

		sealed, err := crypto.Encrypt([]byte(text), m.key)
		if err != nil {
			return fmt.Errorf("send chat: %w", err)
		}
		msg := &message.Message{
			Type:          message.KindChat,
			Sender:        m.identity,
			EncryptedData: sealed,
			RoomContext:   m.room,
		}
		raw, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("send chat: %w", err)
		}

		var sendErr error
		for _, s := range open {
			if err := s.Send(raw); err != nil {
				sendErr = errors.Join(sendErr, fmt.Errorf("send to %s: %w", s.Remote(), err))
			}
		}

		m.history.Append(m.room, HistoryEntry{Sender: m.identity, Text: text, Kind: message.KindChat})
		m.listener.OnChatMessage(m.room, m.identity, text)
		return sendErr
	})
}

// SendFileOffer announces a shared file to every open peer session. Only
// metadata travels over the channel; the payload is fetched out of band.
func (m *Manager) SendFileOffer(offer FileOffer) error {
	return m.call(func() error {
		if m.key == nil {
			return ErrNotInRoom
		}
		open := m.openSessions()
		if len(open) == 0 {
			return ErrNoPeers
		}
		msg := &message.Message{
			Type:             message.KindFileShareOffer,
			Sender:           m.identity,
			FileName:         offer.FileName,
			FileSize:         offer.FileSize,
			DownloadURL:      offer.DownloadURL,
			EncryptedFileKey: offer.EncryptedFileKey,
			FileHash:         offer.FileHash,
			RoomContext:      m.room,
		}
		raw, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("send file offer: %w", err)
		}
		var sendErr error
		for _, s := range open {
			if err := s.Send(raw); err != nil {
				sendErr = errors.Join(sendErr, fmt.Errorf("send to %s: %w", s.Remote(), err))
			}
		}
		m.history.Append(m.room, HistoryEntry{Sender: m.identity, Text: offer.FileName, Kind: message.KindFileShareOffer})
		return sendErr
	})
}

// History returns the log for one room, oldest first.
func (m *Manager) History(roomName string) []HistoryEntry {
	var entries []HistoryEntry
	_ = m.call(func() error {
		entries = m.history.Room(roomName)
		return nil
	})
	return entries
}

// Peers returns the users with an open data channel right now.
func (m *Manager) Peers() []string {
	var users []string
	_ = m.call(func() error {
		for _, s := range m.openSessions() {
			users = append(users, s.Remote())
		}
		return nil
	})
	return users
}

// Close shuts the manager down. It does not notify the listener.
func (m *Manager) Close() error {
	_ = m.call(func() error {
		m.leaveLocked()
		return nil
	})
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Manager) openSessions() []*peer.Session {
	var open []*peer.Session
	for _, s := range m.sessions {
		if s.State() == peer.StateOpen {
			open = append(open, s)
		}
	}
	return open
}

// ---- signaling ----

func (m *Manager) handleEnvelope(env *signaling.Envelope) {
	m.post(func() {
		if env.Room != "" && env.Room != m.room {
			m.logger.WithFields(logrus.Fields{
				"room":    env.Room,
				"current": m.room,
			}).Debug("Dropping envelope for another room")
			return
		}
		switch env.Type {
		case signaling.TypePeers:
			m.onPeers(env)
		case signaling.TypeUserJoined:
			m.onUserJoined(env)
		case signaling.TypeUserLeft:
			m.onUserLeft(env)
		case signaling.TypeOffer:
			m.onOffer(env)
		case signaling.TypeAnswer:
			m.onAnswer(env)
		case signaling.TypeCandidate:
			m.onCandidate(env)
		default:
			m.logger.WithField("type", env.Type).Warn("Unhandled signaling envelope")
		}
	})
}

// handleSignalerClosed reports an unsolicited signaling loss. Open data
// channels are peer to peer and keep working without the rendezvous;
// only new negotiations are impossible until the caller joins again.
func (m *Manager) handleSignalerClosed(err error) {
	m.post(func() {
		if m.room == "" {
			return
		}
		m.listener.OnFatalError(fmt.Errorf("signaling connection lost: %w", err))
	})
}

func (m *Manager) onPeers(env *signaling.Envelope) {
	payload, err := env.Peers()
	if err != nil {
		m.logger.WithError(err).Warn("Bad peers payload")
		return
	}
	for _, user := range payload.Users {
		m.connectTo(user)
	}
}

func (m *Manager) onUserJoined(env *signaling.Envelope) {
	payload, err := env.Presence()
	if err != nil {
		m.logger.WithError(err).Warn("Bad presence payload")
		return
	}
	m.listener.OnSystemNotice(m.room, fmt.Sprintf("%s joined the room", payload.User))
	m.connectTo(payload.User)
}

// connectTo opens negotiation toward user if this side is the offerer.
// The answerer side does nothing until the offer arrives.
func (m *Manager) connectTo(user string) {
	if user == "" || user == m.identity {
		return
	}
	if _, ok := m.sessions[user]; ok {
		return
	}
	if !peer.IsOfferer(m.identity, user) {
		m.logger.WithField("peer", user).Debug("Waiting for offer")
		return
	}
	s, err := m.newSession(user)
	if err != nil {
		m.logger.WithError(err).WithField("peer", user).Error("Could not create session")
		return
	}
	m.sessions[user] = s
	if err := s.StartOffer(); err != nil {
		m.logger.WithError(err).WithField("peer", user).Error("Offer failed")
		delete(m.sessions, user)
	}
}

func (m *Manager) onUserLeft(env *signaling.Envelope) {
	payload, err := env.Presence()
	if err != nil {
		m.logger.WithError(err).Warn("Bad presence payload")
		return
	}
	m.listener.OnSystemNotice(m.room, fmt.Sprintf("%s left the room", payload.User))
	if s, ok := m.sessions[payload.User]; ok {
		wasOpen := s.WasOpen()
		_ = s.Close()
		delete(m.sessions, payload.User)
		if wasOpen {
			m.listener.OnPeerDisconnected(m.room, payload.User)
		}
	}
}

// onOffer handles an incoming offer, including glare. When both sides
// offered at once the deterministic offerer keeps its own offer and
// ignores the competing one; the other side abandons its session and
// answers instead.
func (m *Manager) onOffer(env *signaling.Envelope) {
	from := env.FromUser
	payload, err := env.SDP()
	if err != nil {
		m.logger.WithError(err).WithField("peer", from).Warn("Bad offer payload")
		return
	}
	if existing, ok := m.sessions[from]; ok {
		if peer.IsOfferer(m.identity, from) && existing.OfferSent() {
			m.logger.WithField("peer", from).Debug("Ignoring competing offer")
			return
		}
		_ = existing.Close()
		delete(m.sessions, from)
	}
	s, err := m.newSession(from)
	if err != nil {
		m.logger.WithError(err).WithField("peer", from).Error("Could not create session")
		return
	}
	m.sessions[from] = s
	if err := s.AcceptOffer(payload.SDP); err != nil {
		m.logger.WithError(err).WithField("peer", from).Error("Answer failed")
		delete(m.sessions, from)
	}
}

func (m *Manager) onAnswer(env *signaling.Envelope) {
	from := env.FromUser
	s, ok := m.sessions[from]
	if !ok {
		m.listener.OnSystemNotice(m.room, fmt.Sprintf("unexpected answer from %s", from))
		return
	}
	payload, err := env.SDP()
	if err != nil {
		m.logger.WithError(err).WithField("peer", from).Warn("Bad answer payload")
		return
	}
	if err := s.HandleAnswer(payload.SDP); err != nil {
		m.logger.WithError(err).WithField("peer", from).Warn("Answer rejected")
		// Anything other than a misdirected answer tore the session
		// down; deregister it so a later presence event can renegotiate.
		if !errors.Is(err, peer.ErrUnexpectedAnswer) {
			delete(m.sessions, from)
		}
	}
}

func (m *Manager) onCandidate(env *signaling.Envelope) {
	from := env.FromUser
	s, ok := m.sessions[from]
	if !ok {
		m.logger.WithField("peer", from).Warn("Candidate for unknown peer")
		return
	}
	payload, err := env.Candidate()
	if err != nil {
		m.logger.WithError(err).WithField("peer", from).Warn("Bad candidate payload")
		return
	}
	if err := s.AddCandidate(rtc.Candidate{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}); err != nil {
		m.logger.WithError(err).WithField("peer", from).Warn("Candidate rejected")
	}
}

func (m *Manager) newSession(user string) (*peer.Session, error) {
	return peer.NewSession(peer.Config{
		Local:    m.identity,
		Remote:   user,
		Room:     m.room,
		Engine:   m.engine,
		Signaler: m.signaler,
		Events:   m,
		Logger:   m.logger,
	})
}

// ---- peer events ----
//
// Sessions call these from rtc callback goroutines. Each posts to the
// loop and first checks the session is still the one registered for its
// peer; callbacks from sessions replaced during glare or re-join are
// discarded.

func (m *Manager) ChannelOpened(s *peer.Session) {
	m.post(func() {
		if m.sessions[s.Remote()] != s {
			return
		}
		m.listener.OnPeerConnected(s.Room(), s.Remote())
	})
}

func (m *Manager) ChannelClosed(s *peer.Session) {
	m.post(func() {
		if m.sessions[s.Remote()] != s {
			return
		}
		delete(m.sessions, s.Remote())
		if s.WasOpen() {
			m.listener.OnPeerDisconnected(s.Room(), s.Remote())
		}
	})
}

func (m *Manager) MessageReceived(s *peer.Session, data []byte) {
	m.post(func() {
		if m.sessions[s.Remote()] != s {
			return
		}
		m.handleAppMessage(data)
	})
}

func (m *Manager) handleAppMessage(data []byte) {
	msg, err := message.Unmarshal(data)
	if err != nil {
		m.logger.WithError(err).Warn("Undecodable data channel message")
		return
	}
	if err := msg.Validate(); err != nil {
		m.logger.WithError(err).Warn("Invalid data channel message")
		return
	}
	if msg.RoomContext != m.room {
		m.logger.WithFields(logrus.Fields{
			"context": msg.RoomContext,
			"current": m.room,
		}).Debug("Dropping message for another room")
		return
	}

	switch msg.Type {
	case message.KindHeartbeat:
		// Keepalive only.
	case message.KindChat:
		plaintext, err := crypto.Decrypt(msg.EncryptedData, m.key)
		if err != nil {
			m.logger.WithError(err).WithField("sender", msg.Sender).Warn("Decrypt failed")
			m.listener.OnSystemNotice(m.room, fmt.Sprintf("could not decrypt message from %s", msg.Sender))
			return
		}
		text := string(plaintext)
		m.history.Append(m.room, HistoryEntry{Sender: msg.Sender, Text: text, Kind: message.KindChat})
		m.listener.OnChatMessage(m.room, msg.Sender, text)
	case message.KindFileShareOffer:
		m.history.Append(m.room, HistoryEntry{Sender: msg.Sender, Text: msg.FileName, Kind: message.KindFileShareOffer})
		m.listener.OnFileOffer(m.room, FileOffer{
			Sender:           msg.Sender,
			FileName:         msg.FileName,
			FileSize:         msg.FileSize,
			DownloadURL:      msg.DownloadURL,
			EncryptedFileKey: msg.EncryptedFileKey,
			FileHash:         msg.FileHash,
		})
	}
}

// ---- heartbeat ----

func (m *Manager) startHeartbeat() {
	m.stopHeartbeat()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	go func() {
		ticker := time.NewTicker(m.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.post(m.sendHeartbeat)
			case <-stop:
				return
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) sendHeartbeat() {
	if m.room == "" {
		return
	}
	msg := &message.Message{
		Type:        message.KindHeartbeat,
		Sender:      m.identity,
		RoomContext: m.room,
	}
	raw, err := msg.Marshal()
	if err != nil {
		return
	}
	for _, s := range m.openSessions() {
		if err := s.Send(raw); err != nil {
			m.logger.WithError(err).WithField("peer", s.Remote()).Debug("Heartbeat send failed")
		}
	}
}
