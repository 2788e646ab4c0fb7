package signaling

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/whisperwire/whisperwire/internal/signaling/store"
)

// Server is the rendezvous hub. It upgrades HTTP connections to
// WebSocket, tracks room membership, answers joins with the current peer
// list, and relays offer/answer/candidate envelopes to their target user.
type Server struct {
	logger   *logrus.Logger
	presence *store.PresenceStore
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*member
}

// member wraps a connection with a write lock; gorilla connections do not
// allow concurrent writers.
type member struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (m *member) send(env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(logger *logrus.Logger, presence *store.PresenceStore) *Server {
	return &Server{
		logger:   logger,
		presence: presence,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*member),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Upgrade failed: %v", err)
		return
	}
	go s.handleConn(ws)
}

func (s *Server) handleConn(ws *websocket.Conn) {
	m := &member{conn: ws}
	var user, room string

	defer func() {
		if user != "" {
			s.deregister(room, user, m)
		}
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := Unmarshal(data)
		if err != nil {
			s.logger.Warnf("Dropping unparseable envelope: %v", err)
			continue
		}

		switch env.Type {
		case TypeJoin:
			if env.FromUser == "" || env.Room == "" {
				s.logger.Warn("Join without user or room, dropping")
				continue
			}
			// One logical session per connection. A second join on the
			// same connection moves the user.
			if user != "" {
				s.deregister(room, user, m)
			}
			user, room = env.FromUser, env.Room
			s.register(room, user, m)

		case TypeLeave:
			if user != "" {
				s.deregister(room, user, m)
				user, room = "", ""
			}

		case TypeOffer, TypeAnswer, TypeCandidate:
			if user == "" {
				s.logger.Warn("Relay request from connection that never joined, dropping")
				continue
			}
			s.relay(room, env)

		default:
			s.logger.Warnf("Unhandled envelope type %q from %q", env.Type, user)
		}
	}
}

// register adds the member, answers it with the room's current peer list
// and announces it to everyone else.
func (s *Server) register(room, user string, m *member) {
	s.mu.Lock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[string]*member)
	}
	if old, exists := s.rooms[room][user]; exists {
		// Duplicate identity: the newest connection wins.
		old.conn.Close()
	}
	s.rooms[room][user] = m

	others := make([]string, 0, len(s.rooms[room])-1)
	for name := range s.rooms[room] {
		if name != user {
			others = append(others, name)
		}
	}
	s.mu.Unlock()

	if err := s.presence.AddMember(room, user); err != nil {
		s.logger.Errorf("Presence registration for %q failed: %v", user, err)
	}

	if err := m.send(NewPeers(room, others)); err != nil {
		s.logger.Warnf("Failed to send peer list to %q: %v", user, err)
	}
	s.broadcast(room, user, NewUserJoined(room, user))

	s.logger.Infof("User %q joined room %q (%d peers)", user, room, len(others))
}

// deregister removes the membership, but only if m is still the
// registered connection for user. A connection that was replaced by a
// duplicate join must not tear down its successor.
func (s *Server) deregister(room, user string, m *member) {
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok || members[user] != m {
		s.mu.Unlock()
		return
	}
	delete(members, user)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	s.mu.Unlock()

	if err := s.presence.RemoveMember(room, user); err != nil {
		s.logger.Errorf("Presence removal for %q failed: %v", user, err)
	}

	s.broadcast(room, user, NewUserLeft(room, user))
	s.logger.Infof("User %q left room %q", user, room)
}

// relay delivers a targeted envelope to its ToUser within the room.
func (s *Server) relay(room string, env *Envelope) {
	if env.ToUser == "" {
		s.logger.Warnf("Relay envelope %q without target, dropping", env.Type)
		return
	}

	s.mu.Lock()
	target, ok := s.rooms[room][env.ToUser]
	s.mu.Unlock()

	if !ok {
		s.logger.Warnf("Relay target %q not in room %q, dropping %q", env.ToUser, room, env.Type)
		return
	}

	if err := target.send(env); err != nil {
		s.logger.Warnf("Relay to %q failed: %v", env.ToUser, err)
	}
}

// broadcast sends env to every room member except exclude.
func (s *Server) broadcast(room, exclude string, env *Envelope) {
	s.mu.Lock()
	targets := make([]*member, 0, len(s.rooms[room]))
	for name, m := range s.rooms[room] {
		if name != exclude {
			targets = append(targets, m)
		}
	}
	s.mu.Unlock()

	for _, m := range targets {
		if err := m.send(env); err != nil {
			s.logger.Warnf("Broadcast of %q failed: %v", env.Type, err)
		}
	}
}
