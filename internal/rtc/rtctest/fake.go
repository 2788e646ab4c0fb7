// Package rtctest provides a synchronous in-memory rtc.Engine for tests.
// Descriptions resolve immediately and the test drives all asynchronous
// events by hand (EmitOpen, EmitMessage, EmitRemoteDataChannel, ...).
package rtctest

import (
	"fmt"
	"sync"

	"github.com/whisperwire/whisperwire/internal/rtc"
)

type Engine struct {
	mu                sync.Mutex
	conns             []*Connection
	nextID            int
	NextConnectionErr error
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewConnection(events rtc.Events) (rtc.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.NextConnectionErr != nil {
		err := e.NextConnectionErr
		e.NextConnectionErr = nil
		return nil, err
	}

	e.nextID++
	c := &Connection{id: e.nextID, events: events}
	e.conns = append(e.conns, c)
	return c, nil
}

// ConnectionCount returns how many connections the engine has handed out.
func (e *Engine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Conn returns the i-th connection, or nil if it does not exist yet.
func (e *Engine) Conn(i int) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.conns) {
		return nil
	}
	return e.conns[i]
}

type Connection struct {
	mu     sync.Mutex
	id     int
	events rtc.Events

	localDesc  *rtc.SessionDescription
	remoteDesc *rtc.SessionDescription
	channels   []*DataChannel
	candidates []rtc.Candidate
	closed     bool

	FailCreateChannel error
	FailCreateOffer   error
	FailCreateAnswer  error
	FailSetLocal      error
	FailSetRemote     error
	FailAddCandidate  error
}

func (c *Connection) CreateDataChannel(label string) (rtc.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateChannel != nil {
		return nil, c.FailCreateChannel
	}
	dc := NewDataChannel(label)
	c.channels = append(c.channels, dc)
	return dc, nil
}

func (c *Connection) CreateOffer() (rtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateOffer != nil {
		return rtc.SessionDescription{}, c.FailCreateOffer
	}
	return rtc.SessionDescription{Kind: rtc.SDPOffer, SDP: fmt.Sprintf("offer-sdp-%d", c.id)}, nil
}

func (c *Connection) CreateAnswer() (rtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateAnswer != nil {
		return rtc.SessionDescription{}, c.FailCreateAnswer
	}
	if c.remoteDesc == nil {
		return rtc.SessionDescription{}, fmt.Errorf("create answer without remote offer")
	}
	return rtc.SessionDescription{Kind: rtc.SDPAnswer, SDP: fmt.Sprintf("answer-sdp-%d", c.id)}, nil
}

func (c *Connection) SetLocalDescription(desc rtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSetLocal != nil {
		return c.FailSetLocal
	}
	c.localDesc = &desc
	return nil
}

func (c *Connection) SetRemoteDescription(desc rtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSetRemote != nil {
		return c.FailSetRemote
	}
	c.remoteDesc = &desc
	return nil
}

func (c *Connection) AddICECandidate(candidate rtc.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAddCandidate != nil {
		return c.FailAddCandidate
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Connection) LocalDescription() *rtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDesc
}

func (c *Connection) RemoteDescription() *rtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

func (c *Connection) Candidates() []rtc.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rtc.Candidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel returns the i-th locally created data channel, or nil.
func (c *Connection) Channel(i int) *DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

// EmitRemoteDataChannel simulates the remote side opening a channel.
func (c *Connection) EmitRemoteDataChannel(dc *DataChannel) {
	c.mu.Lock()
	fn := c.events.OnDataChannel
	c.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// EmitState simulates a connection state change callback.
func (c *Connection) EmitState(s rtc.State) {
	c.mu.Lock()
	fn := c.events.OnStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate simulates local ICE candidate discovery.
func (c *Connection) EmitCandidate(candidate rtc.Candidate) {
	c.mu.Lock()
	fn := c.events.OnICECandidate
	c.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

type DataChannel struct {
	mu    sync.Mutex
	label string

	onOpen    func()
	onMessage func([]byte)
	onClose   func()

	sent   [][]byte
	closed bool

	FailSend error
}

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

func (dc *DataChannel) Label() string { return dc.label }

func (dc *DataChannel) Send(data []byte) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.FailSend != nil {
		return dc.FailSend
	}
	if dc.closed {
		return fmt.Errorf("send on closed channel")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	dc.sent = append(dc.sent, buf)
	return nil
}

func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	dc.closed = true
	dc.mu.Unlock()
	return nil
}

func (dc *DataChannel) OnOpen(fn func())               { dc.mu.Lock(); dc.onOpen = fn; dc.mu.Unlock() }
func (dc *DataChannel) OnMessage(fn func(data []byte)) { dc.mu.Lock(); dc.onMessage = fn; dc.mu.Unlock() }
func (dc *DataChannel) OnClose(fn func())              { dc.mu.Lock(); dc.onClose = fn; dc.mu.Unlock() }

// EmitOpen fires the open callback, as pion does once SCTP is ready.
func (dc *DataChannel) EmitOpen() {
	dc.mu.Lock()
	fn := dc.onOpen
	dc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// EmitMessage delivers data as an inbound channel message.
func (dc *DataChannel) EmitMessage(data []byte) {
	dc.mu.Lock()
	fn := dc.onMessage
	dc.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// EmitClose fires the close callback.
func (dc *DataChannel) EmitClose() {
	dc.mu.Lock()
	fn := dc.onClose
	dc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SentMessages returns a copy of everything sent on the channel.
func (dc *DataChannel) SentMessages() [][]byte {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([][]byte, len(dc.sent))
	copy(out, dc.sent)
	return out
}
