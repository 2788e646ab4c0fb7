package peer

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/whisperwire/whisperwire/internal/rtc"
	"github.com/whisperwire/whisperwire/internal/rtc/rtctest"
	"github.com/whisperwire/whisperwire/internal/signaling"
)

type captureSignaler struct {
	mu   sync.Mutex
	envs []*signaling.Envelope
	fail error
}

func (c *captureSignaler) Send(env *signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSignaler) sent() []*signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*signaling.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

type recordedEvents struct {
	mu     sync.Mutex
	opened []*Session
	closed []*Session
	data   [][]byte
}

func (r *recordedEvents) ChannelOpened(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, s)
}

func (r *recordedEvents) ChannelClosed(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, s)
}

func (r *recordedEvents) MessageReceived(_ *Session, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
}

func (r *recordedEvents) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

func (r *recordedEvents) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSession(t *testing.T) (*Session, *rtctest.Engine, *captureSignaler, *recordedEvents) {
	t.Helper()

	engine := rtctest.NewEngine()
	signaler := &captureSignaler{}
	events := &recordedEvents{}

	s, err := NewSession(Config{
		Local:    "alice",
		Remote:   "bob",
		Room:     "general",
		Engine:   engine,
		Signaler: signaler,
		Events:   events,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s, engine, signaler, events
}

func TestIsOffererSymmetry(t *testing.T) {
	identities := []string{"alice", "bob", "carol", "Zed", "0xdeadbeef"}
	for _, a := range identities {
		for _, b := range identities {
			if a == b {
				continue
			}
			if IsOfferer(a, b) == IsOfferer(b, a) {
				t.Errorf("Expected exactly one offerer for pair (%q, %q)", a, b)
			}
		}
	}
}

func TestStartOfferHappyPath(t *testing.T) {
	s, engine, signaler, _ := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	if s.State() != StateHaveLocalOffer {
		t.Errorf("Expected HAVE_LOCAL_OFFER, got %s", s.State())
	}

	conn := engine.Conn(0)
	if conn.LocalDescription() == nil || conn.LocalDescription().Kind != rtc.SDPOffer {
		t.Error("Expected local offer to be applied")
	}
	if ch := conn.Channel(0); ch == nil || ch.Label() != ChannelLabel {
		t.Error("Expected chat data channel to be created")
	}

	sent := signaler.sent()
	if len(sent) != 1 || sent[0].Type != signaling.TypeOffer {
		t.Fatalf("Expected one offer envelope, got %+v", sent)
	}
	if sent[0].FromUser != "alice" || sent[0].ToUser != "bob" || sent[0].Room != "general" {
		t.Errorf("Offer envelope misaddressed: %+v", sent[0])
	}
}

func TestStartOfferChannelOpens(t *testing.T) {
	s, engine, _, events := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	engine.Conn(0).Channel(0).EmitOpen()

	if s.State() != StateOpen {
		t.Errorf("Expected OPEN after channel open, got %s", s.State())
	}
	if events.openedCount() != 1 {
		t.Errorf("Expected 1 ChannelOpened event, got %d", events.openedCount())
	}
	if !s.WasOpen() {
		t.Error("Expected WasOpen to be true")
	}
}

func TestStartOfferFailuresTearDown(t *testing.T) {
	boom := errors.New("boom")

	cases := []struct {
		name string
		prep func(c *rtctest.Connection, sig *captureSignaler)
	}{
		{"create channel fails", func(c *rtctest.Connection, _ *captureSignaler) { c.FailCreateChannel = boom }},
		{"create offer fails", func(c *rtctest.Connection, _ *captureSignaler) { c.FailCreateOffer = boom }},
		{"set local fails", func(c *rtctest.Connection, _ *captureSignaler) { c.FailSetLocal = boom }},
		{"signaler send fails", func(_ *rtctest.Connection, sig *captureSignaler) { sig.fail = boom }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, engine, signaler, _ := newTestSession(t)
			tc.prep(engine.Conn(0), signaler)

			if err := s.StartOffer(); err == nil {
				t.Fatal("Expected StartOffer to fail")
			}
			if s.State() != StateClosed {
				t.Errorf("Expected CLOSED after failure, got %s", s.State())
			}
			if !engine.Conn(0).Closed() {
				t.Error("Expected underlying connection to be closed")
			}
		})
	}
}

func TestAcceptOfferHappyPath(t *testing.T) {
	s, engine, signaler, events := newTestSession(t)

	if err := s.AcceptOffer("remote-offer-sdp"); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	if s.State() != StateAnswerSent {
		t.Errorf("Expected ANSWER_SENT, got %s", s.State())
	}

	conn := engine.Conn(0)
	if rd := conn.RemoteDescription(); rd == nil || rd.SDP != "remote-offer-sdp" {
		t.Error("Expected remote offer to be applied")
	}
	if ld := conn.LocalDescription(); ld == nil || ld.Kind != rtc.SDPAnswer {
		t.Error("Expected local answer to be applied")
	}

	sent := signaler.sent()
	if len(sent) != 1 || sent[0].Type != signaling.TypeAnswer {
		t.Fatalf("Expected one answer envelope, got %+v", sent)
	}

	// Remote (offerer) created the channel; it arrives via callback.
	remote := rtctest.NewDataChannel(ChannelLabel)
	conn.EmitRemoteDataChannel(remote)
	remote.EmitOpen()

	if s.State() != StateOpen {
		t.Errorf("Expected OPEN, got %s", s.State())
	}
	if events.openedCount() != 1 {
		t.Errorf("Expected 1 ChannelOpened event, got %d", events.openedCount())
	}
}

func TestAcceptOfferIgnoresForeignChannelLabel(t *testing.T) {
	s, engine, _, events := newTestSession(t)

	if err := s.AcceptOffer("remote-offer-sdp"); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	other := rtctest.NewDataChannel("files")
	engine.Conn(0).EmitRemoteDataChannel(other)
	other.EmitOpen()

	if events.openedCount() != 0 {
		t.Error("Expected channel with foreign label to be ignored")
	}
}

func TestHandleAnswer(t *testing.T) {
	s, engine, _, _ := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	if err := s.HandleAnswer("remote-answer-sdp"); err != nil {
		t.Fatalf("HandleAnswer failed: %v", err)
	}

	if s.State() != StateConnected {
		t.Errorf("Expected CONNECTED, got %s", s.State())
	}
	rd := engine.Conn(0).RemoteDescription()
	if rd == nil || rd.Kind != rtc.SDPAnswer || rd.SDP != "remote-answer-sdp" {
		t.Errorf("Expected remote answer applied, got %+v", rd)
	}
}

func TestHandleAnswerWithoutOffer(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	if err := s.HandleAnswer("sdp"); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Errorf("Expected ErrUnexpectedAnswer, got %v", err)
	}
}

func TestAddCandidate(t *testing.T) {
	s, engine, _, _ := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	candidate := rtc.Candidate{Candidate: "candidate:1", SDPMid: "0"}
	if err := s.AddCandidate(candidate); err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}

	got := engine.Conn(0).Candidates()
	if len(got) != 1 || got[0] != candidate {
		t.Errorf("Expected candidate recorded, got %+v", got)
	}
}

func TestAddCandidateAfterClose(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	_ = s.Close()

	if err := s.AddCandidate(rtc.Candidate{Candidate: "candidate:1"}); err == nil {
		t.Error("Expected error adding candidate to closed session")
	}
}

func TestLocalCandidateForwardedToSignaler(t *testing.T) {
	s, engine, signaler, _ := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	engine.Conn(0).EmitCandidate(rtc.Candidate{Candidate: "candidate:9", SDPMid: "0", SDPMLineIndex: 0})

	var candidateEnv *signaling.Envelope
	for _, env := range signaler.sent() {
		if env.Type == signaling.TypeCandidate {
			candidateEnv = env
		}
	}
	if candidateEnv == nil {
		t.Fatal("Expected candidate envelope to be sent")
	}
	payload, err := candidateEnv.Candidate()
	if err != nil {
		t.Fatalf("Candidate decode failed: %v", err)
	}
	if payload.Candidate != "candidate:9" {
		t.Errorf("Candidate payload mismatch: %+v", payload)
	}
}

func TestSendRequiresOpenChannel(t *testing.T) {
	s, engine, _, _ := newTestSession(t)

	if err := s.Send([]byte("hi")); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("Expected ErrChannelNotOpen, got %v", err)
	}

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	channel := engine.Conn(0).Channel(0)
	channel.EmitOpen()

	if err := s.Send([]byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := channel.SentMessages(); len(got) != 1 || string(got[0]) != "hi" {
		t.Errorf("Expected one sent message, got %v", got)
	}
}

func TestInboundMessagesReachEvents(t *testing.T) {
	s, engine, _, events := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	channel := engine.Conn(0).Channel(0)
	channel.EmitOpen()
	channel.EmitMessage([]byte("payload"))

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.data) != 1 || string(events.data[0]) != "payload" {
		t.Errorf("Expected inbound payload, got %v", events.data)
	}
	_ = s
}

func TestConnectivityLossReportsCloseOnce(t *testing.T) {
	s, engine, _, events := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	engine.Conn(0).Channel(0).EmitOpen()

	engine.Conn(0).EmitState(rtc.StateFailed)
	engine.Conn(0).EmitState(rtc.StateClosed)
	engine.Conn(0).Channel(0).EmitClose()

	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", s.State())
	}
	if events.closedCount() != 1 {
		t.Errorf("Expected exactly 1 ChannelClosed event, got %d", events.closedCount())
	}
}

func TestCloseIsSilent(t *testing.T) {
	s, engine, _, events := newTestSession(t)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	engine.Conn(0).Channel(0).EmitOpen()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if events.closedCount() != 0 {
		t.Error("Expected owner-initiated Close not to report ChannelClosed")
	}
	if !engine.Conn(0).Closed() {
		t.Error("Expected underlying connection closed")
	}
}

func TestOfferSent(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	if s.OfferSent() {
		t.Error("Expected OfferSent false before StartOffer")
	}
	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	if !s.OfferSent() {
		t.Error("Expected OfferSent true after StartOffer")
	}
}
