package call

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/pairline/internal/client"
	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/dispatch"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeSignaler struct {
	id   domain.UserID
	name string

	mu   sync.Mutex
	sent []domain.Event
	subs map[domain.EventType][]*client.Handler
}

func newFakeSignaler(id domain.UserID) *fakeSignaler {
	return &fakeSignaler{id: id, name: string(id) + "-name", subs: make(map[domain.EventType][]*client.Handler)}
}

func (f *fakeSignaler) Send(ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSignaler) Subscribe(t domain.EventType, h client.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	hp := &h
	f.subs[t] = append(f.subs[t], hp)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[t]
		for i, cur := range list {
			if cur == hp {
				f.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeSignaler) UserID() domain.UserID { return f.id }
func (f *fakeSignaler) Username() string      { return f.name }

func (f *fakeSignaler) handlers(t domain.EventType) []client.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]client.Handler, 0, len(f.subs[t]))
	for _, h := range f.subs[t] {
		out = append(out, *h)
	}
	return out
}

func (f *fakeSignaler) subscribers(t domain.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[t])
}

func (f *fakeSignaler) kinds() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.sent))
	for _, ev := range f.sent {
		out = append(out, ev.Kind())
	}
	return out
}

func (f *fakeSignaler) ofType(t domain.EventType) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.sent {
		if ev.Kind() == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakePeer struct {
	remoteErr error
	answerErr error

	mu      sync.Mutex
	calls   []string
	media   core.LocalMedia
	closed  bool
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) record(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *fakePeer) AddLocalMedia(lm core.LocalMedia) error {
	p.record("add-media")
	p.mu.Lock()
	p.media = lm
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("create-answer")
	if p.answerErr != nil {
		return webrtc.SessionDescription{}, p.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set-remote:" + d.Type.String())
	return p.remoteErr
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("add-candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(webrtc.ICECandidateInit)) { p.onICE = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.onState = f
}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
	// prepare configures each peer before it is handed out
	prepare func(*fakePeer)
}

func (f *fakeFactory) NewSession() (core.NegotiatedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	if f.prepare != nil {
		f.prepare(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	enabled map[webrtc.RTPCodecType]bool
	dead    map[webrtc.RTPCodecType]bool
	stopped int
}

func newFakeMedia(c core.Constraints) *fakeMedia {
	m := &fakeMedia{enabled: make(map[webrtc.RTPCodecType]bool), dead: make(map[webrtc.RTPCodecType]bool)}
	if c.Audio {
		m.enabled[webrtc.RTPCodecTypeAudio] = true
	}
	if c.Video {
		m.enabled[webrtc.RTPCodecTypeVideo] = true
	}
	return m
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) HasKind(k webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enabled[k]
	return ok
}

func (m *fakeMedia) SetEnabled(k webrtc.RTPCodecType, on bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enabled[k]; !ok || m.dead[k] {
		return false
	}
	m.enabled[k] = on
	return true
}

// kill simulates a capture feed that failed underneath the call.
func (m *fakeMedia) kill(k webrtc.RTPCodecType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[k] = true
	m.enabled[k] = false
}

func (m *fakeMedia) Enabled(k webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[k]
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeSource struct {
	mu       sync.Mutex
	requests []core.Constraints
	issued   []*fakeMedia
	fail     func(core.Constraints) error
}

func (s *fakeSource) Acquire(_ context.Context, c core.Constraints) (core.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	if s.fail != nil {
		if err := s.fail(c); err != nil {
			return nil, err
		}
	}
	m := newFakeMedia(c)
	s.issued = append(s.issued, m)
	return m, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.issued) == 0 {
		return nil
	}
	return s.issued[len(s.issued)-1]
}

func (s *fakeSource) constraints() []core.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Constraints(nil), s.requests...)
}

// fixture wires a Machine to fakes on a running loop. Media acquisition
// runs inline unless manual is set, in which case it waits in pending.
type fixture struct {
	t       *testing.T
	self    domain.UserID
	loop    *dispatch.Loop
	sig     *fakeSignaler
	src     *fakeSource
	factory *fakeFactory
	clk     *clock.Mock
	m       *Machine

	manual  bool
	pending []func()

	// written by hooks on the loop; read through onLoop
	states    []State
	errs      []error
	incoming  []Invitation
	rejected  []domain.UserID
	cancelled []domain.UserID
	ended     []int
	ticks     []int
}

func newFixture(t *testing.T, self domain.UserID) *fixture {
	t.Helper()
	loop := dispatch.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	fx := &fixture{
		t:       t,
		self:    self,
		loop:    loop,
		sig:     newFakeSignaler(self),
		src:     &fakeSource{},
		factory: &fakeFactory{},
		clk:     clock.NewMock(),
	}
	hooks := Hooks{
		OnStateChange:         func(s State) { fx.states = append(fx.states, s) },
		OnIncomingCall:        func(inv Invitation) { fx.incoming = append(fx.incoming, inv) },
		OnInvitationCancelled: func(from domain.UserID) { fx.cancelled = append(fx.cancelled, from) },
		OnRejected:            func(by domain.UserID) { fx.rejected = append(fx.rejected, by) },
		OnError:               func(err error) { fx.errs = append(fx.errs, err) },
		OnDurationTick:        func(s int) { fx.ticks = append(fx.ticks, s) },
		OnEnded:               func(s int) { fx.ended = append(fx.ended, s) },
	}
	fx.m = New(loop, fx.sig, fx.src, fx.factory, hooks).WithClock(fx.clk)
	fx.m.async = func(f func()) {
		if fx.manual {
			fx.pending = append(fx.pending, f)
			return
		}
		f()
	}
	fx.m.Start()
	return fx
}

func (fx *fixture) flush() { fx.loop.Do(func() {}) }

func (fx *fixture) onLoop(f func()) { fx.loop.Do(f) }

// deliver hands ev to subscribers the way the transport does.
func (fx *fixture) deliver(ev domain.Event) {
	fx.loop.Do(func() {
		for _, h := range fx.sig.handlers(ev.Kind()) {
			h(ev)
		}
	})
}

// runPending completes deferred media acquisitions.
func (fx *fixture) runPending() {
	var jobs []func()
	fx.loop.Do(func() {
		jobs = fx.pending
		fx.pending = nil
	})
	for _, f := range jobs {
		f()
	}
	fx.flush()
}

func (fx *fixture) fireCandidate(p *fakePeer, cand string) {
	p.onICE(webrtc.ICECandidateInit{Candidate: cand})
	fx.flush()
}

func (fx *fixture) firePeerState(p *fakePeer, s webrtc.PeerConnectionState) {
	p.onState(s)
	fx.flush()
}

func candidateEvent(from, to domain.UserID, cand string) *domain.ICECandidateEvent {
	return &domain.ICECandidateEvent{
		Candidate:  domain.ICECandidate{Candidate: cand},
		FromUserID: from,
		ToUserID:   to,
	}
}

func candidatesSent(sig *fakeSignaler) []string {
	var out []string
	for _, ev := range sig.ofType(domain.TypeICECandidate) {
		out = append(out, ev.(*domain.ICECandidateEvent).Candidate.Candidate)
	}
	return out
}

func mediaErr(reason core.MediaFailure) error {
	return &core.MediaError{Reason: reason, Err: fmt.Errorf("fake %s", reason)}
}
