// Package call sequences one voice/video call: media capture, the deferred
// offer, candidate buffering, duration tracking and teardown.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/dispatch"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// session is the single CallSession. Every field is owned by the loop.
type session struct {
	remote     domain.UserID
	remoteName string
	role       Role
	state      State
	video      bool

	media core.LocalMedia
	peer  core.NegotiatedSession

	// pendingOffer is built before call-user goes out but only sent once
	// the callee accepts.
	pendingOffer *webrtc.SessionDescription
	// heldOffer is an offer that reached the callee before its peer existed.
	heldOffer *domain.SessionDescription

	remoteApplied bool
	inbound       []webrtc.ICECandidateInit
	// outbound holds local candidates until the remote has a session to
	// apply them to.
	outbound    []webrtc.ICECandidateInit
	signalReady bool
	announced   bool

	activeAt time.Time
	tick     *clock.Timer

	detach []func()
}

// Machine is the per-process call state machine. All state transitions run
// on the dispatch loop; the exported methods block until theirs has run and
// must not be called from a Hook.
type Machine struct {
	loop    *dispatch.Loop
	sig     Signaler
	source  core.MediaSource
	factory core.SessionFactory
	hooks   Hooks
	clk     clock.Clock
	async   func(func())
	logger  zerolog.Logger

	call   *session
	invite *Invitation
	lobby  []func()
}

func New(loop *dispatch.Loop, sig Signaler, source core.MediaSource, factory core.SessionFactory, hooks Hooks) *Machine {
	return &Machine{
		loop:    loop,
		sig:     sig,
		source:  source,
		factory: factory,
		hooks:   hooks,
		clk:     clock.New(),
		async:   func(f func()) { go f() },
		logger:  log.With().Str("module", "call").Str("user", string(sig.UserID())).Logger(),
	}
}

// WithClock replaces the wall clock used for the duration counter.
func (m *Machine) WithClock(clk clock.Clock) *Machine {
	m.clk = clk
	return m
}

// Start attaches the handlers that watch for incoming invitations.
func (m *Machine) Start() {
	m.loop.Do(func() {
		if m.lobby != nil {
			return
		}
		m.lobby = []func(){
			m.sig.Subscribe(domain.TypeCallUser, m.onCallUser),
			m.sig.Subscribe(domain.TypeEndCall, m.onLobbyEndCall),
		}
	})
}

// Close hangs up any call and detaches from the transport.
func (m *Machine) Close() {
	m.loop.Do(func() {
		if m.call != nil {
			m.teardown(m.call, true)
		}
		m.invite = nil
		for _, d := range m.lobby {
			d()
		}
		m.lobby = nil
	})
}

func (m *Machine) State() State {
	s := Idle
	m.loop.Do(func() {
		if m.call != nil {
			s = m.call.state
		}
	})
	return s
}

// Duration is the whole seconds since the call became active.
func (m *Machine) Duration() int {
	d := 0
	m.loop.Do(func() {
		if m.call != nil {
			d = m.durationOf(m.call)
		}
	})
	return d
}

// Invitation returns the pending incoming call, if any.
func (m *Machine) Invitation() (Invitation, bool) {
	var inv Invitation
	ok := false
	m.loop.Do(func() {
		if m.invite != nil {
			inv, ok = *m.invite, true
		}
	})
	return inv, ok
}

// StartCall rings remote. Media is acquired asynchronously; the offer is
// built but held back until remote accepts.
func (m *Machine) StartCall(ctx context.Context, remote domain.UserID, video bool) error {
	var err error
	m.loop.Do(func() {
		switch {
		case remote == m.sig.UserID():
			err = ErrSelfCall
			return
		case m.call != nil, m.invite != nil:
			err = ErrBusy
			return
		}
		cs := &session{remote: remote, role: Caller, video: video}
		m.begin(cs, Calling)
		m.acquire(ctx, cs, m.callerMediaReady)
	})
	return err
}

// AcceptCall answers the pending invitation from remote.
func (m *Machine) AcceptCall(ctx context.Context, remote domain.UserID, video bool) error {
	var err error
	m.loop.Do(func() {
		if m.call != nil {
			err = ErrBusy
			return
		}
		if m.invite == nil || m.invite.From != remote {
			err = ErrNoInvitation
			return
		}
		inv := *m.invite
		m.invite = nil
		cs := &session{
			remote:     remote,
			remoteName: inv.FromUsername,
			role:       Callee,
			video:      video,
			announced:  true,
		}
		m.begin(cs, Connecting)
		m.acquire(ctx, cs, m.calleeMediaReady)
	})
	return err
}

// RejectCall declines the pending invitation from remote.
func (m *Machine) RejectCall(remote domain.UserID) error {
	var err error
	m.loop.Do(func() {
		if m.invite == nil || m.invite.From != remote {
			err = ErrNoInvitation
			return
		}
		m.invite = nil
		m.send(domain.NewCallReply(m.sig.UserID(), m.sig.Username(), remote, true))
		m.logger.Info().Str("remote", string(remote)).Msg("invitation rejected")
	})
	return err
}

// EndCall hangs up. Calling it with no call in progress does nothing.
func (m *Machine) EndCall() {
	m.loop.Do(func() {
		if m.call == nil {
			m.logger.Debug().Msg("end call with no call")
			return
		}
		m.teardown(m.call, true)
	})
}

// ToggleAudio flips the microphone in place and returns whether it is now
// enabled. Nothing is signaled; the remote just hears silence.
func (m *Machine) ToggleAudio() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera in place; the remote sees a frozen or black
// picture.
func (m *Machine) ToggleVideo() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeVideo)
}

func (m *Machine) toggle(kind webrtc.RTPCodecType) (bool, error) {
	var (
		enabled bool
		err     error
	)
	m.loop.Do(func() {
		if m.call == nil || m.call.media == nil {
			err = ErrNotInCall
			return
		}
		if !m.call.media.SetEnabled(kind, !m.call.media.Enabled(kind)) {
			err = &core.MediaError{Reason: core.MediaNoDevice}
			return
		}
		enabled = m.call.media.Enabled(kind)
		m.logger.Info().Str("kind", kind.String()).Bool("enabled", enabled).Msg("local track toggled")
	})
	return enabled, err
}

func (m *Machine) begin(cs *session, st State) {
	m.call = cs
	cs.detach = []func(){
		m.sig.Subscribe(domain.TypeAcceptCall, m.forCall(cs, m.onAccept)),
		m.sig.Subscribe(domain.TypeRejectCall, m.forCall(cs, m.onReject)),
		m.sig.Subscribe(domain.TypeOffer, m.forCall(cs, m.onOffer)),
		m.sig.Subscribe(domain.TypeAnswer, m.forCall(cs, m.onAnswer)),
		m.sig.Subscribe(domain.TypeICECandidate, m.forCall(cs, m.onCandidate)),
		m.sig.Subscribe(domain.TypeEndCall, m.forCall(cs, m.onEndCall)),
	}
	m.setState(cs, st)
}

// forCall filters events to the ones the remote of cs sent while cs is live.
func (m *Machine) forCall(cs *session, h func(*session, domain.Event)) func(domain.Event) {
	return func(ev domain.Event) {
		if m.call != cs || ev.From() != cs.remote {
			return
		}
		h(cs, ev)
	}
}

func (m *Machine) setState(cs *session, st State) {
	if cs.state == st && st != Idle {
		return
	}
	cs.state = st
	m.logger.Info().Str("remote", string(cs.remote)).Str("role", cs.role.String()).Str("state", st.String()).Msg("call state")
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(st)
	}
}

func (m *Machine) send(ev domain.Event) bool {
	if err := m.sig.Send(ev); err != nil {
		m.logger.Warn().Err(err).Str("type", string(ev.Kind())).Str("to", string(ev.To())).Msg("signal not sent")
		return false
	}
	return true
}

func (m *Machine) acquire(ctx context.Context, cs *session, done func(*session, core.LocalMedia)) {
	video := cs.video
	m.async(func() {
		lm, err := acquireWithFallback(ctx, m.source, video)
		m.loop.Post(func() {
			if m.call != cs {
				if lm != nil {
					lm.Stop()
				}
				return
			}
			if err != nil {
				m.mediaFailed(cs, err)
				return
			}
			cs.media = lm
			done(cs, lm)
		})
	})
}

// acquireWithFallback tries camera and microphone, then the microphone
// alone. The returned error is always a *core.MediaError.
func acquireWithFallback(ctx context.Context, src core.MediaSource, video bool) (core.LocalMedia, error) {
	if video {
		lm, err := src.Acquire(ctx, core.Constraints{Audio: true, Video: true})
		if err == nil {
			return lm, nil
		}
		log.Warn().Str("module", "call").Err(err).Msg("camera unavailable, retrying audio only")
	}
	lm, err := src.Acquire(ctx, core.Constraints{Audio: true})
	if err == nil {
		return lm, nil
	}
	var me *core.MediaError
	if !errors.As(err, &me) {
		err = &core.MediaError{Reason: core.MediaOther, Err: err}
	}
	return nil, err
}

func (m *Machine) mediaFailed(cs *session, err error) {
	m.logger.Error().Err(err).Str("reason", core.ClassifyMedia(err).String()).Msg("media acquisition failed")
	if cs.role == Callee {
		m.send(domain.NewCallReply(m.sig.UserID(), m.sig.Username(), cs.remote, true))
	}
	m.teardown(cs, false)
	m.reportError(err)
}

func (m *Machine) reportError(err error) {
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
	}
}

// buildPeer creates the negotiated session and attaches local media.
func (m *Machine) buildPeer(cs *session, lm core.LocalMedia) error {
	peer, err := m.factory.NewSession()
	if err != nil {
		return err
	}
	cs.peer = peer
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.loop.Post(func() {
			if m.call == cs {
				m.onLocalCandidate(cs, c)
			}
		})
	})
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.loop.Post(func() {
			if m.call == cs {
				m.onPeerState(cs, s)
			}
		})
	})
	peer.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		m.loop.Post(func() {
			if m.call == cs && m.hooks.OnRemoteTrack != nil {
				m.hooks.OnRemoteTrack(track, recv)
			}
		})
	})
	return peer.AddLocalMedia(lm)
}

func (m *Machine) callerMediaReady(cs *session, lm core.LocalMedia) {
	if err := m.buildPeer(cs, lm); err != nil {
		m.negotiationFailed(cs, "build session", err, false)
		return
	}
	offer, err := cs.peer.CreateOffer()
	if err != nil {
		m.negotiationFailed(cs, "create offer", err, false)
		return
	}
	cs.pendingOffer = &offer

	video := lm.HasKind(webrtc.RTPCodecTypeVideo)
	cs.announced = m.send(&domain.CallUser{
		FromUserID:   m.sig.UserID(),
		FromUsername: m.sig.Username(),
		ToUserID:     cs.remote,
		VideoEnabled: video,
	})
	m.logger.Info().Str("remote", string(cs.remote)).Bool("video", video).Msg("ringing")
}

func (m *Machine) calleeMediaReady(cs *session, lm core.LocalMedia) {
	if err := m.buildPeer(cs, lm); err != nil {
		m.send(domain.NewCallReply(m.sig.UserID(), m.sig.Username(), cs.remote, true))
		m.negotiationFailed(cs, "build session", err, false)
		return
	}
	m.send(domain.NewCallReply(m.sig.UserID(), m.sig.Username(), cs.remote, false))
	if cs.heldOffer != nil {
		offer := *cs.heldOffer
		cs.heldOffer = nil
		m.applyOffer(cs, offer)
	}
}

// negotiationFailed ends a call that can no longer reach active.
func (m *Machine) negotiationFailed(cs *session, step string, err error, notify bool) {
	m.logger.Error().Err(err).Str("step", step).Str("remote", string(cs.remote)).Msg("negotiation failed")
	m.teardown(cs, notify)
	m.reportError(err)
}

func (m *Machine) onAccept(cs *session, _ domain.Event) {
	if cs.role != Caller || cs.state != Calling || cs.pendingOffer == nil {
		m.logger.Warn().Str("state", cs.state.String()).Msg("unexpected accept-call")
		return
	}
	m.setState(cs, Connecting)
	offer := *cs.pendingOffer
	cs.pendingOffer = nil
	m.send(&domain.Offer{Offer: toWireSDP(offer), FromUserID: m.sig.UserID(), ToUserID: cs.remote})
	m.flushOutbound(cs)
}

func (m *Machine) onReject(cs *session, _ domain.Event) {
	m.logger.Info().Str("remote", string(cs.remote)).Msg("call rejected")
	if m.hooks.OnRejected != nil {
		m.hooks.OnRejected(cs.remote)
	}
	m.teardown(cs, false)
}

func (m *Machine) onEndCall(cs *session, _ domain.Event) {
	m.logger.Info().Str("remote", string(cs.remote)).Msg("remote ended call")
	m.teardown(cs, false)
}

func (m *Machine) onOffer(cs *session, ev domain.Event) {
	offer := ev.(*domain.Offer).Offer
	if cs.role != Callee || cs.state != Connecting {
		m.logger.Warn().Str("state", cs.state.String()).Msg("unexpected offer")
		return
	}
	if cs.peer == nil {
		cs.heldOffer = &offer
		return
	}
	m.applyOffer(cs, offer)
}

func (m *Machine) applyOffer(cs *session, offer domain.SessionDescription) {
	if err := cs.peer.SetRemoteDescription(fromWireSDP(offer)); err != nil {
		m.negotiationFailed(cs, "apply offer", err, true)
		return
	}
	cs.remoteApplied = true
	m.drainInbound(cs)

	answer, err := cs.peer.CreateAnswer()
	if err != nil {
		m.negotiationFailed(cs, "create answer", err, true)
		return
	}
	m.send(&domain.Answer{Answer: toWireSDP(answer), FromUserID: m.sig.UserID(), ToUserID: cs.remote})
	m.flushOutbound(cs)
}

func (m *Machine) onAnswer(cs *session, ev domain.Event) {
	if cs.role != Caller || cs.state != Connecting || cs.remoteApplied {
		m.logger.Warn().Str("state", cs.state.String()).Msg("unexpected answer")
		return
	}
	if err := cs.peer.SetRemoteDescription(fromWireSDP(ev.(*domain.Answer).Answer)); err != nil {
		m.negotiationFailed(cs, "apply answer", err, true)
		return
	}
	cs.remoteApplied = true
	m.drainInbound(cs)
}

func (m *Machine) onCandidate(cs *session, ev domain.Event) {
	c := fromWireCandidate(ev.(*domain.ICECandidateEvent).Candidate)
	if cs.peer == nil || !cs.remoteApplied {
		cs.inbound = append(cs.inbound, c)
		return
	}
	if err := cs.peer.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Msg("add candidate")
	}
}

// drainInbound applies buffered remote candidates once, in arrival order.
func (m *Machine) drainInbound(cs *session) {
	pending := cs.inbound
	cs.inbound = nil
	for _, c := range pending {
		if err := cs.peer.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	if len(pending) > 0 {
		m.logger.Debug().Int("count", len(pending)).Msg("buffered candidates applied")
	}
}

func (m *Machine) onLocalCandidate(cs *session, c webrtc.ICECandidateInit) {
	if !cs.signalReady {
		cs.outbound = append(cs.outbound, c)
		return
	}
	m.sendCandidate(cs, c)
}

func (m *Machine) flushOutbound(cs *session) {
	cs.signalReady = true
	pending := cs.outbound
	cs.outbound = nil
	for _, c := range pending {
		m.sendCandidate(cs, c)
	}
}

func (m *Machine) sendCandidate(cs *session, c webrtc.ICECandidateInit) {
	m.send(&domain.ICECandidateEvent{
		Candidate:  toWireCandidate(c),
		FromUserID: m.sig.UserID(),
		ToUserID:   cs.remote,
	})
}

func (m *Machine) onPeerState(cs *session, s webrtc.PeerConnectionState) {
	m.logger.Info().Str("peer_state", s.String()).Str("state", cs.state.String()).Msg("peer connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if cs.state != Connecting {
			return
		}
		cs.activeAt = m.clk.Now()
		m.setState(cs, Active)
		m.armTick(cs)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		// The call stays up until someone hangs up.
		if cs.state == Active {
			m.logger.Warn().Str("peer_state", s.String()).Msg("media path lost while active")
		}
	}
}

// armTick schedules the next 1 Hz duration tick. Only one timer is pending
// per call.
func (m *Machine) armTick(cs *session) {
	cs.tick = m.clk.AfterFunc(time.Second, func() {
		m.loop.Post(func() {
			if m.call != cs || cs.tick == nil {
				return
			}
			if m.hooks.OnDurationTick != nil {
				m.hooks.OnDurationTick(m.durationOf(cs))
			}
			m.armTick(cs)
		})
	})
}

func (m *Machine) durationOf(cs *session) int {
	if cs.activeAt.IsZero() {
		return 0
	}
	return int(m.clk.Since(cs.activeAt) / time.Second)
}

// teardown releases everything cs holds. Only the first call for a given
// session has any effect; notify asks for end-call to be sent when the
// remote knows about the call.
func (m *Machine) teardown(cs *session, notify bool) {
	if m.call != cs {
		return
	}
	m.call = nil

	if cs.tick != nil {
		cs.tick.Stop()
		cs.tick = nil
	}
	for _, d := range cs.detach {
		d()
	}
	cs.detach = nil
	if cs.media != nil {
		cs.media.Stop()
	}
	if cs.peer != nil {
		if err := cs.peer.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("close session")
		}
	}
	duration := m.durationOf(cs)
	cs.inbound = nil
	cs.outbound = nil
	cs.pendingOffer = nil
	cs.heldOffer = nil

	if notify && cs.announced {
		m.send(&domain.EndCall{
			FromUserID:   m.sig.UserID(),
			FromUsername: m.sig.Username(),
			ToUserID:     cs.remote,
			Duration:     duration,
		})
	}
	m.logger.Info().Str("remote", string(cs.remote)).Int("duration", duration).Bool("notified", notify && cs.announced).Msg("call ended")
	m.setState(cs, Idle)
	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded(duration)
	}
}

func (m *Machine) onCallUser(ev domain.Event) {
	cu := ev.(*domain.CallUser)
	if m.call != nil || (m.invite != nil && m.invite.From != cu.FromUserID) {
		m.logger.Info().Str("remote", string(cu.FromUserID)).Msg("busy, rejecting invitation")
		m.send(domain.NewCallReply(m.sig.UserID(), m.sig.Username(), cu.FromUserID, true))
		return
	}
	inv := Invitation{From: cu.FromUserID, FromUsername: cu.FromUsername, VideoEnabled: cu.VideoEnabled}
	m.invite = &inv
	m.logger.Info().Str("remote", string(inv.From)).Bool("video", inv.VideoEnabled).Msg("incoming call")
	if m.hooks.OnIncomingCall != nil {
		m.hooks.OnIncomingCall(inv)
	}
}

// onLobbyEndCall withdraws an invitation the caller gave up on.
func (m *Machine) onLobbyEndCall(ev domain.Event) {
	if m.invite == nil || ev.From() != m.invite.From {
		return
	}
	from := m.invite.From
	m.invite = nil
	m.logger.Info().Str("remote", string(from)).Msg("invitation withdrawn")
	if m.hooks.OnInvitationCancelled != nil {
		m.hooks.OnInvitationCancelled(from)
	}
}
