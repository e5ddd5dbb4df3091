package call

import (
	"errors"

	"github.com/dkeye/pairline/internal/client"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrBusy         = errors.New("call already in progress")
	ErrNoInvitation = errors.New("no pending invitation from user")
	ErrNotInCall    = errors.New("no call in progress")
	ErrSelfCall     = errors.New("cannot call yourself")
)

type State int

const (
	Idle State = iota
	Calling
	Connecting
	Active
)

func (s State) String() string {
	switch s {
	case Calling:
		return "calling"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Callee {
		return "callee"
	}
	return "caller"
}

// Signaler is the part of the transport the machine talks through.
type Signaler interface {
	Send(domain.Event) error
	Subscribe(domain.EventType, client.Handler) func()
	UserID() domain.UserID
	Username() string
}

// Invitation is an incoming call-user not yet accepted or rejected.
type Invitation struct {
	From         domain.UserID
	FromUsername string
	VideoEnabled bool
}

// Hooks observe the machine. All of them run on the dispatch loop and must
// not call back into the Machine's blocking methods.
type Hooks struct {
	OnStateChange         func(State)
	OnIncomingCall        func(Invitation)
	OnInvitationCancelled func(from domain.UserID)
	OnRejected            func(by domain.UserID)
	OnError               func(error)
	OnRemoteTrack         func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnDurationTick        func(seconds int)
	OnEnded               func(seconds int)
}

func toWireSDP(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromWireSDP(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func toWireCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromWireCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
