package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NegotiatedSession is the peer-to-peer media session a call negotiates.
type NegotiatedSession interface {
	// AddLocalMedia attaches capture tracks; kinds it lacks are added receive-only.
	AddLocalMedia(LocalMedia) error
	// CreateOffer builds an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer builds an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	Close() error
}

type SessionFactory interface {
	NewSession() (NegotiatedSession, error)
}

// Constraints selects which capture devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is a set of live capture tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	HasKind(webrtc.RTPCodecType) bool
	// SetEnabled mutes or unmutes the track of kind in place. It reports
	// false when no such track exists or the track has stopped.
	SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool
	Enabled(kind webrtc.RTPCodecType) bool
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
}

// MediaFailure classifies why capture could not start.
type MediaFailure int

const (
	MediaOther MediaFailure = iota
	MediaPermissionDenied
	MediaNoDevice
	MediaDeviceBusy
)

func (f MediaFailure) String() string {
	switch f {
	case MediaPermissionDenied:
		return "permission_denied"
	case MediaNoDevice:
		return "no_device"
	case MediaDeviceBusy:
		return "device_busy"
	default:
		return "other"
	}
}

// Guidance is the remediation text shown to the user.
func (f MediaFailure) Guidance() string {
	switch f {
	case MediaPermissionDenied:
		return "Access to the camera or microphone was denied. Grant permission and try again."
	case MediaNoDevice:
		return "No camera or microphone was found. Connect a device and try again."
	case MediaDeviceBusy:
		return "The camera or microphone is in use by another application. Close it and try again."
	default:
		return "Unable to start the camera or microphone."
	}
}

type MediaError struct {
	Reason MediaFailure
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media: %s", e.Reason)
	}
	return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// ClassifyMedia returns the failure reason carried by err, or MediaOther.
func ClassifyMedia(err error) MediaFailure {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Reason
	}
	return MediaOther
}
