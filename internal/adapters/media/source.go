// Package media captures local audio and video. Each device is an RTP
// stream arriving on a UDP port (for example from gstreamer or ffmpeg),
// relayed into a pion local track.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/dkeye/pairline/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AudioAddr string
	VideoAddr string
	StreamID  string
}

// UDPSource implements core.MediaSource over RTP-over-UDP feeds.
type UDPSource struct {
	cfg Config
}

var _ core.MediaSource = (*UDPSource)(nil)

func NewUDPSource(cfg Config) *UDPSource {
	if cfg.StreamID == "" {
		cfg.StreamID = "pairline"
	}
	return &UDPSource{cfg: cfg}
}

type device struct {
	kind webrtc.RTPCodecType
	mime string
	addr string
}

func (s *UDPSource) Acquire(ctx context.Context, c core.Constraints) (core.LocalMedia, error) {
	var devices []device
	if c.Audio {
		devices = append(devices, device{webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, s.cfg.AudioAddr})
	}
	if c.Video {
		devices = append(devices, device{webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, s.cfg.VideoAddr})
	}
	if len(devices) == 0 {
		return nil, &core.MediaError{Reason: core.MediaOther, Err: errors.New("no media requested")}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	capture := &Capture{tracks: make(map[webrtc.RTPCodecType]*captured), cancel: cancel}
	for _, d := range devices {
		if d.addr == "" {
			capture.Stop()
			return nil, &core.MediaError{Reason: core.MediaNoDevice, Err: fmt.Errorf("no %s source configured", d.kind)}
		}
		conn, err := net.ListenPacket("udp", d.addr)
		if err != nil {
			capture.Stop()
			return nil, &core.MediaError{Reason: classify(err), Err: err}
		}
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: d.mime}, d.kind.String(), s.cfg.StreamID)
		if err != nil {
			_ = conn.Close()
			capture.Stop()
			return nil, &core.MediaError{Reason: core.MediaOther, Err: err}
		}
		ct := &captured{out: NewOutTrack(track), conn: conn}
		capture.tracks[d.kind] = ct

		logger := log.With().Str("module", "media").Str("kind", d.kind.String()).Str("addr", conn.LocalAddr().String()).Logger()
		logger.Info().Msg("capture started")
		go relay(ctx, conn, ct.out, &logger)
	}
	return capture, nil
}

func classify(err error) core.MediaFailure {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return core.MediaDeviceBusy
	case errors.Is(err, syscall.EACCES), errors.Is(err, os.ErrPermission):
		return core.MediaPermissionDenied
	default:
		return core.MediaOther
	}
}

type captured struct {
	out  *OutTrack
	conn net.PacketConn
}

// Capture is the set of live tracks returned by UDPSource.
type Capture struct {
	tracks map[webrtc.RTPCodecType]*captured
	cancel context.CancelFunc
	once   sync.Once
}

var _ core.LocalMedia = (*Capture)(nil)

func (c *Capture) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if ct, ok := c.tracks[kind]; ok {
			out = append(out, ct.out.Track)
		}
	}
	return out
}

func (c *Capture) HasKind(kind webrtc.RTPCodecType) bool {
	_, ok := c.tracks[kind]
	return ok
}

func (c *Capture) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	ct, ok := c.tracks[kind]
	if !ok {
		return false
	}
	if enabled {
		ct.out.MarkOk()
	} else {
		ct.out.MarkMuted()
	}
	return ct.out.GetState() != TrackStateStopped
}

func (c *Capture) Enabled(kind webrtc.RTPCodecType) bool {
	ct, ok := c.tracks[kind]
	return ok && ct.out.GetState() == TrackStateOk
}

// Addr is the UDP address the kind's RTP feed should be sent to.
func (c *Capture) Addr(kind webrtc.RTPCodecType) net.Addr {
	if ct, ok := c.tracks[kind]; ok {
		return ct.conn.LocalAddr()
	}
	return nil
}

// Out exposes the track of kind, mainly for inspection.
func (c *Capture) Out(kind webrtc.RTPCodecType) *OutTrack {
	if ct, ok := c.tracks[kind]; ok {
		return ct.out
	}
	return nil
}

func (c *Capture) Stop() {
	c.once.Do(func() {
		c.cancel()
		for kind, ct := range c.tracks {
			ct.out.MarkStopped()
			if err := ct.conn.Close(); err != nil {
				log.Warn().Str("module", "media").Str("kind", kind.String()).Err(err).Msg("close source")
			}
		}
		log.Info().Str("module", "media").Int("tracks", len(c.tracks)).Msg("capture stopped")
	})
}
