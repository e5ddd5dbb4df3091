package media

import (
	"context"
	"errors"
	"net"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const maxPacket = 1500

// relay reads RTP packets from src and forwards them to out until ctx ends
// or the track is stopped.
func relay(ctx context.Context, src net.PacketConn, out *OutTrack, logger *zerolog.Logger) {
	buf := make([]byte, maxPacket)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done")
			return
		default:
		}
		n, _, err := src.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error().Err(err).Msg("relay read error, stopping")
			}
			out.MarkStopped()
			return
		}
		forward(buf[:n], out, logger)
	}
}

func forward(data []byte, out *OutTrack, logger *zerolog.Logger) {
	switch out.GetState() {
	case TrackStateStopped, TrackStateMuted:
		return
	case TrackStateOk:
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		logger.Debug().Err(err).Int("len", len(data)).Msg("dropping non-RTP datagram")
		return
	}
	if err := out.Track.WriteRTP(pkt); err != nil {
		logger.Error().Err(err).Msg("relay write RTP error, stopping track")
		out.MarkStopped()
		return
	}
	out.forwarded.Add(1)
}
