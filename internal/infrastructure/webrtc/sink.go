package webrtc

import (
	"sync/atomic"

	"duocall/internal/core/domain"

	"github.com/pion/rtp"
)

// RemoteSink consumes the other participant's media. Rendering lives outside
// this package; headless agents discard or count.
type RemoteSink interface {
	WriteRTP(kind domain.TrackKind, packet *rtp.Packet) error
}

// CountingSink drops packets and counts them per kind.
type CountingSink struct {
	audio atomic.Uint64
	video atomic.Uint64
}

func (s *CountingSink) WriteRTP(kind domain.TrackKind, packet *rtp.Packet) error {
	if kind == domain.TrackVideo {
		s.video.Add(1)
	} else {
		s.audio.Add(1)
	}
	return nil
}

func (s *CountingSink) Packets(kind domain.TrackKind) uint64 {
	if kind == domain.TrackVideo {
		return s.video.Load()
	}
	return s.audio.Load()
}
