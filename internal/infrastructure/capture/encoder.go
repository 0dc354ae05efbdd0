package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Encoder supplies encoded samples for one local track.
type Encoder interface {
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks until the next sample is ready or ctx ends.
	ReadSample(ctx context.Context) (media.Sample, error)
	// Configure applies new video constraints without reopening the source.
	Configure(c domain.CaptureConstraints) error
	Close() error
}

// EncoderFactory opens the source for one track kind. Errors should be
// *domain.CaptureError so the acquisition ladder can classify them.
type EncoderFactory func(ctx context.Context, kind domain.TrackKind, c domain.CaptureConstraints) (Encoder, error)

var (
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticEncoder paces placeholder frames at the configured rate. Headless
// agents use it where no camera or microphone exists.
type SyntheticEncoder struct {
	kind domain.TrackKind

	mu       sync.Mutex
	interval time.Duration
	frame    []byte
	closed   chan struct{}
	once     sync.Once
}

// SyntheticFactory is an EncoderFactory backed by SyntheticEncoder.
func SyntheticFactory(ctx context.Context, kind domain.TrackKind, c domain.CaptureConstraints) (Encoder, error) {
	return NewSyntheticEncoder(kind, c), nil
}

func NewSyntheticEncoder(kind domain.TrackKind, c domain.CaptureConstraints) *SyntheticEncoder {
	e := &SyntheticEncoder{kind: kind, closed: make(chan struct{})}
	if kind == domain.TrackAudio {
		e.interval = 20 * time.Millisecond
		e.frame = opusSilence
		return e
	}
	e.Configure(c)
	return e
}

func (e *SyntheticEncoder) Codec() webrtc.RTPCodecCapability {
	if e.kind == domain.TrackAudio {
		return OpusCodec
	}
	return VP8Codec
}

func (e *SyntheticEncoder) ReadSample(ctx context.Context) (media.Sample, error) {
	e.mu.Lock()
	interval, frame := e.interval, e.frame
	e.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-e.closed:
		return media.Sample{}, fmt.Errorf("encoder closed")
	case <-timer.C:
		return media.Sample{Data: frame, Duration: interval}, nil
	}
}

// Configure sets the pacing from the ideal frame rate and sizes the frame
// roughly by resolution.
func (e *SyntheticEncoder) Configure(c domain.CaptureConstraints) error {
	if e.kind == domain.TrackAudio {
		return fmt.Errorf("audio tracks take no video constraints")
	}
	fps := c.FrameRate.Ideal
	if fps <= 0 {
		fps = 15
	}
	size := c.Width.Ideal * c.Height.Ideal / 100
	if size < 64 {
		size = 64
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = time.Second / time.Duration(fps)
	e.frame = make([]byte, size)
	return nil
}

func (e *SyntheticEncoder) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}
