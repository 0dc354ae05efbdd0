package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Device turns encoder output into pion sample tracks that a peer
// connection can send.
type Device struct {
	open   EncoderFactory
	logger *zap.SugaredLogger
}

func NewDevice(open EncoderFactory, logger *zap.SugaredLogger) *Device {
	if open == nil {
		open = SyntheticFactory
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Device{open: open, logger: logger.Named("capture")}
}

// Acquire opens one audio track and, unless c.AudioOnly, one video track.
// A failure releases whatever was already opened.
func (d *Device) Acquire(ctx context.Context, c domain.CaptureConstraints) (ports.MediaStream, error) {
	streamID := domain.StreamID(utils.GenerateStreamID())
	kinds := []domain.TrackKind{domain.TrackAudio}
	if !c.AudioOnly {
		kinds = append(kinds, domain.TrackVideo)
	}

	stream := &Stream{id: streamID}
	for _, kind := range kinds {
		track, err := d.openTrack(ctx, streamID, kind, c)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	}

	d.logger.Infow("media acquired",
		"stream_id", streamID,
		"audio_only", c.AudioOnly,
		"width", c.Width.Ideal,
		"height", c.Height.Ideal,
		"frame_rate", c.FrameRate.Ideal,
	)
	return stream, nil
}

func (d *Device) openTrack(ctx context.Context, streamID domain.StreamID, kind domain.TrackKind, c domain.CaptureConstraints) (*Track, error) {
	encoder, err := d.open(ctx, kind, c)
	if err != nil {
		var captureErr *domain.CaptureError
		if errors.As(err, &captureErr) {
			return nil, err
		}
		return nil, domain.NewCaptureError(domain.KindUnsupported, err)
	}

	id := fmt.Sprintf("%s-%s", streamID, kind)
	local, err := webrtc.NewTrackLocalStaticSample(encoder.Codec(), id, string(streamID))
	if err != nil {
		encoder.Close()
		return nil, domain.NewCaptureError(domain.KindUnsupported, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t := &Track{
		id:          id,
		kind:        kind,
		local:       local,
		encoder:     encoder,
		constraints: c,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      d.logger,
	}
	t.enabled.Store(true)
	go t.pump(pumpCtx)
	return t, nil
}

type Stream struct {
	id     domain.StreamID
	tracks []*Track
}

func (s *Stream) ID() domain.StreamID { return s.id }

func (s *Stream) Tracks() []ports.MediaTrack {
	out := make([]ports.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Stop releases every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Track is one live capture track. Disabled tracks keep their encoder open
// and simply stop forwarding samples.
type Track struct {
	id      string
	kind    domain.TrackKind
	local   *webrtc.TrackLocalStaticSample
	encoder Encoder
	enabled atomic.Bool
	samples atomic.Uint64

	mu          sync.Mutex
	constraints domain.CaptureConstraints

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.SugaredLogger
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Enabled() bool          { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Local is the pion track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Constraints returns the settings the track currently runs with.
func (t *Track) Constraints() domain.CaptureConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

// Samples counts samples forwarded while enabled.
func (t *Track) Samples() uint64 { return t.samples.Load() }

func (t *Track) ApplyConstraints(c domain.CaptureConstraints) error {
	if t.kind != domain.TrackVideo {
		return fmt.Errorf("track %s: constraints apply to video only", t.id)
	}
	select {
	case <-t.done:
		return domain.ErrCaptureNotLive
	default:
	}
	if err := t.encoder.Configure(c); err != nil {
		return fmt.Errorf("track %s: %w", t.id, err)
	}

	t.mu.Lock()
	t.constraints = c
	t.mu.Unlock()
	return nil
}

// Stop releases the encoder. It is safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		t.encoder.Close()
		<-t.done
	})
}

func (t *Track) pump(ctx context.Context) {
	defer close(t.done)

	for {
		sample, err := t.encoder.ReadSample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warnw("capture source ended", "track_id", t.id, "error", err)
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.local.WriteSample(sample); err != nil {
			t.logger.Debugw("sample write failed", "track_id", t.id, "error", err)
			continue
		}
		t.samples.Add(1)
	}
}
