package domain

type StreamID string

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaSessionState is the observable state of the single owned local stream.
// Level is the capture adaptation step, 0 being the acquired constraints.
type MediaSessionState struct {
	StreamID   StreamID         `json:"stream_id"`
	Live       bool             `json:"live"`
	AudioMuted bool             `json:"audio_muted"`
	VideoOff   bool             `json:"video_off"`
	AudioOnly  bool             `json:"audio_only"`
	Tier       CaptureTier      `json:"tier"`
	Level      int              `json:"level"`
	Transform  DisplayTransform `json:"transform"`
}

// CaptureTier records which rung of the acquisition ladder produced the stream.
type CaptureTier string

const (
	CaptureTierOptimal   CaptureTier = "optimal"
	CaptureTierAdaptive  CaptureTier = "adaptive"
	CaptureTierMinimal   CaptureTier = "minimal"
	CaptureTierAudioOnly CaptureTier = "audio_only"
)
