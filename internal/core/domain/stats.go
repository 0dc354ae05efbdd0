package domain

import (
	"fmt"
	"time"
)

// QualityTier is the discretized connection health.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
	QualityFailed    QualityTier = "failed"
)

// Rank orders tiers, higher is better. Unknown tiers rank below failed.
func (q QualityTier) Rank() int {
	switch q {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityPoor:
		return 1
	case QualityFailed:
		return 0
	default:
		return -1
	}
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ConnectionStats is one sample of the active transport. Bandwidth is kbps,
// PacketLoss is a percentage (0-100).
type ConnectionStats struct {
	Timestamp  time.Time     `json:"timestamp"`
	Bandwidth  int           `json:"bandwidth"`
	Latency    time.Duration `json:"latency"`
	PacketLoss float64       `json:"packet_loss"`
	Jitter     time.Duration `json:"jitter"`
	Resolution Resolution    `json:"resolution"`
	FrameRate  float64       `json:"frame_rate"`
	AudioLevel float64       `json:"audio_level"`
	Quality    QualityTier   `json:"quality"`
}
