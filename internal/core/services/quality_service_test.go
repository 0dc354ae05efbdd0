package services

import (
	"testing"
	"time"

	"duocall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestQualityService_Classify(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name  string
		stats domain.ConnectionStats
		want  domain.QualityTier
	}{
		{
			name:  "excellent",
			stats: domain.ConnectionStats{Bandwidth: 2500, Latency: 40 * time.Millisecond, PacketLoss: 0.05},
			want:  domain.QualityExcellent,
		},
		{
			name:  "excellent at every boundary",
			stats: domain.ConnectionStats{Bandwidth: 2000, Latency: 50 * time.Millisecond, PacketLoss: 0.1},
			want:  domain.QualityExcellent,
		},
		{
			name:  "excellent bandwidth but good latency",
			stats: domain.ConnectionStats{Bandwidth: 5000, Latency: 60 * time.Millisecond, PacketLoss: 0},
			want:  domain.QualityGood,
		},
		{
			name:  "fair on packet loss",
			stats: domain.ConnectionStats{Bandwidth: 3000, Latency: 20 * time.Millisecond, PacketLoss: 2.5},
			want:  domain.QualityFair,
		},
		{
			name:  "poor on bandwidth",
			stats: domain.ConnectionStats{Bandwidth: 200, Latency: 20 * time.Millisecond, PacketLoss: 0},
			want:  domain.QualityPoor,
		},
		{
			name:  "failed when no tier qualifies",
			stats: domain.ConnectionStats{Bandwidth: 100, Latency: 20 * time.Millisecond, PacketLoss: 0},
			want:  domain.QualityFailed,
		},
		{
			name:  "failed on latency",
			stats: domain.ConnectionStats{Bandwidth: 3000, Latency: 500 * time.Millisecond, PacketLoss: 0},
			want:  domain.QualityFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qs.Classify(tt.stats))
		})
	}
}

func TestQualityService_ClassifyDeterministic(t *testing.T) {
	qs := NewQualityService()
	stats := domain.ConnectionStats{Bandwidth: 800, Latency: 150 * time.Millisecond, PacketLoss: 2}

	want := qs.Classify(stats)
	for i := 0; i < 100; i++ {
		assert.Equal(t, want, qs.Classify(stats))
	}
}

// A sample clearing tier T but not the tier above it is exactly T.
func TestQualityService_ExactTier(t *testing.T) {
	qs := NewQualityService()
	thresholds := qs.GetThresholds()

	for i, threshold := range thresholds {
		stats := domain.ConnectionStats{
			Bandwidth:  threshold.MinBandwidth,
			Latency:    threshold.MaxLatency,
			PacketLoss: threshold.MaxPacketLoss,
		}
		if i > 0 {
			assert.NotEqual(t, thresholds[i-1].Tier, qs.Classify(stats))
		}
		assert.Equal(t, threshold.Tier, qs.Classify(stats), "tier %s", threshold.Tier)
	}
}

func TestQualityService_Adjustments(t *testing.T) {
	qs := NewQualityService()

	assert.True(t, qs.ShouldDowngrade(domain.QualityPoor))
	assert.True(t, qs.ShouldDowngrade(domain.QualityFailed))
	assert.False(t, qs.ShouldDowngrade(domain.QualityFair))
	assert.True(t, qs.ShouldUpgrade(domain.QualityExcellent))
	assert.False(t, qs.ShouldUpgrade(domain.QualityGood))
}

func TestQualityService_ThresholdsAreCopied(t *testing.T) {
	qs := NewQualityService()
	thresholds := qs.GetThresholds()
	thresholds[0].MinBandwidth = 1

	assert.Equal(t, 2000, qs.GetThresholds()[0].MinBandwidth)
}
