package services

import (
	"time"

	"duocall/internal/core/domain"
)

// QualityThreshold is the minimum a sample must clear, all at once, to qualify for a tier.
type QualityThreshold struct {
	Tier          domain.QualityTier
	MinBandwidth  int
	MaxLatency    time.Duration
	MaxPacketLoss float64
}

type QualityService struct {
	thresholds []QualityThreshold
}

// DefaultQualityThresholds is ordered best first.
func DefaultQualityThresholds() []QualityThreshold {
	return []QualityThreshold{
		{Tier: domain.QualityExcellent, MinBandwidth: 2000, MaxLatency: 50 * time.Millisecond, MaxPacketLoss: 0.1},
		{Tier: domain.QualityGood, MinBandwidth: 1000, MaxLatency: 100 * time.Millisecond, MaxPacketLoss: 1},
		{Tier: domain.QualityFair, MinBandwidth: 500, MaxLatency: 200 * time.Millisecond, MaxPacketLoss: 3},
		{Tier: domain.QualityPoor, MinBandwidth: 150, MaxLatency: 400 * time.Millisecond, MaxPacketLoss: 8},
	}
}

func NewQualityService() *QualityService {
	return NewQualityServiceWithThresholds(DefaultQualityThresholds())
}

// NewQualityServiceWithThresholds copies thresholds; they must be ordered best first.
func NewQualityServiceWithThresholds(thresholds []QualityThreshold) *QualityService {
	t := make([]QualityThreshold, len(thresholds))
	copy(t, thresholds)
	return &QualityService{thresholds: t}
}

// GetThresholds returns a copy of the threshold table.
func (qs *QualityService) GetThresholds() []QualityThreshold {
	t := make([]QualityThreshold, len(qs.thresholds))
	copy(t, qs.thresholds)
	return t
}

// Classify returns the highest tier whose thresholds the sample clears, or failed.
func (qs *QualityService) Classify(stats domain.ConnectionStats) domain.QualityTier {
	for _, threshold := range qs.thresholds {
		if qs.meetsQualityRequirements(stats, threshold) {
			return threshold.Tier
		}
	}
	return domain.QualityFailed
}

func (qs *QualityService) meetsQualityRequirements(stats domain.ConnectionStats, threshold QualityThreshold) bool {
	return stats.Bandwidth >= threshold.MinBandwidth &&
		stats.Latency <= threshold.MaxLatency &&
		stats.PacketLoss <= threshold.MaxPacketLoss
}

// ShouldDowngrade reports whether a tier calls for lower capture settings.
func (qs *QualityService) ShouldDowngrade(tier domain.QualityTier) bool {
	return tier == domain.QualityPoor || tier == domain.QualityFailed
}

// ShouldUpgrade reports whether a tier allows higher capture settings when sustained.
func (qs *QualityService) ShouldUpgrade(tier domain.QualityTier) bool {
	return tier == domain.QualityExcellent
}
