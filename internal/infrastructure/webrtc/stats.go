package webrtc

import (
	"sync"
	"time"

	"duocall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// ntpCompact returns the middle 32 bits of the NTP timestamp for t, the unit
// RTCP uses for LSR and DLSR.
func ntpCompact(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

type remoteReport struct {
	lossPercent float64
	jitter      time.Duration
	rtt         time.Duration
}

// reportStats keeps the latest receiver report the remote side sent for each
// of our outgoing streams.
type reportStats struct {
	mu      sync.Mutex
	reports map[uint32]remoteReport
}

func newReportStats() *reportStats {
	return &reportStats{reports: make(map[uint32]remoteReport)}
}

// observe folds RTCP packets read from one sender. clockRate converts jitter
// from RTP timestamp units.
func (r *reportStats) observe(packets []rtcp.Packet, clockRate uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			entry := remoteReport{lossPercent: float64(report.FractionLost) * 100 / 256}
			if clockRate > 0 {
				entry.jitter = time.Duration(float64(report.Jitter) / float64(clockRate) * float64(time.Second))
			}
			if report.LastSenderReport != 0 {
				elapsed := ntpCompact(now) - report.LastSenderReport - report.Delay
				// wrapped values mean clock skew; drop them
				if elapsed < 1<<31 {
					entry.rtt = time.Duration(elapsed) * time.Second / 65536
				}
			}
			r.reports[report.SSRC] = entry
		}
	}
}

// worst aggregates the streams pessimistically.
func (r *reportStats) worst() (remoteReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out remoteReport
	for _, report := range r.reports {
		if report.lossPercent > out.lossPercent {
			out.lossPercent = report.lossPercent
		}
		if report.jitter > out.jitter {
			out.jitter = report.jitter
		}
		if report.rtt > out.rtt {
			out.rtt = report.rtt
		}
	}
	return out, len(r.reports) > 0
}

func (r *reportStats) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = make(map[uint32]remoteReport)
}

// selectedPair finds the candidate pair media is flowing over.
func selectedPair(report webrtc.StatsReport) (webrtc.ICECandidatePairStats, bool) {
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.Nominated && pair.State == webrtc.StatsICECandidatePairStateSucceeded {
			return pair, true
		}
	}
	return webrtc.ICECandidatePairStats{}, false
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// buildStats merges transport-level pair stats with remote RTCP feedback.
// Bandwidth falls back to maxBitrate while no estimate exists.
func buildStats(now time.Time, report webrtc.StatsReport, remote *reportStats, maxBitrate int, video *domain.CaptureConstraints) domain.ConnectionStats {
	stats := domain.ConnectionStats{Timestamp: now, Bandwidth: maxBitrate}

	if pair, ok := selectedPair(report); ok {
		stats.Latency = secondsToDuration(pair.CurrentRoundTripTime)
		if pair.AvailableOutgoingBitrate > 0 {
			stats.Bandwidth = int(pair.AvailableOutgoingBitrate / 1000)
		}
	}

	if rr, ok := remote.worst(); ok {
		stats.PacketLoss = rr.lossPercent
		stats.Jitter = rr.jitter
		if stats.Latency == 0 {
			stats.Latency = rr.rtt
		}
	}

	if video != nil {
		stats.Resolution = domain.Resolution{Width: video.Width.Ideal, Height: video.Height.Ideal}
		stats.FrameRate = float64(video.FrameRate.Ideal)
	}
	return stats
}
