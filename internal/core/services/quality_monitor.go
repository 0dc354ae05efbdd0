package services

import (
	"context"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

// StatsSource yields one sample of the active transport.
type StatsSource interface {
	Stats(ctx context.Context) (domain.ConnectionStats, error)
}

// CaptureAdjuster accepts advisory capture changes and may refuse them.
type CaptureAdjuster interface {
	Downgrade() (bool, int)
	Upgrade() (bool, int)
}

type QualityMonitorConfig struct {
	Interval          time.Duration
	UpgradeAfter      int // consecutive excellent samples before an upgrade request
	FailoverAfter     int // consecutive failed samples before a failover request, 0 disables
	MinAdjustInterval time.Duration
}

func DefaultQualityMonitorConfig() QualityMonitorConfig {
	return QualityMonitorConfig{
		Interval:          time.Second,
		UpgradeAfter:      5,
		FailoverAfter:     5,
		MinAdjustInterval: 3 * time.Second,
	}
}

// QualityMonitor samples transport statistics on a fixed period while a session is connected
// and turns tier changes into events and capture adjustments.
type QualityMonitor struct {
	qualityService *QualityService
	capture        CaptureAdjuster
	config         QualityMonitorConfig
	clock          ports.Clock
	logger         *zap.SugaredLogger

	emit       func(domain.EventDetail)
	onFailover func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	tier    domain.QualityTier
	last    domain.ConnectionStats
	samples int
}

type monitorRun struct {
	excellentStreak int
	failedStreak    int
	lastAdjust      time.Time
}

func NewQualityMonitor(
	qualityService *QualityService,
	capture CaptureAdjuster,
	config QualityMonitorConfig,
	clock ports.Clock,
	logger *zap.SugaredLogger,
) *QualityMonitor {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if clock == nil {
		clock = ports.SystemClock
	}
	return &QualityMonitor{
		qualityService: qualityService,
		capture:        capture,
		config:         config,
		clock:          clock,
		logger:         logger,
		emit:           func(domain.EventDetail) {},
		onFailover:     func(context.Context) {},
	}
}

// OnEvent sets the receiver of quality and capture adjustment events.
func (m *QualityMonitor) OnEvent(fn func(domain.EventDetail)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit = fn
}

// OnFailover sets the callback for a sustained failed tier. The callback must return
// promptly once ctx is cancelled.
func (m *QualityMonitor) OnFailover(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailover = fn
}

// Start begins sampling source. A running monitor is stopped first.
func (m *QualityMonitor) Start(ctx context.Context, source StatsSource) {
	m.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.tier = ""
	m.samples = 0
	emit, failover := m.emit, m.onFailover
	m.mu.Unlock()

	go m.monitor(runCtx, source, emit, failover, done)
}

// Stop cancels sampling and waits for the sampling goroutine, so no tick fires afterwards.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether sampling is active.
func (m *QualityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Tier returns the last classified tier, empty before the first sample.
func (m *QualityMonitor) Tier() domain.QualityTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// LastStats returns the last sample.
func (m *QualityMonitor) LastStats() domain.ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *QualityMonitor) monitor(ctx context.Context, source StatsSource, emit func(domain.EventDetail), failover func(context.Context), done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	run := &monitorRun{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx, source, run, emit, failover)
		}
	}
}

func (m *QualityMonitor) sample(ctx context.Context, source StatsSource, run *monitorRun, emit func(domain.EventDetail), failover func(context.Context)) {
	stats, err := source.Stats(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Warnw("error sampling connection stats", "error", err)
		return
	}

	tier := m.qualityService.Classify(stats)
	stats.Quality = tier
	if stats.Timestamp.IsZero() {
		stats.Timestamp = m.clock.Now()
	}

	m.mu.Lock()
	previous := m.tier
	m.tier = tier
	m.last = stats
	m.samples++
	m.mu.Unlock()

	if tier != previous {
		m.logger.Infow("connection quality changed",
			"from", previous,
			"to", tier,
			"bandwidth", stats.Bandwidth,
			"latency", stats.Latency,
			"packet_loss", stats.PacketLoss,
		)
		emit(domain.QualityChange{From: previous, To: tier, Stats: stats})
	}

	if tier == domain.QualityExcellent {
		run.excellentStreak++
	} else {
		run.excellentStreak = 0
	}
	if tier == domain.QualityFailed {
		run.failedStreak++
	} else {
		run.failedStreak = 0
	}

	now := m.clock.Now()
	switch {
	case m.qualityService.ShouldDowngrade(tier):
		if !run.lastAdjust.IsZero() && now.Sub(run.lastAdjust) < m.config.MinAdjustInterval {
			break
		}
		applied, level := m.capture.Downgrade()
		run.lastAdjust = now
		emit(domain.CaptureAdjustment{
			Direction: "down",
			Level:     level,
			Applied:   applied,
			Reason:    string(domain.KindQualityDegraded),
		})
	case m.qualityService.ShouldUpgrade(tier) && m.config.UpgradeAfter > 0 && run.excellentStreak >= m.config.UpgradeAfter:
		run.excellentStreak = 0
		applied, level := m.capture.Upgrade()
		run.lastAdjust = now
		if applied {
			emit(domain.CaptureAdjustment{
				Direction: "up",
				Level:     level,
				Applied:   true,
				Reason:    string(domain.QualityExcellent),
			})
		}
	}

	if m.config.FailoverAfter > 0 && run.failedStreak >= m.config.FailoverAfter {
		run.failedStreak = 0
		m.logger.Warnw("connection quality failed persistently, requesting failover",
			"samples", m.config.FailoverAfter,
		)
		failover(ctx)
	}
}
