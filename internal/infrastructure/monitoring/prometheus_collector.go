package monitoring

import (
	"sync"
	"time"

	"duocall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns session events into metrics. It is an event sink.
type PrometheusCollector struct {
	sessionsActive     prometheus.Gauge
	stateTransitions   *prometheus.CounterVec
	providerSwitches   *prometheus.CounterVec
	providerFailures   *prometheus.CounterVec
	qualityChanges     *prometheus.CounterVec
	captureAdjustments *prometheus.CounterVec
	fatalErrors        *prometheus.CounterVec
	terminations       prometheus.Counter
	breakerState       *prometheus.GaugeVec

	timeToConnect  prometheus.Histogram
	networkLatency prometheus.Histogram
	packetLoss     prometheus.Histogram

	mu         sync.Mutex
	connecting map[domain.SessionID]time.Time
	live       map[domain.SessionID]bool
}

// NewPrometheusCollector registers on reg; nil uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_sessions_active",
			Help: "Sessions that are neither ended nor failed",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_session_state_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"from", "to"}),

		providerSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_provider_switches_total",
			Help: "Fallbacks from one transport provider to the next",
		}, []string{"from", "to"}),

		providerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_provider_failures_total",
			Help: "Failed connect attempts and lost connections per provider",
		}, []string{"provider", "kind"}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_quality_changes_total",
			Help: "Connection quality tier changes by target tier",
		}, []string{"tier"}),

		captureAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_capture_adjustments_total",
			Help: "Advisory capture downgrades and upgrades",
		}, []string{"direction", "applied"}),

		fatalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_fatal_errors_total",
			Help: "Sessions that failed, by error kind",
		}, []string{"kind"}),

		terminations: factory.NewCounter(prometheus.CounterOpts{
			Name: "duocall_sessions_terminated_total",
			Help: "Sessions ended by the participant",
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duocall_provider_circuit_state",
			Help: "Circuit breaker state per hosted provider (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),

		timeToConnect: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_time_to_connect_seconds",
			Help:    "Time from entering connecting to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_network_latency_seconds",
			Help:    "Round trip latency reported with quality changes",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_packet_loss_percent",
			Help:    "Packet loss reported with quality changes",
			Buckets: []float64{0.1, 0.5, 1, 3, 8, 15, 30},
		}),

		connecting: make(map[domain.SessionID]time.Time),
		live:       make(map[domain.SessionID]bool),
	}
}

func (p *PrometheusCollector) Emit(event domain.Event) {
	switch d := event.Detail.(type) {
	case domain.StateChange:
		p.stateTransitions.WithLabelValues(string(d.From), string(d.To)).Inc()
		p.recordState(event.SessionID, event.Timestamp, d)
	case domain.ProviderSwitch:
		p.providerSwitches.WithLabelValues(string(d.From), string(d.To)).Inc()
	case domain.ProviderFailure:
		p.providerFailures.WithLabelValues(string(d.Provider), string(d.Kind)).Inc()
	case domain.QualityChange:
		p.qualityChanges.WithLabelValues(string(d.To)).Inc()
		p.networkLatency.Observe(d.Stats.Latency.Seconds())
		p.packetLoss.Observe(d.Stats.PacketLoss)
	case domain.CaptureAdjustment:
		applied := "false"
		if d.Applied {
			applied = "true"
		}
		p.captureAdjustments.WithLabelValues(d.Direction, applied).Inc()
	case domain.FatalError:
		p.fatalErrors.WithLabelValues(string(d.Kind)).Inc()
	case domain.Termination:
		p.terminations.Inc()
	}
}

func (p *PrometheusCollector) recordState(sessionID domain.SessionID, at time.Time, change domain.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.live[sessionID] && !change.To.Terminal() {
		p.live[sessionID] = true
		p.sessionsActive.Inc()
	}

	switch change.To {
	case domain.StateConnecting:
		if _, ok := p.connecting[sessionID]; !ok {
			p.connecting[sessionID] = at
		}
	case domain.StateConnected:
		if started, ok := p.connecting[sessionID]; ok {
			p.timeToConnect.Observe(at.Sub(started).Seconds())
			delete(p.connecting, sessionID)
		}
	case domain.StateEnded, domain.StateFailed:
		delete(p.connecting, sessionID)
		if p.live[sessionID] {
			delete(p.live, sessionID)
			p.sessionsActive.Dec()
		}
	}
}

// RecordBreakerState exports a hosted provider's circuit breaker state.
func (p *PrometheusCollector) RecordBreakerState(provider string, state int) {
	p.breakerState.WithLabelValues(provider).Set(float64(state))
}
