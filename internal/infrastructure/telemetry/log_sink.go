package telemetry

import (
	"duocall/internal/core/domain"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines. Failures and fatal errors log at warn or above.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(event domain.Event) {
	fields := []interface{}{"session_id", event.SessionID, "event", event.Type}

	switch d := event.Detail.(type) {
	case domain.StateChange:
		s.logger.Infow("session state changed", append(fields, "from", d.From, "to", d.To)...)
	case domain.ProviderSwitch:
		s.logger.Infow("switching provider", append(fields, "from", d.From, "to", d.To, "attempt", d.Attempt, "reason", d.Reason)...)
	case domain.ProviderFailure:
		s.logger.Warnw("provider attempt failed", append(fields, "provider", d.Provider, "kind", d.Kind, "attempt", d.Attempt, "error", d.Message)...)
	case domain.QualityChange:
		s.logger.Infow("connection quality changed", append(fields,
			"from", d.From, "to", d.To,
			"bandwidth_kbps", d.Stats.Bandwidth,
			"latency_ms", d.Stats.Latency.Milliseconds(),
			"packet_loss", d.Stats.PacketLoss)...)
	case domain.CaptureAdjustment:
		s.logger.Infow("capture adjusted", append(fields, "direction", d.Direction, "level", d.Level, "applied", d.Applied)...)
	case domain.FatalError:
		s.logger.Errorw("session failed", append(fields, "kind", d.Kind, "error", d.Message)...)
	case domain.Progress:
		s.logger.Debugw("initialization progress", append(fields, "step", d.Step, "percent", d.Percent)...)
	case domain.Termination:
		s.logger.Infow("session terminated", append(fields, "reason", d.Reason)...)
	default:
		s.logger.Debugw("session event", append(fields, "detail", d)...)
	}
}
