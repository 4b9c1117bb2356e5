package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// registerMetrics exposes the live reliability scores as observable
// gauges. With no active session nothing is observed, so the series go
// stale between recordings instead of reporting a misleading 100.
func (m *Manager) registerMetrics() error {
	meter := otel.Meter("github.com/fathomlabs/scribeflow/session")

	stability, err := meter.Float64ObservableGauge("scribeflow.session.stability",
		metric.WithDescription("Session stability score"))
	if err != nil {
		return err
	}
	integrity, err := meter.Float64ObservableGauge("scribeflow.session.audio_integrity",
		metric.WithDescription("Audio integrity score"))
	if err != nil {
		return err
	}
	coverage, err := meter.Float64ObservableGauge("scribeflow.session.transcription_coverage",
		metric.WithDescription("Transcription coverage score"))
	if err != nil {
		return err
	}
	connection, err := meter.Float64ObservableGauge("scribeflow.session.connection_reliability",
		metric.WithDescription("Connection reliability score"))
	if err != nil {
		return err
	}
	recoveryRate, err := meter.Float64ObservableGauge("scribeflow.session.error_recovery_rate",
		metric.WithDescription("Error recovery rate"))
	if err != nil {
		return err
	}
	words, err := meter.Int64ObservableGauge("scribeflow.session.words",
		metric.WithDescription("Words in the assembled transcript"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		sess := m.Current()
		if sess == nil {
			return nil
		}
		scores := sess.Scores()
		obs.ObserveFloat64(stability, scores.SessionStability)
		obs.ObserveFloat64(integrity, scores.AudioIntegrity)
		obs.ObserveFloat64(coverage, scores.TranscriptionCoverage)
		obs.ObserveFloat64(connection, scores.ConnectionReliability)
		obs.ObserveFloat64(recoveryRate, scores.ErrorRecoveryRate)
		obs.ObserveInt64(words, int64(sess.assembler.Words()))
		return nil
	}, stability, integrity, coverage, connection, recoveryRate, words)
	return err
}
