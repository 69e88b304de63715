// Package telemetry holds the label helpers shared by every layer so that
// structured logs and metrics use the same keys.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type Label string

var (
	LabelError        Label = "error"
	LabelDuration     Label = "duration"
	LabelEndpointName Label = "endpoint"
	LabelEndpointKind Label = "kind"
	LabelEndpointMode Label = "mode"
	LabelSocket       Label = "socket"
	LabelPeerID       Label = "peer_id"
	LabelPeerAddr     Label = "peer_addr"
	LabelTechnology   Label = "technology"
	LabelEnvelopeID   Label = "envelope_id"
	LabelEnvelopeType Label = "envelope_type"
	LabelFromID       Label = "from_id"
	LabelToID         Label = "to_id"
	LabelAttempt      Label = "attempt"
	LabelClass        Label = "class"
)

// M returns the label as a go-metrics label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns the label as a structured log attribute.
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With appends labels to a static base without aliasing it.
func With(base []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(labels))
	out = append(out, base...)
	return append(out, labels...)
}

// Sink returns ms, or the process-wide go-metrics sink when ms is nil.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}

// Logger builds a logger from handler, falling back to slog.Default.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}
