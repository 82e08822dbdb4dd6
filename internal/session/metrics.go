package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/session"

type metrics struct {
	events        metric.Int64Counter
	startFailures metric.Int64Counter
	buffers       metric.Int64Counter
	posthumous    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	events, err := meter.Int64Counter("loqa.listen.events", metric.WithDescription("Session lifecycle events emitted"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("loqa.listen.start_failures", metric.WithDescription("Start calls that failed"))
	if err != nil {
		return nil, err
	}
	buffers, err := meter.Int64Counter("loqa.listen.buffers", metric.WithDescription("Audio buffers fed to recognition requests"))
	if err != nil {
		return nil, err
	}
	posthumous, err := meter.Int64Counter("loqa.listen.posthumous_results", metric.WithDescription("Results discarded because their task was gone"))
	if err != nil {
		return nil, err
	}
	return &metrics{events: events, startFailures: failures, buffers: buffers, posthumous: posthumous}, nil
}

func (m *metrics) event(kind EventKind) {
	if m == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *metrics) startFailure(reason string) {
	if m == nil {
		return
	}
	m.startFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) buffer() {
	if m == nil {
		return
	}
	m.buffers.Add(context.Background(), 1)
}

func (m *metrics) posthumousResult() {
	if m == nil {
		return
	}
	m.posthumous.Add(context.Background(), 1)
}
