package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "calendarsync/realtime"

type managerMetrics struct {
	framesApplied     metric.Int64Counter
	framesDropped     metric.Int64Counter
	reconnectAttempts metric.Int64Counter
}

func newManagerMetrics() managerMetrics {
	meter := otel.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	return managerMetrics{
		framesApplied:     counter("calendarsync.realtime.frames_applied", "Frames applied to the state projection"),
		framesDropped:     counter("calendarsync.realtime.frames_dropped", "Malformed or unrecognized frames dropped"),
		reconnectAttempts: counter("calendarsync.realtime.reconnect_attempts", "Reconnect attempts scheduled"),
	}
}

func (m managerMetrics) applied(messageType MessageType) {
	m.framesApplied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(messageType))))
}

func (m managerMetrics) dropped(reason string) {
	m.framesDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m managerMetrics) reconnecting(attempt int) {
	m.reconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}
