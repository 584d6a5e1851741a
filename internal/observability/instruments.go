package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's domain counters. Each method has the shape of
// the services' Observe hooks so it can be assigned directly.
type Metrics struct {
	registrations  metric.Int64Counter
	exchanges      metric.Int64Counter
	authorizations metric.Int64Counter
	securityEvents metric.Int64Counter
	updateChecks   metric.Int64Counter
}

// NewMetrics creates the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.registrations, "formbridge.registrations", "Registration attempts by outcome"},
		{&m.exchanges, "formbridge.exchanges", "Key exchange attempts by outcome"},
		{&m.authorizations, "formbridge.authorizations", "Authorization decisions by outcome"},
		{&m.securityEvents, "formbridge.security_events", "Security events recorded by category"},
		{&m.updateChecks, "formbridge.update_checks", "Plugin update checks by outcome"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func outcome(v string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", v))
}

func (m *Metrics) Registration(ctx context.Context, v string) {
	m.registrations.Add(ctx, 1, outcome(v))
}

func (m *Metrics) Exchange(ctx context.Context, v string) {
	m.exchanges.Add(ctx, 1, outcome(v))
}

func (m *Metrics) Authorization(ctx context.Context, v string) {
	m.authorizations.Add(ctx, 1, outcome(v))
}

func (m *Metrics) SecurityEvent(ctx context.Context, category string) {
	m.securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) UpdateCheck(ctx context.Context, v string) {
	m.updateChecks.Add(ctx, 1, outcome(v))
}
