package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/automoto/posemesh"

// Metrics counts replication traffic. Every counter is mirrored locally so
// callers without a metrics pipeline can still read the totals.
type Metrics struct {
	sent      metric.Int64Counter
	received  metric.Int64Counter
	malformed metric.Int64Counter
	stale     metric.Int64Counter
	dropped   metric.Int64Counter

	totals struct {
		sent, received, malformed, stale, dropped atomic.Int64
	}
}

// Totals is a point-in-time copy of the local counters.
type Totals struct {
	Sent      int64
	Received  int64
	Malformed int64
	Stale     int64
	Dropped   int64
}

// NewMetrics registers the counters on meter. A nil meter uses the global
// provider, which is a no-op until one is installed.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.sent, err = meter.Int64Counter("posemesh.message.sent",
		metric.WithDescription("Messages handed to the transport")); err != nil {
		return nil, err
	}
	if m.received, err = meter.Int64Counter("posemesh.message.received",
		metric.WithDescription("Messages decoded and dispatched")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("posemesh.message.malformed",
		metric.WithDescription("Inbound messages dropped for failing validation")); err != nil {
		return nil, err
	}
	if m.stale, err = meter.Int64Counter("posemesh.pose.stale",
		metric.WithDescription("Pose updates rejected by the sequence guard")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("posemesh.inbox.dropped",
		metric.WithDescription("Messages dropped because a per-tick inbox was full")); err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns counters on the global meter provider.
func Default() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		// The global meter only fails on invalid instrument names.
		panic(err)
	}
	return m
}

func channelAttr(channel string) metric.AddOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

func (m *Metrics) MessageSent(ctx context.Context, channel string) {
	m.totals.sent.Add(1)
	m.sent.Add(ctx, 1, channelAttr(channel))
}

func (m *Metrics) MessageReceived(ctx context.Context, channel string) {
	m.totals.received.Add(1)
	m.received.Add(ctx, 1, channelAttr(channel))
}

func (m *Metrics) Malformed(ctx context.Context, channel string) {
	m.totals.malformed.Add(1)
	m.malformed.Add(ctx, 1, channelAttr(channel))
}

func (m *Metrics) StaleRejected(ctx context.Context) {
	m.totals.stale.Add(1)
	m.stale.Add(ctx, 1)
}

func (m *Metrics) InboxDropped(ctx context.Context, channel string) {
	m.totals.dropped.Add(1)
	m.dropped.Add(ctx, 1, channelAttr(channel))
}

func (m *Metrics) Totals() Totals {
	return Totals{
		Sent:      m.totals.sent.Load(),
		Received:  m.totals.received.Load(),
		Malformed: m.totals.malformed.Load(),
		Stale:     m.totals.stale.Load(),
		Dropped:   m.totals.dropped.Load(),
	}
}
