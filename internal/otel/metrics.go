package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all statusboard metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RoomMembers       metric.Int64UpDownCounter
	Broadcasts        metric.Int64Counter
	DeliveryFailures  metric.Int64Counter
	BroadcastDuration metric.Float64Histogram
	Derivations       metric.Int64Counter
	DerivationMemoHit metric.Int64Counter
	StaleTransitions  metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("statusboard.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoomMembers, err = meter.Int64UpDownCounter("statusboard.room.members",
		metric.WithDescription("Live connections registered in the broadcast room"),
	)
	if err != nil {
		return nil, err
	}

	m.Broadcasts, err = meter.Int64Counter("statusboard.room.broadcasts",
		metric.WithDescription("Broadcast calls by event kind"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("statusboard.room.delivery_failures",
		metric.WithDescription("Per-connection send failures that pruned a member"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDuration, err = meter.Float64Histogram("statusboard.room.broadcast.duration",
		metric.WithDescription("Fan-out duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Derivations, err = meter.Int64Counter("statusboard.staleness.derivations",
		metric.WithDescription("Derived feature states computed"),
	)
	if err != nil {
		return nil, err
	}

	m.DerivationMemoHit, err = meter.Int64Counter("statusboard.staleness.memo_hits",
		metric.WithDescription("Derivations served from the memo"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleTransitions, err = meter.Int64Counter("statusboard.staleness.transitions",
		metric.WithDescription("Observed fresh/stale transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("statusboard.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
