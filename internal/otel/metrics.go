package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	CommandDuration metric.Float64Histogram
	CommandDenied   metric.Int64Counter
	CommandErrors   metric.Int64Counter
	NetworkEvents   metric.Int64Counter
	ActiveNetworks  metric.Int64UpDownCounter
	PacketsInjected metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("flowrt.command.duration",
		metric.WithDescription("Protocol command handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDenied, err = meter.Int64Counter("flowrt.command.denied",
		metric.WithDescription("Commands rejected by the capability gate"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandErrors, err = meter.Int64Counter("flowrt.command.errors",
		metric.WithDescription("Commands answered with an error message"),
	)
	if err != nil {
		return nil, err
	}

	m.NetworkEvents, err = meter.Int64Counter("flowrt.network.events",
		metric.WithDescription("Network events forwarded to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveNetworks, err = meter.Int64UpDownCounter("flowrt.network.active",
		metric.WithDescription("Number of registered networks"),
	)
	if err != nil {
		return nil, err
	}

	m.PacketsInjected, err = meter.Int64Counter("flowrt.runtime.packets",
		metric.WithDescription("Packets injected through runtime:packet"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
