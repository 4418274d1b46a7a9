// Package metrics turns lifecycle events into OpenTelemetry metrics and
// exports them over OTLP gRPC.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"reminderd/internal/eventbus"
	"reminderd/internal/sweeper"
	logx "reminderd/pkg/logx"
)

const meterName = "reminderd"

type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Gauges are sampled at collection time. Nil funcs are skipped.
type Gauges struct {
	ArmedTimers func() int64
	QueueDepth  func() int64
	InFlight    func() int64
}

type Provider struct {
	mp  *sdkmetric.MeterProvider
	log logx.Logger

	events       metric.Int64Counter
	sweepSeconds metric.Float64Histogram
	sweepDue     metric.Int64Counter
	sweepStale   metric.Int64Counter
}

// New builds a provider exporting to cfg.OTLPEndpoint. A disabled config
// returns a provider whose instruments discard everything.
func New(ctx context.Context, cfg Config, g Gauges, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		p := &Provider{log: log}
		return p, p.init(noop.NewMeterProvider().Meter(meterName), g)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metrics: otlp exporter: %w", err)
	}
	p, err := NewWithReader(cfg.ServiceName, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)), g, log)
	if err != nil {
		return nil, err
	}
	log.Info("metrics exporter started", logx.String("endpoint", cfg.OTLPEndpoint), logx.Duration("interval", cfg.Interval))
	return p, nil
}

// NewWithReader builds a provider on an explicit reader.
func NewWithReader(service string, r sdkmetric.Reader, g Gauges, log logx.Logger) (*Provider, error) {
	if service == "" {
		service = meterName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	res := resource.NewSchemaless(attribute.String("service.name", service))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(r))
	p := &Provider{mp: mp, log: log}
	if err := p.init(mp.Meter(meterName), g); err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return p, nil
}

func (p *Provider) init(m metric.Meter, g Gauges) error {
	var err error
	if p.events, err = m.Int64Counter("reminderd.events",
		metric.WithDescription("Reminder lifecycle events by type"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.sweepSeconds, err = m.Float64Histogram("reminderd.sweep.duration",
		metric.WithDescription("Sweep pass duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	); err != nil {
		return err
	}
	if p.sweepDue, err = m.Int64Counter("reminderd.sweep.due",
		metric.WithDescription("Due reminders found by sweeps"),
		metric.WithUnit("{reminder}"),
	); err != nil {
		return err
	}
	if p.sweepStale, err = m.Int64Counter("reminderd.sweep.stale",
		metric.WithDescription("Stale claims found by sweeps"),
		metric.WithUnit("{reminder}"),
	); err != nil {
		return err
	}

	gauges := []struct {
		name, desc string
		fn         func() int64
	}{
		{"reminderd.timers.armed", "Armed in-process timers", g.ArmedTimers},
		{"reminderd.queue.depth", "Delivery jobs waiting", g.QueueDepth},
		{"reminderd.queue.inflight", "Delivery jobs running", g.InFlight},
	}
	for _, gg := range gauges {
		if gg.fn == nil {
			continue
		}
		fn := gg.fn
		if _, err = m.Int64ObservableGauge(gg.name,
			metric.WithDescription(gg.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(fn())
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}

// Record folds one event into the instruments.
func (p *Provider) Record(ctx context.Context, e eventbus.Event) {
	p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", e.Type)))
	if e.Type != eventbus.SweepCompleted {
		return
	}
	rep, ok := e.Data.(sweeper.Report)
	if !ok {
		return
	}
	p.sweepSeconds.Record(ctx, rep.Took.Seconds())
	p.sweepDue.Add(ctx, int64(rep.Due))
	p.sweepStale.Add(ctx, int64(rep.Stale))
}

// Consume records bus events until ctx ends.
func (p *Provider) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			p.Record(ctx, e)
		}
	}
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
