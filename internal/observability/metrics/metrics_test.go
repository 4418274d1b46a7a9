package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"reminderd/internal/eventbus"
	"reminderd/internal/sweeper"
	logx "reminderd/pkg/logx"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	out, err := read(r)
	require.NoError(t, err)
	return out
}

func read(r *sdkmetric.ManualReader) (map[string]metricdata.Aggregation, error) {
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		return nil, err
	}
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out, nil
}

func TestRecordEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader("test", reader, Gauges{ArmedTimers: func() int64 { return 7 }}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	p.Record(ctx, eventbus.Event{Type: eventbus.ReminderCreated})
	p.Record(ctx, eventbus.Event{Type: eventbus.ReminderCreated})
	p.Record(ctx, eventbus.Event{Type: eventbus.ReminderDelivered})
	p.Record(ctx, eventbus.Event{Type: eventbus.SweepCompleted, Data: sweeper.Report{Due: 3, Stale: 1, Took: 20 * time.Millisecond}})

	got := collect(t, reader)

	events, ok := got["reminderd.events"].(metricdata.Sum[int64])
	require.True(t, ok)
	byType := map[string]int64{}
	for _, dp := range events.DataPoints {
		v, _ := dp.Attributes.Value("event")
		byType[v.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), byType[eventbus.ReminderCreated])
	assert.Equal(t, int64(1), byType[eventbus.ReminderDelivered])
	assert.Equal(t, int64(1), byType[eventbus.SweepCompleted])

	due := got["reminderd.sweep.due"].(metricdata.Sum[int64])
	assert.Equal(t, int64(3), due.DataPoints[0].Value)
	hist := got["reminderd.sweep.duration"].(metricdata.Histogram[float64])
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	armed := got["reminderd.timers.armed"].(metricdata.Gauge[int64])
	assert.Equal(t, int64(7), armed.DataPoints[0].Value)
	assert.NotContains(t, got, "reminderd.queue.depth")

	require.NoError(t, p.Shutdown(ctx))
}

func TestConsumeStopsWithContext(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader("", reader, Gauges{}, logx.Nop())
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Consume(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.ReminderCancelled})
		got, err := read(reader)
		if err != nil {
			return false
		}
		sum, ok := got["reminderd.events"].(metricdata.Sum[int64])
		return ok && len(sum.DataPoints) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{}, Gauges{QueueDepth: func() int64 { return 1 }}, logx.Nop())
	require.NoError(t, err)
	p.Record(context.Background(), eventbus.Event{Type: eventbus.ReminderCreated})
	assert.NoError(t, p.Shutdown(context.Background()))
}
