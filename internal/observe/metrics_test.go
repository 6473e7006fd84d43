package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the value of the data point whose attribute key
// equals value, or -1 when no such point exists.
func counterValue(sum metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxbridge.session.duration", m.SessionDuration},
		{"voxbridge.tool_execution.duration", m.ToolExecutionDuration},
		{"voxbridge.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestToolCallsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "getDateTool", "ok")
	m.RecordToolCall(ctx, "getDateTool", "ok")
	m.RecordToolCall(ctx, "getDateTool", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.tool.calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "status", "ok"); got != 2 {
		t.Errorf("status=ok counter = %d, want 2", got)
	}
	if got := counterValue(sum, "status", "error"); got != 1 {
		t.Errorf("status=error counter = %d, want 1", got)
	}
}

func TestQueueDropsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQueueDrop(ctx, "ingress")
	m.RecordQueueDrop(ctx, "ingress")
	m.RecordQueueDrop(ctx, "egress")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.queue.drops")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "queue", "ingress"); got != 2 {
		t.Errorf("queue=ingress counter = %d, want 2", got)
	}
	if got := counterValue(sum, "queue", "egress"); got != 1 {
		t.Errorf("queue=egress counter = %d, want 1", got)
	}
}

func TestBackendErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendError(ctx, "validation")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.backend.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "kind", "validation"); got != 1 {
		t.Errorf("kind=validation counter = %d, want 1", got)
	}
}

func TestEgressEventsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEgressEvent(ctx, "audioOutput")
	m.RecordEgressEvent(ctx, "audioOutput")
	m.RecordEgressEvent(ctx, "textOutput")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.egress.events")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "event", "audioOutput"); got != 2 {
		t.Errorf("event=audioOutput counter = %d, want 2", got)
	}
}

func TestCredentialRefreshCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCredentialRefresh(ctx, "ok")
	m.RecordCredentialRefresh(ctx, "error")
	m.RecordCredentialRefresh(ctx, "ok")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.credential.refreshes")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "status", "ok"); got != 2 {
		t.Errorf("status=ok counter = %d, want 2", got)
	}
	if got := counterValue(sum, "status", "error"); got != 1 {
		t.Errorf("status=error counter = %d, want 1", got)
	}
}

func TestSessionLifecycleInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx, 12.5)

	rm := collect(t, reader)

	met := findMetric(rm, "voxbridge.active_sessions")
	if met == nil {
		t.Fatal("active_sessions metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active_sessions is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("active_sessions has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	met = findMetric(rm, "voxbridge.session.duration")
	if met == nil {
		t.Fatal("session.duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("session.duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Error("expected exactly one session duration sample")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
