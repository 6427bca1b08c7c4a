package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hookline/dispatch/job"
	mw "github.com/hookline/dispatch/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

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

func stringAttrs(set attribute.Set) map[string]string {
	out := make(map[string]string)
	for _, a := range set.ToSlice() {
		if a.Value.Type() == attribute.STRING {
			out[string(a.Key)] = a.Value.AsString()
		}
	}
	return out
}

func TestMetrics_RecordsDurationAndCount(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestJob(), func(context.Context) error { return nil })

	rm := collectMetrics(t, reader)
	dur := findMetric(rm, "dispatch.job.attempt.duration")
	if dur == nil {
		t.Fatal("duration histogram not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected histogram data: %+v", dur.Data)
	}

	cnt := findMetric(rm, "dispatch.job.attempts")
	if cnt == nil {
		t.Fatal("attempts counter not found")
	}
	sum, ok := cnt.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected counter data: %+v", cnt.Data)
	}

	want := map[string]string{"kind": "deliverEmail", "queue": "internal-queue", "outcome": "ok"}
	got := stringAttrs(sum.DataPoints[0].Attributes)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestMetrics_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"retryable", errors.New("boom"), "error"},
		{"fatal", job.Fatal(errors.New("bad input")), "fatal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))
			_ = m(context.Background(), newTestJob(), func(context.Context) error { return tt.err })

			sum := findMetric(collectMetrics(t, reader), "dispatch.job.attempts").Data.(metricdata.Sum[int64])
			if got := stringAttrs(sum.DataPoints[0].Attributes)["outcome"]; got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Metrics()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}
