package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/aqmap/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/aqmap.v1.MarkerService/Recompute"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MarkerService", "Recompute", "OK")); got != 1 {
		t.Fatalf("aqmap_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "aqmap_rpc_duration_seconds", map[string]string{
		"service": "MarkerService",
		"method":  "Recompute",
	}); count != 1 {
		t.Fatalf("aqmap_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/aqmap.v1.MarkerService/Merge"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MarkerService", "Merge", "InvalidArgument")); got != 1 {
		t.Fatalf("aqmap_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	if first.RPCRequests != second.RPCRequests {
		t.Fatalf("second collector did not reuse the registered counter")
	}
}

func TestMetricsHandlerExposesLayerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetLayerCount(model.LayerSensors, 37)
	collector.ObserveFetch("cities", nil, 20*time.Millisecond)
	collector.ObserveFetch("cities", errors.New("timeout"), time.Second)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"aqmap_rpc_requests_total",
		`aqmap_layer_entities{layer="sensors"} 37`,
		`aqmap_fetch_requests_total{endpoint="cities",result="error"} 1`,
		"aqmap_fetch_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestRecomputeCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRecomputeCollector(reg)
	if err != nil {
		t.Fatalf("NewRecomputeCollector: %v", err)
	}

	collector.ObserveRecompute(model.LayerCities, "applied", time.Millisecond, 3, 2, 1)
	collector.ObserveRecompute(model.LayerCities, "dropped", time.Millisecond, 5, 5, 5)
	collector.IncStaleDelta(model.LayerCities, "dropped")

	if got := testutil.ToFloat64(collector.Recomputes.WithLabelValues("cities", "applied")); got != 1 {
		t.Fatalf("applied recomputes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.MarkerOps.WithLabelValues("cities", "add")); got != 3 {
		t.Fatalf("add ops = %v, want 3 (dropped deltas not counted)", got)
	}
	if got := testutil.ToFloat64(collector.StaleDeltas.WithLabelValues("cities", "dropped")); got != 1 {
		t.Fatalf("stale deltas = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "aqmap_recompute_duration_seconds", map[string]string{"layer": "cities"}); count != 2 {
		t.Fatalf("duration sample_count = %d, want 2", count)
	}
}

func TestSplitMethod(t *testing.T) {
	tests := map[string][2]string{
		"":                                  {"unknown", "unknown"},
		"/aqmap.v1.MarkerService/Recompute": {"MarkerService", "Recompute"},
		"bad":                               {"unknown", "unknown"},
	}
	for in, want := range tests {
		svc, method := SplitMethod(in)
		if svc != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = (%q, %q), want %v", in, svc, method, want)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
