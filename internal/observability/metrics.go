package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/aqmap/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles Prometheus metrics for the marker service surface and
// provides helpers to wire them into gRPC servers and HTTP handlers.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	LayerEntities *prometheus.GaugeVec
	FetchRequests *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
}

// NewCollector registers service metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aqmap_rpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "aqmap_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aqmap_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "aqmap_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	entities, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aqmap_layer_entities",
		Help: "Current number of known entities per layer.",
	}, []string{"layer"}), "aqmap_layer_entities")
	if err != nil {
		return nil, err
	}

	fetches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aqmap_fetch_requests_total",
		Help: "Data server requests, labeled by endpoint and result.",
	}, []string{"endpoint", "result"}), "aqmap_fetch_requests_total")
	if err != nil {
		return nil, err
	}

	fetchDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aqmap_fetch_duration_seconds",
		Help:    "Data server request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"}), "aqmap_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		RPCRequests:   requests,
		RPCDurations:  durations,
		LayerEntities: entities,
		FetchRequests: fetches,
		FetchDuration: fetchDuration,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetLayerCount satisfies kb.MetricsRecorder so stores drive the entity gauge
// directly from their mutators.
func (c *Collector) SetLayerCount(layer model.Layer, count int) {
	if c == nil || c.LayerEntities == nil {
		return
	}
	c.LayerEntities.WithLabelValues(layer.String()).Set(float64(count))
}

// ObserveFetch records one data server request.
func (c *Collector) ObserveFetch(endpoint string, err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if c.FetchRequests != nil {
		c.FetchRequests.WithLabelValues(endpoint, result).Inc()
	}
	if c.FetchDuration != nil {
		c.FetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
