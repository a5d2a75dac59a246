package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles the logger, metrics registry and tracer that every
// module receives at construction time.
type Observability struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Tracer   trace.Tracer
	Metrics  *GatewayMetrics
}

// GatewayMetrics holds the process-wide gateway counters.
type GatewayMetrics struct {
	OpenConnections prometheus.Gauge
	DispatchesSent  *prometheus.CounterVec
	FanoutPublishes *prometheus.CounterVec
	SweepCloses     *prometheus.CounterVec
	IdentifyFailures prometheus.Counter
}

// Init creates the observability provider for a process. The tracer comes
// from the global otel provider; deployments that want real spans install an
// exporter before calling Init, everything else gets the default noop.
func Init(serviceName, environment string) *Observability {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		"service", serviceName,
		"env", environment,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := &GatewayMetrics{
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_gateway_open_connections",
			Help: "Currently open, authenticated gateway connections.",
		}),
		DispatchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_gateway_dispatches_sent_total",
			Help: "DISPATCH frames sent, by event type.",
		}, []string{"event"}),
		FanoutPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_fanout_publishes_total",
			Help: "Events published to the cross-instance bridge, by channel.",
		}, []string{"channel"}),
		SweepCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_gateway_sweep_closes_total",
			Help: "Connections force-closed by the liveness sweep, by reason.",
		}, []string{"reason"}),
		IdentifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_gateway_identify_failures_total",
			Help: "IDENTIFY attempts rejected by the gateway.",
		}),
	}
	registry.MustRegister(
		metrics.OpenConnections,
		metrics.DispatchesSent,
		metrics.FanoutPublishes,
		metrics.SweepCloses,
		metrics.IdentifyFailures,
	)

	return &Observability{
		Logger:   logger,
		Registry: registry,
		Tracer:   otel.Tracer(serviceName),
		Metrics:  metrics,
	}
}

// MetricsHandler exposes the registry for mounting at /metrics.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{})
}
