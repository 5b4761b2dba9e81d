// Package metrics 通过 Prometheus 暴露探测计数和时延
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	namespace         = "mscanner"
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Collector 实现 portscan.Recorder, 使用独立的 registry
type Collector struct {
	registry *prometheus.Registry

	probes   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	runs     *prometheus.CounterVec
}

// New 创建 Collector, 同时注册 Go 运行时指标
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Completed probes by technique and resulting port state.",
		}, []string{"technique", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall time of a probe including banner read.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"technique"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_probes",
			Help:      "Probes dispatched and not yet resolved.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished scan runs by outcome.",
		}, []string{"technique", "outcome"}),
	}
	c.registry.MustRegister(
		c.probes,
		c.duration,
		c.inflight,
		c.runs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ProbeStarted(technique string) {
	c.inflight.Inc()
}

func (c *Collector) ProbeFinished(technique, state string, elapsed time.Duration) {
	c.inflight.Dec()
	c.probes.WithLabelValues(technique, state).Inc()
	c.duration.WithLabelValues(technique).Observe(elapsed.Seconds())
}

func (c *Collector) RunFinished(technique, outcome string) {
	c.runs.WithLabelValues(technique, outcome).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Router 提供 /metrics
func (c *Collector) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Serve 监听 addr 直到 ctx 结束
func (c *Collector) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
