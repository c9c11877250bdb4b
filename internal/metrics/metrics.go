// Package metrics exposes sync and graph health to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsgraph/opsgraph/internal/logging"
)

// Metrics holds the Prometheus instruments for the sync pipeline.
// Labels: tenant for per-tenant fan-out, provider where the dimension
// exists, category for errors.
type Metrics struct {
	SyncsTotal       *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	NodesDiscovered  *prometheus.CounterVec
	NodesCreated     *prometheus.CounterVec
	NodesUpdated     *prometheus.CounterVec
	EdgesDiscovered  *prometheus.CounterVec
	SyncErrorsTotal  *prometheus.CounterVec
	GraphNodes       *prometheus.GaugeVec
	GraphCostMonthly *prometheus.GaugeVec
}

// NewMetrics builds and registers the instrument set. The registerer
// parameter keeps tests off the global registry; instance lands on every
// series as a const label.
func NewMetrics(reg prometheus.Registerer, instance string) *Metrics {
	constLabels := prometheus.Labels{"instance": instance}

	m := &Metrics{
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_syncs_total",
			Help:        "Completed sync runs by outcome",
			ConstLabels: constLabels,
		}, []string{"tenant", "kind", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "opsgraph_sync_duration_seconds",
			Help:        "Wall time of one account sync",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"tenant", "provider"}),
		NodesDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_nodes_discovered_total",
			Help:        "Nodes reported by adapters",
			ConstLabels: constLabels,
		}, []string{"tenant", "provider"}),
		NodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_nodes_created_total",
			Help:        "Nodes newly created during reconcile",
			ConstLabels: constLabels,
		}, []string{"tenant", "provider"}),
		NodesUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_nodes_updated_total",
			Help:        "Nodes with attribute changes during reconcile",
			ConstLabels: constLabels,
		}, []string{"tenant", "provider"}),
		EdgesDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_edges_discovered_total",
			Help:        "Edges reported by adapters and inference",
			ConstLabels: constLabels,
		}, []string{"tenant", "provider"}),
		SyncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "opsgraph_sync_errors_total",
			Help:        "Sync errors by fault category",
			ConstLabels: constLabels,
		}, []string{"tenant", "category"}),
		GraphNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "opsgraph_graph_nodes",
			Help:        "Live nodes in the graph after the last sync",
			ConstLabels: constLabels,
		}, []string{"tenant"}),
		GraphCostMonthly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "opsgraph_graph_cost_monthly_usd",
			Help:        "Total attributed monthly cost after the last sync",
			ConstLabels: constLabels,
		}, []string{"tenant"}),
	}

	reg.MustRegister(
		m.SyncsTotal, m.SyncDuration,
		m.NodesDiscovered, m.NodesCreated, m.NodesUpdated, m.EdgesDiscovered,
		m.SyncErrorsTotal, m.GraphNodes, m.GraphCostMonthly,
	)
	return m
}

// Server serves /metrics. Implements the lifecycle component contract.
type Server struct {
	addr     string
	registry *prometheus.Registry
	logger   *logging.Logger
	srv      *http.Server
}

// NewServer creates a metrics endpoint on the given port.
func NewServer(port int, registry *prometheus.Registry) *Server {
	return &Server{
		addr:     fmt.Sprintf(":%d", port),
		registry: registry,
		logger:   logging.GetLogger("metrics"),
	}
}

// Start begins serving /metrics in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.srv != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed: %v", err)
		}
	}()
	s.logger.Info("metrics listening on %s", s.addr)
	return nil
}

// Stop shuts the endpoint down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	return err
}

// Name implements the lifecycle component contract.
func (s *Server) Name() string {
	return "metrics-server"
}
