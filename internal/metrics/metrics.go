// ============================================================================
// fleetlink Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Connections
//      - fleetlink_connections (gauge, by status)
//      - fleetlink_reconnect_attempts_total (counter, by outcome)
//      - fleetlink_heartbeat_timeouts_total
//
//   2. Queues
//      - fleetlink_outbound_messages_total (counter, by result: sent/failed/deferred)
//      - fleetlink_inbound_messages_total (counter, by result: dispatched/requeued/dropped)
//      - fleetlink_queue_depth (gauge, by queue)
//
//   3. Ledger
//      - fleetlink_ledger_pending_tasks
//      - fleetlink_ledger_recovered_tasks_total (counter, by outcome)
//
//   4. Workers
//      - fleetlink_task_latency_seconds (histogram, by result)
//      - fleetlink_state_transitions_total {from,to}
//      - fleetlink_state_rejections_total {from,to}
//
// All Record* methods are safe on a nil *Collector so components can run
// without instrumentation in unit tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every fleetlink metric.
type Collector struct {
	connections       *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	outbound          *prometheus.CounterVec
	inbound           *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	ledgerPending     prometheus.Gauge
	ledgerRecovered   *prometheus.CounterVec
	taskLatency       *prometheus.HistogramVec
	stateTransitions  *prometheus.CounterVec
	stateRejections   *prometheus.CounterVec
}

// NewCollector creates the collector and registers it on reg. A nil reg
// falls back to prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetlink_connections",
			Help: "Number of pooled device connections by status",
		}, []string{"status"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_reconnect_attempts_total",
			Help: "Reconnection attempts by outcome",
		}, []string{"outcome"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_heartbeat_timeouts_total",
			Help: "Connections declared dead by the heartbeat monitor",
		}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_outbound_messages_total",
			Help: "Outbound messages by result",
		}, []string{"result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_inbound_messages_total",
			Help: "Inbound messages by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetlink_queue_depth",
			Help: "Items waiting in each queue",
		}, []string{"queue"}),
		ledgerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetlink_ledger_pending_tasks",
			Help: "Task records currently held by the ledger",
		}),
		ledgerRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_ledger_recovered_tasks_total",
			Help: "Tasks handled by restart recovery by outcome",
		}, []string{"outcome"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetlink_task_latency_seconds",
			Help:    "Executor latency per task",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}, []string{"result"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_state_transitions_total",
			Help: "Applied worker state transitions",
		}, []string{"from", "to"}),
		stateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_state_rejections_total",
			Help: "Rejected worker state transitions",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		c.connections,
		c.reconnectAttempts,
		c.heartbeatTimeouts,
		c.outbound,
		c.inbound,
		c.queueDepth,
		c.ledgerPending,
		c.ledgerRecovered,
		c.taskLatency,
		c.stateTransitions,
		c.stateRejections,
	)
	return c
}

// SetConnections publishes the connected/disconnected split of the pool.
func (c *Collector) SetConnections(connected, disconnected int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues("connected").Set(float64(connected))
	c.connections.WithLabelValues("disconnected").Set(float64(disconnected))
}

// RecordReconnect counts one reconnection attempt; outcome is "success" or
// "failure".
func (c *Collector) RecordReconnect(outcome string) {
	if c == nil {
		return
	}
	c.reconnectAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordHeartbeatTimeout() {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.Inc()
}

// RecordOutbound counts an outbound result: "sent", "failed" or "deferred".
func (c *Collector) RecordOutbound(result string) {
	if c == nil {
		return
	}
	c.outbound.WithLabelValues(result).Inc()
}

// RecordInbound counts an inbound result: "dispatched", "requeued" or
// "dropped".
func (c *Collector) RecordInbound(result string) {
	if c == nil {
		return
	}
	c.inbound.WithLabelValues(result).Inc()
}

func (c *Collector) SetQueueDepth(queue string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (c *Collector) SetLedgerPending(n int) {
	if c == nil {
		return
	}
	c.ledgerPending.Set(float64(n))
}

// RecordRecovered counts a record processed by restart recovery; outcome is
// "reported", "expired" or "unreachable".
func (c *Collector) RecordRecovered(outcome string) {
	if c == nil {
		return
	}
	c.ledgerRecovered.WithLabelValues(outcome).Inc()
}

// RecordTask observes the executor latency of one task.
func (c *Collector) RecordTask(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.taskLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordRejection(from, to string) {
	if c == nil {
		return
	}
	c.stateRejections.WithLabelValues(from, to).Inc()
}

// Server exposes the registry on /metrics.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a /metrics HTTP server for gatherer on addr.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler is the /metrics mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
