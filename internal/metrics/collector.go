// Package metrics exposes run metrics to Prometheus and feeds the progress
// tracker from the same notifications.
package metrics

import (
	"net/http"
	"time"

	"mailmigrate/internal/progress"
	"mailmigrate/internal/token"
	"mailmigrate/internal/transfer"
	"mailmigrate/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	transfersTotal  *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	accountsTotal   *prometheus.CounterVec
	tokenOpsTotal   *prometheus.CounterVec
	messagesTotal   prometheus.Counter
	activeProcesses prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmigrate_transfers_total",
				Help: "Transfer tool invocations by outcome",
			},
			[]string{"outcome"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmigrate_batches_total",
				Help: "Folder batches by final status",
			},
			[]string{"status"},
		),
		accountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmigrate_accounts_total",
				Help: "Accounts by final status",
			},
			[]string{"status"},
		),
		tokenOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmigrate_token_operations_total",
				Help: "OAuth token endpoint calls",
			},
			[]string{"identity", "op", "result"},
		),
		messagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailmigrate_messages_total",
				Help: "Messages reported transferred by the tool",
			},
		),
		activeProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailmigrate_active_processes",
				Help: "Transfer tool processes currently running",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailmigrate_transfer_duration_seconds",
				Help:    "Time taken by one transfer tool invocation",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.transfersTotal,
		c.batchesTotal,
		c.accountsTotal,
		c.tokenOpsTotal,
		c.messagesTotal,
		c.activeProcesses,
		c.duration,
	)

	return c
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// ProcessStarted implements transfer.Observer
func (c *Collector) ProcessStarted(string) {
	c.activeProcesses.Inc()
}

// ProcessEvent implements transfer.Observer
func (c *Collector) ProcessEvent(account string, ev transfer.Event) {
	if ev.Kind == transfer.EventFolderProgress {
		c.progressTracker.SetCurrentFolder(account, ev.Folder)
	}
}

// ProcessExited implements transfer.Observer
func (c *Collector) ProcessExited(_ string, out transfer.Outcome, elapsed time.Duration) {
	c.activeProcesses.Dec()
	outcome := "success"
	if !out.Success {
		outcome = out.Kind.String()
	}
	c.transfersTotal.WithLabelValues(outcome).Inc()
	c.duration.Observe(elapsed.Seconds())
	if out.Messages > 0 {
		c.messagesTotal.Add(float64(out.Messages))
		c.progressTracker.AddMessages(out.Messages)
	}
}

// BatchStarted implements worker.Observer
func (c *Collector) BatchStarted(b *worker.FolderBatch) {
	c.progressTracker.BatchStarted(b.Account)
}

// BatchRetrying implements worker.Observer
func (c *Collector) BatchRetrying(*worker.FolderBatch, int, time.Duration) {
	c.progressTracker.BatchRetried()
}

// BatchFinished implements worker.Observer
func (c *Collector) BatchFinished(b *worker.FolderBatch) {
	c.batchesTotal.WithLabelValues(string(b.Status())).Inc()
	c.progressTracker.BatchFinished(b.Status() == worker.BatchSucceeded)
}

// AccountFinished records an account's final status
func (c *Collector) AccountFinished(status worker.AccountStatus) {
	c.accountsTotal.WithLabelValues(string(status)).Inc()
	c.progressTracker.AccountFinished(string(status))
}

// TokenRenewed records a token endpoint call; it matches token.WithRenewHook
func (c *Collector) TokenRenewed(identity string, op token.Op, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.tokenOpsTotal.WithLabelValues(identity, string(op), result).Inc()
}
