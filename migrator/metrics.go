package migrator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the run's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RowsCommitted *prometheus.CounterVec
	RowsFailed    *prometheus.CounterVec
	BatchRetries  *prometheus.CounterVec
	RowFallbacks  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	TablesTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RowsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "rows_committed_total",
			Help:      "Rows committed to the target",
		}, []string{"table"}),
		RowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "rows_failed_total",
			Help:      "Rows catalogued as failed",
		}, []string{"table"}),
		BatchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "batch_retries_total",
			Help:      "Batch writes retried after a transient target error",
		}, []string{"table"}),
		RowFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "row_fallbacks_total",
			Help:      "Batches that degraded to row-by-row writes",
		}, []string{"table"}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "batch_duration_seconds",
			Help:      "Time to read, convert and write one batch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"table"}),
		TablesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mudrock",
			Subsystem: "migrate",
			Name:      "tables_total",
			Help:      "Tables finished, by final status",
		}, []string{"status"}),
	}
}

// WriteToTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

// Push sends the registry to a Pushgateway under the given job name.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.Registry).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
