// Package metrics provides Prometheus counters for migration runs.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "casebook_migrate"

// MigrationMetrics holds the run counters for every stage.
type MigrationMetrics struct {
	UsersTotal         *prometheus.CounterVec // by status: created, merged, skipped, error
	DocumentsTotal     *prometheus.CounterVec // by outcome: transferred, skipped, failed
	NotificationsTotal *prometheus.CounterVec // by status: sent, failed
	RetriesTotal       *prometheus.CounterVec // by operation
	BreakerState       *prometheus.GaugeVec   // 0=closed, 1=half-open, 2=open
	StageDuration      *prometheus.GaugeVec   // seconds, by stage

	registry *prometheus.Registry
}

// NewMigrationMetrics creates the collectors and registers them.
func NewMigrationMetrics(registry *prometheus.Registry) (*MigrationMetrics, error) {
	m := &MigrationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register migration metrics: %w", err)
	}
	return m, nil
}

func (m *MigrationMetrics) initMetrics() {
	m.UsersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_total",
			Help:      "Source users processed by the user migrator, by outcome",
		},
		[]string{"status"},
	)
	m.DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Legacy documents processed by the transfer pipeline, by outcome",
		},
		[]string{"status"},
	)
	m.NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Announcement deliveries, by outcome",
		},
		[]string{"status"},
	)
	m.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts of external calls, by operation",
		},
		[]string{"operation"},
	)
	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)
	m.StageDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last run of a stage",
		},
		[]string{"stage"},
	)
}

// Describe implements prometheus.Collector.
func (m *MigrationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.UsersTotal.Describe(ch)
	m.DocumentsTotal.Describe(ch)
	m.NotificationsTotal.Describe(ch)
	m.RetriesTotal.Describe(ch)
	m.BreakerState.Describe(ch)
	m.StageDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *MigrationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.UsersTotal.Collect(ch)
	m.DocumentsTotal.Collect(ch)
	m.NotificationsTotal.Collect(ch)
	m.RetriesTotal.Collect(ch)
	m.BreakerState.Collect(ch)
	m.StageDuration.Collect(ch)
}

func (m *MigrationMetrics) UserOutcome(status string) {
	m.UsersTotal.WithLabelValues(status).Inc()
}

func (m *MigrationMetrics) DocumentOutcome(outcome string) {
	m.DocumentsTotal.WithLabelValues(outcome).Inc()
}

func (m *MigrationMetrics) NotificationOutcome(status string) {
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

func (m *MigrationMetrics) Retry(operation string) {
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

// SetBreakerState records the numeric state of a named breaker.
func (m *MigrationMetrics) SetBreakerState(breaker string, state int) {
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// ObserveStage records how long a stage took.
func (m *MigrationMetrics) ObserveStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Set(seconds)
}
