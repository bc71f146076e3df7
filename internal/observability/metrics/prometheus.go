// Package metrics provides Prometheus metrics for the coverage services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	PoliciesRegistered    *prometheus.CounterVec
	ValidationFailures    *prometheus.CounterVec
	CostSplits            *prometheus.CounterVec
	SplitAmount           *prometheus.HistogramVec
	CalculationDuration   prometheus.Histogram
	ChargesSettled        *prometheus.CounterVec
	DeductibleApplied     prometheus.Counter
	HTTPRequestDuration   *prometheus.HistogramVec
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	ConsumerLag           prometheus.Gauge
	InboxDuplicates       prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

var _ coverage.Observer = (*Metrics)(nil)

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoliciesRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_policies_registered_total",
			Help: "Insurance policies registered, by coverage level",
		}, []string{"level"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_validation_failures_total",
			Help: "Rejected policy writes, by offending field",
		}, []string{"field"}),
		CostSplits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_cost_splits_total",
			Help: "Cost splits computed, by reason",
		}, []string{"reason"}),
		SplitAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverage_split_amount",
			Help:    "Amount assigned to each party by a cost split",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 5000, 10000},
		}, []string{"party"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coverage_calculation_duration_seconds",
			Help:    "Cost split calculation duration",
			Buckets: []float64{.00001, .0001, .001, .005, .01, .05, .1},
		}),
		ChargesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_charges_settled_total",
			Help: "Charges settled against a policy, by reason",
		}, []string{"reason"}),
		DeductibleApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coverage_deductible_applied_total",
			Help: "Money accumulated into policy deductibles",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic", "result"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic", "result"}),
		ConsumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records the settlement consumer group is behind",
		}),
		InboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_duplicates_total",
			Help: "Messages skipped because their idempotency key was already processed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PoliciesRegistered,
		m.ValidationFailures,
		m.CostSplits,
		m.SplitAmount,
		m.CalculationDuration,
		m.ChargesSettled,
		m.DeductibleApplied,
		m.HTTPRequestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.ConsumerLag,
		m.InboxDuplicates,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// PolicyRegistered counts a new policy
func (m *Metrics) PolicyRegistered(level string) {
	m.PoliciesRegistered.WithLabelValues(level).Inc()
}

// ValidationFailed counts a rejected write
func (m *Metrics) ValidationFailed(field string) {
	m.ValidationFailures.WithLabelValues(field).Inc()
}

// CostSplit records a computed split
func (m *Metrics) CostSplit(reason string, patientPays, insurancePays float64, elapsed time.Duration) {
	m.CostSplits.WithLabelValues(reason).Inc()
	m.SplitAmount.WithLabelValues("patient").Observe(patientPays)
	m.SplitAmount.WithLabelValues("insurer").Observe(insurancePays)
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// ChargeSettled records a settlement and its deductible accumulation
func (m *Metrics) ChargeSettled(reason string, deductibleApplied float64) {
	m.ChargesSettled.WithLabelValues(reason).Inc()
	if deductibleApplied > 0 {
		m.DeductibleApplied.Add(deductibleApplied)
	}
}

// Produced is the producer's per-record hook
func (m *Metrics) Produced(topic string, err error) {
	m.KafkaMessagesProduced.WithLabelValues(topic, result(err)).Inc()
}

// Consumed counts a handled record
func (m *Metrics) Consumed(topic string, err error) {
	m.KafkaMessagesConsumed.WithLabelValues(topic, result(err)).Inc()
}

// BreakerStateChanged is a circuitbreaker.Config.OnStateChange hook
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
}

// SetOutboxPending is the outbox's pending-count hook
func (m *Metrics) SetOutboxPending(n int64) {
	m.OutboxPending.Set(float64(n))
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
