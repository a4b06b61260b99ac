package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay Prometheus metrics. It implements the chain
// metrics collector of package interceptors and the reliability metrics
// collector of package rm.
type Metrics struct {
	ChainsTotal       *prometheus.CounterVec
	ChainDuration     *prometheus.HistogramVec
	InterceptorFaults *prometheus.CounterVec
	SentTotal         *prometheus.CounterVec
	Retransmissions   *prometheus.CounterVec
	Acknowledged      *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	Duplicates        prometheus.Counter
	Held              prometheus.Counter
}

// NewMetrics creates and registers the relay metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChainsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_chain_runs_total",
			Help: "Chain passes by chain and outcome state.",
		}, []string{"chain", "state"}),

		ChainDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_chain_duration_seconds",
			Help:    "Time spent in one chain pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),

		InterceptorFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_interceptor_faults_total",
			Help: "Faults raised by interceptors.",
		}, []string{"chain", "interceptor"}),

		SentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rm_sent_total",
			Help: "Sequenced messages queued for delivery.",
		}, []string{"target"}),

		Retransmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rm_retransmissions_total",
			Help: "Sequenced messages resent.",
		}, []string{"target"}),

		Acknowledged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rm_acknowledged_total",
			Help: "Sequenced messages acknowledged by their destination.",
		}, []string{"target"}),

		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rm_delivery_failures_total",
			Help: "Sequenced messages given up after the retransmission budget.",
		}, []string{"target"}),

		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rm_duplicates_total",
			Help: "Inbound duplicates discarded.",
		}),

		Held: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rm_held_total",
			Help: "Inbound messages held for a missing predecessor.",
		}),
	}
}

// RecordChain records one chain pass
func (m *Metrics) RecordChain(chain string, state string, duration time.Duration) {
	m.ChainsTotal.WithLabelValues(chain, state).Inc()
	m.ChainDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// RecordInterceptorFault records a fault raised by an interceptor
func (m *Metrics) RecordInterceptorFault(chain string, interceptor string) {
	m.InterceptorFaults.WithLabelValues(chain, interceptor).Inc()
}

func (m *Metrics) RecordSent(target string) {
	m.SentTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordRetransmission(target string) {
	m.Retransmissions.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordAcknowledged(target string, count int) {
	m.Acknowledged.WithLabelValues(target).Add(float64(count))
}

func (m *Metrics) RecordDeliveryFailure(target string) {
	m.DeliveryFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordDuplicate() {
	m.Duplicates.Inc()
}

func (m *Metrics) RecordHeld(count int) {
	m.Held.Add(float64(count))
}
