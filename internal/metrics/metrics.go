// Package metrics provides Prometheus metrics for stunwire.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "stunwire"
)

// Metrics contains all Prometheus metrics for the transaction engine.
type Metrics struct {
	// Client transaction metrics
	TransactionsOpen      prometheus.Gauge
	TransactionsStarted   prometheus.Counter
	TransactionsCompleted *prometheus.CounterVec
	Retransmissions       prometheus.Counter
	ResponseRTT           prometheus.Histogram

	// Server transaction metrics
	RequestsReceived    prometheus.Counter
	DuplicateRequests   prometheus.Counter
	ReplayedResponses   prometheus.Counter
	ResponsesSent       *prometheus.CounterVec
	IndicationsReceived prometheus.Counter
	IndicationsSent     prometheus.Counter

	// Wire metrics
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	DecodeErrors      *prometheus.CounterVec
	StrayResponses    prometheus.Counter

	// Engine metrics
	SocketsActive   prometheus.Gauge
	PanicsRecovered prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Client transaction metrics
		TransactionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_open",
			Help:      "Number of client transactions currently awaiting a response",
		}),
		TransactionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Total client transactions started",
		}),
		TransactionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Total client transactions completed by result",
		}, []string{"result"}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Total request retransmissions",
		}),
		ResponseRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_rtt_seconds",
			Help:      "Histogram of request round-trip time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Server transaction metrics
		RequestsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_received_total",
			Help:      "Total requests received",
		}),
		DuplicateRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_requests_total",
			Help:      "Total retransmitted requests recognized as duplicates",
		}),
		ReplayedResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_responses_total",
			Help:      "Total cached responses replayed for duplicate requests",
		}),
		ResponsesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Total responses sent by class",
		}, []string{"class"}),
		IndicationsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indications_received_total",
			Help:      "Total indications received",
		}),
		IndicationsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indications_sent_total",
			Help:      "Total indications sent",
		}),

		// Wire metrics
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams written to sockets",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from sockets",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to sockets",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from sockets",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total datagrams rejected by the decoder, by reason",
		}, []string{"reason"}),
		StrayResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stray_responses_total",
			Help:      "Total responses that matched no open transaction",
		}),

		// Engine metrics
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Number of sockets registered with the stack",
		}),
		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in listener callbacks",
		}),
	}

	return m
}

// Transaction result label values.
const (
	ResultResponse    = "response"
	ResultTimeout     = "timeout"
	ResultUnreachable = "unreachable"
	ResultCancelled   = "cancelled"
	ResultShutdown    = "shutdown"
)

// RecordTransactionStart records a client transaction being opened.
func (m *Metrics) RecordTransactionStart() {
	m.TransactionsOpen.Inc()
	m.TransactionsStarted.Inc()
}

// RecordTransactionResponse records a transaction completed by a response.
func (m *Metrics) RecordTransactionResponse(rttSeconds float64) {
	m.TransactionsOpen.Dec()
	m.TransactionsCompleted.WithLabelValues(ResultResponse).Inc()
	m.ResponseRTT.Observe(rttSeconds)
}

// RecordTransactionFailure records a transaction completed without a response.
func (m *Metrics) RecordTransactionFailure(result string) {
	m.TransactionsOpen.Dec()
	m.TransactionsCompleted.WithLabelValues(result).Inc()
}

// RecordRetransmit records a request retransmission.
func (m *Metrics) RecordRetransmit() {
	m.Retransmissions.Inc()
}

// RecordRequestReceived records an incoming request.
func (m *Metrics) RecordRequestReceived() {
	m.RequestsReceived.Inc()
}

// RecordDuplicateRequest records a duplicate request, replayed or not.
func (m *Metrics) RecordDuplicateRequest(replayed bool) {
	m.DuplicateRequests.Inc()
	if replayed {
		m.ReplayedResponses.Inc()
	}
}

// RecordResponseSent records an outgoing response.
func (m *Metrics) RecordResponseSent(class string) {
	m.ResponsesSent.WithLabelValues(class).Inc()
}

// RecordIndicationReceived records an incoming indication.
func (m *Metrics) RecordIndicationReceived() {
	m.IndicationsReceived.Inc()
}

// RecordIndicationSent records an outgoing indication.
func (m *Metrics) RecordIndicationSent() {
	m.IndicationsSent.Inc()
}

// RecordDatagramSent records a datagram written to a socket.
func (m *Metrics) RecordDatagramSent(bytes int) {
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordDatagramReceived records a datagram read from a socket.
func (m *Metrics) RecordDatagramReceived(bytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordDecodeError records a datagram the decoder rejected.
func (m *Metrics) RecordDecodeError(reason string) {
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// RecordStrayResponse records a response that matched no transaction.
func (m *Metrics) RecordStrayResponse() {
	m.StrayResponses.Inc()
}

// RecordSocketAdd records a socket being registered.
func (m *Metrics) RecordSocketAdd() {
	m.SocketsActive.Inc()
}

// RecordSocketRemove records a socket being removed.
func (m *Metrics) RecordSocketRemove() {
	m.SocketsActive.Dec()
}

// RecordPanic records a recovered panic in a listener callback.
func (m *Metrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}
