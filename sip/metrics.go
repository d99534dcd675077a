package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transaction metrics, exported under siptx_transaction_*. Serve them with
// promhttp from the embedding application.
var (
	metricClientTxActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "siptx",
		Subsystem: "transaction",
		Name:      "client_active",
		Help:      "Number of live client transactions.",
	})

	metricServerTxActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "siptx",
		Subsystem: "transaction",
		Name:      "server_active",
		Help:      "Number of live server transactions.",
	})

	metricRetransmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siptx",
		Subsystem: "transaction",
		Name:      "retransmissions_total",
		Help:      "Messages retransmitted by the transaction timers.",
	}, []string{"kind"})

	metricTxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siptx",
		Subsystem: "transaction",
		Name:      "errors_total",
		Help:      "Transactions ended by timeout, transport error or protocol violation.",
	}, []string{"kind"})
)
