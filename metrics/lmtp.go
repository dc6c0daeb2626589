package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LMTPConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmtpd_connections_total",
			Help: "Incoming LMTP connections, by listener.",
		},
		[]string{"listener"},
	)

	LMTPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmtpd_command_duration_seconds",
			Help:    "Duration of handling a single LMTP command, by verb and reply code.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"verb", "code"},
	)

	LMTPDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmtpd_delivery_total",
			Help: "Per-recipient delivery outcomes, by routing and result.",
		},
		[]string{"routing", "result"},
	)

	LMTPPayloadSpills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmtpd_payload_spill_total",
			Help: "Number of payloads that spilled from memory to a temp file.",
		},
		[]string{},
	)
)
