package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DNSLookup = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golubrelay_dns_lookup_duration_seconds",
			Help:    "DNS lookups done by the delivery resolver.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"type",   // mx, a, aaaa
			"result", // ok, no_records, timeout, error
		},
	)

	Connection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golubrelay_connection_total",
			Help: "Outgoing SMTP connections.",
		},
		[]string{
			"family", // ipv4, ipv6
			"result", // ok, timeout, canceled, error
		},
	)

	Attempt = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golubrelay_attempt_duration_seconds",
			Help:    "SMTP delivery attempt to a single remote IP.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"result", // success, temporary_error, mailbox_not_exists, server_not_found, unknown_error
		},
	)

	Delivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golubrelay_delivery_total",
			Help: "Results of complete MX rotations, one per processed job.",
		},
		[]string{"result"},
	)

	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golubrelay_jobs_total",
			Help: "Job status transitions written back to the queue.",
		},
		[]string{
			"status", // pending, delivered, failed, exhausted
		},
	)

	Claimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "golubrelay_jobs_claimed_total",
			Help: "Jobs claimed from the queue store.",
		},
	)

	SourceAddress = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golubrelay_source_address_total",
			Help: "Source addresses handed out by the address pool.",
		},
		[]string{"family", "pool"},
	)
)
