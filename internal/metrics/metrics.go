// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the registry served by the web server.
var Registry = prometheus.NewRegistry()

var (
	// ExchangesTotal counts AT exchanges by outcome
	// (ok, rejected, timeout, busy, closed, canceled, error).
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellnode_at_exchanges_total",
			Help: "Total number of AT command exchanges by result.",
		},
		[]string{"result"},
	)

	// ExchangeLatency records the time from command write to final result.
	ExchangeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellnode_at_exchange_seconds",
			Help:    "Latency of AT command exchanges.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
		},
	)

	// NotificationsTotal counts unsolicited lines by dispatcher route.
	// Lines no route matched are counted under "unknown".
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellnode_urc_total",
			Help: "Unsolicited result codes dispatched, by route.",
		},
		[]string{"route"},
	)

	// TransferBytes counts payload bytes moved to and from modem storage.
	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellnode_file_transfer_bytes_total",
			Help: "Bytes transferred to (write) and from (read) modem file storage.",
		},
		[]string{"direction"},
	)

	// OTAPhase is 1 for the current update phase and 0 for all others.
	OTAPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellnode_ota_phase",
			Help: "Current OTA update phase (1 = current).",
		},
		[]string{"phase"},
	)

	// OTAFailures counts failed update attempts by reason.
	OTAFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellnode_ota_failures_total",
			Help: "Failed OTA update attempts by reason.",
		},
		[]string{"reason"},
	)

	// ClockDrift is the last measured difference network time minus host time.
	ClockDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellnode_clock_drift_seconds",
			Help: "Host clock drift measured at the last NTP sync.",
		},
	)

	// NetworkRegistered is 1 while the modem reports home or roaming registration.
	NetworkRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellnode_network_registered",
			Help: "Cellular registration status (1=registered).",
		},
	)

	// WSClients is the number of connected event stream clients.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellnode_ws_clients",
			Help: "Connected WebSocket event stream clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ExchangesTotal,
		ExchangeLatency,
		NotificationsTotal,
		TransferBytes,
		OTAPhase,
		OTAFailures,
		ClockDrift,
		NetworkRegistered,
		WSClients,
	)
}

// SetPhase marks phase as the current OTA phase among phases.
func SetPhase(current string, phases []string) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		OTAPhase.WithLabelValues(p).Set(v)
	}
}
