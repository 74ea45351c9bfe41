// Package metrics exposes Prometheus collectors for lifecycle operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstanceOperations counts instance operations by kind and result
	InstanceOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_instance_operations_total",
			Help: "Instance operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// AdmissionRejections counts requests refused by admission control
	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_admission_rejections_total",
			Help: "Requests rejected by admission control by reason",
		},
		[]string{"reason"},
	)

	// WaitDuration observes how long instances took to reach an expected status
	WaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlab_wait_for_status_seconds",
			Help:    "Time spent waiting for an instance status by expected status and outcome",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240, 360},
		},
		[]string{"expected", "outcome"},
	)

	// RouterCommands counts router operations by operation and result
	RouterCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_router_commands_total",
			Help: "Router gateway operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// NetworksProvisioned counts user networks created and recorded in the ledger
	NetworksProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vlab_networks_provisioned_total",
			Help: "User VLAN networks provisioned",
		},
	)

	// NetworksReleased counts user networks released
	NetworksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vlab_networks_released_total",
			Help: "User VLAN networks released",
		},
	)

	// CleanupsRecorded counts leftover external resources recorded for reconciliation
	CleanupsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_cleanups_recorded_total",
			Help: "Pending cleanups recorded after partial failures by kind",
		},
		[]string{"kind"},
	)

	// LedgerVlans tracks the number of VLAN rows found by the last reconciliation scan
	LedgerVlans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlab_ledger_vlans",
			Help: "VLAN rows in the ledger at the last reconciliation scan",
		},
	)
)

func init() {
	prometheus.MustRegister(InstanceOperations)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(WaitDuration)
	prometheus.MustRegister(RouterCommands)
	prometheus.MustRegister(NetworksProvisioned)
	prometheus.MustRegister(NetworksReleased)
	prometheus.MustRegister(CleanupsRecorded)
	prometheus.MustRegister(LedgerVlans)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a result label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
