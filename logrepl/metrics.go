package logrepl

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	appliedTransactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mypgmirror",
		Subsystem: "logrepl",
		Name:      "applied_transactions_total",
		Help:      "Number of remote transactions applied to local storage.",
	})

	appliedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mypgmirror",
		Subsystem: "logrepl",
		Name:      "applied_rows_total",
		Help:      "Number of replicated row changes applied, per table.",
	}, []string{"table"})

	snapshotRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mypgmirror",
		Subsystem: "logrepl",
		Name:      "snapshot_rows_total",
		Help:      "Number of rows copied during a table's initial load, per table.",
	}, []string{"table"})

	lastReceivedLSN = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mypgmirror",
		Subsystem: "logrepl",
		Name:      "last_received_lsn",
		Help:      "Last WAL position received from the primary.",
	})
)

func init() {
	prometheus.MustRegister(appliedTransactions, appliedRows, snapshotRows, lastReceivedLSN)
}
