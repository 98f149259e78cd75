// Package metrics holds the daemon's go-metrics instruments.
package metrics

import (
	"net/http"

	"github.com/docker/go-metrics"
)

var (
	// MachineActions times every daemon verb, labeled by verb.
	MachineActions metrics.LabeledTimer
	// Machines counts known machines by state. Lookup refreshes it.
	Machines metrics.LabeledGauge
	// CacheMisses counts machine loads that had to read from disk.
	CacheMisses metrics.Counter
)

// Actions are the verbs MachineActions is initialized with.
var Actions = []string{
	"create",
	"delete",
	"update",
	"start",
	"stop",
	"reboot",
	"kill",
	"reprovision",
	"create_snapshot",
	"delete_snapshot",
	"rollback_snapshot",
	"lookup",
	"load",
}

func init() {
	ns := metrics.NewNamespace("machined", "daemon", nil)
	MachineActions = ns.NewLabeledTimer("machine_actions", "The number of seconds it takes to process each machine action", "action")
	for _, a := range Actions {
		MachineActions.WithValues(a).Update(0)
	}
	Machines = ns.NewLabeledGauge("machines", "The number of machines in each state", metrics.Total, "state")
	CacheMisses = ns.NewCounter("machine_cache_misses", "The number of machine loads not served from the cache")
	metrics.Register(ns)
}

// Time starts timing action and returns the function that records it.
func Time(action string) func() {
	return metrics.StartTimer(MachineActions.WithValues(action))
}

// Handler serves every registered namespace in the Prometheus format.
func Handler() http.Handler {
	return metrics.Handler()
}
