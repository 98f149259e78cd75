package events

import "github.com/docker/go-metrics"

var (
	eventsCounter    metrics.LabeledCounter
	eventSubscribers metrics.Gauge
)

func init() {
	ns := metrics.NewNamespace("machined", "events", nil)
	eventsCounter = ns.NewLabeledCounter("events", "The number of machine events logged", "action")
	eventSubscribers = ns.NewGauge("subscribers", "The number of current subscribers to events", metrics.Total)
	metrics.Register(ns)
}
