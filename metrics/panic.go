// Package metrics has prometheus metrics shared by packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mxsend_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package in which a panic was recovered from.
type Panic string

const (
	Deliver Panic = "deliver"
	Echo    Panic = "echo"
)

// PanicInc counts a recovered panic in pkg.
func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
