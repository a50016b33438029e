package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mxsend/deliver"
	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/smtpclient"
)

func init() {
	dns.MetricLookup = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxsend_dns_lookup_duration_seconds",
				Help:    "DNS lookups.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
			},
			[]string{
				"pkg",
				"type",   // Lower-case Resolver method name without leading Lookup.
				"result", // ok, nxdomain, temporary, timeout, canceled, error
			},
		),
	}

	smtpclient.MetricCommands = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxsend_smtpclient_command_duration_seconds",
				Help:    "SMTP client command duration and result codes in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
			},
			[]string{
				"cmd",    // ehlo, mail, rcpt, data, message
				"result", // ok, timeout, error
			},
		),
	}
	smtpclient.MetricDial = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxsend_smtpclient_dial_duration_seconds",
				Help:    "Duration of connection attempts to mail exchanger IPs, including EHLO.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
			},
			[]string{
				"result", // ok, error
			},
		),
	}

	deliver.MetricConnect = counterVec{promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxsend_deliver_connect_total",
			Help: "Recipient domains for which a delivery session did or did not get a connection.",
		},
		[]string{
			"result", // ok, failed
		},
	)}
	deliver.MetricTransaction = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxsend_deliver_transaction_duration_seconds",
				Help:    "Duration of executing the commands of a transaction on a connection.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
			},
			[]string{
				"result", // ok, error
			},
		),
	}
}

type counterVec struct {
	*prometheus.CounterVec
}

func (m counterVec) IncLabels(labels ...string) {
	m.CounterVec.WithLabelValues(labels...).Inc()
}

type histogramVec struct {
	*prometheus.HistogramVec
}

func (m histogramVec) ObserveLabels(v float64, labels ...string) {
	m.HistogramVec.WithLabelValues(labels...).Observe(v)
}
