// Package metrics exposes Prometheus collectors for the dispatch layer,
// grounded directly on the teacher's own metrics package (metrics/tracer.go):
// a package-level namespaced CounterVec/Histogram set, registered once
// against a caller-supplied prometheus.Registerer with the same
// "already-registered is not an error, anything else panics" guard.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "requiem"

var (
	// RegistrySize tracks the current number of live connection entries
	// across all registry shards.
	RegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_size",
		Help:      "Number of live connection entries in the registry.",
	})

	// DispatchLatency measures time spent in Dispatcher.onPacket, labeled by
	// the routing outcome.
	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time spent routing one datagram inside a dispatcher.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// PacketsDropped counts datagrams dropped before reaching a connection
	// actor, labeled by drop reason (mirrors the teacher's
	// server_received_packets_dropped_total metric).
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Datagrams dropped by the ingress pipeline.",
	}, []string{"reason"})

	// RetriesSent counts stateless Retry replies.
	RetriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_sent_total",
		Help:      "Stateless Retry packets sent.",
	})

	// VersionNegotiationsSent counts stateless Version Negotiation replies.
	VersionNegotiationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_negotiations_sent_total",
		Help:      "Version Negotiation packets sent.",
	})

	// ConnectionsCreated counts successful create_connection calls.
	ConnectionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_created_total",
		Help:      "Connections successfully created.",
	})
)

// Register registers every collector in this package against registerer.
// Already-registered collectors (e.g. a second server instance in the same
// process during tests) are tolerated; any other registration failure
// panics, matching the teacher's own NewTracerWithRegisterer.
func Register(registerer prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		RegistrySize,
		DispatchLatency,
		PacketsDropped,
		RetriesSent,
		VersionNegotiationsSent,
		ConnectionsCreated,
	} {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
