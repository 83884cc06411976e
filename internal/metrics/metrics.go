// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectorReconnects counts transport failures per connector.
	ConnectorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "halia_connector_reconnects_total",
		Help: "Transport failures that triggered a reconnect, per connector.",
	}, []string{"connector"})

	// BatchesRouted counts message batches forwarded by rule tasks.
	BatchesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halia_rule_batches_routed_total",
		Help: "Message batches forwarded between rule channels.",
	})

	// BroadcastDropped counts elements lost to slow broadcast consumers.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halia_broadcast_dropped_total",
		Help: "Elements dropped from broadcast rings of slow consumers.",
	})

	// RulesRunning tracks the number of currently running rules.
	RulesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "halia_rules_running",
		Help: "Rules currently running.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
