/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats reports PeerTalk's runtime health over a Prometheus
// HTTP endpoint: peer counts by state, per-peer queue fill, pipeline
// occupancy, and decode/backpressure failure counters.
package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/registry"
)

// Stats owns a private Prometheus registry and the gauges/counters
// that its Observe* and Inc* methods update.
type Stats struct {
	registry *prometheus.Registry

	peersByState    *prometheus.GaugeVec
	queueFillPct    *prometheus.GaugeVec
	pipelinePending *prometheus.GaugeVec
	backpressure    *prometheus.CounterVec
	decodeFailures  prometheus.Counter
}

// New constructs a Stats collector and registers every metric.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		peersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peertalk_peers",
			Help: "Number of peers currently in each registry state.",
		}, []string{"state"}),
		queueFillPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peertalk_queue_fill_percent",
			Help: "Per-peer send queue fill percentage.",
		}, []string{"peer"}),
		pipelinePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peertalk_pipeline_pending",
			Help: "Per-peer count of in-flight send pipeline slots.",
		}, []string{"peer"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertalk_backpressure_events_total",
			Help: "Messages dropped by queue backpressure, by tier.",
		}, []string{"tier"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peertalk_decode_failures_total",
			Help: "Inbound frames rejected for a bad magic, version, or CRC.",
		}),
	}
	s.registry.MustRegister(s.peersByState, s.queueFillPct, s.pipelinePending, s.backpressure, s.decodeFailures)
	return s
}

// ObservePeers resets the peersByState gauge to the current registry
// snapshot's state distribution.
func (s *Stats) ObservePeers(peers []registry.PeerInfo) {
	counts := make(map[registry.State]int)
	for _, p := range peers {
		counts[p.State]++
	}
	for _, st := range []registry.State{
		registry.Unused, registry.Discovered, registry.Connecting,
		registry.Connected, registry.Disconnecting, registry.Failed,
	} {
		s.peersByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// ObserveQueue records one peer's current queue backpressure tier as
// an approximate fill percentage band, keyed by peer id.
func (s *Stats) ObserveQueue(peerLabel string, pressure queue.Backpressure) {
	var pct float64
	switch pressure {
	case queue.Light:
		pct = 25
	case queue.Heavy:
		pct = 50
	case queue.Blocking:
		pct = 75
	}
	s.queueFillPct.WithLabelValues(peerLabel).Set(pct)
}

// ObservePipelinePending records one peer's current in-flight send count.
func (s *Stats) ObservePipelinePending(peerLabel string, pending int) {
	s.pipelinePending.WithLabelValues(peerLabel).Set(float64(pending))
}

// IncBackpressureDrop counts one message dropped under the given tier.
func (s *Stats) IncBackpressureDrop(tier queue.Backpressure) {
	s.backpressure.WithLabelValues(tier.String()).Inc()
}

// IncDecodeFailure counts one rejected frame (bad magic/version/CRC).
func (s *Stats) IncDecodeFailure() {
	s.decodeFailures.Inc()
}

// Start serves /metrics on monitoringPort. It blocks, following the
// same "own stats type with a Start(port) method" shape the reference
// daemon's JSON stats reporter uses; callers run it in its own
// goroutine.
func (s *Stats) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.WithField("addr", addr).Info("stats: serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("stats: metrics server stopped")
	}
}
