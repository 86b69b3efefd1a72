/*
Copyright 2026.

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

// Package metrics provides Prometheus metrics for bootstrap runs.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/arpanrec/linode-stack/shared/events"
)

const namespace = "vaultops"

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// nodeStates lists every value the node_state gauge is set for, so a node's
// previous state drops to 0 when it changes.
var nodeStates = []string{"unreachable", "uninitialized", "sealed", "unsealed-standby", "unsealed-active", "error"}

// Recorder holds the metrics of one run. It registers on the registerer the
// caller hands in; nothing is registered globally.
type Recorder struct {
	registry prometheus.Gatherer

	StageDuration         *prometheus.HistogramVec
	StageResults          *prometheus.CounterVec
	NodeState             *prometheus.GaugeVec
	UnsealSharesSubmitted *prometheus.CounterVec
	RaftChanges           *prometheus.CounterVec
	TokensRevoked         *prometheus.CounterVec
	SnapshotBytes         prometheus.Gauge
}

// NewRecorder creates the metrics and registers them on reg. gatherer is used
// by Push and may be nil when pushing is not wanted.
func NewRecorder(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Recorder, error) {
	r := &Recorder{
		registry: gatherer,
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of pipeline stages including stage-level retries",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"stage"},
		),
		StageResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "results_total",
				Help:      "Pipeline stage outcomes",
			},
			[]string{"stage", "result"},
		),
		NodeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "state",
				Help:      "Last observed node state (1 for the current state, 0 otherwise)",
			},
			[]string{"node", "state"},
		),
		UnsealSharesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "unseal",
				Name:      "shares_submitted_total",
				Help:      "Unseal key shares submitted per node",
			},
			[]string{"node"},
		),
		RaftChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "changes_total",
				Help:      "Raft membership changes",
			},
			[]string{"action"},
		),
		TokensRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "revoked_total",
				Help:      "Token revocation attempts",
			},
			[]string{"result"},
		),
		SnapshotBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "snapshot",
				Name:      "bytes",
				Help:      "Size of the last snapshot",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		r.StageDuration, r.StageResults, r.NodeState, r.UnsealSharesSubmitted,
		r.RaftChanges, r.TokensRevoked, r.SnapshotBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

// Subscribe feeds the recorder from bus
func (r *Recorder) Subscribe(bus *events.EventBus) {
	events.Subscribe(bus, func(_ context.Context, e events.StageFinished) error {
		r.StageResults.WithLabelValues(e.Stage, e.Result).Inc()
		r.StageDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
		return nil
	})
	events.Subscribe(bus, func(_ context.Context, e events.NodeStateObserved) error {
		r.SetNodeState(e.Node, e.State)
		return nil
	})
	events.Subscribe(bus, func(_ context.Context, e events.UnsealShareSubmitted) error {
		r.UnsealSharesSubmitted.WithLabelValues(e.Node).Inc()
		return nil
	})
	events.Subscribe(bus, func(_ context.Context, e events.RaftMembershipChanged) error {
		r.RaftChanges.WithLabelValues(e.Action).Inc()
		return nil
	})
	events.Subscribe(bus, func(_ context.Context, e events.TokenRevoked) error {
		result := ResultFailure
		if e.Success {
			result = ResultSuccess
		}
		r.TokensRevoked.WithLabelValues(result).Inc()
		return nil
	})
	events.Subscribe(bus, func(_ context.Context, e events.SnapshotTaken) error {
		r.SnapshotBytes.Set(float64(e.Size))
		return nil
	})
}

// SetNodeState marks state as the node's current state
func (r *Recorder) SetNodeState(node, state string) {
	for _, s := range nodeStates {
		val := 0.0
		if s == state {
			val = 1.0
		}
		r.NodeState.WithLabelValues(node, s).Set(val)
	}
}

// Push sends every gathered metric to a Pushgateway under job, grouped by run
func (r *Recorder) Push(ctx context.Context, url, job, runID string) error {
	if r.registry == nil {
		return fmt.Errorf("recorder has no gatherer to push from")
	}
	err := push.New(url, job).
		Gatherer(r.registry).
		Grouping("run", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
