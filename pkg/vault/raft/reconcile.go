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

// Package raft reconciles the Raft peer set of a cluster against the inventory.
package raft

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const stageRaft = "raft-reconcile"

// Leader is the node the reconciliation reads from and removes through
type Leader interface {
	NodeID() string
	Address() string
	RaftConfiguration(ctx context.Context) ([]vault.RaftPeer, error)
	RaftRemovePeer(ctx context.Context, nodeID string) error
}

// Joiner is a node that can be asked to join the cluster
type Joiner interface {
	probe.Target
	RaftJoin(ctx context.Context, opts vault.RaftJoinOptions) (bool, error)
}

// DesiredPeer is one inventory node and how it should sit in the cluster
type DesiredPeer struct {
	Node  Joiner
	Voter bool
}

// Result lists what one reconciliation changed
type Result struct {
	Joined   []string
	Removed  []string
	Deferred []string
	// VoterMismatch lists members whose voter flag differs from the inventory.
	// They are reported, not changed.
	VoterMismatch []string
}

// Changed reports whether membership was mutated
func (r *Result) Changed() bool {
	return len(r.Joined) > 0 || len(r.Removed) > 0
}

// Config holds Manager settings
type Config struct {
	Retry       retry.Config
	Concurrency int
	RunID       string
	// LeaderCACert is the PEM trust anchor joining nodes use for the leader
	LeaderCACert string
}

// Manager reconciles actual against desired Raft membership
type Manager struct {
	cfg    Config
	prober *probe.Prober
	log    logr.Logger
	events *events.EventBus
}

// NewManager creates a Manager. bus may be nil.
func NewManager(prober *probe.Prober, cfg Config, log logr.Logger, bus *events.EventBus) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Manager{cfg: cfg, prober: prober, log: log.WithName("raft"), events: bus}
}

// Reconcile joins desired peers that are missing and removes members that
// are not desired. Joining nodes must be initialized and unsealed; others are
// deferred. target itself must be desired and is never joined or removed.
func (m *Manager) Reconcile(ctx context.Context, target Leader, desired []DesiredPeer) (*Result, error) {
	want := make(PeerSet, len(desired))
	byID := make(map[string]Joiner, len(desired))
	for _, d := range desired {
		want[d.Node.NodeID()] = d.Voter
		byID[d.Node.NodeID()] = d.Node
	}
	if !want.Has(target.NodeID()) {
		return nil, infraerrors.NewUnsafePrecondition(stageRaft,
			fmt.Sprintf("ready node %s is not part of the desired peer set", target.NodeID()))
	}

	var current []vault.RaftPeer
	err := retry.Do(ctx, m.cfg.Retry, "read raft configuration", func(ctx context.Context) error {
		var err error
		current, err = target.RaftConfiguration(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	observed := ObservedPeers(current)
	join, remove := Diff(want, observed, target.NodeID())

	result := &Result{VoterMismatch: VoterMismatches(want, observed)}
	for _, id := range result.VoterMismatch {
		m.log.Info("voter flag differs from inventory; leaving as is", logger.KeyNode, id,
			"desiredVoter", want[id], "observedVoter", observed[id])
	}
	m.log.Info("raft membership diff", "observed", observed.IDs(), "join", join, "remove", remove)

	if err := m.join(ctx, target, join, byID, want, result); err != nil {
		return result, err
	}

	// Removals go through the one leader, one at a time
	for _, id := range remove {
		err := retry.Do(ctx, m.cfg.Retry, "raft remove-peer "+id, func(ctx context.Context) error {
			return target.RaftRemovePeer(ctx, id)
		})
		if err != nil {
			return result, fmt.Errorf("remove raft peer %s: %w", id, err)
		}
		m.log.Info("removed raft peer", logger.KeyNode, id)
		result.Removed = append(result.Removed, id)
		_ = m.events.Publish(ctx, events.NewRaftMembershipChanged(m.cfg.RunID, id, events.RaftActionRemove))
	}

	return result, nil
}

func (m *Manager) join(ctx context.Context, target Leader, ids []string, byID map[string]Joiner, want PeerSet, result *Result) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	for _, id := range ids {
		node := byID[id]
		g.Go(func() error {
			log := m.log.WithValues(logger.KeyNode, id)

			obs := m.prober.Probe(gctx, node)
			if !obs.State.Unsealed() {
				log.Info("deferring join", logger.KeyState, obs.State.String())
				mu.Lock()
				result.Deferred = append(result.Deferred, id)
				mu.Unlock()
				return nil
			}

			var joined bool
			err := retry.Do(gctx, m.cfg.Retry, "raft join "+id, func(ctx context.Context) error {
				var err error
				joined, err = node.RaftJoin(ctx, vault.RaftJoinOptions{
					LeaderAPIAddr: target.Address(),
					LeaderCACert:  m.cfg.LeaderCACert,
					NonVoter:      !want[id],
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("join %s to %s: %w", id, target.NodeID(), err)
			}

			mu.Lock()
			defer mu.Unlock()
			if !joined {
				log.Info("node did not join; deferring")
				result.Deferred = append(result.Deferred, id)
				return nil
			}
			log.Info("joined raft cluster", "leader", target.NodeID())
			result.Joined = append(result.Joined, id)
			_ = m.events.Publish(gctx, events.NewRaftMembershipChanged(m.cfg.RunID, id, events.RaftActionJoin))
			return nil
		})
	}

	err := g.Wait()
	sort.Strings(result.Joined)
	sort.Strings(result.Deferred)
	return err
}
