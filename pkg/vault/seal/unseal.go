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

package seal

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"
	"golang.org/x/sync/errgroup"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const stageUnseal = "unseal"

// UnsealNode is a node that accepts key shares
type UnsealNode interface {
	probe.Target
	SealStatus(ctx context.Context) (*api.SealStatusResponse, error)
	Unseal(ctx context.Context, share string) (*api.SealStatusResponse, error)
	ResetUnseal(ctx context.Context) (*api.SealStatusResponse, error)
}

// UnsealReport summarizes one unseal pass
type UnsealReport struct {
	// Unsealed lists nodes this pass unsealed
	Unsealed []string
	// Skipped lists nodes that were already unsealed
	Skipped []string
	// Deferred lists unreachable or uninitialized nodes left for a later run
	Deferred []string
	// SharesSubmitted counts shares sent per node
	SharesSubmitted map[string]int
}

// UnsealCoordinator drives sealed nodes through the threshold unseal
type UnsealCoordinator struct {
	prober      *probe.Prober
	retry       retry.Config
	concurrency int
	log         logr.Logger
	events      *events.EventBus
	runID       string
}

// UnsealConfig holds UnsealCoordinator settings
type UnsealConfig struct {
	Retry       retry.Config
	Concurrency int
	RunID       string
}

// NewUnsealCoordinator creates an UnsealCoordinator. bus may be nil.
func NewUnsealCoordinator(prober *probe.Prober, cfg UnsealConfig, log logr.Logger, bus *events.EventBus) *UnsealCoordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &UnsealCoordinator{
		prober:      prober,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		log:         log.WithName("unseal"),
		events:      bus,
		runID:       cfg.RunID,
	}
}

// Unseal unseals every sealed node. Nodes run concurrently; shares for one
// node go one at a time, in stored order, stopping as soon as the node
// reports unsealed and never exceeding the threshold.
func (u *UnsealCoordinator) Unseal(ctx context.Context, nodes []UnsealNode, material *UnsealMaterial) (*UnsealReport, error) {
	report := &UnsealReport{SharesSubmitted: make(map[string]int)}
	var mu sync.Mutex

	errs := make([]error, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i, node := range nodes {
		g.Go(func() error {
			outcome, submitted, err := u.unsealNode(gctx, node, material)
			mu.Lock()
			defer mu.Unlock()
			report.SharesSubmitted[node.NodeID()] = submitted
			switch outcome {
			case outcomeUnsealed:
				report.Unsealed = append(report.Unsealed, node.NodeID())
			case outcomeSkipped:
				report.Skipped = append(report.Skipped, node.NodeID())
			case outcomeDeferred:
				report.Deferred = append(report.Deferred, node.NodeID())
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	return report, pickError(errs)
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeUnsealed
	outcomeSkipped
	outcomeDeferred
)

func (u *UnsealCoordinator) unsealNode(ctx context.Context, node UnsealNode, material *UnsealMaterial) (outcome, int, error) {
	log := u.log.WithValues(logger.KeyNode, node.NodeID())

	obs := u.prober.Probe(ctx, node)
	switch {
	case obs.State.Unsealed():
		log.V(1).Info("node already unsealed")
		return outcomeSkipped, 0, nil
	case obs.State != probe.Sealed:
		log.Info("deferring node", logger.KeyState, obs.State.String())
		return outcomeDeferred, 0, nil
	}

	if !material.HasKeys() {
		return outcomeFailed, 0, infraerrors.NewUnsafePrecondition(stageUnseal,
			fmt.Sprintf("node %s is sealed and no unseal material is available", node.NodeID()))
	}

	var status *api.SealStatusResponse
	err := retry.Do(ctx, u.retry, "seal-status "+node.NodeID(), func(ctx context.Context) error {
		var err error
		status, err = node.SealStatus(ctx)
		return err
	})
	if err != nil {
		return outcomeFailed, 0, wrapNodeErr(node, err)
	}

	if status.Progress > 0 {
		log.Info("discarding stale unseal progress", "progress", status.Progress)
		err := retry.Do(ctx, u.retry, "unseal reset "+node.NodeID(), func(ctx context.Context) error {
			_, err := node.ResetUnseal(ctx)
			return err
		})
		if err != nil {
			return outcomeFailed, 0, wrapNodeErr(node, err)
		}
	}

	submitted := 0
	for submitted < material.Threshold && submitted < len(material.Shares) {
		// A share is submitted at most once per pass; a transient failure aborts
		// the node and the next pass starts from a reset.
		status, err = u.submit(ctx, node, material.Shares[submitted])
		if err != nil {
			return outcomeFailed, submitted, wrapNodeErr(node, err)
		}
		submitted++
		_ = u.events.Publish(ctx, events.NewUnsealShareSubmitted(u.runID, node.NodeID(), status.Progress, material.Threshold, status.Sealed))
		log.V(1).Info("share accepted", "progress", status.Progress, "sealed", status.Sealed)
		if !status.Sealed {
			log.Info("node unsealed", "shares", submitted)
			return outcomeUnsealed, submitted, nil
		}
	}

	return outcomeFailed, submitted, infraerrors.NewUnsafePrecondition(stageUnseal,
		fmt.Sprintf("node %s still sealed after %d shares", node.NodeID(), submitted))
}

func (u *UnsealCoordinator) submit(ctx context.Context, node UnsealNode, share string) (*api.SealStatusResponse, error) {
	callCtx := ctx
	if u.retry.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, u.retry.CallTimeout)
		defer cancel()
	}
	return node.Unseal(callCtx, share)
}

func wrapNodeErr(node UnsealNode, err error) error {
	if retry.IsRetryableError(err) {
		return infraerrors.NewConnectionError(node.NodeID(), node.Address(), err)
	}
	return fmt.Errorf("node %s: %w", node.NodeID(), err)
}

// pickError prefers a permanent failure over a retryable one so a single
// flaky node cannot mask a fatal condition on another.
func pickError(errs []error) error {
	var transient error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !retry.IsRetryableError(err) {
			return err
		}
		if transient == nil {
			transient = err
		}
	}
	return transient
}
