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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const stageInitialize = "initialize"

// InitNode is a node that can be initialized
type InitNode interface {
	probe.Target
	Initialize(ctx context.Context, shares, threshold int) (*api.InitResponse, error)
}

// InitCoordinator issues exactly one init against an uninitialized cluster
type InitCoordinator struct {
	prober *probe.Prober
	retry  retry.Config
	log    logr.Logger
}

// NewInitCoordinator creates an InitCoordinator
func NewInitCoordinator(prober *probe.Prober, retryCfg retry.Config, log logr.Logger) *InitCoordinator {
	return &InitCoordinator{prober: prober, retry: retryCfg, log: log.WithName("init")}
}

// Initialize probes the nodes and initializes the first uninitialized one.
// It returns ErrAlreadyInitialized when any node already holds a barrier or
// none is uninitialized. A failed init call is never replayed blindly: the
// node is re-probed and init is only reissued while it still reports
// uninitialized.
func (c *InitCoordinator) Initialize(ctx context.Context, nodes []InitNode, shares, threshold int) (*UnsealMaterial, error) {
	if threshold < 1 || threshold > shares {
		return nil, infraerrors.NewValidationError("threshold", strconv.Itoa(threshold),
			fmt.Sprintf("must be between 1 and the share count %d", shares))
	}

	targets := make([]probe.Target, len(nodes))
	for i, n := range nodes {
		targets[i] = n
	}
	observations := c.prober.ProbeAll(ctx, targets)

	if initialized, ok := probe.FirstInState(observations, probe.Sealed, probe.UnsealedStandby, probe.UnsealedActive); ok {
		c.log.Info("cluster already initialized", logger.KeyNode, initialized.NodeID, logger.KeyState, initialized.State.String())
		return nil, infraerrors.ErrAlreadyInitialized
	}

	candidate, ok := probe.FirstInState(observations, probe.Uninitialized)
	if !ok {
		return nil, infraerrors.NewTransientError("probe nodes for init",
			fmt.Errorf("no node reported a usable state (%d unreachable)",
				probe.CountInState(observations, probe.Unreachable, probe.Error)))
	}

	var target InitNode
	for _, n := range nodes {
		if n.NodeID() == candidate.NodeID {
			target = n
			break
		}
	}

	log := c.log.WithValues(logger.KeyNode, target.NodeID())
	for attempt := 0; ; attempt++ {
		resp, err := c.initOnce(ctx, target, shares, threshold)
		if err == nil {
			log.Info("cluster initialized", "shares", shares, "threshold", threshold)
			return &UnsealMaterial{Threshold: threshold, Shares: resp.Keys, RootToken: resp.RootToken}, nil
		}
		if errors.Is(err, infraerrors.ErrAlreadyInitialized) || !retry.IsRetryableError(err) {
			return nil, err
		}

		// The call may have reached the node before failing; only the node knows
		obs := c.prober.Probe(ctx, target)
		switch {
		case obs.State.Initialized():
			return nil, infraerrors.NewUnsafePrecondition(stageInitialize,
				fmt.Sprintf("node %s became initialized during a failed init call; key shares were not captured", target.NodeID()))
		case obs.State != probe.Uninitialized:
			return nil, infraerrors.NewTransientError("init "+target.NodeID(), err)
		}

		decision := retry.ShouldRetry(err, attempt, c.retry)
		if decision.GiveUp {
			return nil, infraerrors.NewTransientError("init "+target.NodeID(), err)
		}
		log.Info("init failed, node still uninitialized; retrying",
			logger.KeyRetryCount, decision.RetryCount, logger.KeyError, err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(decision.After):
		}
	}
}

func (c *InitCoordinator) initOnce(ctx context.Context, node InitNode, shares, threshold int) (*api.InitResponse, error) {
	callCtx := ctx
	if c.retry.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.retry.CallTimeout)
		defer cancel()
	}
	return node.Initialize(callCtx, shares, threshold)
}
