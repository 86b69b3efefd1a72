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

package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/metrics"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	"github.com/arpanrec/linode-stack/pkg/vault/token"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// cleanupTimeout bounds best-effort revocation after a failed run
const cleanupTimeout = 30 * time.Second

// Run carries the state of one bootstrap run. Components receive it instead
// of reaching for package-level state; it is discarded when the run ends.
type Run struct {
	context.Context

	Config   *ClusterConfig
	Log      logr.Logger
	RunID    string
	Nodes    *vault.Registry
	Events   *events.EventBus
	Metrics  *metrics.Recorder
	Material *seal.UnsealMaterial
	Ready    *vault.Client
	Ledger   *token.Ledger
	HA       *vault.Client
	WorkDir  string
	Retry    retry.Config

	deps   Dependencies
	prober *probe.Prober
	tokens *token.Lifecycle

	ca     *pki.CA
	caFile string
	admin  admin.Credentials

	// custodyPending is set while freshly captured material has not been
	// handed to the custodian yet
	custodyPending bool
	snapshot       *snapshot.Snapshot
	stages         []infraerrors.StageResult
}

func newRun(ctx context.Context, cfg *ClusterConfig, deps Dependencies, log logr.Logger) *Run {
	runID := uuid.NewString()
	log = log.WithValues(logger.KeyRunID, runID)

	bus := deps.Events
	if bus == nil {
		bus = events.NewEventBus(log)
	}
	if deps.Metrics != nil {
		deps.Metrics.Subscribe(bus)
	}

	tokens := token.NewLifecycle(token.Config{Retry: cfg.Retry, RunID: runID}, log, bus)
	return &Run{
		Context: ctx,
		Config:  cfg,
		Log:     log,
		RunID:   runID,
		Nodes:   vault.NewRegistry(),
		Events:  bus,
		Metrics: deps.Metrics,
		Ledger:  tokens.Ledger(),
		Retry:   cfg.Retry,
		deps:    deps,
		prober: probe.New(probe.Config{
			Timeout:     cfg.ProbeTimeout,
			Concurrency: cfg.Concurrency,
			RunID:       runID,
		}, log, bus),
		tokens: tokens,
		admin:  cfg.Admin,
	}
}

// close releases everything the run owns. After a failed run it also
// revokes the privileged tokens that were minted so far.
func (r *Run) close(failed bool) {
	if failed && len(r.Ledger.Pending()) > 0 {
		r.revokeAfterFailure()
	}

	if r.Material != nil {
		r.Material.Wipe()
	}
	r.Nodes.ClearTokens()
	if failed && r.HA != nil {
		r.dropHASession()
	}
	if r.WorkDir != "" {
		if err := os.RemoveAll(r.WorkDir); err != nil {
			r.Log.Error(err, "failed to remove work directory", "dir", r.WorkDir)
		}
	}
}

func (r *Run) revokeAfterFailure() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context), cleanupTimeout)
	defer cancel()

	by, self := r.revokers()
	if by == nil {
		r.Log.Info("no authenticated client left; privileged tokens expire on their own TTL",
			"pending", len(r.Ledger.Pending()))
		return
	}
	report := r.tokens.RevokePending(ctx, by, self)
	if failed := report.Failed(); len(failed) > 0 {
		r.Log.Info("some tokens could not be revoked after the failed run", "failed", len(failed))
	}
}

// dropHASession revokes the admin session a failed run will not hand back
func (r *Run) dropHASession() {
	if r.HA.CurrentToken() != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context), cleanupTimeout)
		defer cancel()
		if err := r.HA.RevokeSelf(ctx); err != nil {
			r.Log.Error(err, "failed to revoke the admin session after the failed run")
		}
	}
	r.HA.SwapToken("")
}

// revokers picks the client that revokes pending tokens. With key material
// the node clients hold the ceremony token, which revokes itself last.
func (r *Run) revokers() (*vault.Client, token.SelfRevoker) {
	if r.Material.HasKeys() && r.Ready != nil && r.Ready.CurrentToken() != "" {
		return r.Ready, r.Ready
	}
	if r.HA != nil && r.HA.CurrentToken() != "" {
		return r.HA, r.HA
	}
	if r.Ready != nil && r.Ready.CurrentToken() != "" {
		return r.Ready, r.Ready
	}
	return nil, nil
}

// clientConfig builds the client settings for an address, trusting caPEM or,
// when empty, the root CA file written by prepare.
func (r *Run) clientConfig(id, address, caPEM, serverName string) vault.ClientConfig {
	tls := &vault.TLSConfig{ServerName: serverName}
	if caPEM != "" {
		tls.CACertPEM = []byte(caPEM)
	} else {
		tls.CACert = r.caFile
	}
	return vault.ClientConfig{
		NodeID:    id,
		Address:   address,
		TLSConfig: tls,
		Timeout:   r.Retry.CallTimeout,
	}
}

func (r *Run) nodeClients() []*vault.Client {
	return r.Nodes.All()
}
