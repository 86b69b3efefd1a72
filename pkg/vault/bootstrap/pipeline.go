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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	"github.com/arpanrec/linode-stack/pkg/vault/raft"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	"github.com/arpanrec/linode-stack/pkg/vault/token"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// GeneratedAdminService is the payload entry a generated admin password is
// pushed under.
const GeneratedAdminService = "vault_admin"

// pipeline lists the stages in the order they run
func pipeline() []stage {
	return []stage{
		{name: StagePrepare, run: prepare},
		{name: StageInitialize, run: initialize},
		{name: StageUnseal, run: unseal},
		{name: StageFindReady, run: findReady},
		{name: StageRotateRoot, run: rotateRoot},
		{name: StageRaftReconcile, run: reconcileRaft},
		{name: StageAdminAccess, run: provisionAdmin},
		{name: StageHALogin, run: haLogin},
		{name: StagePKI, run: provisionPKI},
		{name: StageDownstreamApply, run: applyDownstream},
		{name: StageRevoke, run: revoke},
		{name: StageSecretSinks, run: pushSecrets},
		{name: StageSnapshot, run: takeSnapshot},
	}
}

// ClusterBootstrap brings the cluster described by cfg to an initialized,
// unsealed, joined and provisioned state and returns a handle bound to the
// admin identity. It is safe to run again against a partially configured
// cluster: every stage re-probes before it acts.
//
// A stage that ends Fatal stops the run with a *StageError. Unseal material
// and the work directory are discarded on every exit path.
func ClusterBootstrap(ctx context.Context, cfg *ClusterConfig, deps Dependencies, log logr.Logger) (*ClusterHandle, error) {
	cfg = cfg.WithDefaults()
	run := newRun(ctx, cfg, deps, log.WithName("bootstrap"))
	start := time.Now()
	run.Log.Info("starting cluster bootstrap", "cluster", cfg.Name, "nodes", len(cfg.Nodes))

	failed := true
	defer func() { run.close(failed) }()

	for _, s := range pipeline() {
		result := run.execute(s)
		run.stages = append(run.stages, result)
		if !result.IsSuccess() {
			return nil, &infraerrors.StageError{Result: result}
		}
	}
	failed = false

	handle := &ClusterHandle{
		Client:    run.HA,
		Address:   run.HA.Address(),
		RunID:     run.RunID,
		ReadyNode: run.Ready.NodeID(),
		Snapshot:  run.snapshot,
		Stages:    run.stages,
	}
	_ = run.Events.Publish(run, events.NewBootstrapCompleted(run.RunID, handle.ReadyNode, time.Since(start)))
	run.Log.Info("cluster bootstrap completed", "readyNode", handle.ReadyNode, logger.KeyDuration, time.Since(start).String())
	return handle, nil
}

// prepare validates the configuration, loads the root CA into the work
// directory and creates one client per node.
func prepare(r *Run) error {
	if err := r.Config.Validate(); err != nil {
		return err
	}

	ca, err := pki.Load(r.Config.PKI)
	if err != nil {
		return err
	}
	r.ca = ca

	if r.WorkDir == "" {
		dir, err := os.MkdirTemp(r.Config.WorkDir, "vaultops-"+r.RunID[:8]+"-")
		if err != nil {
			return fmt.Errorf("create work directory: %w", err)
		}
		r.WorkDir = dir
	}
	if r.caFile, err = ca.WriteCert(r.WorkDir); err != nil {
		return err
	}

	if r.admin.Password == "" {
		if err := r.admin.EnsurePassword(); err != nil {
			return err
		}
		r.Log.Info("generated admin password; it is pushed to the secret sinks", "username", r.admin.Username)
	}

	for _, n := range r.Config.Nodes {
		if r.Nodes.Has(n.ID) {
			continue
		}
		client, err := vault.NewClient(r.clientConfig(n.ID, n.APIAddress, n.CACertPEM, n.ServerName))
		if err != nil {
			return fmt.Errorf("create client for %s: %w", n.ID, err)
		}
		if err := r.Nodes.Add(client); err != nil {
			return err
		}
	}
	r.Log.Info("prepared run", "nodes", r.Nodes.IDs(), "caFingerprint", ca.Fingerprint())
	return nil
}

// initialize inits the cluster once, or picks up material from custody
func initialize(r *Run) error {
	if r.Material == nil && r.deps.Custodian != nil {
		m, err := r.deps.Custodian.Load(r)
		if err != nil {
			return err
		}
		r.Material = m
	}

	if !r.custodyPending {
		clients := r.nodeClients()
		nodes := make([]seal.InitNode, len(clients))
		for i, c := range clients {
			nodes[i] = c
		}
		m, err := seal.NewInitCoordinator(r.prober, r.Retry, r.Log).Initialize(r, nodes, r.Config.Shares, r.Config.Threshold)
		if err != nil {
			if errors.Is(err, infraerrors.ErrAlreadyInitialized) && !r.Material.HasKeys() {
				r.Log.Info("cluster already initialized and no unseal material is in custody; continuing with admin credentials")
			}
			return err
		}
		r.Material = m
		r.custodyPending = r.deps.Custodian != nil
	}

	if r.custodyPending {
		stored := &seal.UnsealMaterial{Threshold: r.Material.Threshold, Shares: append([]string(nil), r.Material.Shares...)}
		if err := r.deps.Custodian.Store(r, stored); err != nil {
			return infraerrors.NewTransientError("store unseal material", err)
		}
		r.custodyPending = false
		r.Log.Info("unseal material handed to custody", "material", stored)
	}
	return nil
}

func unseal(r *Run) error {
	clients := r.nodeClients()
	nodes := make([]seal.UnsealNode, len(clients))
	for i, c := range clients {
		nodes[i] = c
	}
	coordinator := seal.NewUnsealCoordinator(r.prober, seal.UnsealConfig{
		Retry:       r.Retry,
		Concurrency: r.Config.Concurrency,
		RunID:       r.RunID,
	}, r.Log, r.Events)

	report, err := coordinator.Unseal(r, nodes, r.Material)
	if err != nil {
		return err
	}
	if len(report.Deferred) > 0 {
		r.Log.Info("nodes deferred to a later run", "deferred", report.Deferred)
	}
	if len(report.Unsealed) == 0 {
		return skip(StageUnseal, "no sealed node to unseal (%d already unsealed)", len(report.Skipped))
	}
	return nil
}

// findReady selects the single active node every later stage talks to and
// confirms it against the node's own leader endpoint. Standbys without an
// active node are mid-election, so the stage is retried.
func findReady(r *Run) error {
	clients := r.nodeClients()
	targets := make([]probe.Target, len(clients))
	for i, c := range clients {
		targets[i] = c
	}
	observations := r.prober.ProbeAll(r, targets)

	active := probe.CountInState(observations, probe.UnsealedActive)
	if active > 1 {
		return infraerrors.NewUnsafePrecondition(StageFindReady,
			fmt.Sprintf("%d nodes report themselves active", active))
	}
	obs, ok := probe.FirstInState(observations, probe.UnsealedActive)
	if !ok {
		standby := probe.CountInState(observations, probe.UnsealedStandby)
		err := fmt.Errorf("%w: %d unsealed standby, %d sealed, %d unreachable", infraerrors.ErrNoReadyNode,
			standby,
			probe.CountInState(observations, probe.Sealed),
			probe.CountInState(observations, probe.Unreachable, probe.Error))
		if standby > 0 {
			return infraerrors.NewTransientError("find ready node", err)
		}
		return err
	}

	ready, err := r.Nodes.Get(obs.NodeID)
	if err != nil {
		return err
	}

	var (
		isSelf bool
		leader string
	)
	err = retry.Do(r, r.Retry, "read leader", func(ctx context.Context) error {
		resp, err := ready.Leader(ctx)
		if err != nil {
			return err
		}
		isSelf, leader = resp.IsSelf, resp.LeaderAddress
		return nil
	})
	if err != nil {
		return err
	}
	if !isSelf {
		return infraerrors.NewTransientError("find ready node",
			fmt.Errorf("%s reports active but its leader endpoint names %q", ready.NodeID(), leader))
	}

	r.Ready = ready
	r.Log.Info("found ready node", logger.KeyNode, ready.NodeID(), logger.KeyAddress, ready.Address())
	return nil
}

// rotateRoot replaces whatever token the run holds with a fresh root token
// from a generate-root ceremony. Without key material the run authenticates
// as the admin identity instead.
func rotateRoot(r *Run) error {
	if !r.Material.HasKeys() {
		err := retry.Do(r, r.Retry, "admin login", func(ctx context.Context) error {
			return r.Ready.LoginUserpass(ctx, r.Config.AdminAuthMount, r.admin.Username, r.admin.Password)
		})
		if err != nil {
			return fmt.Errorf("log in as %s: %w", r.admin.Username, err)
		}
		if _, err := r.tokens.Adopt(r, r.Nodes, r.Ready, r.Ready.CurrentToken(), token.PurposeAdmin, false); err != nil {
			return err
		}
		return skip(StageRotateRoot, "no unseal material; authenticated as %s", r.admin.Username)
	}

	// The initial root token is only adopted so that it gets revoked
	if r.Material.RootToken != "" {
		if _, err := r.tokens.Adopt(r, r.Nodes, r.Ready, r.Material.RootToken, token.PurposeInitialRoot, false); err != nil {
			return err
		}
	}

	root, err := r.tokens.Regenerate(r, r.Ready, r.Material, true)
	if err != nil {
		return err
	}
	_, err = r.tokens.Adopt(r, r.Nodes, r.Ready, root.Token, token.PurposeCeremony, false)
	return err
}

func reconcileRaft(r *Run) error {
	desired := make([]raft.DesiredPeer, 0, len(r.Config.Nodes))
	for _, n := range r.Config.Nodes {
		client, err := r.Nodes.Get(n.ID)
		if err != nil {
			return err
		}
		desired = append(desired, raft.DesiredPeer{Node: client, Voter: n.Voter})
	}

	manager := raft.NewManager(r.prober, raft.Config{
		Retry:        r.Retry,
		Concurrency:  r.Config.Concurrency,
		RunID:        r.RunID,
		LeaderCACert: r.leaderCACert(),
	}, r.Log, r.Events)

	result, err := manager.Reconcile(r, r.Ready, desired)
	if err != nil {
		return err
	}
	if len(result.Deferred) > 0 {
		r.Log.Info("raft joins deferred", "deferred", result.Deferred)
	}
	if !result.Changed() {
		return skip(StageRaftReconcile, "membership matches the inventory")
	}
	return nil
}

func (r *Run) leaderCACert() string {
	for _, n := range r.Config.Nodes {
		if n.ID == r.Ready.NodeID() && n.CACertPEM != "" {
			return n.CACertPEM
		}
	}
	return string(r.ca.CertPEM)
}

func provisionAdmin(r *Run) error {
	if !r.Material.HasKeys() {
		return skip(StageAdminAccess, "no unseal material; admin access is managed by the admin identity")
	}
	provisioner := admin.NewProvisioner(admin.Config{
		PolicyName: r.Config.AdminPolicy,
		AuthMount:  r.Config.AdminAuthMount,
		Retry:      r.Retry,
	}, r.Log)

	result, err := provisioner.Provision(r, r.Ready, r.admin)
	if err != nil {
		return err
	}
	if !result.Changed() {
		return skip(StageAdminAccess, "admin policy, auth mount and user already match")
	}
	return nil
}

// haLogin authenticates the long-lived client the run hands back
func haLogin(r *Run) error {
	address := r.Config.HAAddress
	if address == "" {
		address = r.Ready.Address()
	}
	if r.HA == nil {
		client, err := vault.NewClient(r.clientConfig("ha", address, "", ""))
		if err != nil {
			return fmt.Errorf("create HA client: %w", err)
		}
		r.HA = client
	}

	err := retry.Do(r, r.Retry, "admin login", func(ctx context.Context) error {
		return r.HA.LoginUserpass(ctx, r.Config.AdminAuthMount, r.admin.Username, r.admin.Password)
	})
	if err != nil {
		return fmt.Errorf("log in to %s as %s: %w", address, r.admin.Username, err)
	}
	_, err = r.tokens.Adopt(r, singleClient{r.HA}, r.HA, r.HA.CurrentToken(), token.PurposeAdmin, true)
	return err
}

func provisionPKI(r *Run) error {
	provisioner := pki.NewProvisioner(pki.Config{
		Mount: r.Config.PKIMount,
		URLs:  r.Config.PKIURLs,
		Retry: r.Retry,
	}, r.Log)

	result, err := provisioner.Provision(r, r.HA, r.ca)
	if err != nil {
		return err
	}
	if !result.Changed() {
		return skip(StagePKI, "mount %s already holds CA %s", r.Config.PKIMount, r.ca.Fingerprint())
	}
	return nil
}

func applyDownstream(r *Run) error {
	if r.deps.Applier == nil {
		return skip(StageDownstreamApply, "no downstream applier configured")
	}

	scoped, err := r.tokens.IssueScoped(r, r.HA, vault.TokenRequest{
		DisplayName: "vaultops-downstream",
		Policies:    r.Config.DownstreamPolicies,
		TTL:         r.Config.DownstreamTTL.String(),
	})
	if err != nil {
		return err
	}
	return r.deps.Applier.Apply(r, ApplyEnv{
		Address:    r.HA.Address(),
		Token:      scoped.Token,
		CACertFile: r.caFile,
	})
}

// revoke revokes every non-durable token of the run. It never fails the run:
// a token that could not be revoked is logged and expires on its own.
func revoke(r *Run) error {
	by, self := r.revokers()
	if by == nil {
		r.Log.Info("no authenticated client to revoke with", "pending", len(r.Ledger.Pending()))
		return nil
	}
	report := r.tokens.RevokePending(r, by, self)
	if failed := report.Failed(); len(failed) > 0 {
		r.Log.Info("tokens left for manual revocation", "failed", len(failed), "revoked", len(report.Outcomes)-len(failed))
		return nil
	}
	if len(report.Outcomes) == 0 {
		return skip(StageRevoke, "no privileged token to revoke")
	}
	return nil
}

func pushSecrets(r *Run) error {
	payload := make(secrets.Payload, len(r.Config.Secrets)+1)
	for k, v := range r.Config.Secrets {
		payload[k] = v
	}
	if r.admin.Generated {
		payload[GeneratedAdminService] = map[string]interface{}{
			"username": r.admin.Username,
			"password": r.admin.Password,
		}
	}
	if len(payload) == 0 {
		return skip(StageSecretSinks, "no secrets to push")
	}

	if err := r.ensureSecretsMount(); err != nil {
		return err
	}
	sinks := append([]secrets.Sink{secrets.NewVaultKVSink(r.HA, r.Config.SecretsMount, r.Config.SecretsPath)}, r.deps.Sinks...)
	return secrets.Fanout(r, r.Log.WithName("secrets"), payload, sinks...)
}

func (r *Run) ensureSecretsMount() error {
	return retry.Do(r, r.Retry, "ensure kv mount", func(ctx context.Context) error {
		enabled, err := r.HA.IsMountEnabled(ctx, r.Config.SecretsMount)
		if err != nil || enabled {
			return err
		}
		r.Log.Info("enabling kv-v2 secrets engine", logger.KeyVaultPath, r.Config.SecretsMount)
		return r.HA.EnableMount(ctx, r.Config.SecretsMount, "kv-v2", "")
	})
}

func takeSnapshot(r *Run) error {
	store, err := snapshot.NewLocalStore(r.Config.SnapshotDir, r.Config.SnapshotRetention)
	if err != nil {
		return err
	}
	manager := snapshot.NewManager(snapshot.Config{Retry: r.Retry, RunID: r.RunID, Timeout: r.Config.SnapshotTimeout}, store, r.deps.Offsite, r.Log, r.Events)
	snap, err := manager.Take(r, r.HA)
	if err != nil {
		return err
	}
	r.snapshot = snap
	return nil
}

// singleClient lets token adoption target one client
type singleClient struct {
	*vault.Client
}

func (c singleClient) SwapTokens(token string) []string {
	if old := c.SwapToken(token); old != "" && old != token {
		return []string{old}
	}
	return nil
}
