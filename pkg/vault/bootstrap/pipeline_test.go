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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/internal/testing/fakevault"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

var nodeIDs = []string{"vault-0", "vault-1", "vault-2"}

type recordingApplier struct {
	cluster *fakevault.Cluster

	mu          sync.Mutex
	calls       int
	env         ApplyEnv
	validDuring bool
}

func (a *recordingApplier) Apply(_ context.Context, env ApplyEnv) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.env = env
	a.validDuring = a.cluster.TokenValid(env.Token)
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	pushed  []secrets.Payload
	failure error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Push(_ context.Context, payload secrets.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, payload)
	return s.failure
}

// capturingCustodian remembers the material it handed to the run
type capturingCustodian struct {
	seal.KeyCustodian
	loaded *seal.UnsealMaterial
}

func (c *capturingCustodian) Load(ctx context.Context) (*seal.UnsealMaterial, error) {
	m, err := c.KeyCustodian.Load(ctx)
	c.loaded = m
	return m, err
}

// onStageStarted returns a bus that calls fn whenever a stage attempt starts
func onStageStarted(fn func(stage string, attempt int)) *events.EventBus {
	bus := events.NewEventBus(logr.Discard())
	events.Subscribe(bus, func(_ context.Context, e events.StageStarted) error {
		fn(e.Stage, e.Attempt)
		return nil
	})
	return bus
}

type fixture struct {
	cluster   *fakevault.Cluster
	cfg       *ClusterConfig
	custodian *seal.FileCustodian
	applier   *recordingApplier
	sink      *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cluster := fakevault.NewCluster(fakevault.Options{}, nodeIDs...)
	t.Cleanup(cluster.Close)

	ca := fakevault.TestCA(t)
	nodes := make([]NodeDescriptor, 0, len(nodeIDs))
	for _, n := range cluster.Nodes() {
		nodes = append(nodes, NodeDescriptor{ID: n.ID, APIAddress: n.URL(), ClusterAddress: n.ClusterAddr(), Voter: true})
	}

	cfg := &ClusterConfig{
		Name:  "test",
		Nodes: nodes,
		PKI: pki.Material{
			CertPEM:  ca.CertPEM,
			KeyPEM:   ca.EncryptedKeyPEM,
			Password: fakevault.TestCAPassword,
		},
		Admin: admin.Credentials{Username: "admin", Password: "correct-admin-password"},
		Retry: retry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
			MaxRetries:   2,
			CallTimeout:  5 * time.Second,
		},
		ProbeTimeout:  2 * time.Second,
		StageAttempts: 2,
		WorkDir:       t.TempDir(),
		SnapshotDir:   t.TempDir(),
		Secrets: secrets.Payload{
			"cloudflare": {"api_token": "cf-token"},
		},
	}

	return &fixture{
		cluster:   cluster,
		cfg:       cfg,
		custodian: seal.NewFileCustodian(filepath.Join(t.TempDir(), "unseal.yml")),
		applier:   &recordingApplier{cluster: cluster},
		sink:      &recordingSink{},
	}
}

func (f *fixture) deps() Dependencies {
	return Dependencies{
		Custodian: f.custodian,
		Applier:   f.applier,
		Sinks:     []secrets.Sink{f.sink},
	}
}

func (f *fixture) run(t *testing.T, deps Dependencies) (*ClusterHandle, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return ClusterBootstrap(ctx, f.cfg, deps, logr.Discard())
}

func requireStageError(t *testing.T, err error, stage string) *infraerrors.StageError {
	t.Helper()
	var serr *infraerrors.StageError
	require.True(t, errors.As(err, &serr), "expected a StageError, got %v", err)
	assert.Equal(t, stage, serr.Result.Stage)
	assert.Equal(t, infraerrors.KindFatal, serr.Result.Kind)
	return serr
}

func TestClusterBootstrap_FreshCluster(t *testing.T) {
	f := newFixture(t)

	handle, err := f.run(t, f.deps())
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, 1, f.cluster.InitCalls())
	for _, n := range f.cluster.Nodes() {
		assert.False(t, n.Sealed(), "node %s still sealed", n.ID)
	}

	peers := f.cluster.Peers()
	require.Len(t, peers, len(nodeIDs))
	for i, p := range peers {
		assert.Equal(t, nodeIDs[i], p.NodeID)
		assert.True(t, p.Voter)
	}

	// Only the admin session handed back survives the run
	assert.Equal(t, []string{handle.Client.CurrentToken()}, f.cluster.ValidTokens())

	assert.Equal(t, 1, f.applier.calls)
	assert.True(t, f.applier.validDuring, "scoped token was not valid during apply")
	assert.False(t, f.cluster.TokenValid(f.applier.env.Token), "scoped token survived the run")
	assert.NotEmpty(t, f.applier.env.CACertFile)

	policies, _, ok := f.cluster.User(admin.DefaultAuthMount, "admin")
	require.True(t, ok)
	assert.Equal(t, []string{admin.DefaultPolicyName}, policies)
	assert.NotEmpty(t, f.cluster.PKICA(pki.DefaultMount))

	assert.Equal(t, "cf-token", f.cluster.KV(DefaultSecretsMount, "external_services/cloudflare")["api_token"])
	require.Len(t, f.sink.pushed, 1)
	assert.Contains(t, f.sink.pushed[0], "cloudflare")

	snapshots, err := os.ReadDir(f.cfg.SnapshotDir)
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
	require.NotNil(t, handle.Snapshot)
	assert.Positive(t, handle.Snapshot.Size)

	leftovers, err := os.ReadDir(f.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "work directory was not removed")

	stored, err := f.custodian.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, f.cluster.Shares(), stored.Shares)
	assert.Empty(t, stored.RootToken, "root token must not reach custody")

	assert.Len(t, handle.Stages, len(pipeline()))
	assert.NotEmpty(t, handle.RunID)
	assert.Contains(t, nodeIDs, handle.ReadyNode)
}

func TestClusterBootstrap_SecondRunChangesNothing(t *testing.T) {
	f := newFixture(t)

	first, err := f.run(t, f.deps())
	require.NoError(t, err)
	first.Close()
	writes := f.cluster.ConfigWrites()

	second, err := f.run(t, f.deps())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, writes, f.cluster.ConfigWrites())
	assert.Equal(t, 1, f.cluster.InitCalls())

	for _, name := range []string{StageInitialize, StageUnseal, StageRaftReconcile, StageAdminAccess, StagePKI} {
		result, ok := second.Stage(name)
		require.True(t, ok, name)
		assert.Equal(t, infraerrors.KindSafeNoOp, result.Kind, "stage %s", name)
	}
	result, _ := second.Stage(StageRotateRoot)
	assert.Equal(t, infraerrors.KindOK, result.Kind, "ceremony runs on every run with material")
}

func TestClusterBootstrap_WithoutMaterialUsesAdminIdentity(t *testing.T) {
	f := newFixture(t)

	first, err := f.run(t, f.deps())
	require.NoError(t, err)
	first.Close()

	handle, err := f.run(t, Dependencies{})
	require.NoError(t, err)
	defer handle.Close()

	for _, name := range []string{StageRotateRoot, StageAdminAccess, StageDownstreamApply} {
		result, ok := handle.Stage(name)
		require.True(t, ok, name)
		assert.Equal(t, infraerrors.KindSafeNoOp, result.Kind, "stage %s", name)
	}
	assert.True(t, f.cluster.TokenValid(handle.Client.CurrentToken()))
}

func TestClusterBootstrap_UnreachableCluster(t *testing.T) {
	f := newFixture(t)
	for _, n := range f.cluster.Nodes() {
		n.SetDown(true)
	}

	handle, err := f.run(t, f.deps())
	require.Error(t, err)
	assert.Nil(t, handle)

	serr := requireStageError(t, err, StageInitialize)
	assert.Equal(t, f.cfg.StageAttempts, serr.Result.Attempts)
	assert.Equal(t, 0, f.cluster.InitCalls())
}

func TestClusterBootstrap_SealedNodeWithoutMaterial(t *testing.T) {
	f := newFixture(t)

	first, err := f.run(t, f.deps())
	require.NoError(t, err)
	first.Close()

	f.cluster.Node("vault-2").Seal()
	_, err = f.run(t, Dependencies{})
	requireStageError(t, err, StageUnseal)
	assert.True(t, f.cluster.Node("vault-2").Sealed())
}

func TestClusterBootstrap_ResealedNodeWithCustody(t *testing.T) {
	f := newFixture(t)

	first, err := f.run(t, f.deps())
	require.NoError(t, err)
	first.Close()

	f.cluster.Node("vault-1").Seal()
	handle, err := f.run(t, f.deps())
	require.NoError(t, err)
	defer handle.Close()

	assert.False(t, f.cluster.Node("vault-1").Sealed())
	result, _ := handle.Stage(StageUnseal)
	assert.Equal(t, infraerrors.KindOK, result.Kind)
}

func TestClusterBootstrap_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Threshold = 9

	_, err := f.run(t, f.deps())
	serr := requireStageError(t, err, StagePrepare)
	assert.Equal(t, 1, serr.Result.Attempts)
	assert.Equal(t, 0, f.cluster.InitCalls())
}

func TestClusterBootstrap_SinkFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.sink.failure = errors.New("sink offline")

	_, err := f.run(t, f.deps())
	requireStageError(t, err, StageSecretSinks)

	// Tokens minted before the failure are revoked on the way out
	assert.Empty(t, f.cluster.ValidTokens())
	leftovers, err := os.ReadDir(f.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// bootstrapOnce runs a full bootstrap and releases the handle
func (f *fixture) bootstrapOnce(t *testing.T) *ClusterHandle {
	t.Helper()
	handle, err := f.run(t, f.deps())
	require.NoError(t, err)
	handle.Close()
	return handle
}

func TestClusterBootstrap_RotatedAdminPassword(t *testing.T) {
	f := newFixture(t)
	f.bootstrapOnce(t)

	f.cfg.Admin.Password = "rotated-admin-password"
	handle, err := f.run(t, f.deps())
	require.NoError(t, err)
	defer handle.Close()

	result, ok := handle.Stage(StageAdminAccess)
	require.True(t, ok)
	assert.Equal(t, infraerrors.KindOK, result.Kind)
	_, pw, _ := f.cluster.User(admin.DefaultAuthMount, "admin")
	assert.Equal(t, "rotated-admin-password", pw)
	assert.True(t, f.cluster.TokenValid(handle.Client.CurrentToken()))
}

func TestClusterBootstrap_NoActiveNode(t *testing.T) {
	f := newFixture(t)
	f.bootstrapOnce(t)

	f.cluster.StepDown()
	_, err := f.run(t, f.deps())
	serr := requireStageError(t, err, StageFindReady)
	assert.ErrorIs(t, err, infraerrors.ErrNoReadyNode)
	assert.Equal(t, f.cfg.StageAttempts, serr.Result.Attempts, "standbys without a leader are retried")
}

func TestClusterBootstrap_WaitsForLeaderElection(t *testing.T) {
	f := newFixture(t)
	f.bootstrapOnce(t)

	f.cluster.StepDown()
	deps := f.deps()
	deps.Events = onStageStarted(func(stage string, attempt int) {
		if stage == StageFindReady && attempt == 2 {
			f.cluster.Elect("vault-1")
		}
	})

	handle, err := f.run(t, deps)
	require.NoError(t, err)
	defer handle.Close()

	result, _ := handle.Stage(StageFindReady)
	assert.Equal(t, infraerrors.KindOK, result.Kind)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "vault-1", handle.ReadyNode)
}

func TestClusterBootstrap_SeveralActiveNodes(t *testing.T) {
	f := newFixture(t)
	first := f.bootstrapOnce(t)

	other := nodeIDs[0]
	if other == first.ReadyNode {
		other = nodeIDs[1]
	}
	f.cluster.Node(other).ClaimActive(true)

	_, err := f.run(t, f.deps())
	serr := requireStageError(t, err, StageFindReady)
	assert.True(t, infraerrors.IsUnsafePrecondition(err), "err = %v", err)
	assert.Equal(t, 1, serr.Result.Attempts)
}

func TestClusterBootstrap_CancelledMidStage(t *testing.T) {
	f := newFixture(t)
	f.bootstrapOnce(t)
	tokens := f.cluster.ValidTokens()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	custodian := &capturingCustodian{KeyCustodian: f.custodian}
	deps := f.deps()
	deps.Custodian = custodian
	deps.Events = onStageStarted(func(stage string, _ int) {
		if stage == StageRaftReconcile {
			cancel()
		}
	})

	handle, err := ClusterBootstrap(ctx, f.cfg, deps, logr.Discard())
	assert.Nil(t, handle)
	serr := requireStageError(t, err, StageRaftReconcile)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, serr.Result.Attempts)

	leftovers, err := os.ReadDir(f.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "work directory was not removed")

	require.NotNil(t, custodian.loaded)
	assert.False(t, custodian.loaded.HasKeys(), "unseal material was not wiped")
	assert.Empty(t, custodian.loaded.Shares)

	// The ceremony token minted before the cancel is revoked on the way out
	assert.Equal(t, tokens, f.cluster.ValidTokens())
	assert.Equal(t, 0, f.applier.calls)
}
