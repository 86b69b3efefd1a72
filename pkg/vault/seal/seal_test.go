package seal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"
	"pgregory.net/rapid"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/internal/testing/fakevault"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func newProber() *probe.Prober {
	return probe.New(probe.Config{Timeout: 2 * time.Second}, logr.Discard(), nil)
}

func clientsFor(t *testing.T, cluster *fakevault.Cluster) []*vault.Client {
	t.Helper()
	var out []*vault.Client
	for _, n := range cluster.Nodes() {
		c, err := vault.NewClient(vault.ClientConfig{NodeID: n.ID, Address: n.URL(), Timeout: 2 * time.Second})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		out = append(out, c)
	}
	return out
}

func initNodes(clients []*vault.Client) []InitNode {
	out := make([]InitNode, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

func unsealNodes(clients []*vault.Client) []UnsealNode {
	out := make([]UnsealNode, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

func TestUnsealMaterialNeverRendersSecrets(t *testing.T) {
	m := &UnsealMaterial{Threshold: 2, Shares: []string{"share-one", "share-two"}, RootToken: "hvs.secret"}

	for _, rendered := range []string{m.String(), fmt.Sprintf("%v", m), fmt.Sprintf("%+v", m.MarshalLog())} {
		if strings.Contains(rendered, "share-one") || strings.Contains(rendered, "hvs.secret") {
			t.Errorf("rendering leaks secret material: %s", rendered)
		}
	}
	if !strings.Contains(m.String(), "threshold: 2") {
		t.Errorf("String() = %q", m.String())
	}

	m.Wipe()
	if m.HasKeys() || m.RootToken != "" || m.Shares != nil {
		t.Errorf("Wipe() left material behind: %+v", m)
	}
}

func TestUnsealMaterialValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       *UnsealMaterial
		wantErr bool
	}{
		{name: "nil", m: nil, wantErr: true},
		{name: "zero threshold", m: &UnsealMaterial{Shares: []string{"a"}}, wantErr: true},
		{name: "too few shares", m: &UnsealMaterial{Threshold: 3, Shares: []string{"a", "b"}}, wantErr: true},
		{name: "empty share", m: &UnsealMaterial{Threshold: 1, Shares: []string{""}}, wantErr: true},
		{name: "valid", m: &UnsealMaterial{Threshold: 2, Shares: []string{"a", "b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !infraerrors.IsValidationError(err) {
				t.Errorf("Validate() error type = %T, want ValidationError", err)
			}
		})
	}
}

func TestFileCustodianRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "custody", "unseal.yaml")
	custodian := NewFileCustodian(path)

	got, err := custodian.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("Load() on empty custody = %v, %v", got, err)
	}

	want := &UnsealMaterial{Threshold: 2, Shares: []string{"a", "b", "c"}, RootToken: "hvs.root"}
	if err := custodian.Store(ctx, want); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("custody file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err = custodian.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Threshold != 2 || len(got.Shares) != 3 || got.Shares[2] != "c" || got.RootToken != "hvs.root" {
		t.Errorf("Load() = %+v", got)
	}

	if err := custodian.Store(ctx, &UnsealMaterial{}); err == nil {
		t.Error("Store() accepted invalid material")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("custody dir has %d entries, temp files leaked", len(entries))
	}
}

func TestInitializeExactlyOnce(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0", "vault-1", "vault-2")
	defer cluster.Close()
	nodes := initNodes(clientsFor(t, cluster))
	coord := NewInitCoordinator(newProber(), fastRetry(), logr.Discard())

	material, err := coord.Initialize(context.Background(), nodes, 5, 3)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if material.Threshold != 3 || len(material.Shares) != 5 || material.RootToken == "" {
		t.Errorf("Initialize() material = %v", material)
	}
	if cluster.InitCalls() != 1 {
		t.Errorf("init calls = %d, want 1", cluster.InitCalls())
	}

	_, err = coord.Initialize(context.Background(), nodes, 5, 3)
	if !errors.Is(err, infraerrors.ErrAlreadyInitialized) {
		t.Fatalf("second Initialize() error = %v, want ErrAlreadyInitialized", err)
	}
	if cluster.InitCalls() != 1 {
		t.Errorf("init calls after re-run = %d, want 1", cluster.InitCalls())
	}
	if got := infraerrors.FromError("initialize", err, retry.IsRetryableError); got.Kind != infraerrors.KindSafeNoOp {
		t.Errorf("re-run classified as %v, want noop", got.Kind)
	}
}

func TestInitializeRejectsBadThreshold(t *testing.T) {
	coord := NewInitCoordinator(newProber(), fastRetry(), logr.Discard())
	_, err := coord.Initialize(context.Background(), nil, 3, 5)
	if !infraerrors.IsValidationError(err) {
		t.Fatalf("Initialize() error = %v, want ValidationError", err)
	}
}

func TestInitializeReprobesAfterTransientFailure(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0")
	defer cluster.Close()
	cluster.Node("vault-0").InjectFault("sys/init", 503, 1)

	coord := NewInitCoordinator(newProber(), fastRetry(), logr.Discard())
	material, err := coord.Initialize(context.Background(), initNodes(clientsFor(t, cluster)), 1, 1)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !material.HasKeys() {
		t.Errorf("material = %v", material)
	}
	if cluster.InitCalls() != 1 {
		t.Errorf("init calls reaching the barrier = %d, want 1", cluster.InitCalls())
	}
}

func TestInitializeAllUnreachableIsTransient(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0", "vault-1")
	defer cluster.Close()
	for _, n := range cluster.Nodes() {
		n.SetDown(true)
	}

	coord := NewInitCoordinator(newProber(), fastRetry(), logr.Discard())
	_, err := coord.Initialize(context.Background(), initNodes(clientsFor(t, cluster)), 1, 1)
	if !infraerrors.IsTransientError(err) {
		t.Fatalf("Initialize() error = %v, want TransientError", err)
	}
}

// lostResponseNode initializes its cluster but reports a transport failure
type lostResponseNode struct {
	*vault.Client
}

func (n lostResponseNode) Initialize(ctx context.Context, shares, threshold int) (*api.InitResponse, error) {
	if _, err := n.Client.Initialize(ctx, shares, threshold); err != nil {
		return nil, err
	}
	return nil, infraerrors.NewTransientError("init", errors.New("connection reset by peer"))
}

func TestInitializeLostResponseIsUnsafe(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0")
	defer cluster.Close()

	node := lostResponseNode{clientsFor(t, cluster)[0]}
	coord := NewInitCoordinator(newProber(), fastRetry(), logr.Discard())
	_, err := coord.Initialize(context.Background(), []InitNode{node}, 1, 1)
	if !infraerrors.IsUnsafePrecondition(err) {
		t.Fatalf("Initialize() error = %v, want unsafe precondition", err)
	}
	if cluster.InitCalls() != 1 {
		t.Errorf("init calls = %d, want 1", cluster.InitCalls())
	}
}

func TestUnsealSubmitsThresholdShares(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0", "vault-1", "vault-2")
	defer cluster.Close()
	clients := clientsFor(t, cluster)

	material, err := NewInitCoordinator(newProber(), fastRetry(), logr.Discard()).
		Initialize(context.Background(), initNodes(clients), 5, 3)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	coord := NewUnsealCoordinator(newProber(), UnsealConfig{Retry: fastRetry()}, logr.Discard(), nil)
	report, err := coord.Unseal(context.Background(), unsealNodes(clients), material)
	if err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if len(report.Unsealed) != 3 {
		t.Errorf("unsealed = %v, want 3 nodes", report.Unsealed)
	}
	for _, n := range cluster.Nodes() {
		if n.Sealed() {
			t.Errorf("node %s still sealed", n.ID)
		}
		if n.SharesSubmitted() != 3 {
			t.Errorf("node %s received %d shares, want 3", n.ID, n.SharesSubmitted())
		}
	}

	report, err = coord.Unseal(context.Background(), unsealNodes(clients), material)
	if err != nil {
		t.Fatalf("second Unseal() error = %v", err)
	}
	if len(report.Skipped) != 3 || len(report.Unsealed) != 0 {
		t.Errorf("second pass report = %+v", report)
	}
	for _, n := range cluster.Nodes() {
		if n.SharesSubmitted() != 3 {
			t.Errorf("node %s received shares on the second pass", n.ID)
		}
	}
}

func TestUnsealResetsStaleProgressAndDefersUnreachable(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0", "vault-1")
	defer cluster.Close()
	clients := clientsFor(t, cluster)

	material, err := NewInitCoordinator(newProber(), fastRetry(), logr.Discard()).
		Initialize(context.Background(), initNodes(clients), 3, 2)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	cluster.Node("vault-0").SetUnsealProgress(1)
	cluster.Node("vault-1").SetDown(true)

	coord := NewUnsealCoordinator(newProber(), UnsealConfig{Retry: fastRetry()}, logr.Discard(), nil)
	report, err := coord.Unseal(context.Background(), unsealNodes(clients), material)
	if err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if cluster.Node("vault-0").Sealed() {
		t.Error("vault-0 still sealed; stale progress was not reset")
	}
	if len(report.Deferred) != 1 || report.Deferred[0] != "vault-1" {
		t.Errorf("deferred = %v, want [vault-1]", report.Deferred)
	}
}

func TestUnsealWithoutMaterialIsUnsafe(t *testing.T) {
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0")
	defer cluster.Close()
	clients := clientsFor(t, cluster)
	if _, err := clients[0].Initialize(context.Background(), 1, 1); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	coord := NewUnsealCoordinator(newProber(), UnsealConfig{Retry: fastRetry()}, logr.Discard(), nil)
	_, err := coord.Unseal(context.Background(), unsealNodes(clients), nil)
	if !infraerrors.IsUnsafePrecondition(err) {
		t.Fatalf("Unseal() error = %v, want unsafe precondition", err)
	}
}

// countingNode unseals after unsealAfter accepted shares
type countingNode struct {
	unsealAfter int
	submitted   int
}

func (n *countingNode) NodeID() string  { return "counting" }
func (n *countingNode) Address() string { return "http://counting:8200" }
func (n *countingNode) Health(context.Context) (*api.HealthResponse, error) {
	return &api.HealthResponse{Initialized: true, Sealed: true}, nil
}
func (n *countingNode) SealStatus(context.Context) (*api.SealStatusResponse, error) {
	return &api.SealStatusResponse{Sealed: true}, nil
}
func (n *countingNode) ResetUnseal(context.Context) (*api.SealStatusResponse, error) {
	return &api.SealStatusResponse{Sealed: true}, nil
}
func (n *countingNode) Unseal(context.Context, string) (*api.SealStatusResponse, error) {
	n.submitted++
	return &api.SealStatusResponse{Sealed: n.submitted < n.unsealAfter, Progress: n.submitted}, nil
}

func TestUnsealNeverExceedsThreshold(t *testing.T) {
	coord := NewUnsealCoordinator(newProber(), UnsealConfig{Retry: fastRetry(), Concurrency: 1}, logr.Discard(), nil)

	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 10).Draw(rt, "threshold")
		shares := rapid.IntRange(threshold, 15).Draw(rt, "shares")
		unsealAfter := rapid.IntRange(1, 20).Draw(rt, "unsealAfter")

		material := &UnsealMaterial{Threshold: threshold}
		for i := 0; i < shares; i++ {
			material.Shares = append(material.Shares, fmt.Sprintf("share-%d", i))
		}
		node := &countingNode{unsealAfter: unsealAfter}

		_, err := coord.Unseal(context.Background(), []UnsealNode{node}, material)

		if node.submitted > threshold {
			rt.Fatalf("submitted %d shares, threshold %d", node.submitted, threshold)
		}
		if unsealAfter <= threshold {
			if err != nil || node.submitted != unsealAfter {
				rt.Fatalf("expected stop after %d shares, submitted %d (err %v)", unsealAfter, node.submitted, err)
			}
		} else if !infraerrors.IsUnsafePrecondition(err) {
			rt.Fatalf("expected unsafe precondition when threshold shares do not unseal, got %v", err)
		}
	})
}
