//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/internal/testing/fakevault"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/bootstrap"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const adminPassword = "integration-admin-password"

var _ = Describe("ClusterBootstrap", Ordered, func() {
	var (
		ctx       context.Context
		container *VaultTestContainer
		cfg       *bootstrap.ClusterConfig
		custodian *seal.FileCustodian
		caPEM     string
	)

	run := func() *bootstrap.ClusterHandle {
		runCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
		defer cancel()
		handle, err := bootstrap.ClusterBootstrap(runCtx, cfg, bootstrap.Dependencies{Custodian: custodian}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_ = handle.Client.RevokeSelf(context.Background())
			handle.Close()
		})
		return handle
	}

	adminClient := func() *vault.Client {
		client, err := vault.NewClient(vault.ClientConfig{NodeID: "check", Address: container.Address(), Timeout: 10 * time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.LoginUserpass(ctx, admin.DefaultAuthMount, "admin", adminPassword)).To(Succeed())
		DeferCleanup(func() { _ = client.RevokeSelf(context.Background()) })
		return client
	}

	BeforeAll(func() {
		ctx = GetContext()
		container = GetVault()

		ca := fakevault.TestCA(GinkgoTB())
		caPEM = ca.CertPEM
		dir := GinkgoT().TempDir()
		custodian = seal.NewFileCustodian(filepath.Join(dir, "unseal.yml"))

		retryCfg := retry.DefaultConfig()
		retryCfg.CallTimeout = 15 * time.Second
		cfg = &bootstrap.ClusterConfig{
			Name: "integration",
			Nodes: []bootstrap.NodeDescriptor{
				{ID: container.NodeID(), APIAddress: container.Address(), Voter: true},
			},
			Shares:    3,
			Threshold: 2,
			PKI: pki.Material{
				CertPEM:  ca.CertPEM,
				KeyPEM:   ca.EncryptedKeyPEM,
				Password: fakevault.TestCAPassword,
			},
			Admin:         admin.Credentials{Username: "admin", Password: adminPassword},
			Retry:         retryCfg,
			StageAttempts: 10,
			WorkDir:       filepath.Join(dir, "work"),
			SnapshotDir:   filepath.Join(dir, "snapshots"),
			Secrets: secrets.Payload{
				"linode": {"token": "integration-linode-token"},
			},
		}
	})

	It("initializes, unseals and provisions a fresh node", func() {
		Expect(container.Status(ctx)).To(Equal(2), "node should start uninitialized")

		handle := run()
		Expect(handle.ReadyNode).To(Equal(container.NodeID()))
		for _, s := range handle.Stages {
			Expect(s.IsSuccess()).To(BeTrue(), "stage %s: %s", s.Stage, s.Reason)
		}

		By("keeping the unseal shares without the root token")
		material, err := custodian.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(material.Shares).To(HaveLen(3))
		Expect(material.RootToken).To(BeEmpty())

		By("checking the provisioned state as the admin identity")
		client := adminClient()
		policy, err := client.ReadPolicy(ctx, admin.DefaultPolicyName)
		Expect(err).NotTo(HaveOccurred())
		Expect(policy).NotTo(BeEmpty())

		ca, err := client.ReadPKICA(ctx, pki.DefaultMount)
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(ca)).To(Equal(strings.TrimSpace(caPEM)))

		secret, err := client.ReadKV(ctx, bootstrap.DefaultSecretsMount, bootstrap.DefaultSecretsPath+"/linode")
		Expect(err).NotTo(HaveOccurred())
		Expect(secret).To(HaveKeyWithValue("token", "integration-linode-token"))

		peers, err := client.RaftConfiguration(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(peers).To(HaveLen(1))

		By("storing a snapshot")
		Expect(handle.Snapshot).NotTo(BeNil())
		info, err := os.Stat(handle.Snapshot.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Size()).To(BeNumerically(">", 0))
	})

	It("converges without changes on a second run", func() {
		handle := run()
		for _, name := range []string{
			bootstrap.StageInitialize,
			bootstrap.StageUnseal,
			bootstrap.StageRaftReconcile,
			bootstrap.StageAdminAccess,
			bootstrap.StagePKI,
		} {
			result, ok := handle.Stage(name)
			Expect(ok).To(BeTrue(), name)
			Expect(result.Kind).To(Equal(infraerrors.KindSafeNoOp), "stage %s: %s", name, result.Reason)
		}

		By("regenerating and revoking a root token from the kept shares")
		result, _ := handle.Stage(bootstrap.StageRotateRoot)
		Expect(result.Kind).To(Equal(infraerrors.KindOK))
	})

	It("reports the node as active", func() {
		client, err := vault.NewClient(vault.ClientConfig{NodeID: container.NodeID(), Address: container.Address()})
		Expect(err).NotTo(HaveOccurred())

		prober := probe.New(probe.Config{Timeout: 5 * time.Second}, logr.Discard(), nil)
		observation := prober.Probe(ctx, client)
		Expect(observation.Err).NotTo(HaveOccurred())
		Expect(observation.State).To(Equal(probe.UnsealedActive))
		Expect(container.Status(ctx)).To(Equal(0))
	})
})
