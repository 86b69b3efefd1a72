//go:build integration

/*
Package integration provides testcontainers-based integration tests for vaultops.

This file sets up the main Ginkgo test suite with one uninitialized Vault
server on Raft storage, started via testcontainers-go.
*/
package integration

import (
	"context"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)

	suiteConfig, reporterConfig := GinkgoConfiguration()

	// Enable verbose output for integration tests
	reporterConfig.Verbose = true

	RunSpecs(t, "Integration Test Suite", suiteConfig, reporterConfig)
}

var _ = BeforeSuite(func() {
	By("Checking Docker availability")
	if !IsDockerAvailable() {
		Skip("Docker daemon not available - skipping integration tests. Start Docker to run integration tests.")
	}

	By("Setting up test context")
	ctx, cancel := context.WithCancel(context.Background())
	SetContext(ctx, cancel)

	By("Starting an uninitialized Vault server")
	opts := []VaultContainerOption{WithLogLevel("warn")}
	if tag := os.Getenv("VAULT_IMAGE_TAG"); tag != "" {
		opts = append(opts, WithImageTag(tag))
	}
	container, err := NewVaultTestContainer(ctx, opts...)
	Expect(err).NotTo(HaveOccurred(), "Failed to start Vault container")
	SetVault(container)

	DeferCleanup(func() {
		By("Stopping Vault container")
		Expect(container.Terminate(context.Background())).To(Succeed())
		cancel()
	})
})
