//go:build integration

/*
Package integration provides testcontainers-based integration tests for vaultops.

This file holds the state shared between the suite setup and the specs.
*/
package integration

import (
	"context"
	"os/exec"
	"sync"
)

var (
	// sharedVault is the Raft node shared by the suite
	sharedVault *VaultTestContainer
	// sharedCtx is the shared context
	sharedCtx context.Context
	// sharedCancel is the shared cancel function
	sharedCancel context.CancelFunc
	// sharedMu protects shared state
	sharedMu sync.RWMutex
)

// SetVault sets the shared Vault container (called from suite_test.go)
func SetVault(v *VaultTestContainer) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedVault = v
}

// GetVault returns the shared Vault container
func GetVault() *VaultTestContainer {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedVault
}

// SetContext sets the shared context (called from suite_test.go)
func SetContext(ctx context.Context, cancel context.CancelFunc) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedCtx = ctx
	sharedCancel = cancel
}

// GetContext returns the shared context
func GetContext() context.Context {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedCtx
}

// IsDockerAvailable checks if Docker daemon is running and accessible.
func IsDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}
