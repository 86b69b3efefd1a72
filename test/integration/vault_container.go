//go:build integration

/*
Package integration provides testcontainers-based integration testing for vaultops.

This file implements the VaultTestContainer wrapper around testcontainers-go's Vault module.
Unlike the module's default dev server, the container runs a real server on
integrated (Raft) storage so that it starts uninitialized and sealed, the way
a freshly provisioned node does.
*/
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/vault"
	"github.com/testcontainers/testcontainers-go/wait"
)

// healthPath accepts every server state so that the wait strategy only
// checks that the listener is up
const healthPath = "/v1/sys/health?standbyok=true&uninitcode=200&sealedcode=200&perfstandbyok=true"

// VaultTestContainer wraps a testcontainers Vault instance running one Raft node
type VaultTestContainer struct {
	*vault.VaultContainer
	nodeID  string
	address string
}

// VaultContainerOption configures a VaultTestContainer
type VaultContainerOption func(*vaultContainerOptions)

type vaultContainerOptions struct {
	imageTag       string
	nodeID         string
	envVars        map[string]string
	startupTimeout time.Duration
	logLevel       string
}

func defaultOptions() *vaultContainerOptions {
	return &vaultContainerOptions{
		imageTag:       "1.17.2",
		nodeID:         "vault-0",
		startupTimeout: 60 * time.Second,
		logLevel:       "info",
		envVars:        make(map[string]string),
	}
}

// WithImageTag sets the Vault image tag
func WithImageTag(tag string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.imageTag = tag
	}
}

// WithNodeID sets the Raft node id of the server
func WithNodeID(id string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.nodeID = id
	}
}

// WithStartupTimeout sets custom startup timeout
func WithStartupTimeout(timeout time.Duration) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.startupTimeout = timeout
	}
}

// WithLogLevel sets Vault log level (trace, debug, info, warn, err)
func WithLogLevel(level string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.logLevel = level
	}
}

// WithEnvVar sets an environment variable for the container
func WithEnvVar(key, value string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.envVars[key] = value
	}
}

// serverConfig renders the server configuration handed to the image
// entrypoint through VAULT_LOCAL_CONFIG
func serverConfig(nodeID string) (string, error) {
	cfg := map[string]interface{}{
		"storage": map[string]interface{}{
			"raft": map[string]interface{}{
				"path":    "/vault/file",
				"node_id": nodeID,
			},
		},
		"listener": []map[string]interface{}{
			{"tcp": map[string]interface{}{
				"address":     "0.0.0.0:8200",
				"tls_disable": true,
			}},
		},
		"api_addr":      "http://127.0.0.1:8200",
		"cluster_addr":  "http://127.0.0.1:8201",
		"disable_mlock": true,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewVaultTestContainer creates and starts a new uninitialized Vault server
func NewVaultTestContainer(ctx context.Context, opts ...VaultContainerOption) (*VaultTestContainer, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	config, err := serverConfig(options.nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to render server config: %w", err)
	}

	env := map[string]string{
		"VAULT_LOCAL_CONFIG": config,
		"VAULT_LOG_LEVEL":    options.logLevel,
	}
	for k, v := range options.envVars {
		env[k] = v
	}

	container, err := vault.Run(ctx, "hashicorp/vault:"+options.imageTag,
		testcontainers.WithCmd("server"),
		testcontainers.WithEnv(env),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP(healthPath).WithPort("8200/tcp").WithStartupTimeout(options.startupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start vault container: %w", err)
	}

	address, err := container.HttpHostAddress(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("failed to get vault address: %w", err)
	}

	return &VaultTestContainer{
		VaultContainer: container,
		nodeID:         options.nodeID,
		address:        address,
	}, nil
}

// Address returns the HTTP address of the Vault container
func (v *VaultTestContainer) Address() string {
	return v.address
}

// NodeID returns the Raft node id the server was configured with
func (v *VaultTestContainer) NodeID() string {
	return v.nodeID
}

// Exec executes a vault CLI command inside the container
func (v *VaultTestContainer) Exec(ctx context.Context, cmd []string) (int, string, error) {
	fullCmd := append([]string{"vault"}, cmd...)

	exitCode, reader, err := v.VaultContainer.Exec(ctx, fullCmd, exec.Multiplexed(),
		exec.WithEnv([]string{"VAULT_ADDR=http://127.0.0.1:8200"}))
	if err != nil {
		return exitCode, "", fmt.Errorf("exec failed: %w", err)
	}

	var output string
	if reader != nil {
		data, err := io.ReadAll(reader)
		if err != nil {
			return exitCode, "", fmt.Errorf("failed to read exec output: %w", err)
		}
		output = string(data)
	}

	return exitCode, output, nil
}

// Status runs `vault status` and returns its exit code: 0 unsealed,
// 2 sealed or uninitialized
func (v *VaultTestContainer) Status(ctx context.Context) (int, error) {
	exitCode, _, err := v.Exec(ctx, []string{"status"})
	return exitCode, err
}

// Terminate stops and removes the container
func (v *VaultTestContainer) Terminate(ctx context.Context) error {
	if v.VaultContainer != nil {
		return v.VaultContainer.Terminate(ctx)
	}
	return nil
}
