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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const inventoryYAML = `
name: linode-vault
shares: 3
threshold: 2
nodes:
  - id: vault-0
    api_address: https://vault-0.example.com:8200
    cluster_address: vault-0.example.com:8201
    ca_cert_file: certs/vault-0.pem
  - id: vault-1
    api_address: https://vault-1.example.com:8200
  - id: vault-2
    api_address: https://vault-2.example.com:8200
    non_voter: true
pki:
  issuing_certificates: [https://vault.example.com:8200/v1/pki/ca]
admin:
  policy: ops
downstream:
  command: [terraform, apply, -auto-approve]
  dir: /srv/terraform
  ttl: 15m
snapshot:
  retention: 9
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testMaterial() *secrets.Material {
	return &secrets.Material{
		HAAddress: "https://vault.example.com:8200",
		PKI:       pki.Material{CertPEM: "cert", KeyPEM: "key", Password: "pw"},
		Admin:     admin.Credentials{Username: "root-admin", Password: "secret"},
		ExternalServices: secrets.Payload{
			"linode": {"token": "abc"},
		},
	}
}

func fieldsOf(err error) map[string]bool {
	out := map[string]bool{}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var verr *infraerrors.ValidationError
			if errors.As(e, &verr) {
				out[verr.Field] = true
			}
		}
		return out
	}
	var verr *infraerrors.ValidationError
	if errors.As(err, &verr) {
		out[verr.Field] = true
	}
	return out
}

func TestInventory_ClusterConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "certs/vault-0.pem", "NODE CA")
	path := writeFile(t, dir, "inventory.yml", inventoryYAML)

	inv, err := LoadInventory(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "certs/vault-0.pem"), inv.Nodes[0].CACertFile)

	cfg, err := inv.ClusterConfig(testMaterial(), DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, "linode-vault", cfg.Name)
	assert.Equal(t, 3, cfg.Shares)
	assert.Equal(t, 2, cfg.Threshold)
	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, "NODE CA", cfg.Nodes[0].CACertPEM)
	assert.True(t, cfg.Nodes[1].Voter)
	assert.False(t, cfg.Nodes[2].Voter)

	assert.Equal(t, "https://vault.example.com:8200", cfg.HAAddress)
	assert.Equal(t, "root-admin", cfg.Admin.Username)
	assert.Equal(t, "ops", cfg.AdminPolicy)
	assert.Equal(t, []string{"ops"}, cfg.DownstreamPolicies)
	assert.Equal(t, 15*time.Minute, cfg.DownstreamTTL)
	assert.Equal(t, 9, cfg.SnapshotRetention)
	assert.Equal(t, snapshot.DefaultTimeout, cfg.SnapshotTimeout)
	assert.Equal(t, pki.DefaultMount, cfg.PKIMount)
	assert.Equal(t, []string{"https://vault.example.com:8200/v1/pki/ca"}, cfg.PKIURLs.IssuingCertificates)
	assert.Equal(t, retry.DefaultConfig(), cfg.Retry)
	assert.Contains(t, cfg.Secrets, "linode")

	applier := inv.Applier()
	require.NotNil(t, applier)
	assert.Equal(t, []string{"terraform", "apply", "-auto-approve"}, applier.Command)
	assert.Equal(t, "/srv/terraform", applier.Dir)
}

func TestInventory_HAAddressOverride(t *testing.T) {
	inv := &Inventory{
		HAAddress: "https://lb.example.com:8200",
		Nodes:     []NodeEntry{{ID: "vault-0", APIAddress: "https://vault-0:8200"}},
	}
	cfg, err := inv.ClusterConfig(testMaterial(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://lb.example.com:8200", cfg.HAAddress)
	assert.Nil(t, inv.Applier())
}

func TestLoadInventory_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadInventory(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)

	path := writeFile(t, dir, "typo.yml", "nodes:\n  - id: vault-0\n    api_adress: https://x:8200\n")
	_, err = LoadInventory(path)
	assert.True(t, fieldsOf(err)["inventory"], "unknown keys must be rejected: %v", err)

	path = writeFile(t, dir, "empty.yml", "")
	inv, err := LoadInventory(path)
	require.NoError(t, err)
	_, err = inv.ClusterConfig(testMaterial(), nil)
	assert.True(t, fieldsOf(err)["nodes"], "empty inventory must fail validation: %v", err)
}

func TestInventory_ClusterConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		inv   Inventory
		field string
	}{
		{
			name: "unreadable node CA",
			inv: Inventory{Nodes: []NodeEntry{
				{ID: "vault-0", APIAddress: "https://vault-0:8200", CACertFile: "/nonexistent/ca.pem"},
			}},
			field: "nodes[0].ca_cert_file",
		},
		{
			name: "bad downstream ttl",
			inv: Inventory{
				Nodes:      []NodeEntry{{ID: "vault-0", APIAddress: "https://vault-0:8200"}},
				Downstream: DownstreamEntry{TTL: "soon"},
			},
			field: "downstream.ttl",
		},
		{
			name:  "threshold above shares",
			inv:   Inventory{Shares: 2, Threshold: 3, Nodes: []NodeEntry{{ID: "vault-0", APIAddress: "https://vault-0:8200"}}},
			field: "threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.inv.ClusterConfig(testMaterial(), nil)
			require.Error(t, err)
			assert.True(t, fieldsOf(err)[tt.field], "want error on %s, got %v", tt.field, err)
		})
	}

	_, err := (&Inventory{}).ClusterConfig(nil, nil)
	assert.True(t, fieldsOf(err)["secrets"])
}

func TestSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "console", s.Log.Format)
	assert.Equal(t, retry.DefaultConfig(), s.RetryConfig())
	assert.Equal(t, 5*time.Second, s.ProbeTimeout)
	assert.Equal(t, 5, s.StageAttempts)
	assert.Equal(t, 5, s.Concurrency)
	assert.Equal(t, 5, s.Snapshot.Retention)
	assert.False(t, s.Snapshot.S3.Enabled())
	assert.False(t, s.Sinks.Redis.Enabled())
	assert.False(t, s.Sinks.Kubernetes.Enabled())
	assert.Equal(t, 5, s.S3().Retention)
	assert.Equal(t, DefaultSettings(), s)
}

func TestSettings_EnvironmentOverrides(t *testing.T) {
	t.Setenv("VAULTOPS_LOG_LEVEL", "debug")
	t.Setenv("VAULTOPS_RETRY_INITIAL_DELAY", "2s")
	t.Setenv("VAULTOPS_STAGE_ATTEMPTS", "8")
	t.Setenv("VAULTOPS_SNAPSHOT_S3_BUCKET", "backups")
	t.Setenv("VAULTOPS_SINKS_REDIS_ADDR", "redis:6379")

	s, err := LoadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 2*time.Second, s.Retry.InitialDelay)
	assert.Equal(t, 8, s.StageAttempts)
	assert.True(t, s.Snapshot.S3.Enabled())
	assert.Equal(t, "redis:6379", s.Sinks.Redis.Addr)
}

func TestSettings_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vaultops.yaml", `
log:
  format: json
concurrency: 2
sinks:
  kubernetes:
    namespace: platform
`)
	s, err := LoadSettings(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 2, s.Concurrency)
	assert.True(t, s.Sinks.Kubernetes.Enabled())
	assert.Equal(t, "vaultops", s.Sinks.Kubernetes.NamePrefix)
}

func TestSettings_Validate(t *testing.T) {
	t.Setenv("VAULTOPS_LOG_FORMAT", "xml")
	t.Setenv("VAULTOPS_CONCURRENCY", "0")
	t.Setenv("VAULTOPS_RETRY_JITTER", "1.5")

	_, err := LoadSettings(NewViper(), "")
	require.Error(t, err)
	fields := fieldsOf(err)
	for _, f := range []string{"log.format", "concurrency", "retry.jitter"} {
		assert.True(t, fields[f], "missing error for %s: %v", f, err)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	path := writeFile(t, t.TempDir(), "test.env", "VAULTOPS_METRICS_JOB=from-file\nVAULTOPS_WORK_DIR=/from/file\n")
	t.Setenv("VAULTOPS_WORK_DIR", "/from/env")
	t.Cleanup(func() { _ = os.Unsetenv("VAULTOPS_METRICS_JOB") })

	require.NoError(t, LoadEnvFiles(path))
	s, err := LoadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "from-file", s.Metrics.Job)
	assert.Equal(t, "/from/env", s.WorkDir, "process environment wins over env files")

	assert.Error(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env")))
}
