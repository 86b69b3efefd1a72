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
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/metrics"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	"github.com/arpanrec/linode-stack/pkg/vault/token"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Default values for cluster configuration.
const (
	// DefaultShares is the number of unseal key shares init creates.
	DefaultShares = 5

	// DefaultThreshold is the number of shares needed to unseal.
	DefaultThreshold = 3

	// DefaultStageAttempts bounds how often a retryable stage is re-run.
	DefaultStageAttempts = 5

	// DefaultConcurrency caps parallel per-node operations.
	DefaultConcurrency = 5

	// DefaultProbeTimeout bounds one health probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultSecretsMount is the KV v2 mount external service secrets go to.
	DefaultSecretsMount = "secret"

	// DefaultSecretsPath is the path prefix under DefaultSecretsMount.
	DefaultSecretsPath = "external_services"

	// DefaultSnapshotDir is where snapshots are kept when none is configured.
	DefaultSnapshotDir = "snapshots"
)

// NodeDescriptor describes one inventory node.
type NodeDescriptor struct {
	// ID is the Raft node id.
	ID string

	// APIAddress is the node's API URL, e.g. https://vault-0.example.com:8200.
	APIAddress string

	// ClusterAddress is the address the node advertises for Raft traffic.
	ClusterAddress string

	// CACertPEM is the node's TLS trust anchor. The root CA is used when empty.
	CACertPEM string

	// ServerName overrides the TLS server name.
	ServerName string

	// Voter controls whether the node joins as a voting member.
	Voter bool
}

// ClusterConfig is the immutable description of one run.
type ClusterConfig struct {
	// Name labels the cluster in logs.
	Name string

	// Nodes is the desired Raft topology.
	Nodes []NodeDescriptor

	// HAAddress is the load-balanced cluster address. The ready node's
	// address is used when empty.
	HAAddress string

	// Shares and Threshold configure init.
	Shares    int
	Threshold int

	// PKI is the root CA material.
	PKI pki.Material

	// PKIMount is where the root CA is imported (default: "pki").
	PKIMount string

	// PKIURLs are the issuing and CRL URLs written to the PKI mount.
	PKIURLs vault.PKIURLs

	// Admin is the userpass identity the cluster is handed over to.
	Admin admin.Credentials

	// AdminPolicy is the name of the admin policy (default: "admin").
	AdminPolicy string

	// AdminAuthMount is the userpass mount path (default: "userpass").
	AdminAuthMount string

	// WorkDir is the parent of the run's transient directory. The system
	// temp directory is used when empty.
	WorkDir string

	// Retry configures per-call retries and backoff between stage attempts.
	Retry retry.Config

	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration

	// Concurrency caps parallel per-node operations.
	Concurrency int

	// StageAttempts bounds how often a retryable stage is re-run.
	StageAttempts int

	// SnapshotDir holds local snapshots.
	SnapshotDir string

	// SnapshotRetention is how many local snapshots are kept.
	SnapshotRetention int

	// SnapshotTimeout bounds one snapshot stream, which outlasts Retry.CallTimeout
	// on large clusters.
	SnapshotTimeout time.Duration

	// DownstreamPolicies are attached to the token handed to the downstream
	// applier (default: the admin policy).
	DownstreamPolicies []string

	// DownstreamTTL is the lifetime of that token.
	DownstreamTTL time.Duration

	// SecretsMount and SecretsPath address the KV v2 location Secrets are
	// written to.
	SecretsMount string
	SecretsPath  string

	// Secrets are the external service secrets pushed to every sink.
	Secrets secrets.Payload
}

// WithDefaults returns a copy of ClusterConfig with default values applied.
func (c *ClusterConfig) WithDefaults() *ClusterConfig {
	cfg := *c
	cfg.Nodes = append([]NodeDescriptor(nil), c.Nodes...)
	if cfg.Shares == 0 {
		cfg.Shares = DefaultShares
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PKIMount == "" {
		cfg.PKIMount = pki.DefaultMount
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = admin.DefaultUsername
	}
	if cfg.AdminPolicy == "" {
		cfg.AdminPolicy = admin.DefaultPolicyName
	}
	if cfg.AdminAuthMount == "" {
		cfg.AdminAuthMount = admin.DefaultAuthMount
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.StageAttempts == 0 {
		cfg.StageAttempts = DefaultStageAttempts
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = DefaultSnapshotDir
	}
	if cfg.SnapshotRetention == 0 {
		cfg.SnapshotRetention = snapshot.DefaultRetention
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = snapshot.DefaultTimeout
	}
	if len(cfg.DownstreamPolicies) == 0 {
		cfg.DownstreamPolicies = []string{cfg.AdminPolicy}
	}
	if cfg.DownstreamTTL == 0 {
		cfg.DownstreamTTL = token.DefaultScopedTTL
	}
	if cfg.SecretsMount == "" {
		cfg.SecretsMount = DefaultSecretsMount
	}
	if cfg.SecretsPath == "" {
		cfg.SecretsPath = DefaultSecretsPath
	}
	return &cfg
}

// Validate returns every problem with the configuration, joined.
func (c *ClusterConfig) Validate() error {
	var errs []error
	add := func(field, value, msg string) {
		errs = append(errs, infraerrors.NewValidationError(field, value, msg))
	}

	if len(c.Nodes) == 0 {
		add("nodes", "", "at least one node is required")
	}
	seen := make(map[string]bool, len(c.Nodes))
	voters := 0
	for i, n := range c.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		switch {
		case n.ID == "":
			add(field+".id", "", "node id is required")
		case seen[n.ID]:
			add(field+".id", n.ID, "duplicate node id")
		}
		seen[n.ID] = true
		if err := validURL(n.APIAddress); err != nil {
			add(field+".api_address", n.APIAddress, err.Error())
		}
		if n.Voter {
			voters++
		}
	}
	if len(c.Nodes) > 0 && voters == 0 {
		add("nodes", "", "at least one node must be a voter")
	}
	if c.HAAddress != "" {
		if err := validURL(c.HAAddress); err != nil {
			add("ha_address", c.HAAddress, err.Error())
		}
	}

	if c.Shares < 1 {
		add("shares", strconv.Itoa(c.Shares), "must be at least 1")
	}
	if c.Threshold < 1 || c.Threshold > c.Shares {
		add("threshold", strconv.Itoa(c.Threshold), fmt.Sprintf("must be between 1 and shares (%d)", c.Shares))
	}
	if c.PKI.CertPEM == "" {
		add("pki.cert", "", "root CA certificate is required")
	}
	if c.PKI.KeyPEM == "" {
		add("pki.key", "", "root CA key is required")
	}
	if c.Admin.Username == "" {
		add("admin.username", "", "admin username is required")
	}
	if c.StageAttempts < 1 {
		add("stage_attempts", strconv.Itoa(c.StageAttempts), "must be at least 1")
	}
	if c.SnapshotRetention < 1 {
		add("snapshot_retention", strconv.Itoa(c.SnapshotRetention), "must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", strconv.Itoa(c.Retry.MaxRetries), "must not be negative")
	}
	return errors.Join(errs...)
}

func validURL(raw string) error {
	if raw == "" {
		return errors.New("address is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// Dependencies are the collaborators a run hands work to. Every field is
// optional.
type Dependencies struct {
	// Custodian keeps unseal material between runs.
	Custodian seal.KeyCustodian

	// Applier applies downstream configuration with a scoped token.
	Applier DownstreamApplier

	// Sinks receive the external service secrets next to Vault KV.
	Sinks []secrets.Sink

	// Offsite receives a copy of every snapshot.
	Offsite snapshot.Offsite

	// Metrics is subscribed to the run's event bus.
	Metrics *metrics.Recorder

	// Events is the bus stage and cluster events are published on. A
	// private bus is created when nil.
	Events *events.EventBus
}

// ClusterHandle is the outcome of a successful run.
type ClusterHandle struct {
	// Client is authenticated against the HA address with the admin
	// identity's token.
	Client *vault.Client

	// Address is the address Client talks to.
	Address string

	// RunID identifies the run in logs, metrics and snapshot names.
	RunID string

	// ReadyNode is the node that served as the active node.
	ReadyNode string

	// Snapshot is the snapshot taken at the end of the run.
	Snapshot *snapshot.Snapshot

	// Stages holds the outcome of every stage in order.
	Stages []infraerrors.StageResult
}

// Stage returns the outcome of the named stage.
func (h *ClusterHandle) Stage(name string) (infraerrors.StageResult, bool) {
	for _, s := range h.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return infraerrors.StageResult{}, false
}

// Close drops the client's token.
func (h *ClusterHandle) Close() {
	if h.Client != nil {
		h.Client.SwapToken("")
	}
}
