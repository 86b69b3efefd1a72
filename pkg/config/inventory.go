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

// Package config turns the inventory file, the secret material and the run
// settings into a validated bootstrap.ClusterConfig.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/bootstrap"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Inventory is the typed description of the cluster a run bootstraps.
type Inventory struct {
	Name string `yaml:"name"`

	// HAAddress overrides the address from the secret material
	HAAddress string `yaml:"ha_address"`

	Shares    int `yaml:"shares"`
	Threshold int `yaml:"threshold"`

	Nodes      []NodeEntry     `yaml:"nodes"`
	PKI        PKIEntry        `yaml:"pki"`
	Admin      AdminEntry      `yaml:"admin"`
	Downstream DownstreamEntry `yaml:"downstream"`
	Secrets    SecretsEntry    `yaml:"secrets"`
	Snapshot   SnapshotEntry   `yaml:"snapshot"`
}

// NodeEntry is one server of the inventory.
type NodeEntry struct {
	ID             string `yaml:"id"`
	APIAddress     string `yaml:"api_address"`
	ClusterAddress string `yaml:"cluster_address"`
	// CACertFile is relative to the inventory file when not absolute
	CACertFile string `yaml:"ca_cert_file"`
	ServerName string `yaml:"server_name"`
	NonVoter   bool   `yaml:"non_voter"`
}

// PKIEntry configures the PKI mount.
type PKIEntry struct {
	Mount                 string   `yaml:"mount"`
	IssuingCertificates   []string `yaml:"issuing_certificates"`
	CRLDistributionPoints []string `yaml:"crl_distribution_points"`
}

// AdminEntry names the admin policy and userpass mount.
type AdminEntry struct {
	Policy    string `yaml:"policy"`
	AuthMount string `yaml:"auth_mount"`
}

// DownstreamEntry configures the command run after the cluster is ready.
type DownstreamEntry struct {
	Command  []string `yaml:"command"`
	Dir      string   `yaml:"dir"`
	Env      []string `yaml:"env"`
	Policies []string `yaml:"policies"`
	TTL      string   `yaml:"ttl"`
}

// SecretsEntry is where external service secrets land in Vault.
type SecretsEntry struct {
	Mount string `yaml:"mount"`
	Path  string `yaml:"path"`
}

// SnapshotEntry overrides the snapshot settings per cluster.
type SnapshotEntry struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

// LoadInventory reads and strictly decodes an inventory file. Unknown keys
// are rejected so that typos do not silently fall back to defaults.
func LoadInventory(path string) (*Inventory, error) {
	// #nosec G304 -- the inventory path is operator input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var inv Inventory
	if err := dec.Decode(&inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, infraerrors.NewValidationError("inventory", path, err.Error())
	}

	base := filepath.Dir(path)
	for i := range inv.Nodes {
		if f := inv.Nodes[i].CACertFile; f != "" && !filepath.IsAbs(f) {
			inv.Nodes[i].CACertFile = filepath.Join(base, f)
		}
	}
	return &inv, nil
}

// ClusterConfig merges the inventory with the secret material and the run
// settings and validates the result.
func (inv *Inventory) ClusterConfig(material *secrets.Material, settings *Settings) (*bootstrap.ClusterConfig, error) {
	if material == nil {
		return nil, infraerrors.NewValidationError("secrets", "", "secret material is required")
	}
	if settings == nil {
		settings = DefaultSettings()
	}

	var errs []error
	nodes := make([]bootstrap.NodeDescriptor, 0, len(inv.Nodes))
	for i, n := range inv.Nodes {
		desc := bootstrap.NodeDescriptor{
			ID:             n.ID,
			APIAddress:     n.APIAddress,
			ClusterAddress: n.ClusterAddress,
			ServerName:     n.ServerName,
			Voter:          !n.NonVoter,
		}
		if n.CACertFile != "" {
			// #nosec G304 -- path comes from the inventory
			pem, err := os.ReadFile(n.CACertFile)
			if err != nil {
				errs = append(errs, infraerrors.NewValidationError(
					fmt.Sprintf("nodes[%d].ca_cert_file", i), n.CACertFile, err.Error()))
			}
			desc.CACertPEM = string(pem)
		}
		nodes = append(nodes, desc)
	}

	var ttl time.Duration
	if inv.Downstream.TTL != "" {
		d, err := time.ParseDuration(inv.Downstream.TTL)
		if err != nil || d <= 0 {
			errs = append(errs, infraerrors.NewValidationError("downstream.ttl", inv.Downstream.TTL, "must be a positive duration"))
		}
		ttl = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	ha := material.HAAddress
	if inv.HAAddress != "" {
		ha = inv.HAAddress
	}

	cfg := &bootstrap.ClusterConfig{
		Name:      inv.Name,
		Nodes:     nodes,
		HAAddress: ha,
		Shares:    inv.Shares,
		Threshold: inv.Threshold,
		PKI:       material.PKI,
		PKIMount:  inv.PKI.Mount,
		PKIURLs: vault.PKIURLs{
			IssuingCertificates:   inv.PKI.IssuingCertificates,
			CRLDistributionPoints: inv.PKI.CRLDistributionPoints,
		},
		Admin:              material.Admin,
		AdminPolicy:        inv.Admin.Policy,
		AdminAuthMount:     inv.Admin.AuthMount,
		WorkDir:            settings.WorkDir,
		Retry:              settings.RetryConfig(),
		ProbeTimeout:       settings.ProbeTimeout,
		Concurrency:        settings.Concurrency,
		StageAttempts:      settings.StageAttempts,
		SnapshotDir:        firstNonEmpty(inv.Snapshot.Dir, settings.Snapshot.Dir),
		SnapshotRetention:  firstPositive(inv.Snapshot.Retention, settings.Snapshot.Retention),
		SnapshotTimeout:    settings.Snapshot.Timeout,
		DownstreamPolicies: inv.Downstream.Policies,
		DownstreamTTL:      ttl,
		SecretsMount:       inv.Secrets.Mount,
		SecretsPath:        inv.Secrets.Path,
		Secrets:            material.ExternalServices,
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Applier returns the command applier the inventory configures, or nil.
func (inv *Inventory) Applier() *bootstrap.CommandApplier {
	if len(inv.Downstream.Command) == 0 {
		return nil
	}
	return &bootstrap.CommandApplier{
		Command: inv.Downstream.Command,
		Dir:     inv.Downstream.Dir,
		Env:     inv.Downstream.Env,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
