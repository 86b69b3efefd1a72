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

package pki

import (
	"context"
	"slices"

	"github.com/go-logr/logr"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/shared/hash"
)

// Defaults for the root PKI mount
const (
	DefaultMount       = "pki"
	DefaultMaxLeaseTTL = "87600h"
)

// Target is the node API surface the provisioner needs
type Target interface {
	IsMountEnabled(ctx context.Context, path string) (bool, error)
	EnableMount(ctx context.Context, path, engineType, maxLeaseTTL string) error
	ReadPKICA(ctx context.Context, mount string) (string, error)
	ImportPKIBundle(ctx context.Context, mount, pemBundle string) error
	ReadPKIURLs(ctx context.Context, mount string) (vault.PKIURLs, error)
	ConfigurePKIURLs(ctx context.Context, mount string, urls vault.PKIURLs) error
}

// Config holds Provisioner settings
type Config struct {
	Mount       string
	MaxLeaseTTL string
	// URLs are left untouched when empty
	URLs  vault.PKIURLs
	Retry retry.Config
}

// Result lists what one provisioning pass wrote
type Result struct {
	Mounted        bool
	Imported       bool
	URLsConfigured bool
}

// Changed reports whether anything was written
func (r *Result) Changed() bool {
	return r.Mounted || r.Imported || r.URLsConfigured
}

// Provisioner bootstraps the root PKI mount
type Provisioner struct {
	cfg Config
	log logr.Logger
}

// NewProvisioner creates a Provisioner
func NewProvisioner(cfg Config, log logr.Logger) *Provisioner {
	if cfg.Mount == "" {
		cfg.Mount = DefaultMount
	}
	if cfg.MaxLeaseTTL == "" {
		cfg.MaxLeaseTTL = DefaultMaxLeaseTTL
	}
	return &Provisioner{cfg: cfg, log: log.WithName("pki").WithValues(logger.KeyVaultPath, cfg.Mount)}
}

// Provision mounts the PKI engine when missing, imports ca unless the mount
// already holds a CA with the same fingerprint, and configures issuing URLs
// when they differ.
func (p *Provisioner) Provision(ctx context.Context, target Target, ca *CA) (*Result, error) {
	result := &Result{}

	var mounted bool
	err := retry.Do(ctx, p.cfg.Retry, "list mounts", func(ctx context.Context) error {
		var err error
		mounted, err = target.IsMountEnabled(ctx, p.cfg.Mount)
		return err
	})
	if err != nil {
		return result, err
	}
	if !mounted {
		err := retry.Do(ctx, p.cfg.Retry, "enable pki mount", func(ctx context.Context) error {
			return target.EnableMount(ctx, p.cfg.Mount, "pki", p.cfg.MaxLeaseTTL)
		})
		if err != nil {
			return result, err
		}
		p.log.Info("enabled pki mount", "maxLeaseTTL", p.cfg.MaxLeaseTTL)
		result.Mounted = true
	}

	if err := p.importCA(ctx, target, ca, result); err != nil {
		return result, err
	}
	if err := p.configureURLs(ctx, target, result); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Provisioner) importCA(ctx context.Context, target Target, ca *CA, result *Result) error {
	var current string
	err := retry.Do(ctx, p.cfg.Retry, "read pki ca", func(ctx context.Context) error {
		var err error
		current, err = target.ReadPKICA(ctx, p.cfg.Mount)
		return err
	})
	if err != nil {
		return err
	}

	want := ca.Fingerprint()
	have := hash.CertFingerprint([]byte(current))
	if hash.Equals(have, want) {
		p.log.V(1).Info("pki mount already holds the CA", "fingerprint", want)
		return nil
	}
	if have != "" {
		p.log.Info("pki mount holds a different CA; importing the supplied one", "current", have, "desired", want)
	}

	bundle, err := ca.Bundle()
	if err != nil {
		return err
	}
	err = retry.Do(ctx, p.cfg.Retry, "import pki bundle", func(ctx context.Context) error {
		return target.ImportPKIBundle(ctx, p.cfg.Mount, bundle)
	})
	if err != nil {
		return err
	}
	p.log.Info("imported root CA", "fingerprint", want, "subject", ca.Cert.Subject.CommonName)
	result.Imported = true
	return nil
}

func (p *Provisioner) configureURLs(ctx context.Context, target Target, result *Result) error {
	want := p.cfg.URLs
	if len(want.IssuingCertificates) == 0 && len(want.CRLDistributionPoints) == 0 {
		return nil
	}

	var have vault.PKIURLs
	err := retry.Do(ctx, p.cfg.Retry, "read pki urls", func(ctx context.Context) error {
		var err error
		have, err = target.ReadPKIURLs(ctx, p.cfg.Mount)
		return err
	})
	if err != nil {
		return err
	}
	if slices.Equal(have.IssuingCertificates, want.IssuingCertificates) &&
		slices.Equal(have.CRLDistributionPoints, want.CRLDistributionPoints) {
		return nil
	}

	err = retry.Do(ctx, p.cfg.Retry, "configure pki urls", func(ctx context.Context) error {
		return target.ConfigurePKIURLs(ctx, p.cfg.Mount, want)
	})
	if err != nil {
		return err
	}
	p.log.Info("configured pki urls", "issuing", want.IssuingCertificates, "crl", want.CRLDistributionPoints)
	result.URLsConfigured = true
	return nil
}
