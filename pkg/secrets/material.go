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

// Package secrets loads the secret material a run needs and pushes
// operational secrets to downstream stores.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arpanrec/linode-stack/pkg/vault/admin"
	"github.com/arpanrec/linode-stack/pkg/vault/pki"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Environment overrides applied on top of the secrets file
const (
	EnvAdminUsername  = "VAULTOPS_ADMIN_USERNAME"
	EnvAdminPassword  = "VAULTOPS_ADMIN_PASSWORD"
	EnvPKIKeyPassword = "VAULTOPS_PKI_KEY_PASSWORD"
)

// Material is the typed secret input of a run
type Material struct {
	// HAAddress is the load-balanced cluster address
	HAAddress string            `yaml:"vault_ha_address"`
	PKI       pki.Material      `yaml:"root_pki"`
	Admin     admin.Credentials `yaml:"admin"`
	// ExternalServices are pushed to the sinks, one entry per service
	ExternalServices Payload `yaml:"external_services"`
}

// Validate checks that the CA material is present
func (m *Material) Validate() error {
	var errs []error
	if m.PKI.CertPEM == "" {
		errs = append(errs, infraerrors.NewValidationError("root_pki.cert", "", "root CA certificate is required"))
	}
	if m.PKI.KeyPEM == "" {
		errs = append(errs, infraerrors.NewValidationError("root_pki.key", "", "root CA key is required"))
	}
	for name := range m.ExternalServices {
		if name == "" {
			errs = append(errs, infraerrors.NewValidationError("external_services", "", "service name must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// Provider supplies the secret material
type Provider interface {
	Load(ctx context.Context) (*Material, error)
}

// FileProvider reads material from a YAML file. Values from EnvFiles and
// then from the process environment override the file.
type FileProvider struct {
	Path     string
	EnvFiles []string
	// lookupEnv defaults to os.LookupEnv
	lookupEnv func(string) (string, bool)
}

// NewFileProvider creates a FileProvider
func NewFileProvider(path string, envFiles ...string) *FileProvider {
	return &FileProvider{Path: path, EnvFiles: envFiles, lookupEnv: os.LookupEnv}
}

// Load reads, overrides and validates the material
func (p *FileProvider) Load(_ context.Context) (*Material, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	m := &Material{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, infraerrors.NewValidationError("secrets", p.Path, fmt.Sprintf("invalid YAML: %v", err))
	}

	overrides := map[string]string{}
	if len(p.EnvFiles) > 0 {
		overrides, err = godotenv.Read(p.EnvFiles...)
		if err != nil {
			return nil, fmt.Errorf("read env files: %w", err)
		}
	}
	lookup := p.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := overrides[key]
		return v, ok
	}

	if v, ok := value(EnvAdminUsername); ok {
		m.Admin.Username = v
	}
	if v, ok := value(EnvAdminPassword); ok {
		m.Admin.Password = v
	}
	if v, ok := value(EnvPKIKeyPassword); ok {
		m.PKI.Password = v
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
