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

package seal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// KeyCustodian keeps unseal material between runs. Load returns nil, nil
// when nothing is in custody.
type KeyCustodian interface {
	Load(ctx context.Context) (*UnsealMaterial, error)
	Store(ctx context.Context, material *UnsealMaterial) error
}

// FileCustodian keeps material in a 0600 YAML file
type FileCustodian struct {
	Path string
}

// NewFileCustodian creates a FileCustodian for path
func NewFileCustodian(path string) *FileCustodian {
	return &FileCustodian{Path: path}
}

// Load reads material from disk
func (f *FileCustodian) Load(_ context.Context) (*UnsealMaterial, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read unseal material: %w", err)
	}

	var m UnsealMaterial
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse unseal material %s: %w", f.Path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("unseal material %s: %w", f.Path, err)
	}
	return &m, nil
}

// Store writes material through a temp file and rename so a crash never
// leaves a truncated file behind.
func (f *FileCustodian) Store(_ context.Context, material *UnsealMaterial) error {
	if err := material.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(material)
	if err != nil {
		return fmt.Errorf("encode unseal material: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create custody directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".unseal-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("rename unseal material: %w", err)
	}
	return nil
}
