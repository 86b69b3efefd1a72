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
	"fmt"
	"strconv"

	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// UnsealMaterial is the key material produced by init, or loaded from custody on
// a re-run. It never renders its shares or token through fmt or logr.
type UnsealMaterial struct {
	Threshold int      `yaml:"threshold"`
	Shares    []string `yaml:"shares"`
	// RootToken is the initial root token; empty when the material came from custody
	// after the token was revoked.
	RootToken string `yaml:"root_token,omitempty"`
}

// HasKeys reports whether the material can drive an unseal or root ceremony
func (m *UnsealMaterial) HasKeys() bool {
	return m != nil && m.Threshold > 0 && len(m.Shares) >= m.Threshold
}

// Validate checks threshold and share count
func (m *UnsealMaterial) Validate() error {
	if m == nil {
		return infraerrors.NewValidationError("material", "", "no unseal material")
	}
	if m.Threshold < 1 {
		return infraerrors.NewValidationError("material.threshold", strconv.Itoa(m.Threshold), "must be at least 1")
	}
	if len(m.Shares) < m.Threshold {
		return infraerrors.NewValidationError("material.shares", strconv.Itoa(len(m.Shares)),
			fmt.Sprintf("need at least %d shares", m.Threshold))
	}
	for i, s := range m.Shares {
		if s == "" {
			return infraerrors.NewValidationError(fmt.Sprintf("material.shares[%d]", i), "", "empty share")
		}
	}
	return nil
}

// Wipe drops every reference to the shares and token
func (m *UnsealMaterial) Wipe() {
	if m == nil {
		return
	}
	for i := range m.Shares {
		m.Shares[i] = ""
	}
	m.Shares = nil
	m.RootToken = ""
	m.Threshold = 0
}

func (m *UnsealMaterial) String() string {
	if m == nil {
		return "UnsealMaterial(nil)"
	}
	return fmt.Sprintf("UnsealMaterial{threshold: %d, shares: %d, rootToken: %s}",
		m.Threshold, len(m.Shares), redacted(m.RootToken))
}

// MarshalLog implements logr.Marshaler
func (m *UnsealMaterial) MarshalLog() interface{} {
	if m == nil {
		return nil
	}
	return struct {
		Threshold int    `json:"threshold"`
		Shares    int    `json:"shares"`
		RootToken string `json:"rootToken"`
	}{m.Threshold, len(m.Shares), redacted(m.RootToken)}
}

func redacted(s string) string {
	if s == "" {
		return "<none>"
	}
	return "<redacted>"
}
