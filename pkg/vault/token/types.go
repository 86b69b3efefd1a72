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

package token

import (
	"fmt"
	"time"
)

// Default values for issued tokens.
const (
	// DefaultScopedTTL is the lifetime of the orphan token given to downstream tooling.
	DefaultScopedTTL = 30 * time.Minute
)

// Purpose says why a token exists
type Purpose string

const (
	// PurposeInitialRoot is the root token returned by init
	PurposeInitialRoot Purpose = "initial-root"

	// PurposeCeremony is a root token minted by generate-root
	PurposeCeremony Purpose = "ceremony-root"

	// PurposeDownstream is a scoped orphan token for downstream apply
	PurposeDownstream Purpose = "downstream"

	// PurposeAdmin is the admin identity's login token
	PurposeAdmin Purpose = "admin"
)

// RootToken is a privileged credential paired with its accessor
type RootToken struct {
	Token    string
	Accessor string
	Purpose  Purpose
	// Durable tokens outlive the run and are never revoked by it
	Durable bool
}

func (t *RootToken) String() string {
	if t == nil {
		return "RootToken(nil)"
	}
	return fmt.Sprintf("RootToken{purpose: %s, accessor: %s, durable: %t}", t.Purpose, t.Accessor, t.Durable)
}

// MarshalLog implements logr.Marshaler
func (t *RootToken) MarshalLog() interface{} {
	if t == nil {
		return nil
	}
	return map[string]interface{}{
		"purpose":  string(t.Purpose),
		"accessor": t.Accessor,
		"durable":  t.Durable,
	}
}

// RevokeOutcome is the result of revoking one ledger entry
type RevokeOutcome struct {
	Purpose  Purpose
	Accessor string
	Err      error
}

// RevokeReport lists every revocation attempt of a run
type RevokeReport struct {
	Outcomes []RevokeOutcome
}

// Failed returns the outcomes that did not revoke
func (r *RevokeReport) Failed() []RevokeOutcome {
	var out []RevokeOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}
