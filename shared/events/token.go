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

package events

// Token and snapshot event type constants.
const (
	TokenIssuedType   = "token.issued"
	TokenRevokedType  = "token.revoked"
	SnapshotTakenType = "snapshot.taken"
)

// TokenIssued is published when a privileged token is created.
// Only the accessor is carried; the token value never leaves the ledger.
type TokenIssued struct {
	BaseEvent
	Purpose  string
	Accessor string
	Durable  bool
}

// Type returns the event type identifier.
func (e TokenIssued) Type() string {
	return TokenIssuedType
}

// NewTokenIssued creates a TokenIssued event.
func NewTokenIssued(runID, purpose, accessor string, durable bool) TokenIssued {
	return TokenIssued{
		BaseEvent: NewBaseEvent(TokenIssuedType, runID),
		Purpose:   purpose,
		Accessor:  accessor,
		Durable:   durable,
	}
}

// TokenRevoked is published after a revocation attempt, successful or not.
type TokenRevoked struct {
	BaseEvent
	Purpose  string
	Accessor string
	Success  bool
	Error    string
}

// Type returns the event type identifier.
func (e TokenRevoked) Type() string {
	return TokenRevokedType
}

// NewTokenRevoked creates a TokenRevoked event.
func NewTokenRevoked(runID, purpose, accessor string, err error) TokenRevoked {
	e := TokenRevoked{
		BaseEvent: NewBaseEvent(TokenRevokedType, runID),
		Purpose:   purpose,
		Accessor:  accessor,
		Success:   err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// SnapshotTaken is published after a snapshot has been persisted.
type SnapshotTaken struct {
	BaseEvent
	Path    string
	Size    int64
	SHA256  string
	Offsite bool
}

// Type returns the event type identifier.
func (e SnapshotTaken) Type() string {
	return SnapshotTakenType
}

// NewSnapshotTaken creates a SnapshotTaken event.
func NewSnapshotTaken(runID, path string, size int64, sum string, offsite bool) SnapshotTaken {
	return SnapshotTaken{
		BaseEvent: NewBaseEvent(SnapshotTakenType, runID),
		Path:      path,
		Size:      size,
		SHA256:    sum,
		Offsite:   offsite,
	}
}
