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

// Cluster event type constants.
const (
	NodeStateObservedType     = "node.state_observed"
	UnsealShareSubmittedType  = "node.unseal_share_submitted"
	RaftMembershipChangedType = "raft.membership_changed"
)

// Raft membership actions.
const (
	RaftActionJoin   = "join"
	RaftActionRemove = "remove"
)

// NodeStateObserved is published every time the readiness probe classifies a node.
type NodeStateObserved struct {
	BaseEvent
	Node    string
	Address string
	State   string
}

// Type returns the event type identifier.
func (e NodeStateObserved) Type() string {
	return NodeStateObservedType
}

// NewNodeStateObserved creates a NodeStateObserved event.
func NewNodeStateObserved(runID, node, address, state string) NodeStateObserved {
	return NodeStateObserved{
		BaseEvent: NewBaseEvent(NodeStateObservedType, runID),
		Node:      node,
		Address:   address,
		State:     state,
	}
}

// UnsealShareSubmitted is published after each key share is accepted by a node.
// It never carries the share itself.
type UnsealShareSubmitted struct {
	BaseEvent
	Node      string
	Progress  int
	Threshold int
	Sealed    bool
}

// Type returns the event type identifier.
func (e UnsealShareSubmitted) Type() string {
	return UnsealShareSubmittedType
}

// NewUnsealShareSubmitted creates an UnsealShareSubmitted event.
func NewUnsealShareSubmitted(runID, node string, progress, threshold int, sealed bool) UnsealShareSubmitted {
	return UnsealShareSubmitted{
		BaseEvent: NewBaseEvent(UnsealShareSubmittedType, runID),
		Node:      node,
		Progress:  progress,
		Threshold: threshold,
		Sealed:    sealed,
	}
}

// RaftMembershipChanged is published when a peer joins or is removed.
type RaftMembershipChanged struct {
	BaseEvent
	Node   string
	Action string
}

// Type returns the event type identifier.
func (e RaftMembershipChanged) Type() string {
	return RaftMembershipChangedType
}

// NewRaftMembershipChanged creates a RaftMembershipChanged event.
func NewRaftMembershipChanged(runID, node, action string) RaftMembershipChanged {
	return RaftMembershipChanged{
		BaseEvent: NewBaseEvent(RaftMembershipChangedType, runID),
		Node:      node,
		Action:    action,
	}
}
