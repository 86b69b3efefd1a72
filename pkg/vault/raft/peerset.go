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

package raft

import (
	"sort"

	"github.com/arpanrec/linode-stack/pkg/vault"
)

// PeerSet maps node ID to voter flag
type PeerSet map[string]bool

// ObservedPeers builds a PeerSet from a Raft configuration
func ObservedPeers(peers []vault.RaftPeer) PeerSet {
	set := make(PeerSet, len(peers))
	for _, p := range peers {
		set[p.NodeID] = p.Voter
	}
	return set
}

// Has reports membership
func (s PeerSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the sorted member IDs
func (s PeerSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Diff returns the desired peers missing from observed and the observed peers
// that are not desired. target is never part of either list.
func Diff(desired, observed PeerSet, target string) (join, remove []string) {
	for _, id := range desired.IDs() {
		if id != target && !observed.Has(id) {
			join = append(join, id)
		}
	}
	for _, id := range observed.IDs() {
		if id != target && !desired.Has(id) {
			remove = append(remove, id)
		}
	}
	return join, remove
}

// VoterMismatches lists peers present in both sets with a different voter flag
func VoterMismatches(desired, observed PeerSet) []string {
	var out []string
	for _, id := range desired.IDs() {
		if voter, ok := observed[id]; ok && voter != desired[id] {
			out = append(out, id)
		}
	}
	return out
}
