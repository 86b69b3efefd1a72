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

/*
Package fakevault serves an in-process, multi-node imitation of a Raft-backed
Vault cluster over httptest. Every node shares one cluster state (barrier,
tokens, policies, mounts, PKI, KV) while seal status, unseal progress and
reachability are tracked per node.

The fake implements only the endpoints vaultops drives and records counters
that tests assert on (init calls, submitted shares, configuration writes).
*/
package fakevault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Options configures a fake cluster
type Options struct {
	// AutoJoin adds a node to the Raft configuration as soon as it unseals
	AutoJoin bool
	// LegacyRootEncoding makes generate-root use the pre-1.10 base64 OTP
	// scheme, where the client must supply the OTP
	LegacyRootEncoding bool
}

// Cluster is the shared state behind every fake node
type Cluster struct {
	mu    sync.Mutex
	opts  Options
	nodes []*Node

	initialized bool
	threshold   int
	shares      []string
	leaderID    string

	tokens    map[string]*tokenEntry
	accessors map[string]string

	policies map[string]string
	auths    map[string]string
	mounts   map[string]string
	users    map[string]userEntry
	pkiCA    map[string]string
	pkiURLs  map[string]map[string]interface{}
	kv       map[string]map[string]interface{}
	peers    []Peer

	rootGen *rootGeneration

	initCalls     int
	configWrites  int
	snapshotCalls int
}

// Peer is one server in the fake Raft configuration
type Peer struct {
	NodeID  string
	Address string
	Voter   bool
}

type tokenEntry struct {
	id       string
	accessor string
	policies []string
	parent   string
	orphan   bool
}

type userEntry struct {
	password string
	policies []string
}

type rootGeneration struct {
	nonce     string
	otp       string
	clientOTP bool
	progress  int
	submitted map[string]bool
	encoded   string
}

// Node is one fake Vault server
type Node struct {
	ID string

	cluster *Cluster
	server  *httptest.Server

	sealed    bool
	progress  int
	pending   map[string]bool
	submitted int
	down      bool
	faults    []*fault
	// claimsActive makes the node report itself active whoever the leader is
	claimsActive bool
}

type fault struct {
	prefix    string
	status    int
	remaining int
}

// NewCluster starts one fake node per id
func NewCluster(opts Options, ids ...string) *Cluster {
	c := &Cluster{
		opts:      opts,
		tokens:    make(map[string]*tokenEntry),
		accessors: make(map[string]string),
		policies: map[string]string{
			"root":    "",
			"default": "# default policy\n",
		},
		auths:   map[string]string{"token/": "token"},
		mounts:  map[string]string{"sys/": "system", "cubbyhole/": "cubbyhole", "identity/": "identity"},
		users:   make(map[string]userEntry),
		pkiCA:   make(map[string]string),
		pkiURLs: make(map[string]map[string]interface{}),
		kv:      make(map[string]map[string]interface{}),
	}
	for _, id := range ids {
		n := &Node{ID: id, cluster: c, sealed: true, pending: make(map[string]bool)}
		n.server = httptest.NewServer(n)
		c.nodes = append(c.nodes, n)
	}
	return c
}

// Close stops every node
func (c *Cluster) Close() {
	for _, n := range c.nodes {
		n.server.Close()
	}
}

// Nodes returns the nodes in creation order
func (c *Cluster) Nodes() []*Node {
	return append([]*Node(nil), c.nodes...)
}

// Node returns the node with the given id, or nil
func (c *Cluster) Node(id string) *Node {
	for _, n := range c.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// URL returns the node's API address
func (n *Node) URL() string {
	return n.server.URL
}

// ClusterAddr returns the address the node advertises for Raft traffic
func (n *Node) ClusterAddr() string {
	return strings.TrimPrefix(n.server.URL, "http://")
}

// SetDown makes the node drop every connection without answering
func (n *Node) SetDown(down bool) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	n.down = down
}

// InjectFault answers the next times requests whose path starts with prefix
// (relative to /v1/) with status.
func (n *Node) InjectFault(prefix string, status, times int) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	n.faults = append(n.faults, &fault{prefix: prefix, status: status, remaining: times})
}

// Seal reseals the node and discards its unseal progress
func (n *Node) Seal() {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	n.sealed = true
	n.progress = 0
	n.pending = make(map[string]bool)
}

// Sealed reports whether the node is sealed
func (n *Node) Sealed() bool {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	return n.sealed
}

// SharesSubmitted returns how many unseal shares the node has received
func (n *Node) SharesSubmitted() int {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	return n.submitted
}

// SetUnsealProgress pre-loads partial progress as a stale earlier attempt would leave it
func (n *Node) SetUnsealProgress(progress int) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	n.progress = progress
	for i := 0; i < progress; i++ {
		n.pending[fmt.Sprintf("stale-%d", i)] = true
	}
}

// StepDown drops the current leader, leaving every unsealed node in standby
// until Elect is called, as during a leader election.
func (c *Cluster) StepDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderID = ""
}

// Elect makes the node with the given id the active node
func (c *Cluster) Elect(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderID = id
}

// ClaimActive makes the node report itself active alongside the real
// leader, as a partitioned former leader does.
func (n *Node) ClaimActive(claim bool) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	n.claimsActive = claim
}

func (n *Node) activeLocked() bool {
	c := n.cluster
	return c.initialized && !n.sealed && (c.leaderID == n.ID || n.claimsActive)
}

// InitCalls returns the number of init requests received cluster-wide
func (c *Cluster) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

// ConfigWrites counts requests that changed persistent cluster configuration.
// Token issuance and revocation are not counted.
func (c *Cluster) ConfigWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configWrites
}

// SnapshotCalls returns the number of snapshots served
func (c *Cluster) SnapshotCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotCalls
}

// Initialized reports whether the barrier has been initialized
func (c *Cluster) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Shares returns the unseal shares produced by init
func (c *Cluster) Shares() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.shares...)
}

// Peers returns the Raft configuration sorted by node id
func (c *Cluster) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]Peer(nil), c.peers...)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// AddPeer places a server in the Raft configuration directly
func (c *Cluster) AddPeer(nodeID, address string, voter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPeerLocked(nodeID, address, voter)
}

// Policy returns a stored ACL policy
func (c *Cluster) Policy(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[name]
	return p, ok
}

// AuthEnabled reports whether an auth method is mounted at path
func (c *Cluster) AuthEnabled(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.auths[strings.Trim(path, "/")+"/"]
	return ok
}

// User returns the policies and password of a userpass user
func (c *Cluster) User(mount, name string) (policies []string, password string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[strings.Trim(mount, "/")+"/"+name]
	return u.policies, u.password, ok
}

// PKICA returns the CA certificate imported into mount
func (c *Cluster) PKICA(mount string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkiCA[strings.Trim(mount, "/")]
}

// KV returns the data of a KV v2 secret
func (c *Cluster) KV(mount, path string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv[strings.Trim(mount, "/")+"/"+strings.Trim(path, "/")]
}

// TokenValid reports whether token is currently accepted
func (c *Cluster) TokenValid(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[token]
	return ok
}

// ValidTokens returns every token that has not been revoked
func (c *Cluster) ValidTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IssueToken mints a token directly, as an operator would out of band
func (c *Cluster) IssueToken(policies ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issueTokenLocked(policies, "", true).id
}

func (c *Cluster) addPeerLocked(nodeID, address string, voter bool) {
	for _, p := range c.peers {
		if p.NodeID == nodeID {
			return
		}
	}
	c.peers = append(c.peers, Peer{NodeID: nodeID, Address: address, Voter: voter})
}

func (c *Cluster) issueTokenLocked(policies []string, parent string, orphan bool) *tokenEntry {
	t := &tokenEntry{
		id:       "hvs." + randomString(24),
		accessor: randomString(24),
		policies: policies,
		parent:   parent,
		orphan:   orphan,
	}
	c.tokens[t.id] = t
	c.accessors[t.accessor] = t.id
	return t
}

func (c *Cluster) revokeTokenLocked(id string) {
	t, ok := c.tokens[id]
	if !ok {
		return
	}
	delete(c.tokens, id)
	delete(c.accessors, t.accessor)
	for childID, child := range c.tokens {
		if child.parent == id && !child.orphan {
			c.revokeTokenLocked(childID)
		}
	}
}

func randomString(n int) string {
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = tokenAlphabet[idx.Int64()]
	}
	return string(b)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
