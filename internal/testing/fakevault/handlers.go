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

package fakevault

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

type body map[string]interface{}

// ServeHTTP routes a request against the shared cluster state
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if n.down {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		writeError(w, http.StatusServiceUnavailable, "node down")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	for _, f := range n.faults {
		if f.remaining > 0 && strings.HasPrefix(path, f.prefix) {
			f.remaining--
			writeError(w, f.status, "injected fault")
			return
		}
	}

	var req body
	if r.Body != nil && (r.Method == http.MethodPut || r.Method == http.MethodPost) {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	switch path {
	case "sys/health":
		n.health(w)
		return
	case "sys/seal-status":
		writeJSON(w, http.StatusOK, n.sealStatusLocked())
		return
	case "sys/init":
		n.init(w, r, req)
		return
	case "sys/unseal":
		n.unseal(w, req)
		return
	case "sys/leader":
		n.leader(w)
		return
	case "sys/generate-root/attempt":
		n.generateRootAttempt(w, r, req)
		return
	case "sys/generate-root/update":
		n.generateRootUpdate(w, req)
		return
	case "sys/storage/raft/join":
		n.raftJoin(w, req)
		return
	}

	if !c.initialized {
		writeError(w, http.StatusBadRequest, "Vault is not initialized")
		return
	}
	if n.sealed {
		writeError(w, http.StatusServiceUnavailable, "Vault is sealed")
		return
	}

	if strings.HasPrefix(path, "auth/") && strings.Contains(path, "/login/") {
		n.userpassLogin(w, path, req)
		return
	}

	caller, ok := c.tokens[r.Header.Get("X-Vault-Token")]
	if !ok {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	switch {
	case path == "auth/token/lookup-self":
		writeJSON(w, http.StatusOK, body{"data": body{
			"id":       caller.id,
			"accessor": caller.accessor,
			"policies": caller.policies,
			"orphan":   caller.orphan,
		}})
	case path == "auth/token/create-orphan" || path == "auth/token/create":
		n.createToken(w, caller, path == "auth/token/create-orphan", req)
	case path == "auth/token/revoke-self":
		c.revokeTokenLocked(caller.id)
		w.WriteHeader(http.StatusNoContent)
	case path == "auth/token/revoke-accessor":
		accessor, _ := req["accessor"].(string)
		id, ok := c.accessors[accessor]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid accessor")
			return
		}
		c.revokeTokenLocked(id)
		w.WriteHeader(http.StatusNoContent)
	case path == "sys/storage/raft/configuration":
		n.raftConfiguration(w)
	case path == "sys/storage/raft/remove-peer":
		n.raftRemovePeer(w, req)
	case path == "sys/storage/raft/snapshot":
		n.snapshot(w)
	case strings.HasPrefix(path, "sys/policies/acl/"):
		n.policy(w, r, strings.TrimPrefix(path, "sys/policies/acl/"), req)
	case path == "sys/auth":
		writeJSON(w, http.StatusOK, body{"data": mountListing(c.auths)})
	case strings.HasPrefix(path, "sys/auth/"):
		n.enableMount(w, c.auths, strings.TrimPrefix(path, "sys/auth/"), req)
	case path == "sys/mounts":
		writeJSON(w, http.StatusOK, body{"data": mountListing(c.mounts)})
	case strings.HasPrefix(path, "sys/mounts/"):
		n.enableMount(w, c.mounts, strings.TrimPrefix(path, "sys/mounts/"), req)
	case strings.HasPrefix(path, "auth/") && strings.Contains(path, "/users/"):
		n.userpassUser(w, r, path, req)
	default:
		n.secretsEngine(w, r, path, req)
	}
}

func (n *Node) health(w http.ResponseWriter) {
	c := n.cluster
	writeJSON(w, http.StatusOK, body{
		"initialized":  c.initialized,
		"sealed":       n.sealed,
		"standby":      c.initialized && !n.sealed && !n.activeLocked(),
		"version":      "1.16.0",
		"cluster_name": "vault-cluster-fake",
	})
}

func (n *Node) sealStatusLocked() body {
	c := n.cluster
	return body{
		"type":         "shamir",
		"initialized":  c.initialized,
		"sealed":       n.sealed,
		"t":            c.threshold,
		"n":            len(c.shares),
		"progress":     n.progress,
		"nonce":        "",
		"version":      "1.16.0",
		"storage_type": "raft",
	}
}

func (n *Node) init(w http.ResponseWriter, r *http.Request, req body) {
	c := n.cluster
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, body{"initialized": c.initialized})
		return
	}
	c.initCalls++
	if c.initialized {
		writeError(w, http.StatusBadRequest, "Vault is already initialized")
		return
	}

	shares := intField(req, "secret_shares")
	threshold := intField(req, "secret_threshold")
	if shares < 1 || threshold < 1 || threshold > shares {
		writeError(w, http.StatusBadRequest, "invalid seal configuration")
		return
	}

	c.initialized = true
	c.threshold = threshold
	c.shares = make([]string, shares)
	keysB64 := make([]string, shares)
	for i := range c.shares {
		c.shares[i] = randomHex(32)
		raw, _ := hex.DecodeString(c.shares[i])
		keysB64[i] = base64.StdEncoding.EncodeToString(raw)
	}
	c.leaderID = n.ID
	c.addPeerLocked(n.ID, n.ClusterAddr(), true)
	root := c.issueTokenLocked([]string{"root"}, "", true)
	c.configWrites++

	writeJSON(w, http.StatusOK, body{
		"keys":        c.shares,
		"keys_base64": keysB64,
		"root_token":  root.id,
	})
}

func (n *Node) unseal(w http.ResponseWriter, req body) {
	c := n.cluster
	if !c.initialized {
		writeError(w, http.StatusBadRequest, "Vault is not initialized")
		return
	}
	if reset, _ := req["reset"].(bool); reset {
		n.progress = 0
		n.pending = make(map[string]bool)
		writeJSON(w, http.StatusOK, n.sealStatusLocked())
		return
	}

	key, _ := req["key"].(string)
	n.submitted++
	if !n.sealed {
		writeJSON(w, http.StatusOK, n.sealStatusLocked())
		return
	}
	if !c.validShare(key) {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	if !n.pending[key] {
		n.pending[key] = true
		n.progress++
	}
	if n.progress >= c.threshold {
		valid := 0
		for k := range n.pending {
			if c.validShare(k) {
				valid++
			}
		}
		n.progress = 0
		n.pending = make(map[string]bool)
		if valid < c.threshold {
			writeError(w, http.StatusBadRequest, "failed to unseal: stale key shares")
			return
		}
		n.sealed = false
		c.configWrites++
		if c.opts.AutoJoin {
			c.addPeerLocked(n.ID, n.ClusterAddr(), true)
		}
	}
	writeJSON(w, http.StatusOK, n.sealStatusLocked())
}

func (c *Cluster) validShare(key string) bool {
	for _, s := range c.shares {
		if s == key {
			return true
		}
		if raw, err := hex.DecodeString(s); err == nil && base64.StdEncoding.EncodeToString(raw) == key {
			return true
		}
	}
	return false
}

func (n *Node) leader(w http.ResponseWriter) {
	c := n.cluster
	leaderAddr := ""
	if leader := c.nodeLocked(c.leaderID); leader != nil && !leader.sealed {
		leaderAddr = leader.URL()
	}
	writeJSON(w, http.StatusOK, body{
		"ha_enabled":             true,
		"is_self":                n.activeLocked(),
		"leader_address":         leaderAddr,
		"leader_cluster_address": leaderAddr,
	})
}

func (c *Cluster) nodeLocked(id string) *Node {
	for _, n := range c.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (n *Node) rootGenStatusLocked() body {
	c := n.cluster
	status := body{
		"started":    false,
		"progress":   0,
		"required":   c.threshold,
		"complete":   false,
		"otp_length": 28,
	}
	if c.opts.LegacyRootEncoding {
		status["otp_length"] = 0
	}
	if g := c.rootGen; g != nil {
		status["started"] = true
		status["nonce"] = g.nonce
		status["progress"] = g.progress
		if !g.clientOTP {
			status["otp"] = g.otp
		}
		if g.encoded != "" {
			status["complete"] = true
			status["encoded_token"] = g.encoded
			status["encoded_root_token"] = g.encoded
		}
	}
	return status
}

func (n *Node) generateRootAttempt(w http.ResponseWriter, r *http.Request, req body) {
	c := n.cluster
	if !c.initialized || n.sealed {
		writeError(w, http.StatusServiceUnavailable, "Vault is sealed")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, n.rootGenStatusLocked())
	case http.MethodDelete:
		c.rootGen = nil
		w.WriteHeader(http.StatusNoContent)
	default:
		if c.rootGen != nil {
			writeError(w, http.StatusBadRequest, "root generation already in progress")
			return
		}
		otp, _ := req["otp"].(string)
		clientOTP := otp != ""
		switch {
		case c.opts.LegacyRootEncoding && !clientOTP:
			writeError(w, http.StatusBadRequest, "otp or pgp_key must be specified")
			return
		case c.opts.LegacyRootEncoding:
			if raw, err := base64.StdEncoding.DecodeString(otp); err != nil || len(raw) != 16 {
				writeError(w, http.StatusBadRequest, "OTP string is wrong length")
				return
			}
		case clientOTP:
			writeError(w, http.StatusBadRequest, "otp is generated by the server")
			return
		default:
			otp = randomString(28)
		}
		c.rootGen = &rootGeneration{nonce: uuid.NewString(), otp: otp, clientOTP: clientOTP, submitted: make(map[string]bool)}
		writeJSON(w, http.StatusOK, n.rootGenStatusLocked())
	}
}

func (n *Node) generateRootUpdate(w http.ResponseWriter, req body) {
	c := n.cluster
	g := c.rootGen
	if g == nil {
		writeError(w, http.StatusBadRequest, "no root generation in progress")
		return
	}
	nonce, _ := req["nonce"].(string)
	if nonce != g.nonce {
		writeError(w, http.StatusBadRequest, "incorrect nonce supplied")
		return
	}
	key, _ := req["key"].(string)
	if !c.validShare(key) {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	if !g.submitted[key] {
		g.submitted[key] = true
		g.progress++
	}
	if g.progress >= c.threshold && g.encoded == "" {
		if c.opts.LegacyRootEncoding {
			id := uuid.New()
			t := &tokenEntry{id: id.String(), accessor: randomString(24), policies: []string{"root"}, orphan: true}
			c.tokens[t.id] = t
			c.accessors[t.accessor] = t.id
			otpBytes, _ := base64.StdEncoding.DecodeString(g.otp)
			g.encoded = base64.StdEncoding.EncodeToString(xorBytes(id[:], otpBytes))
		} else {
			t := c.issueTokenLocked([]string{"root"}, "", true)
			g.encoded = base64.RawStdEncoding.EncodeToString(xorBytes([]byte(t.id), []byte(g.otp)))
		}
	}
	status := n.rootGenStatusLocked()
	if g.encoded != "" {
		c.rootGen = nil
	}
	writeJSON(w, http.StatusOK, status)
}

func (n *Node) createToken(w http.ResponseWriter, caller *tokenEntry, orphan bool, req body) {
	c := n.cluster
	var policies []string
	if raw, ok := req["policies"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				policies = append(policies, s)
			}
		}
	}
	if len(policies) == 0 {
		policies = caller.policies
	}
	parent := caller.id
	if orphan {
		parent = ""
	}
	t := c.issueTokenLocked(policies, parent, orphan)
	writeJSON(w, http.StatusOK, body{"auth": body{
		"client_token": t.id,
		"accessor":     t.accessor,
		"policies":     t.policies,
		"orphan":       orphan,
		"renewable":    false,
	}})
}

func (n *Node) raftConfiguration(w http.ResponseWriter) {
	c := n.cluster
	servers := make([]body, 0, len(c.peers))
	for _, p := range c.peers {
		servers = append(servers, body{
			"node_id": p.NodeID,
			"address": p.Address,
			"leader":  p.NodeID == c.leaderID,
			"voter":   p.Voter,
		})
	}
	writeJSON(w, http.StatusOK, body{"data": body{"config": body{"servers": servers, "index": 0}}})
}

func (n *Node) raftJoin(w http.ResponseWriter, req body) {
	c := n.cluster
	leaderAddr, _ := req["leader_api_addr"].(string)
	leader := c.nodeLocked(c.leaderID)
	if !c.initialized || leader == nil || leader.URL() != leaderAddr {
		writeJSON(w, http.StatusOK, body{"joined": false})
		return
	}
	nonVoter, _ := req["non_voter"].(bool)
	c.addPeerLocked(n.ID, n.ClusterAddr(), !nonVoter)
	c.configWrites++
	writeJSON(w, http.StatusOK, body{"joined": true})
}

func (n *Node) raftRemovePeer(w http.ResponseWriter, req body) {
	c := n.cluster
	id, _ := req["server_id"].(string)
	for i, p := range c.peers {
		if p.NodeID == id {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			c.configWrites++
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("no peer with id %s", id))
}

func (n *Node) snapshot(w http.ResponseWriter) {
	c := n.cluster
	c.snapshotCalls++

	state, _ := json.Marshal(body{"peers": c.peers, "policies": c.policies, "mounts": c.mounts})
	sum := sha256.Sum256(state)
	sums := fmt.Sprintf("%x  state.bin\n", sum)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"meta.json", []byte(`{"version":1}`)},
		{"state.bin", state},
		{"SHA256SUMS", []byte(sums)},
		{"SHA256SUMS.sealed", []byte(base64.StdEncoding.EncodeToString([]byte(sums)))},
	} {
		_ = tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o600, Size: int64(len(f.data))})
		_, _ = tw.Write(f.data)
	}
	_ = tw.Close()
	_ = gz.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (n *Node) policy(w http.ResponseWriter, r *http.Request, name string, req body) {
	c := n.cluster
	switch r.Method {
	case http.MethodGet:
		p, ok := c.policies[name]
		if !ok {
			writeError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, body{"data": body{"name": name, "policy": p}})
	case http.MethodDelete:
		delete(c.policies, name)
		c.configWrites++
		w.WriteHeader(http.StatusNoContent)
	default:
		p, _ := req["policy"].(string)
		c.policies[name] = p
		c.configWrites++
		w.WriteHeader(http.StatusNoContent)
	}
}

func (n *Node) enableMount(w http.ResponseWriter, table map[string]string, path string, req body) {
	c := n.cluster
	key := strings.Trim(path, "/") + "/"
	if _, ok := table[key]; ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("path is already in use at %s", key))
		return
	}
	kind, _ := req["type"].(string)
	table[key] = kind
	c.configWrites++
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) userpassUser(w http.ResponseWriter, r *http.Request, path string, req body) {
	c := n.cluster
	mount, user, _ := strings.Cut(strings.TrimPrefix(path, "auth/"), "/users/")
	if _, ok := c.auths[mount+"/"]; !ok {
		writeError(w, http.StatusNotFound, "no handler for route")
		return
	}
	key := mount + "/" + user
	if r.Method == http.MethodGet {
		u, ok := c.users[key]
		if !ok {
			writeError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, body{"data": body{"token_policies": u.policies}})
		return
	}
	password, _ := req["password"].(string)
	var policies []string
	if raw, _ := req["token_policies"].(string); raw != "" {
		policies = strings.Split(raw, ",")
	}
	c.users[key] = userEntry{password: password, policies: policies}
	c.configWrites++
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) userpassLogin(w http.ResponseWriter, path string, req body) {
	c := n.cluster
	mount, user, _ := strings.Cut(strings.TrimPrefix(path, "auth/"), "/login/")
	u, ok := c.users[mount+"/"+user]
	password, _ := req["password"].(string)
	if !ok || u.password != password {
		writeError(w, http.StatusBadRequest, "invalid username or password")
		return
	}
	t := c.issueTokenLocked(u.policies, "", true)
	writeJSON(w, http.StatusOK, body{"auth": body{
		"client_token": t.id,
		"accessor":     t.accessor,
		"policies":     t.policies,
	}})
}

// secretsEngine serves PKI and KV v2 paths under enabled mounts
func (n *Node) secretsEngine(w http.ResponseWriter, r *http.Request, path string, req body) {
	c := n.cluster
	mount, rest, _ := strings.Cut(path, "/")
	kind, ok := c.mounts[mount+"/"]
	if !ok {
		writeError(w, http.StatusNotFound, "no handler for route")
		return
	}

	switch kind {
	case "pki":
		n.pki(w, r, mount, rest, req)
	case "kv", "kv-v2":
		n.kvV2(w, r, mount, rest, req)
	default:
		writeError(w, http.StatusNotFound, "unsupported engine")
	}
}

func (n *Node) pki(w http.ResponseWriter, r *http.Request, mount, rest string, req body) {
	c := n.cluster
	switch rest {
	case "cert/ca":
		cert, ok := c.pkiCA[mount]
		if !ok {
			writeError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, body{"data": body{"certificate": cert}})
	case "config/ca":
		bundle, _ := req["pem_bundle"].(string)
		cert, hasKey := splitBundle(bundle)
		if cert == "" || !hasKey {
			writeError(w, http.StatusBadRequest, "pem_bundle must contain a certificate and a private key")
			return
		}
		c.pkiCA[mount] = cert
		c.configWrites++
		writeJSON(w, http.StatusOK, body{"data": body{"imported_issuers": []string{uuid.NewString()}}})
	case "config/urls":
		if r.Method == http.MethodGet {
			urls, ok := c.pkiURLs[mount]
			if !ok {
				urls = body{"issuing_certificates": []string{}, "crl_distribution_points": []string{}}
			}
			writeJSON(w, http.StatusOK, body{"data": urls})
			return
		}
		urls := body{
			"issuing_certificates":    req["issuing_certificates"],
			"crl_distribution_points": req["crl_distribution_points"],
		}
		c.pkiURLs[mount] = urls
		c.configWrites++
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "no handler for route")
	}
}

func (n *Node) kvV2(w http.ResponseWriter, r *http.Request, mount, rest string, req body) {
	c := n.cluster
	path, ok := strings.CutPrefix(rest, "data/")
	if !ok {
		writeError(w, http.StatusNotFound, "no handler for route")
		return
	}
	key := mount + "/" + path
	if r.Method == http.MethodGet {
		data, ok := c.kv[key]
		if !ok {
			writeError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, body{"data": body{"data": data, "metadata": body{"version": 1}}})
		return
	}
	data, _ := req["data"].(map[string]interface{})
	if !reflect.DeepEqual(c.kv[key], data) {
		c.configWrites++
	}
	c.kv[key] = data
	writeJSON(w, http.StatusOK, body{"data": body{"version": 1}})
}

func splitBundle(bundle string) (cert string, hasKey bool) {
	rest := []byte(bundle)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return cert, hasKey
		}
		switch {
		case block.Type == "CERTIFICATE" && cert == "":
			cert = string(pem.EncodeToMemory(block))
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			hasKey = true
		}
	}
}

func mountListing(table map[string]string) body {
	out := body{}
	for path, kind := range table {
		out[path] = body{"type": kind}
	}
	return out
}

func intField(req body, key string) int {
	v, _ := req[key].(float64)
	return int(v)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msgs ...string) {
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, status, body{"errors": msgs})
}
