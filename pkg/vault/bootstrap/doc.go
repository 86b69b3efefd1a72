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

// Package bootstrap brings a Raft-backed Vault cluster from nothing to an
// initialized, unsealed, joined and provisioned state.
//
// # Overview
//
// ClusterBootstrap runs a fixed sequence of stages against the nodes of a
// ClusterConfig. Each stage returns a tagged StageResult: OK, SafeNoOp (the
// stage had nothing to do), Retryable (the stage is re-run with backoff up
// to StageAttempts) or Fatal (the run stops). Every stage re-probes the
// cluster before acting, so a run can be repeated against a partially
// configured cluster and a second run against a finished one changes
// nothing.
//
// # Usage
//
//	handle, err := bootstrap.ClusterBootstrap(ctx, cfg, bootstrap.Dependencies{
//	    Custodian: seal.NewFileCustodian("/var/lib/vaultops/unseal.yml"),
//	}, log)
//	if err != nil {
//	    return err
//	}
//	defer handle.Close()
//
// # Stages
//
//	prepare           validate config, load root CA, write CA PEM, create node clients
//	    │
//	initialize        init exactly one uninitialized node, or load material from custody
//	    │
//	unseal            submit at most threshold shares to every sealed node
//	    │
//	find-ready        pick the single unsealed-active node
//	    │
//	rotate-root       generate-root ceremony; without material log in as admin
//	    │
//	raft-reconcile    join missing peers, remove undesired ones
//	    │
//	admin-access      admin policy, userpass mount and admin user
//	    │
//	ha-login          admin login on the HA address; this client is returned
//	    │
//	pki               import the root CA and configure URLs
//	    │
//	downstream-apply  run the downstream applier with a scoped orphan token
//	    │
//	revoke            revoke every non-durable token of the run
//	    │
//	secret-sinks      push external service secrets to Vault KV and other sinks
//	    │
//	snapshot          stream a Raft snapshot to local storage and offsite
//
// # Security
//
// Unseal material, the initial root token and ceremony tokens live only in
// the Run. Material is wiped, node clients drop their tokens and the work
// directory is removed on every exit path. A failed run revokes the tokens
// it minted before returning.
package bootstrap
