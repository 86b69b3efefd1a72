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

// Package token manages the privileged tokens a bootstrap run creates.
//
// # Overview
//
// A run can hold several privileged tokens at once: the initial root token
// returned by init, a root token minted by a generate-root ceremony, a scoped
// orphan token handed to downstream tooling, and the admin token obtained by
// logging in. Every one of them is recorded in a Ledger. Before the run ends,
// every ledger entry not marked durable is revoked.
//
// # Token Flow
//
//	┌──────────────────┐  Regenerate   ┌──────────────┐
//	│ generate-root    │ ────────────> │  RootToken   │
//	│ ceremony (OTP)   │               │ (in memory)  │
//	└──────────────────┘               └──────────────┘
//	                                          │ Adopt
//	                                          ▼
//	┌─────────────────────────────────────────────────────┐
//	│                      Ledger                          │
//	│  • swapped into every node client                    │
//	│  • accessor looked up and recorded                   │
//	│  • durable entries are never revoked                 │
//	└─────────────────────────────────────────────────────┘
//	                                          │ RevokePending
//	                                          ▼
//	             revoke-accessor for others, revoke-self last
//
// Revocation failures are logged and reported. They never fail a run.
package token
