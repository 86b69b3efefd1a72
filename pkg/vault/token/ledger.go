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

import "sync"

type ledgerEntry struct {
	token   *RootToken
	revoked bool
}

// Ledger records every privileged token a run holds
type Ledger struct {
	mu      sync.Mutex
	entries []*ledgerEntry
}

// NewLedger creates an empty Ledger
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record adds t. Recording the same token twice keeps the first entry and
// upgrades it to durable if t is durable.
func (l *Ledger) Record(t *RootToken) {
	if t == nil || t.Token == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.token.Token == t.Token {
			e.token.Durable = e.token.Durable || t.Durable
			return
		}
	}
	l.entries = append(l.entries, &ledgerEntry{token: t})
}

// Pending returns non-durable tokens that have not been revoked, oldest first
func (l *Ledger) Pending() []*RootToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*RootToken
	for _, e := range l.entries {
		if !e.token.Durable && !e.revoked {
			out = append(out, e.token)
		}
	}
	return out
}

func (l *Ledger) markRevoked(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.token.Token == token {
			e.revoked = true
		}
	}
}
