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

package secrets

import (
	"context"
	"path"
	"strings"

	"github.com/arpanrec/linode-stack/shared/hash"
)

// KVStore reads and writes KV v2 secrets
type KVStore interface {
	ReadKV(ctx context.Context, mount, path string) (map[string]interface{}, error)
	WriteKV(ctx context.Context, mount, path string, data map[string]interface{}) error
}

// VaultKVSink writes each service to <mount>/<prefix>/<service>, skipping
// services whose stored content already matches.
type VaultKVSink struct {
	store  KVStore
	mount  string
	prefix string
}

// NewVaultKVSink creates a VaultKVSink
func NewVaultKVSink(store KVStore, mount, prefix string) *VaultKVSink {
	return &VaultKVSink{store: store, mount: strings.Trim(mount, "/"), prefix: strings.Trim(prefix, "/")}
}

// Name implements Sink
func (s *VaultKVSink) Name() string {
	return "vault-kv"
}

// Push implements Sink
func (s *VaultKVSink) Push(ctx context.Context, payload Payload) error {
	for _, service := range payload.Services() {
		data, _ := normalize(payload[service]).(map[string]interface{})
		p := path.Join(s.prefix, service)

		current, err := s.store.ReadKV(ctx, s.mount, p)
		if err != nil {
			return err
		}
		if current != nil && hash.Equals(hash.FromMapDeterministic(current), hash.FromMapDeterministic(data)) {
			continue
		}
		if err := s.store.WriteKV(ctx, s.mount, p, data); err != nil {
			return err
		}
	}
	return nil
}
