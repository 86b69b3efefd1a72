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

// Package hash provides content hashing used to make provisioning idempotent.
// Stages compare the hash of what they would write against what the cluster
// already holds and skip the write when they match.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"sort"
	"strings"
)

// FromString calculates a SHA256 hash from a string.
func FromString(content string) string {
	if content == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// FromBytes calculates a SHA256 hash from bytes.
func FromBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Policy hashes an HCL policy document with line endings and surrounding
// whitespace normalized, so a document read back from a node compares equal
// to the one that was written.
func Policy(hcl string) string {
	normalized := strings.ReplaceAll(hcl, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return FromString(strings.TrimSpace(strings.Join(lines, "\n")))
}

// CertFingerprint returns the SHA256 of the DER bytes of the first
// certificate in a PEM bundle, or "" if none is present.
func CertFingerprint(pemData []byte) string {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return ""
		}
		if block.Type == "CERTIFICATE" {
			return FromBytes(block.Bytes)
		}
	}
}

// FromMapDeterministic calculates a deterministic SHA256 hash from a map.
// Keys are sorted before marshaling to ensure consistent ordering.
func FromMapDeterministic(data map[string]interface{}) string {
	if data == nil {
		return ""
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string
		Value interface{}
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = data[k]
	}

	jsonBytes, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return FromBytes(jsonBytes)
}

// Equals compares two hash strings for equality.
// Two empty hashes are not equal.
func Equals(a, b string) bool {
	return a == b && a != ""
}
