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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

// TestCAPassword protects the encrypted key returned by TestCA
const TestCAPassword = "correct-horse-battery-staple"

// CA is self-signed root CA material in the formats the secret provider accepts
type CA struct {
	CertPEM string
	// EncryptedKeyPEM is an "ENCRYPTED PRIVATE KEY" block sealed with TestCAPassword
	EncryptedKeyPEM string
	// PlainKeyPEM is the same key as an unencrypted PKCS#1 block
	PlainKeyPEM string
}

var (
	caOnce sync.Once
	caVal  CA
	caErr  error
)

// TestCA returns a process-wide root CA, generated on first use
func TestCA(t testing.TB) CA {
	t.Helper()
	caOnce.Do(func() { caVal, caErr = generateCA() })
	if caErr != nil {
		t.Fatalf("generate test CA: %v", caErr)
	}
	return caVal
}

func generateCA() (CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CA{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "vaultops test root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return CA{}, err
	}

	encrypted, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(TestCAPassword))
	if err != nil {
		return CA{}, err
	}

	return CA{
		CertPEM:         string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		EncryptedKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})),
		PlainKeyPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
	}, nil
}
