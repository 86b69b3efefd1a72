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

// Package pki loads the supplied root CA and imports it into a PKI mount.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/youmark/pkcs8"

	"github.com/arpanrec/linode-stack/shared/hash"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// CertFileName is the name of the CA certificate written into a work dir
const CertFileName = "root-ca.pem"

// Material is the CA as supplied by the secret provider
type Material struct {
	CertPEM string `yaml:"cert"`
	KeyPEM  string `yaml:"key"`
	// Password decrypts an "ENCRYPTED PRIVATE KEY" block
	Password string `yaml:"password"`
}

func (m Material) String() string {
	return fmt.Sprintf("pki.Material{cert: %d bytes, key: <redacted>}", len(m.CertPEM))
}

// CA is parsed root CA material
type CA struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
}

// Load parses the certificate and key in m, decrypting the key with
// m.Password when it is encrypted, and checks that they belong together.
func Load(m Material) (*CA, error) {
	certBlock := firstBlock([]byte(m.CertPEM), "CERTIFICATE")
	if certBlock == nil {
		return nil, infraerrors.NewValidationError("pki.cert", "", "no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, infraerrors.NewValidationError("pki.cert", "", fmt.Sprintf("parse certificate: %v", err))
	}
	if !cert.IsCA {
		return nil, infraerrors.NewValidationError("pki.cert", cert.Subject.CommonName, "certificate is not a CA")
	}

	key, err := parseKey([]byte(m.KeyPEM), m.Password)
	if err != nil {
		return nil, err
	}
	if !publicKeysMatch(cert.PublicKey, key.Public()) {
		return nil, infraerrors.NewValidationError("pki.key", "", "private key does not match the CA certificate")
	}

	return &CA{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(certBlock),
	}, nil
}

// Fingerprint is the SHA256 of the certificate's DER bytes
func (ca *CA) Fingerprint() string {
	return hash.CertFingerprint(ca.CertPEM)
}

// Bundle renders the unencrypted key and the certificate as one PEM bundle,
// the form a PKI mount imports.
func (ca *CA) Bundle() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(ca.Key)
	if err != nil {
		return "", fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return string(keyPEM) + string(ca.CertPEM), nil
}

// WriteCert writes the certificate to dir and returns its path
func (ca *CA) WriteCert(dir string) (string, error) {
	path := filepath.Join(dir, CertFileName)
	if err := os.WriteFile(path, ca.CertPEM, 0o644); err != nil {
		return "", fmt.Errorf("write CA certificate: %w", err)
	}
	return path, nil
}

func parseKey(data []byte, password string) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, infraerrors.NewValidationError("pki.key", "", "no PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if password == "" {
			return nil, infraerrors.NewValidationError("pki.password", "", "key is encrypted but no password was supplied")
		}
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, infraerrors.NewValidationError("pki.key", block.Type, "unsupported key block")
	}
	if err != nil {
		return nil, infraerrors.NewValidationError("pki.key", block.Type, fmt.Sprintf("parse key: %v", err))
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, infraerrors.NewValidationError("pki.key", fmt.Sprintf("%T", key), "key cannot sign")
	}
	return signer, nil
}

func publicKeysMatch(a, b crypto.PublicKey) bool {
	switch pub := a.(type) {
	case *rsa.PublicKey:
		return pub.Equal(b)
	case *ecdsa.PublicKey:
		return pub.Equal(b)
	case ed25519.PublicKey:
		return pub.Equal(b)
	default:
		return false
	}
}

func firstBlock(data []byte, blockType string) *pem.Block {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil
		}
		if block.Type == blockType {
			return block
		}
	}
}
