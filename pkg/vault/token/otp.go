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

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// DecodeToken recovers the token of a finished generate-root ceremony.
//
// Nodes that report a non-zero OTP length return the token XORed with the OTP
// and base64 encoded without padding. Older nodes XOR the raw bytes of a
// base64 OTP with a UUID token and pad the encoding.
func DecodeToken(encoded, otp string, otpLength int) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("ceremony returned no encoded token")
	}
	if otp == "" {
		return "", fmt.Errorf("no one-time password for the ceremony")
	}

	if otpLength == 0 {
		return decodeLegacy(encoded, otp)
	}

	tokenBytes, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode encoded token: %w", err)
	}
	if len(tokenBytes) != len(otp) {
		return "", fmt.Errorf("encoded token length %d does not match otp length %d", len(tokenBytes), len(otp))
	}
	return string(xor(tokenBytes, []byte(otp))), nil
}

// legacyOTPSize is the raw OTP length nodes before 1.10 accept
const legacyOTPSize = 16

func newLegacyOTP() (string, error) {
	b := make([]byte, legacyOTPSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeLegacy(encoded, otp string) (string, error) {
	tokenBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode encoded token: %w", err)
	}
	otpBytes, err := base64.StdEncoding.DecodeString(otp)
	if err != nil {
		return "", fmt.Errorf("decode otp: %w", err)
	}
	if len(tokenBytes) != len(otpBytes) {
		return "", fmt.Errorf("encoded token length %d does not match otp length %d", len(tokenBytes), len(otpBytes))
	}
	id, err := uuid.FromBytes(xor(tokenBytes, otpBytes))
	if err != nil {
		return "", fmt.Errorf("decoded token is not a uuid: %w", err)
	}
	return id.String(), nil
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
