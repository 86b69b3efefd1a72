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

package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"

	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// IsRetryableError determines if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Permanent classifications win over anything they wrap
	if infraerrors.IsValidationError(err) ||
		infraerrors.IsAuthorizationError(err) ||
		infraerrors.IsSafeExit(err) ||
		infraerrors.IsUnsafePrecondition(err) ||
		errors.Is(err, infraerrors.ErrAlreadyInitialized) {
		return false
	}

	if infraerrors.IsTransientError(err) || infraerrors.IsConnectionError(err) {
		return true
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return IsRetryableStatus(respErr.StatusCode)
	}

	// Per-call timeouts surface as deadline exceeded
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"eof",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// IsRetryableStatus reports whether an HTTP status from a node is transient.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// StatusCode extracts the HTTP status of a node API error, or 0.
func StatusCode(err error) int {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
