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

// Package errors provides domain-specific error types for the bootstrap pipeline.
// These errors distinguish between failure modes so a stage can decide whether to
// retry, skip safely, or abort the run.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned when init is attempted against a cluster
	// that already holds a barrier. Callers treat it as a safe no-op.
	ErrAlreadyInitialized = errors.New("cluster already initialized")

	// ErrNoReadyNode is returned when no node reports unsealed-active.
	ErrNoReadyNode = errors.New("no unsealed active node found")
)

// ValidationError indicates invalid configuration or input.
// This is a permanent error - retrying won't help without user correction.
type ValidationError struct {
	Field   string // The field that failed validation
	Value   string // The invalid value (redacted for sensitive data)
	Message string // Why validation failed
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// TransientError indicates a temporary failure that should be retried.
// Common causes: node restarting, network issues, rate limiting.
type TransientError struct {
	Operation string // What operation was attempted
	Cause     error  // The underlying error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("transient error during %s", e.Operation)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransientError creates a TransientError.
func NewTransientError(operation string, cause error) *TransientError {
	return &TransientError{
		Operation: operation,
		Cause:     cause,
	}
}

// IsTransientError returns true if the error is a TransientError.
func IsTransientError(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// PreconditionError reports that a stage could not run because the cluster is
// not in the state it requires. Safe preconditions (Unsafe=false) mean the stage
// has nothing to do; unsafe ones mean continuing could damage the cluster.
type PreconditionError struct {
	Stage   string
	Message string
	Unsafe  bool
}

func (e *PreconditionError) Error() string {
	if e.Unsafe {
		return fmt.Sprintf("unsafe precondition in %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("precondition not met in %s: %s", e.Stage, e.Message)
}

// NewSafeExit creates a PreconditionError that callers treat as success.
func NewSafeExit(stage, message string) *PreconditionError {
	return &PreconditionError{Stage: stage, Message: message}
}

// NewUnsafePrecondition creates a PreconditionError that must abort the run.
func NewUnsafePrecondition(stage, message string) *PreconditionError {
	return &PreconditionError{Stage: stage, Message: message, Unsafe: true}
}

// IsSafeExit returns true if the error is a PreconditionError that is safe to skip.
func IsSafeExit(err error) bool {
	var preErr *PreconditionError
	return errors.As(err, &preErr) && !preErr.Unsafe
}

// IsUnsafePrecondition returns true if the error is an unsafe PreconditionError.
func IsUnsafePrecondition(err error) bool {
	var preErr *PreconditionError
	return errors.As(err, &preErr) && preErr.Unsafe
}

// AuthorizationError indicates the node rejected the caller's credentials.
// Never retried.
type AuthorizationError struct {
	Operation string
	Cause     error
}

func (e *AuthorizationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permission denied during %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("permission denied during %s", e.Operation)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *AuthorizationError) Unwrap() error {
	return e.Cause
}

// NewAuthorizationError creates an AuthorizationError.
func NewAuthorizationError(operation string, cause error) *AuthorizationError {
	return &AuthorizationError{Operation: operation, Cause: cause}
}

// IsAuthorizationError returns true if the error is an AuthorizationError.
func IsAuthorizationError(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// NotFoundError indicates a required resource doesn't exist.
type NotFoundError struct {
	ResourceType string // e.g., "node", "mount"
	ResourceName string // Name of the missing resource
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resourceType, name string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: name,
	}
}

// IsNotFoundError returns true if the error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// ConnectionError indicates a failure to reach a node's API.
type ConnectionError struct {
	Node    string // Node ID
	Address string // API address that failed
	Cause   error  // The underlying error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %q at %s unreachable: %v", e.Node, e.Address, e.Cause)
	}
	return fmt.Sprintf("node %q at %s unreachable", e.Node, e.Address)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(node, address string, cause error) *ConnectionError {
	return &ConnectionError{
		Node:    node,
		Address: address,
		Cause:   cause,
	}
}

// IsConnectionError returns true if the error is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
