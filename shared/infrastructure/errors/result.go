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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ResultKind tags the outcome of a pipeline stage.
type ResultKind int

const (
	// KindOK means the stage ran and changed or verified cluster state.
	KindOK ResultKind = iota
	// KindRetryable means the stage hit a transient failure and may be re-run.
	KindRetryable
	// KindSafeNoOp means the stage intentionally did nothing.
	KindSafeNoOp
	// KindFatal means the run must stop.
	KindFatal
)

func (k ResultKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindSafeNoOp:
		return "noop"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// StageResult is the tagged outcome of one stage.
type StageResult struct {
	Stage    string
	Kind     ResultKind
	Reason   string
	Err      error
	Attempts int
	Duration time.Duration
}

// OK creates a successful result.
func OK(stage string) StageResult {
	return StageResult{Stage: stage, Kind: KindOK}
}

// NoOp creates a result for an intentionally skipped stage.
func NoOp(stage, reason string) StageResult {
	return StageResult{Stage: stage, Kind: KindSafeNoOp, Reason: reason}
}

// Retryable creates a result for a transient failure.
func Retryable(stage string, err error) StageResult {
	return StageResult{Stage: stage, Kind: KindRetryable, Reason: errString(err), Err: err}
}

// Fatal creates a result that stops the run.
func Fatal(stage string, err error) StageResult {
	return StageResult{Stage: stage, Kind: KindFatal, Reason: errString(err), Err: err}
}

// IsSuccess reports whether callers should treat the result as success.
func (r StageResult) IsSuccess() bool {
	return r.Kind == KindOK || r.Kind == KindSafeNoOp
}

// FromError classifies a stage error. Safe preconditions become NoOp,
// validation, authorization and unsafe preconditions are always Fatal,
// and anything the retryable predicate accepts becomes Retryable.
func FromError(stage string, err error, retryable func(error) bool) StageResult {
	if err == nil {
		return OK(stage)
	}

	var preErr *PreconditionError
	if errors.As(err, &preErr) {
		if preErr.Unsafe {
			return Fatal(stage, err)
		}
		return NoOp(stage, preErr.Message)
	}
	if errors.Is(err, ErrAlreadyInitialized) {
		return NoOp(stage, err.Error())
	}
	if IsValidationError(err) || IsAuthorizationError(err) {
		return Fatal(stage, err)
	}
	if IsTransientError(err) || (retryable != nil && retryable(err)) {
		return Retryable(stage, err)
	}
	return Fatal(stage, err)
}

// StageError is the error returned by the pipeline when a stage ends Fatal.
type StageError struct {
	Result StageResult
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %s", e.Result.Stage, e.Result.Kind, e.Result.Reason)
}

// Unwrap returns the stage's underlying error.
func (e *StageError) Unwrap() error {
	return e.Result.Err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
