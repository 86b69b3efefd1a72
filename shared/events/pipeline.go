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

package events

import "time"

// Pipeline event type constants.
const (
	StageStartedType       = "stage.started"
	StageFinishedType      = "stage.finished"
	BootstrapCompletedType = "bootstrap.completed"
)

// StageStarted is published before a stage runs.
type StageStarted struct {
	BaseEvent
	Stage   string
	Attempt int
}

// Type returns the event type identifier.
func (e StageStarted) Type() string {
	return StageStartedType
}

// NewStageStarted creates a StageStarted event.
func NewStageStarted(runID, stage string, attempt int) StageStarted {
	return StageStarted{
		BaseEvent: NewBaseEvent(StageStartedType, runID),
		Stage:     stage,
		Attempt:   attempt,
	}
}

// StageFinished is published once a stage has a final result.
type StageFinished struct {
	BaseEvent
	Stage string
	// Result is the tagged outcome: ok, noop, retryable or fatal
	Result   string
	Reason   string
	Attempts int
	Duration time.Duration
}

// Type returns the event type identifier.
func (e StageFinished) Type() string {
	return StageFinishedType
}

// NewStageFinished creates a StageFinished event.
func NewStageFinished(runID, stage, result, reason string, attempts int, duration time.Duration) StageFinished {
	return StageFinished{
		BaseEvent: NewBaseEvent(StageFinishedType, runID),
		Stage:     stage,
		Result:    result,
		Reason:    reason,
		Attempts:  attempts,
		Duration:  duration,
	}
}

// BootstrapCompleted is published when the whole pipeline succeeds.
type BootstrapCompleted struct {
	BaseEvent
	ReadyNode string
	Duration  time.Duration
}

// Type returns the event type identifier.
func (e BootstrapCompleted) Type() string {
	return BootstrapCompletedType
}

// NewBootstrapCompleted creates a BootstrapCompleted event.
func NewBootstrapCompleted(runID, readyNode string, duration time.Duration) BootstrapCompleted {
	return BootstrapCompleted{
		BaseEvent: NewBaseEvent(BootstrapCompletedType, runID),
		ReadyNode: readyNode,
		Duration:  duration,
	}
}
