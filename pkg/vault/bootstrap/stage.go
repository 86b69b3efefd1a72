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

package bootstrap

import (
	"fmt"
	"time"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Stage names, as they appear in logs and metrics.
const (
	StagePrepare         = "prepare"
	StageInitialize      = "initialize"
	StageUnseal          = "unseal"
	StageFindReady       = "find-ready"
	StageRotateRoot      = "rotate-root"
	StageRaftReconcile   = "raft-reconcile"
	StageAdminAccess     = "admin-access"
	StageHALogin         = "ha-login"
	StagePKI             = "pki"
	StageDownstreamApply = "downstream-apply"
	StageRevoke          = "revoke"
	StageSecretSinks     = "secret-sinks"
	StageSnapshot        = "snapshot"
)

// stage is one step of the pipeline. A stage re-probes whatever it acts on,
// so re-running it after a retryable failure is safe.
type stage struct {
	name string
	run  func(r *Run) error
}

// execute runs s, re-running it while it reports a retryable failure and
// attempts remain. A retryable result that runs out of attempts is Fatal.
func (r *Run) execute(s stage) infraerrors.StageResult {
	log := logger.NewStageLogger(r.Log, s.name)
	start := time.Now()

	var result infraerrors.StageResult
	for attempt := 1; ; attempt++ {
		_ = r.Events.Publish(r, events.NewStageStarted(r.RunID, s.name, attempt))
		result = infraerrors.FromError(s.name, s.run(r), retry.IsRetryableError)
		result.Attempts = attempt

		if result.Kind != infraerrors.KindRetryable {
			break
		}
		if attempt >= r.Config.StageAttempts {
			result = infraerrors.Fatal(s.name,
				fmt.Errorf("giving up after %d attempts: %w", attempt, result.Err))
			result.Attempts = attempt
			break
		}

		wait := r.Retry.CalculateBackoff(attempt - 1)
		log.Info("stage failed with a transient error; retrying",
			logger.KeyRetryCount, attempt, logger.KeyError, result.Reason, "after", wait.String())
		select {
		case <-r.Done():
			result = infraerrors.Fatal(s.name, fmt.Errorf("run cancelled while retrying: %w", r.Err()))
			result.Attempts = attempt
		case <-time.After(wait):
			continue
		}
		break
	}
	result.Duration = time.Since(start)

	switch result.Kind {
	case infraerrors.KindFatal:
		log.ErrorWithDuration(result.Err, "stage failed", logger.KeyResult, result.Kind.String(), "attempts", result.Attempts)
	case infraerrors.KindSafeNoOp:
		log.InfoWithDuration("stage skipped", logger.KeyResult, result.Kind.String(), "reason", result.Reason)
	default:
		log.InfoWithDuration("stage completed", logger.KeyResult, result.Kind.String(), "attempts", result.Attempts)
	}
	_ = r.Events.Publish(r, events.NewStageFinished(r.RunID, s.name, result.Kind.String(), result.Reason, result.Attempts, result.Duration))
	return result
}

// skip reports an intentional no-op from inside a stage
func skip(stage, format string, args ...interface{}) error {
	return infraerrors.NewSafeExit(stage, fmt.Sprintf(format, args...))
}
