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
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const stageRootToken = "root-token"

// RootGenerator is a node that can run a generate-root ceremony
type RootGenerator interface {
	NodeID() string
	GenerateRootStatus(ctx context.Context) (*api.GenerateRootStatusResponse, error)
	GenerateRootStart(ctx context.Context, otp string) (*api.GenerateRootStatusResponse, error)
	GenerateRootUpdate(ctx context.Context, share, nonce string) (*api.GenerateRootStatusResponse, error)
	GenerateRootCancel(ctx context.Context) error
}

// TokenHolder installs a token on every node client
type TokenHolder interface {
	SwapTokens(token string) []string
}

// SelfLookup resolves the caller's own token
type SelfLookup interface {
	LookupSelf(ctx context.Context) (*vault.TokenInfo, error)
}

// Issuer creates orphan tokens
type Issuer interface {
	CreateOrphanToken(ctx context.Context, req vault.TokenRequest) (string, string, error)
}

// Revoker revokes tokens by accessor
type Revoker interface {
	RevokeAccessor(ctx context.Context, accessor string) error
}

// SelfRevoker revokes the token it is currently using
type SelfRevoker interface {
	CurrentToken() string
	RevokeSelf(ctx context.Context) error
}

// Config holds Lifecycle settings
type Config struct {
	Retry retry.Config
	RunID string
}

// Lifecycle mints, propagates and revokes privileged tokens for one run
type Lifecycle struct {
	cfg    Config
	log    logr.Logger
	events *events.EventBus
	ledger *Ledger
}

// NewLifecycle creates a Lifecycle with an empty ledger. bus may be nil.
func NewLifecycle(cfg Config, log logr.Logger, bus *events.EventBus) *Lifecycle {
	return &Lifecycle{cfg: cfg, log: log.WithName("token"), events: bus, ledger: NewLedger()}
}

// Ledger returns the tokens recorded so far
func (l *Lifecycle) Ledger() *Ledger {
	return l.ledger
}

// Regenerate mints a new root token through a generate-root ceremony on node,
// submitting at most threshold shares from material. A ceremony already in
// progress is cancelled when cancelPrevious is set and is otherwise an unsafe
// precondition. Ceremony calls are not retried: a transient failure cancels
// the attempt and surfaces as a TransientError so the stage can start over.
func (l *Lifecycle) Regenerate(ctx context.Context, node RootGenerator, material *seal.UnsealMaterial, cancelPrevious bool) (*RootToken, error) {
	if !material.HasKeys() {
		return nil, infraerrors.NewSafeExit(stageRootToken, "no unseal material available; root token cannot be regenerated")
	}
	log := l.log.WithValues(logger.KeyNode, node.NodeID())

	status, err := l.call(ctx, "generate-root status", node.GenerateRootStatus)
	if err != nil {
		return nil, l.abort(ctx, node, "read generate-root status", err)
	}
	if status.Started {
		if !cancelPrevious {
			return nil, infraerrors.NewUnsafePrecondition(stageRootToken,
				fmt.Sprintf("a generate-root ceremony is already in progress on %s (progress %d/%d)",
					node.NodeID(), status.Progress, status.Required))
		}
		log.Info("cancelling stale generate-root ceremony", "progress", status.Progress)
		if err := l.cancel(ctx, node); err != nil {
			return nil, infraerrors.NewTransientError("cancel generate-root", err)
		}
	}

	// Nodes before 1.10 report no OTP length and expect the client's own OTP
	var clientOTP string
	if status.OTPLength == 0 {
		if clientOTP, err = newLegacyOTP(); err != nil {
			return nil, err
		}
	}
	status, err = l.call(ctx, "generate-root init", func(ctx context.Context) (*api.GenerateRootStatusResponse, error) {
		return node.GenerateRootStart(ctx, clientOTP)
	})
	if err != nil {
		return nil, l.abort(ctx, node, "start generate-root", err)
	}
	otp, otpLength, nonce := status.OTP, status.OTPLength, status.Nonce
	if clientOTP != "" {
		otp = clientOTP
	}

	for i := 0; i < material.Threshold && !status.Complete; i++ {
		share := material.Shares[i]
		status, err = l.call(ctx, "generate-root update", func(ctx context.Context) (*api.GenerateRootStatusResponse, error) {
			return node.GenerateRootUpdate(ctx, share, nonce)
		})
		if err != nil {
			return nil, l.abort(ctx, node, "submit generate-root share", err)
		}
		log.V(1).Info("submitted generate-root share", "progress", status.Progress, "required", status.Required)
	}
	if !status.Complete {
		_ = l.cancel(ctx, node)
		return nil, infraerrors.NewUnsafePrecondition(stageRootToken,
			fmt.Sprintf("generate-root on %s incomplete after %d shares", node.NodeID(), material.Threshold))
	}

	encoded := status.EncodedToken
	if encoded == "" {
		encoded = status.EncodedRootToken
	}
	decoded, err := DecodeToken(encoded, otp, otpLength)
	if err != nil {
		return nil, infraerrors.NewUnsafePrecondition(stageRootToken, fmt.Sprintf("decode generated root token: %v", err))
	}
	log.Info("generated new root token")
	return &RootToken{Token: decoded, Purpose: PurposeCeremony}, nil
}

// Adopt installs token on every client held by holder, resolves its accessor
// through lookup, and records it.
func (l *Lifecycle) Adopt(ctx context.Context, holder TokenHolder, lookup SelfLookup, token string, purpose Purpose, durable bool) (*RootToken, error) {
	holder.SwapTokens(token)

	var info *vault.TokenInfo
	err := retry.Do(ctx, l.cfg.Retry, "token lookup-self", func(ctx context.Context) error {
		var err error
		info, err = lookup.LookupSelf(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s token accessor: %w", purpose, err)
	}

	t := &RootToken{Token: token, Accessor: info.Accessor, Purpose: purpose, Durable: durable}
	l.record(ctx, t)
	return t, nil
}

// IssueScoped creates an orphan token for downstream tooling and records it
// as pending revocation.
func (l *Lifecycle) IssueScoped(ctx context.Context, issuer Issuer, req vault.TokenRequest) (*RootToken, error) {
	if req.TTL == "" {
		req.TTL = DefaultScopedTTL.String()
	}
	// Orphan creation is not idempotent; a lost response leaves an
	// unrecorded token that expires on its own TTL.
	var tok, accessor string
	err := retry.Do(ctx, l.cfg.Retry.NoRetry(), "create scoped token", func(ctx context.Context) error {
		var err error
		tok, accessor, err = issuer.CreateOrphanToken(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	t := &RootToken{Token: tok, Accessor: accessor, Purpose: PurposeDownstream}
	l.record(ctx, t)
	return t, nil
}

// RevokePending revokes every non-durable ledger entry. Entries are revoked by
// accessor through by, except the token self is currently using, which is
// revoked last through revoke-self. Failures are logged and reported.
func (l *Lifecycle) RevokePending(ctx context.Context, by Revoker, self SelfRevoker) *RevokeReport {
	report := &RevokeReport{}
	current := ""
	if self != nil {
		current = self.CurrentToken()
	}

	var last *RootToken
	for _, t := range l.ledger.Pending() {
		if t.Token == current {
			last = t
			continue
		}
		if t.Accessor == "" || by == nil {
			l.outcome(ctx, report, t, fmt.Errorf("no accessor or revoker for %s token", t.Purpose))
			continue
		}
		err := retry.Do(ctx, l.cfg.Retry, "token revoke-accessor", func(ctx context.Context) error {
			return by.RevokeAccessor(ctx, t.Accessor)
		})
		l.outcome(ctx, report, t, err)
	}

	if last != nil {
		err := retry.Do(ctx, l.cfg.Retry, "token revoke-self", func(ctx context.Context) error {
			return self.RevokeSelf(ctx)
		})
		l.outcome(ctx, report, last, err)
	}
	return report
}

func (l *Lifecycle) record(ctx context.Context, t *RootToken) {
	l.ledger.Record(t)
	l.log.Info("recorded privileged token", "token", t)
	_ = l.events.Publish(ctx, events.NewTokenIssued(l.cfg.RunID, string(t.Purpose), t.Accessor, t.Durable))
}

func (l *Lifecycle) outcome(ctx context.Context, report *RevokeReport, t *RootToken, err error) {
	report.Outcomes = append(report.Outcomes, RevokeOutcome{Purpose: t.Purpose, Accessor: t.Accessor, Err: err})
	if err != nil {
		l.log.Error(err, "failed to revoke token; revoke it manually", "token", t)
	} else {
		l.ledger.markRevoked(t.Token)
		l.log.Info("revoked token", "token", t)
	}
	_ = l.events.Publish(ctx, events.NewTokenRevoked(l.cfg.RunID, string(t.Purpose), t.Accessor, err))
}

// call runs one ceremony request under the per-call timeout, without retry
func (l *Lifecycle) call(ctx context.Context, operation string, fn func(ctx context.Context) (*api.GenerateRootStatusResponse, error)) (*api.GenerateRootStatusResponse, error) {
	var status *api.GenerateRootStatusResponse
	err := retry.Do(ctx, l.cfg.Retry.NoRetry(), operation, func(ctx context.Context) error {
		var err error
		status, err = fn(ctx)
		if err == nil && status == nil {
			err = errors.New("empty generate-root response")
		}
		return err
	})
	return status, err
}

func (l *Lifecycle) cancel(ctx context.Context, node RootGenerator) error {
	return retry.Do(ctx, l.cfg.Retry, "cancel generate-root", node.GenerateRootCancel)
}

// abort cancels whatever the ceremony left behind and classifies err
func (l *Lifecycle) abort(ctx context.Context, node RootGenerator, operation string, err error) error {
	if cerr := l.cancel(ctx, node); cerr != nil {
		l.log.Error(cerr, "failed to cancel generate-root after error", logger.KeyNode, node.NodeID())
	}
	if retry.IsRetryableError(err) {
		return infraerrors.NewTransientError(operation, err)
	}
	return fmt.Errorf("%s on %s: %w", operation, node.NodeID(), err)
}
