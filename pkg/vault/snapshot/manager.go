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

// Package snapshot takes Raft snapshots and persists them with a bounded
// history, locally and optionally in an S3-compatible bucket.
package snapshot

import (
	"context"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/shared/events"
)

// Source streams a snapshot of the cluster
type Source interface {
	NodeID() string
	Snapshot(ctx context.Context, w io.Writer) error
}

// Offsite receives a copy of every local snapshot
type Offsite interface {
	Upload(ctx context.Context, snap *Snapshot) error
}

// DefaultTimeout bounds one snapshot stream or upload when none is configured
const DefaultTimeout = 10 * time.Minute

// Config holds Manager settings
type Config struct {
	Retry retry.Config
	RunID string
	// Timeout replaces Retry.CallTimeout for the snapshot stream and the
	// offsite upload. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// transfer returns the retry settings for snapshot streams and uploads
func (c Config) transfer() retry.Config {
	rc := c.Retry
	rc.CallTimeout = c.Timeout
	if rc.CallTimeout <= 0 {
		rc.CallTimeout = DefaultTimeout
	}
	return rc
}

// Manager takes snapshots into a LocalStore
type Manager struct {
	cfg     Config
	store   *LocalStore
	offsite Offsite
	log     logr.Logger
	events  *events.EventBus
}

// NewManager creates a Manager. offsite and bus may be nil.
func NewManager(cfg Config, store *LocalStore, offsite Offsite, log logr.Logger, bus *events.EventBus) *Manager {
	return &Manager{cfg: cfg, store: store, offsite: offsite, log: log.WithName("snapshot"), events: bus}
}

// Take streams a snapshot from src into the local store. Every attempt
// writes a fresh temp file, so a retried stream never appends to a partial
// one. An offsite upload failure is logged and leaves Offsite unset.
func (m *Manager) Take(ctx context.Context, src Source) (*Snapshot, error) {
	log := m.log.WithValues(logger.KeyNode, src.NodeID())
	transfer := m.cfg.transfer()

	var snap *Snapshot
	err := retry.Do(ctx, transfer, "raft snapshot", func(ctx context.Context) error {
		var err error
		snap, err = m.store.Save(shortID(m.cfg.RunID), func(w io.Writer) error {
			return src.Snapshot(ctx, w)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("saved snapshot", "path", snap.Path, "bytes", snap.Size, "sha256", snap.SHA256)

	pruned, err := m.store.Prune()
	if err != nil {
		log.Error(err, "failed to prune local snapshots")
	} else if len(pruned) > 0 {
		log.Info("pruned local snapshots", "removed", pruned)
	}

	if m.offsite != nil {
		err := retry.Do(ctx, transfer, "upload snapshot", func(ctx context.Context) error {
			return m.offsite.Upload(ctx, snap)
		})
		if err != nil {
			log.Error(err, "offsite snapshot upload failed; local copy kept")
		} else {
			snap.Offsite = true
			log.Info("uploaded snapshot offsite", "name", snap.Name)
		}
	}

	_ = m.events.Publish(ctx, events.NewSnapshotTaken(m.cfg.RunID, snap.Path, snap.Size, snap.SHA256, snap.Offsite))
	return snap, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
