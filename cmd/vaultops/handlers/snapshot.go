package handlers

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Snapshot handles the snapshot command.
//
// The admin session is revoked once the snapshot is stored.
func Snapshot(ctx context.Context, v *viper.Viper, opts Options, out io.Writer) error {
	env, err := load(ctx, v, opts, true)
	if err != nil {
		return err
	}
	cfg, err := env.clusterConfig()
	if err != nil {
		return err
	}
	if cfg.Admin.Password == "" {
		return infraerrors.NewValidationError("admin.password", "", "the admin password is required to take a snapshot")
	}

	address := cfg.HAAddress
	if address == "" {
		address = cfg.Nodes[0].APIAddress
	}
	client, err := vault.NewClient(vault.ClientConfig{
		NodeID:    "ha",
		Address:   address,
		TLSConfig: &vault.TLSConfig{CACertPEM: []byte(cfg.PKI.CertPEM)},
		Timeout:   cfg.Retry.CallTimeout,
	})
	if err != nil {
		return err
	}

	log := env.log.WithName("snapshot")
	err = retry.Do(ctx, cfg.Retry, "admin login", func(ctx context.Context) error {
		return client.LoginUserpass(ctx, cfg.AdminAuthMount, cfg.Admin.Username, cfg.Admin.Password)
	})
	if err != nil {
		return fmt.Errorf("log in to %s as %s: %w", address, cfg.Admin.Username, err)
	}
	defer func() {
		if err := client.RevokeSelf(context.WithoutCancel(ctx)); err != nil {
			log.Error(err, "failed to revoke the admin session")
		}
	}()

	store, err := snapshot.NewLocalStore(cfg.SnapshotDir, cfg.SnapshotRetention)
	if err != nil {
		return err
	}
	offsite, err := env.offsite(ctx)
	if err != nil {
		return err
	}

	manager := snapshot.NewManager(snapshot.Config{Retry: cfg.Retry, RunID: uuid.NewString(), Timeout: cfg.SnapshotTimeout}, store, offsite, log, nil)
	snap, err := manager.Take(ctx, client)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "snapshot: %s (%d bytes, sha256 %s)\n", snap.Path, snap.Size, snap.SHA256)
	if snap.Offsite {
		fmt.Fprintln(out, "offsite copy uploaded")
	}
	return nil
}
