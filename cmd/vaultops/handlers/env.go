// Package handlers implements the business logic for CLI commands.
//
// Each handler loads settings, inventory and secret material, wires the
// concrete dependencies (custody file, sinks, offsite store, metrics) and
// calls into the library packages.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/pkg/config"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault/bootstrap"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Options are the flags shared by every command
type Options struct {
	SettingsFile  string
	EnvFiles      []string
	InventoryFile string
	SecretsFile   string
}

// environment is everything a handler needs before it talks to Vault
type environment struct {
	settings  *config.Settings
	log       logr.Logger
	inventory *config.Inventory
	material  *secrets.Material
}

// load reads env files, settings and the inventory. Secret material is only
// read when requireSecrets is set or a secrets file was given.
func load(ctx context.Context, v *viper.Viper, opts Options, requireSecrets bool) (*environment, error) {
	if err := config.LoadEnvFiles(opts.EnvFiles...); err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(v, opts.SettingsFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{Level: settings.Log.Level, Format: settings.Log.Format})
	if err != nil {
		return nil, err
	}

	inv, err := config.LoadInventory(opts.InventoryFile)
	if err != nil {
		return nil, err
	}

	env := &environment{settings: settings, log: log, inventory: inv}
	if opts.SecretsFile == "" {
		if requireSecrets {
			return nil, infraerrors.NewValidationError("secrets", "", "--secrets is required")
		}
		return env, nil
	}
	env.material, err = secrets.NewFileProvider(opts.SecretsFile, opts.EnvFiles...).Load(ctx)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// clusterConfig merges the inventory with the loaded material
func (e *environment) clusterConfig() (*bootstrap.ClusterConfig, error) {
	return e.inventory.ClusterConfig(e.material, e.settings)
}

// sinks builds the optional Redis and Kubernetes secret sinks
func (e *environment) sinks(ctx context.Context) ([]secrets.Sink, error) {
	var out []secrets.Sink
	if cfg := e.settings.Sinks.Redis; cfg.Enabled() {
		sink, err := secrets.NewRedisSink(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		out = append(out, sink)
	}
	if cfg := e.settings.Sinks.Kubernetes; cfg.Enabled() {
		sink, err := secrets.NewKubernetesSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes sink: %w", err)
		}
		out = append(out, sink)
	}
	return out, nil
}

// offsite returns the S3 store when a bucket is configured, or nil
func (e *environment) offsite(ctx context.Context) (snapshot.Offsite, error) {
	cfg := e.settings.S3()
	if !cfg.Enabled() {
		return nil, nil
	}
	store, err := snapshot.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 offsite store: %w", err)
	}
	return store, nil
}

// exitError keeps the stage of a failed run in the message printed by main
func exitError(err error) error {
	var serr *infraerrors.StageError
	if errors.As(err, &serr) {
		return fmt.Errorf("stage %s failed after %d attempt(s): %w", serr.Result.Stage, serr.Result.Attempts, serr.Result.Err)
	}
	return err
}
