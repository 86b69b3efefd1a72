package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/cmd/vaultops/handlers"
)

// Setup returns the command that bootstraps the cluster.
//
// Required flags:
//
//	--secrets, -s: Path to the secret material (root CA, admin identity, external services)
//
// Optional flags:
//
//	--inventory, -i: Path to the cluster inventory (default: inventory.yml)
//	--custody-file: Where unseal material is kept between runs
func Setup(v *viper.Viper, opts *handlers.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize, unseal, join and provision the cluster",
		Long: `Bring the cluster described by the inventory to a ready state.

The run is idempotent: it probes every node before acting, so it can be
repeated after a failure or against a cluster that is already configured.

Stages:
  prepare, initialize, unseal, find-ready, rotate-root, raft-reconcile,
  admin-access, ha-login, pki, downstream-apply, revoke, secret-sinks, snapshot

Examples:
  # Bootstrap with secrets from a file and overrides from .env
  vaultops setup -i inventory.yml -s secrets.yml

  # Emit JSON logs
  VAULTOPS_LOG_FORMAT=json vaultops setup -s secrets.yml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Setup(cmd.Context(), v, *opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("custody-file", "", "Unseal material file (default: unseal-material.yml)")
	if err := v.BindPFlag("custody.file", cmd.Flags().Lookup("custody-file")); err != nil {
		panic(err)
	}

	return cmd
}
