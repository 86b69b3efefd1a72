package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/cmd/vaultops/handlers"
)

// Snapshot returns the command that takes a Raft snapshot of a running
// cluster as the admin identity.
func Snapshot(v *viper.Viper, opts *handlers.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take a Raft snapshot of the cluster",
		Long: `Log in to the cluster as the admin identity, stream a Raft snapshot to
the local snapshot directory and, when configured, copy it to S3.

Older snapshots beyond the retention depth are pruned locally and offsite.
The snapshot directory comes from the inventory, falling back to the
snapshot.dir setting (VAULTOPS_SNAPSHOT_DIR).

Examples:
  vaultops snapshot -i inventory.yml -s secrets.yml
  VAULTOPS_SNAPSHOT_S3_BUCKET=backups vaultops snapshot -s secrets.yml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Snapshot(cmd.Context(), v, *opts, cmd.OutOrStdout())
		},
	}
}
