package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/cmd/vaultops/handlers"
)

// Probe returns the command that reports the state of every inventory node.
//
// Optional flags:
//
//	--json: Output in JSON format
func Probe(v *viper.Viper, opts *handlers.Options) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show the state of every node",
		Long: `Probe every node of the inventory once and print its state:
unreachable, uninitialized, sealed, unsealed-standby, unsealed-active or error.

The probe only reads health endpoints and needs no token. When --secrets is
given, the root CA from the secret material is trusted for nodes without
their own CA file.

Examples:
  vaultops probe -i inventory.yml
  vaultops probe -i inventory.yml --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Probe(cmd.Context(), v, *opts, jsonOutput, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
