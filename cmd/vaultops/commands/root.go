// Package commands defines the CLI command structure and flag bindings.
//
// Command execution is delegated to handler functions in the handlers
// package. Run settings are read through one viper instance shared by every
// command so that flags, VAULTOPS_* variables and the settings file resolve
// in one place.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/cmd/vaultops/handlers"
	"github.com/arpanrec/linode-stack/pkg/config"
)

// Root returns the root command for the vaultops CLI.
func Root() *cobra.Command {
	v := config.NewViper()
	opts := &handlers.Options{}

	cmd := &cobra.Command{
		Use:           "vaultops",
		Short:         "Bootstrap and operate a Raft-backed Vault cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.SettingsFile, "settings", "", "Path to a settings file (YAML)")
	flags.StringSliceVar(&opts.EnvFiles, "env-file", nil, "Env files to load (default: .env when present)")
	flags.StringVarP(&opts.InventoryFile, "inventory", "i", "inventory.yml", "Path to the cluster inventory")
	flags.StringVarP(&opts.SecretsFile, "secrets", "s", "", "Path to the secret material file")
	flags.String("log-level", "info", "Log level: debug, info, warn, error or trace")
	flags.String("log-format", "console", "Log format: console or json")
	bindFlag(v, cmd, "log.level", "log-level")
	bindFlag(v, cmd, "log.format", "log-format")

	cmd.AddCommand(Setup(v, opts))
	cmd.AddCommand(Probe(v, opts))
	cmd.AddCommand(Snapshot(v, opts))
	cmd.AddCommand(Version())

	return cmd
}

// bindFlag lets a flag override the setting key when it is set explicitly
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}
