// Package cli implements the syncd command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command. version is reported in traces
// and by --version.
func NewRootCommand(version string) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:     "syncd",
		Short:   "Keep a record store mirrored with an identity directory",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; real deployments use the environment.
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	cmd.AddCommand(NewServeCommand(version))
	cmd.AddCommand(NewSignCommand())

	return cmd
}
