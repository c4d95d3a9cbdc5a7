package cli

import (
	"log"

	"github.com/spf13/cobra"

	globalconfig "github.com/ssvlabs/slashing-protector/cli/config"
)

var globalArgs globalconfig.Args

// RootCmd represents the root command of the slashing protector CLI
var RootCmd = &cobra.Command{
	Use:           "slashing-protector",
	Short:         "slashing-protector",
	Long:          `Slashing protector keeps the signing history of validators and refuses slashable signatures.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute executes the root command
func Execute(appName, version string) {
	RootCmd.Short = appName
	RootCmd.Version = version

	if err := RootCmd.Execute(); err != nil {
		log.Fatal("failed to execute root command: ", err)
	}
}

func init() {
	globalconfig.ProcessArgs(&cfg, &globalArgs, RootCmd)

	RootCmd.AddCommand(startCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(pruneCmd)
	RootCmd.AddCommand(importCmd)
	RootCmd.AddCommand(exportCmd)
	RootCmd.AddCommand(watermarkCmd)
	RootCmd.AddCommand(validatorsCmd)
}
