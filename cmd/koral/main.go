package main

import (
	"os"

	"github.com/koral-rdf/koral/cmd"
	"github.com/koral-rdf/koral/cmd/load"
	"github.com/koral-rdf/koral/cmd/migrate"
	"github.com/koral-rdf/koral/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	migrateCmd := migrate.NewMigrateCommand()
	rootCmd.AddCommand(migrateCmd)

	loadCmd := load.NewLoadCommand()
	rootCmd.AddCommand(loadCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
