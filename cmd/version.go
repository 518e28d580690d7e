package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/koral-rdf/koral/internal/build"
)

// NewVersionCommand returns the command to get the koral version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the koral version",
		Long:  "Return the koral version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("koral Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
