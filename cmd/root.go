// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with KORAL, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("KORAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/koral", "$HOME/.koral", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	// A missing config file is fine, the flags and defaults apply.
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "koral",
		Short: "A distributed SPARQL query execution engine",
		Long: `A distributed SPARQL query execution engine.

Every node of a koral cluster stores a chunk of the graph. The master places
the operator tree of a query on every slave, the slaves exchange the mappings
their operators produce and the master collects the results.`,
	}
}
