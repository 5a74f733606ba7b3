// Command rookd runs the rook SMTP server with the plugins listed in its
// configuration directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/synqronlabs/rook/plugins/all"
)

var defaultEnvConfigFile = os.Getenv("ROOKD_ENV_CONFIG")

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rookd",
		Short:         "Extensible SMTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&defaultEnvConfigFile, "config", "c", defaultEnvConfigFile, "Full path to an env style config file")
	root.AddCommand(commandServe())
	root.AddCommand(commandPlugins())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
