package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ouni3233/alljoyn-core/pkg/daemon"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the ajrouterd version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(daemon.Version)
	},
}
