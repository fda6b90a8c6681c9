package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flyingrabbit881/medianode/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
