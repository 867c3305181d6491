package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keep version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keep %s\n", keep.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
