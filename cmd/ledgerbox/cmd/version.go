package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dogeorg/ledgerbox/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Get ledgerbox version information",
	Run: func(cmd *cobra.Command, args []string) {
		v := version.GetRelease()

		fmt.Printf("Ledgerbox Release: %s\n", v.Release)
		fmt.Printf("Archive compatibility: %d.x\n", v.Major)
		fmt.Printf("Git: %s\n", v.Git.Commit)
		fmt.Printf("Dirty: %t\n", v.Git.Dirty)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
