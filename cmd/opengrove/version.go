package main

import (
	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/common/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if jsonOutput {
			return printJSON(cmd, version.Current())
		}
		cmd.Printf("opengrove version %s\n", version.Info())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
