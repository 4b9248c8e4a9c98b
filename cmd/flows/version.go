package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	rapidpro "github.com/istresearch/rapidpro-sub000"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of flows",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flows version %s\n", strings.TrimSpace(rapidpro.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
