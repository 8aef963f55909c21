package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	fleet "github.com/wpeva/undetect-fleet"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of fleetd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetd version %s\n", strings.TrimSpace(fleet.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
