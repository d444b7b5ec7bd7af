package main

import (
	"fmt"

	"github.com/fentz26/jetdeploy/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the jetdeploy version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}
