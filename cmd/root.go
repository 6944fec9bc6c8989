package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cmuxd",
	Short: "Sandbox lifecycle orchestrator and preview traffic router",
	Long:  `cmuxd manages cloud sandbox instances across providers: it routes preview URLs, wakes paused instances on demand, and reclaims idle ones on a schedule.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
