package cmd

import "github.com/spf13/cobra"

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Security event stream tools",
	Long:  `Commands for following the live security event stream and summarizing audit logs.`,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
