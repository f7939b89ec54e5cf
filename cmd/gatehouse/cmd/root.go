package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is the authentication service for client delivery",
	Long: `The authentication and token-lifecycle service behind the client
delivery platform: admin logins, passkeys, share-link sessions, and the
revocation ledger that ties them together.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Define flags and configuration settings here.
}
