package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/internal/util"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var initForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Long: `Writes a commented configuration file with freshly generated signing
secrets. The file contains secrets, so it is created with mode 0600.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

const configTemplate = `# Gatehouse server configuration.
# Every value can be overridden with a GATEHOUSE_* environment variable.

server:
  addr: ":8443"
  # The embedded revocation ledger lives here unless redis is configured.
  data_dir: "data"
  # tls_cert: "/etc/gatehouse/tls.crt"
  # tls_key: "/etc/gatehouse/tls.key"
  # Proxy headers are honored only for peers inside these ranges.
  # trusted_proxies:
  #   - 10.0.0.0/8

database:
  # Postgres connection string. Empty runs an in-memory store, which is
  # only suitable for development.
  dsn: ""

redis:
  # Shared revocation ledger for multi-instance deployments.
  addr: ""

tokens:
  access_secret: "%s"
  refresh_secret: "%s"
  share_secret: "%s"

webauthn:
  rp_id: "localhost"
  rp_display_name: "Gatehouse"
  origins:
    - https://localhost:8443

events:
  # nats_url: "nats://localhost:4222"
  # webhook_url: "https://hooks.example.com/gatehouse"
  # webhook_auth: "Authorization: Bearer ..."

security:
  max_password_attempts: 5
  attempt_window: 15m

log:
  level: info
  format: json
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "gatehouse.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secrets := make([]any, 3)
	for i := range secrets {
		s, err := util.RandomToken(32)
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		secrets[i] = s
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	content := fmt.Sprintf(configTemplate, secrets...)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote %s with generated signing secrets\n", path)
	return nil
}
