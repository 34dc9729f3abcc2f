package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vdtlabs/taskmate/pkg/taskmate/config"
)

var secretKeys = []string{"api_key", "atlassian_client_secret", "telegram_token"}

// newSecretCmd creates the `taskmate secret` command group for managing
// credentials in the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
	}
	cmd.AddCommand(newSecretSetCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret in the OS keyring",
		Long: `Store a secret in the OS keyring so it never needs to appear in the
config file or environment. Valid keys: ` + strings.Join(secretKeys, ", ") + `.

The value is read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			valid := false
			for _, k := range secretKeys {
				if k == key {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("unknown secret key %q (valid: %s)", key, strings.Join(secretKeys, ", "))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Enter value for %s: ", key)
			reader := bufio.NewReader(os.Stdin)
			value, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading value: %w", err)
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("empty value")
			}

			if err := config.StoreSecret(key, value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the OS keyring.\n", key)
			return nil
		},
	}
}
