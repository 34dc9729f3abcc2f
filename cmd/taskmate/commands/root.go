// Package commands implements the TaskMate CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vdtlabs/taskmate/pkg/taskmate/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskmate",
		Short: "TaskMate - Jira/Confluence assistant over Telegram",
		Long: `TaskMate is a conversational assistant that manages Jira issues and
searches Confluence documentation on behalf of Telegram users, each
authenticated against Atlassian with their own OAuth credential.

Examples:
  taskmate serve --config ./config.yaml
  taskmate index --chat-id 123456789
  taskmate secret set telegram_token`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newIndexCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig builds the logger and loads + validates the config file for a
// subcommand run.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return cfg, slog.New(handler), nil
}
