package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vdtlabs/taskmate/pkg/taskmate/agent"
	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
	"github.com/vdtlabs/taskmate/pkg/taskmate/bot"
	"github.com/vdtlabs/taskmate/pkg/taskmate/capability"
	"github.com/vdtlabs/taskmate/pkg/taskmate/channels/telegram"
	"github.com/vdtlabs/taskmate/pkg/taskmate/config"
	"github.com/vdtlabs/taskmate/pkg/taskmate/kb"
	"github.com/vdtlabs/taskmate/pkg/taskmate/scheduler"
	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
	"github.com/vdtlabs/taskmate/pkg/taskmate/tracker"
	"github.com/vdtlabs/taskmate/pkg/taskmate/wiki"
)

// newServeCmd creates the `taskmate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon",
		Long: `Start TaskMate as a daemon: the Telegram long-polling loop, the OAuth
callback server, and the background jobs (token refresh sweep, daily
digest, feedback prompt).`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	loc := cfg.Location()

	st, err := store.Open(store.Config{
		Path:          cfg.Database.Path,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	manager := auth.NewManager(auth.Config{
		ClientID:     cfg.Atlassian.ClientID,
		ClientSecret: cfg.Atlassian.ClientSecret,
		RedirectURI:  cfg.Atlassian.RedirectURI,
		Scopes:       cfg.Atlassian.Scopes,
	}, st, logger)

	trackerClient := tracker.NewClient("", logger)
	wikiClient := wiki.NewClient("", logger)

	var index *kb.Index
	if cfg.KnowledgeBase.Enabled {
		index, err = kb.Open(kb.Config{
			PersistPath:  cfg.KnowledgeBase.Path,
			Collection:   cfg.KnowledgeBase.Collection,
			OpenAIAPIKey: cfg.API.APIKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("opening knowledge base: %w", err)
		}
	}

	caps := capability.NewSet(manager, trackerClient, wikiClient, index, capability.Config{
		Location:    loc,
		ToolTimeout: time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second,
		SearchTopK:  cfg.KnowledgeBase.TopK,
	}, logger)

	llm := agent.NewLLMClient(agent.LLMConfig{
		BaseURL:     cfg.API.BaseURL,
		APIKey:      cfg.API.APIKey,
		Model:       cfg.Model,
		CallTimeout: time.Duration(cfg.Agent.LLMCallTimeoutSeconds) * time.Second,
	}, logger)
	dispatcher := agent.NewDispatcher(llm, agent.DispatcherConfig{
		MaxRounds:   cfg.Agent.MaxRounds,
		TurnTimeout: time.Duration(cfg.Agent.TurnTimeoutSeconds) * time.Second,
	}, logger)

	assistant := bot.New(st, dispatcher, caps, bot.Config{
		PublicBaseURL: publicBaseURL(cfg),
		SystemPrompt:  cfg.Instructions,
		HistoryLimit:  cfg.Agent.HistoryLimit,
	}, logger)

	channel := telegram.New(telegram.Config{
		Token:              cfg.Telegram.Token,
		Workers:            cfg.Telegram.Workers,
		PollTimeoutSeconds: cfg.Telegram.PollTimeoutSeconds,
	}, assistant, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		return fmt.Errorf("connecting telegram: %w", err)
	}
	defer channel.Disconnect()

	oauthSrv := auth.NewServer(cfg.OAuthServer.Listen, manager, channel, logger)
	go func() {
		if err := oauthSrv.Start(ctx); err != nil {
			logger.Error("oauth server stopped", "error", err)
			cancel()
		}
	}()

	if cfg.Scheduler.Enabled {
		jobs := scheduler.New(scheduler.Config{
			RefreshSpec:  cfg.Scheduler.SweepSpec,
			DigestSpec:   cfg.Scheduler.DigestSpec,
			FeedbackSpec: cfg.Scheduler.FeedbackSpec,
		}, manager, st, trackerClient, channel, loc, logger)
		if err := jobs.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer jobs.Stop()
	}

	logger.Info("taskmate running",
		"model", cfg.Model,
		"oauth_listen", cfg.OAuthServer.Listen,
		"kb_enabled", cfg.KnowledgeBase.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	case <-ctx.Done():
	}
	return nil
}

// publicBaseURL derives the externally reachable base of the OAuth server
// from the registered redirect URI.
func publicBaseURL(cfg *config.Config) string {
	return strings.TrimSuffix(cfg.Atlassian.RedirectURI, "/oauth/callback")
}
