package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
	"github.com/vdtlabs/taskmate/pkg/taskmate/kb"
	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
	"github.com/vdtlabs/taskmate/pkg/taskmate/wiki"
)

// newIndexCmd creates the `taskmate index` command that (re)builds the
// knowledge base from Confluence.
func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the knowledge base from Confluence pages",
		Long: `Fetch every Confluence page readable by the given user's credential and
index its content into the embedded vector store used by the
search_knowledge_base tool.

With --page-id only that page is fetched and reindexed, replacing its
previous chunks. Use it after editing a single page instead of a full
rebuild.`,
		RunE: runIndex,
	}
	cmd.Flags().Int64("chat-id", 0, "Telegram chat id whose credential is used for fetching")
	cmd.Flags().String("page-id", "", "reindex only this Confluence page")
	cmd.MarkFlagRequired("chat-id")
	return cmd
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.KnowledgeBase.Enabled {
		return fmt.Errorf("knowledge_base.enabled is false in the config")
	}
	chatID, _ := cmd.Flags().GetInt64("chat-id")
	pageID, _ := cmd.Flags().GetString("page-id")

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	user, err := st.UserByTelegramID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("no user for chat id %d: %w", chatID, err)
	}
	tok, err := manager.EnsureValid(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}

	index, err := kb.Open(kb.Config{
		PersistPath:  cfg.KnowledgeBase.Path,
		Collection:   cfg.KnowledgeBase.Collection,
		OpenAIAPIKey: cfg.API.APIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening knowledge base: %w", err)
	}

	return indexPages(ctx, wiki.NewClient("", logger), tok, index, pageID, logger)
}

// pageSource is the slice of the wiki client the indexer needs.
type pageSource interface {
	ListPages(ctx context.Context, tok auth.Token) ([]wiki.Page, error)
	PageByID(ctx context.Context, tok auth.Token, pageID string) (*wiki.Page, error)
}

// indexPages rebuilds the whole knowledge base, or replaces the chunks of a
// single page when pageID is set.
func indexPages(ctx context.Context, src pageSource, tok auth.Token, index *kb.Index, pageID string, logger *slog.Logger) error {
	if pageID != "" {
		page, err := src.PageByID(ctx, tok, pageID)
		if err != nil {
			return fmt.Errorf("fetching page %s: %w", pageID, err)
		}
		if err := index.IndexPage(ctx, page); err != nil {
			return fmt.Errorf("reindexing page %s: %w", pageID, err)
		}
		logger.Info("page reindexed", "page_id", pageID, "chunks", index.Count())
		return nil
	}

	pages, err := src.ListPages(ctx, tok)
	if err != nil {
		return fmt.Errorf("listing pages: %w", err)
	}

	var indexed, failed int
	for _, p := range pages {
		page, err := src.PageByID(ctx, tok, p.ID)
		if err != nil {
			failed++
			logger.Warn("fetching page failed", "page_id", p.ID, "error", err)
			continue
		}
		if err := index.IndexPage(ctx, page); err != nil {
			failed++
			logger.Warn("indexing page failed", "page_id", p.ID, "error", err)
			continue
		}
		indexed++
	}

	logger.Info("indexing finished", "pages", len(pages), "indexed", indexed, "failed", failed, "chunks", index.Count())
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed to index", failed, len(pages))
	}
	return nil
}
