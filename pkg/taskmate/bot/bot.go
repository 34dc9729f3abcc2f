// Package bot orchestrates one conversation turn: feedback capture,
// authentication gating, history loading, dispatch, and persistence.
// It is transport-agnostic; the Telegram channel calls into it and sends
// whatever reply comes back.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/vdtlabs/taskmate/pkg/taskmate/agent"
	"github.com/vdtlabs/taskmate/pkg/taskmate/capability"
	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
)

// DefaultHistoryLimit bounds how many logged turns feed each dispatch.
const DefaultHistoryLimit = 20

const defaultSystemPrompt = `You are TaskMate, a work assistant connected to the user's Jira and Confluence.
Use the available tools to answer questions about issues, worklogs, comments and documentation.
Answer concisely. When a tool fails because the user is not authenticated, tell them to reconnect with /start.
Never invent issue keys or page contents; if a tool returns nothing, say so.`

const (
	apologyReply = "Something went wrong on my side while handling that. Please try again."
	timeoutReply = "That took longer than I'm allowed to spend on one request. Please try again, or ask for something smaller."
	feedbackAck  = "Thank you, your feedback has been recorded."
)

// Config holds turn-handling settings.
type Config struct {
	// PublicBaseURL is the externally reachable base of the OAuth server,
	// used to build login links, e.g. https://taskmate.example.com.
	PublicBaseURL string
	SystemPrompt  string
	HistoryLimit  int
}

// Bot handles user turns for every principal.
type Bot struct {
	store      *store.Store
	dispatcher *agent.Dispatcher
	caps       *capability.Set
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	staged map[int64]*capability.StagedFile // keyed by principal id
}

// New wires a Bot. Zero-value config fields fall back to defaults.
func New(st *store.Store, d *agent.Dispatcher, caps *capability.Set, cfg Config, logger *slog.Logger) *Bot {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Bot{
		store:      st,
		dispatcher: d,
		caps:       caps,
		cfg:        cfg,
		logger:     logger.With("component", "bot"),
		staged:     make(map[int64]*capability.StagedFile),
	}
}

// LoginLink builds the OAuth login URL for a Telegram chat.
func (b *Bot) LoginLink(telegramID int64) string {
	return b.cfg.PublicBaseURL + "/oauth/login?chat_id=" +
		url.QueryEscape(strconv.FormatInt(telegramID, 10))
}

// HandleStart greets a new chat and hands out the login link. The user
// record is created here so the OAuth callback has somewhere to land.
func (b *Bot) HandleStart(ctx context.Context, telegramID int64) (string, error) {
	user, err := b.store.GetOrCreateUser(ctx, telegramID)
	if err != nil {
		return "", fmt.Errorf("registering user: %w", err)
	}
	if user.Authenticated() {
		return "Welcome back! Your Atlassian account is connected. Ask me about your issues or documentation.", nil
	}
	return "Hi, I'm TaskMate. I can manage your Jira issues and search your Confluence docs.\n" +
		"Connect your Atlassian account to begin: " + b.LoginLink(telegramID), nil
}

// HandleUserTurn processes one text message and returns the reply to send.
// It never returns an error for model or tool failures; those become
// user-facing replies so the conversation keeps moving.
func (b *Bot) HandleUserTurn(ctx context.Context, telegramID int64, text string) (reply string, err error) {
	turnID := uuid.NewString()
	logger := b.logger.With("turn_id", turnID, "telegram_id", telegramID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling turn", "panic", r)
			reply, err = apologyReply, nil
		}
	}()

	user, err := b.store.GetOrCreateUser(ctx, telegramID)
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}

	if user.AwaitingFeedback {
		if err := b.store.AddFeedback(ctx, user.ID, text); err != nil {
			return "", fmt.Errorf("recording feedback: %w", err)
		}
		if err := b.store.SetAwaitingFeedback(ctx, user.ID, false); err != nil {
			return "", fmt.Errorf("clearing feedback flag: %w", err)
		}
		return feedbackAck, nil
	}

	if !user.Authenticated() {
		return "To get started, connect your Atlassian account: " + b.LoginLink(telegramID), nil
	}

	history, err := b.store.RecentTurns(ctx, user.ID, b.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("loading history: %w", err)
	}
	if err := b.store.AppendTurn(ctx, user.ID, store.RoleUser, text); err != nil {
		return "", fmt.Errorf("persisting user turn: %w", err)
	}

	registry := b.caps.BuildRegistry(user.ID, b.takeStaged(user.ID))

	result, err := b.dispatcher.Dispatch(ctx, agent.DispatchRequest{
		SystemPrompt: b.cfg.SystemPrompt,
		History:      history,
		UserMessage:  text,
		Registry:     registry,
	})
	switch {
	case errors.Is(err, agent.ErrDispatchTimeout):
		logger.Warn("turn timed out")
		reply = timeoutReply
	case err != nil:
		logger.Error("dispatch failed", "error", err)
		reply = apologyReply
	default:
		logger.Info("turn completed", "rounds", result.Rounds)
		reply = result.Text
	}

	if err := b.store.AppendTurn(ctx, user.ID, store.RoleBot, reply); err != nil {
		logger.Error("persisting bot turn failed", "error", err)
	}
	return reply, nil
}

// HandleFileTurn stages an incoming file so the attach tool becomes
// available. A caption dispatches immediately; without one the file waits
// for the user's next message.
func (b *Bot) HandleFileTurn(ctx context.Context, telegramID int64, name string, data []byte, caption string) (string, error) {
	user, err := b.store.GetOrCreateUser(ctx, telegramID)
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}
	if !user.Authenticated() {
		return "To attach files, connect your Atlassian account first: " + b.LoginLink(telegramID), nil
	}

	b.mu.Lock()
	b.staged[user.ID] = &capability.StagedFile{Name: name, Data: data}
	b.mu.Unlock()
	b.logger.Info("file staged", "telegram_id", telegramID, "filename", name, "bytes", len(data))

	if caption != "" {
		return b.HandleUserTurn(ctx, telegramID, caption)
	}
	return fmt.Sprintf("Got %q. Which issue should I attach it to?", name), nil
}

// takeStaged pops the staged file for a principal, if any. Staged files are
// consumed by exactly one turn.
func (b *Bot) takeStaged(principalID int64) *capability.StagedFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.staged[principalID]
	delete(b.staged, principalID)
	return f
}
