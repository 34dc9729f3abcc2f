// Package telegram implements the Telegram transport using the Bot API
// directly via HTTP. It long-polls getUpdates, hands each message to a
// worker pool so one user's slow turn never blocks polling, and sends
// replies with sendMessage.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxDocumentBytes bounds file downloads; Jira attachments past this size
// should go through the web UI anyway.
const maxDocumentBytes = 20 << 20

// Handler processes incoming turns. The bot package implements it.
type Handler interface {
	HandleStart(ctx context.Context, telegramID int64) (string, error)
	HandleUserTurn(ctx context.Context, telegramID int64, text string) (string, error)
	HandleFileTurn(ctx context.Context, telegramID int64, name string, data []byte, caption string) (string, error)
}

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// Workers sizes the pool handling turns concurrently.
	Workers int `yaml:"workers"`

	// PollTimeoutSeconds is the getUpdates long-poll timeout.
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`

	// APIBaseURL overrides the Bot API host. Empty means production.
	APIBaseURL string `yaml:"api_base_url"`
}

// Channel is the Telegram transport. It also serves as the auth package's
// Notifier so OAuth callbacks can message the chat that initiated them.
type Channel struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	client  *http.Client

	baseURL  string // {api}/bot{token}
	fileBase string // {api}/file/bot{token}

	connected  atomic.Bool
	errorCount atomic.Int64
	offset     int64

	jobs     chan *tgMessage
	pollDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Telegram channel around a turn handler.
func New(cfg Config, handler Handler, logger *slog.Logger) *Channel {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollTimeoutSeconds <= 0 {
		cfg.PollTimeoutSeconds = 30
	}
	api := cfg.APIBaseURL
	if api == "" {
		api = "https://api.telegram.org"
	}
	return &Channel{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  api + "/bot" + cfg.Token,
		fileBase: api + "/file/bot" + cfg.Token,
		jobs:     make(chan *tgMessage, 256),
		pollDone: make(chan struct{}),
	}
}

// Connect verifies the token and starts the polling loop and workers.
func (c *Channel) Connect(ctx context.Context) error {
	if c.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if c.connected.Load() {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	me, err := c.getMe()
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	c.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	c.connected.Store(true)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	go func() {
		defer close(c.pollDone)
		c.pollLoop()
	}()
	return nil
}

// Disconnect stops polling, drains the workers, and waits for in-flight
// turns to finish. The jobs channel closes only after the poll loop has
// exited so nothing enqueues into a closed channel.
func (c *Channel) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.connected.CompareAndSwap(true, false) {
		<-c.pollDone
		close(c.jobs)
		c.wg.Wait()
	}
	c.logger.Info("telegram: disconnected")
}

// Notify sends a plain text message to a chat. It satisfies the OAuth
// server's Notifier.
func (c *Channel) Notify(ctx context.Context, telegramID int64, text string) error {
	return c.SendMessage(ctx, telegramID, text)
}

// SendMessage sends a Markdown-formatted message to a chat.
func (c *Channel) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		// Markdown parse failures come back as 400s; retry without
		// formatting so the reply still reaches the user.
		_, err = c.apiCall(ctx, "sendMessage", map[string]any{
			"chat_id": chatID,
			"text":    text,
		})
	}
	return err
}

// pollLoop runs the getUpdates long-polling loop with backoff on errors.
func (c *Channel) pollLoop() {
	c.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := c.getUpdates(c.offset, 100, c.cfg.PollTimeoutSeconds)
		if err != nil {
			c.errorCount.Add(1)
			c.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		c.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			c.enqueue(u.Message)
		}
	}
}

// enqueue filters an update and hands its message to the worker pool.
func (c *Channel) enqueue(msg *tgMessage) {
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	// Group chats are out of scope; credentials are per person.
	if msg.Chat.Type != "private" {
		return
	}
	if len(c.cfg.AllowedChats) > 0 {
		allowed := false
		for _, id := range c.cfg.AllowedChats {
			if id == msg.Chat.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return
		}
	}

	select {
	case c.jobs <- msg:
	default:
		c.logger.Warn("telegram: message buffer full, dropping message", "msg_id", msg.MessageID)
	}
}

// worker processes queued messages one at a time.
func (c *Channel) worker() {
	defer c.wg.Done()
	for msg := range c.jobs {
		c.processMessage(msg)
	}
}

func (c *Channel) processMessage(msg *tgMessage) {
	chatID := msg.Chat.ID

	var reply string
	var err error
	switch {
	case strings.HasPrefix(msg.Text, "/start"):
		reply, err = c.handler.HandleStart(c.ctx, chatID)
	case msg.Document != nil:
		reply, err = c.handleDocument(msg)
	case msg.Text != "":
		reply, err = c.handler.HandleUserTurn(c.ctx, chatID, msg.Text)
	default:
		return
	}
	if err != nil {
		c.logger.Error("telegram: handling message failed", "chat_id", chatID, "error", err)
		reply = "Something went wrong on my side while handling that. Please try again."
	}
	if reply == "" {
		return
	}
	if err := c.SendMessage(c.ctx, chatID, reply); err != nil {
		c.logger.Error("telegram: sending reply failed", "chat_id", chatID, "error", err)
	}
}

// handleDocument downloads an attached document and forwards it as a file
// turn together with its caption.
func (c *Channel) handleDocument(msg *tgMessage) (string, error) {
	doc := msg.Document
	if doc.FileSize > maxDocumentBytes {
		return fmt.Sprintf("That file is too large for me to handle (%d MB max).", maxDocumentBytes>>20), nil
	}
	data, err := c.downloadFile(doc.FileID)
	if err != nil {
		return "", fmt.Errorf("downloading document: %w", err)
	}
	name := doc.FileName
	if name == "" {
		name = "file"
	}
	return c.handler.HandleFileTurn(c.ctx, msg.Chat.ID, name, data, msg.Caption)
}

// downloadFile resolves a file_id via getFile and fetches its content.
func (c *Channel) downloadFile(fileID string) ([]byte, error) {
	info, err := c.getFile(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: getFile failed: %w", err)
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.fileBase+"/"+info.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: reading media: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("telegram: file exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}

// ---------- Telegram Bot API types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int         `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Date      int         `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Document  *tgDocument `json:"document"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// ---------- API helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (c *Channel) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (c *Channel) getMe() (*tgBotUser, error) {
	data, err := c.apiCall(c.ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (c *Channel) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := c.apiCall(c.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// getFile retrieves file info for downloading.
func (c *Channel) getFile(fileID string) (*tgFile, error) {
	data, err := c.apiCall(c.ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}
