package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Notifier pushes a short text message to a principal's chat. The Telegram
// channel satisfies this; the server only needs the one method.
type Notifier interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

// Server exposes the OAuth endpoints: the login redirect, the provider
// callback, and a manual refresh hook.
type Server struct {
	manager  *Manager
	notifier Notifier
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer wires the OAuth HTTP surface. notifier may be nil; callback
// success is then only visible on the browser page.
func NewServer(addr string, manager *Manager, notifier Notifier, logger *slog.Logger) *Server {
	s := &Server{
		manager:  manager,
		notifier: notifier,
		logger:   logger.With("component", "oauth_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/login", s.handleLogin)
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("POST /oauth/refresh", s.handleRefresh)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("oauth server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("oauth server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// handleLogin redirects the browser to the Atlassian consent screen for the
// chat id given in the query string.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	telegramID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid chat_id", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, s.manager.AuthorizeURL(telegramID), http.StatusFound)
}

// handleCallback receives the provider redirect, exchanges the code, and
// tells the user in chat that the connection is live.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}
	telegramID, err := strconv.ParseInt(state, 10, 64)
	if err != nil {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	user, err := s.manager.store.GetOrCreateUser(r.Context(), telegramID)
	if err != nil {
		s.logger.Error("callback: resolving principal failed", "telegram_id", telegramID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := s.manager.ExchangeCode(r.Context(), user.ID, code); err != nil {
		s.logger.Error("callback: code exchange failed", "principal", user.ID, "error", err)
		http.Error(w, "authorization failed, please try connecting again", http.StatusBadGateway)
		return
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(r.Context(), telegramID,
			"Your Atlassian account is connected. You can ask me about your tasks now."); err != nil {
			s.logger.Warn("callback: chat notification failed", "telegram_id", telegramID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, callbackSuccessPage)
}

// handleRefresh forces a refresh for one principal. Intended for operators
// and tests, not the assistant's own flow.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TelegramID int64 `json:"telegram_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TelegramID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.manager.store.UserByTelegramID(r.Context(), body.TelegramID)
	if err != nil {
		http.Error(w, "unknown principal", http.StatusNotFound)
		return
	}

	refreshed, err := s.manager.Refresh(r.Context(), user.ID)
	if err != nil {
		s.logger.Warn("manual refresh failed", "principal", user.ID, "error", err)
		http.Error(w, "refresh failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "refreshed",
		"expires_at": refreshed.ExpiresAt,
	})
}

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Connected</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h2>Atlassian account connected</h2>
<p>You can close this tab and return to the chat.</p>
</body>
</html>`
