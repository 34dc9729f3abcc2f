package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
)

const (
	// RefreshLookahead is the unified safety margin: a token whose remaining
	// lifetime is below this is refreshed before use, and the proactive sweep
	// picks up every credential expiring within it.
	RefreshLookahead = 5 * time.Minute

	defaultTokenURL     = "https://auth.atlassian.com/oauth/token"
	defaultResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	defaultAuthorizeURL = "https://auth.atlassian.com/authorize"

	httpTimeout = 30 * time.Second
)

// Token is what EnsureValid hands to a capability: the access token plus the
// tenant identifiers scoping Jira/Confluence calls for the principal.
type Token struct {
	AccessToken string
	CloudID     string
	Domain      string
}

// Config holds the OAuth application settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string

	// Endpoint overrides for tests. Empty means the Atlassian defaults.
	TokenURL     string
	ResourcesURL string
	AuthorizeURL string
}

// Manager owns credential state transitions. Refreshes for one principal are
// serialized through a per-principal lock so a reactive refresh and the
// proactive sweep cannot clobber each other's fresher token.
type Manager struct {
	cfg    Config
	store  *store.Store
	client *http.Client
	logger *slog.Logger

	// now is the clock, overridable in tests.
	now func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg Config, st *store.Store, logger *slog.Logger) *Manager {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.ResourcesURL == "" {
		cfg.ResourcesURL = defaultResourcesURL
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = defaultAuthorizeURL
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger.With("component", "auth"),
		now:    time.Now,
		locks:  make(map[int64]*sync.Mutex),
	}
}

// lockFor returns the serialization lock for one principal.
func (m *Manager) lockFor(principalID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[principalID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[principalID] = l
	}
	return l
}

// AuthorizeURL builds the Atlassian consent URL for a principal. The state
// parameter carries the Telegram chat id so the callback can map the code
// back to the principal.
func (m *Manager) AuthorizeURL(telegramID int64) string {
	q := url.Values{}
	q.Set("audience", "api.atlassian.com")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("scope", m.cfg.Scopes)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("state", fmt.Sprintf("%d", telegramID))
	q.Set("response_type", "code")
	q.Set("prompt", "consent")
	return m.cfg.AuthorizeURL + "?" + q.Encode()
}

// tokenResponse is the provider's token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// ExchangeCode performs the one-time authorization-code exchange for a
// principal, resolves the accessible cloud site, and persists the full
// credential atomically. Nothing is persisted on failure.
func (m *Manager) ExchangeCode(ctx context.Context, principalID int64, code string) (*store.User, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", m.cfg.RedirectURI)

	tok, err := m.postToken(ctx, form)
	if err != nil {
		return nil, &ExchangeError{Detail: safeDetail(err), Err: err}
	}

	cloudID, domain, err := m.resolveCloudSite(ctx, tok.AccessToken)
	if err != nil {
		return nil, &ExchangeError{Detail: "could not resolve an accessible Jira site", Err: err}
	}

	expiresAt := m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	lock := m.lockFor(principalID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.SaveCredential(ctx, principalID, store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		CloudID:      cloudID,
		Domain:       domain,
		ExpiresAt:    &expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	m.logger.Info("oauth code exchange complete",
		"principal", principalID,
		"cloud_id", cloudID,
		"expires_in_s", tok.ExpiresIn,
	)
	return m.store.UserByID(ctx, principalID)
}

// Refresh uses the stored refresh token to obtain a fresh access token and
// replaces the credential atomically. On failure the stale credential stays
// in place for inspection; the refresh token is never silently deleted.
func (m *Manager) Refresh(ctx context.Context, principalID int64) (*store.User, error) {
	lock := m.lockFor(principalID)
	lock.Lock()
	defer lock.Unlock()
	return m.refreshLocked(ctx, principalID)
}

// refreshLocked is the read-modify-write refresh body. Callers must hold the
// principal lock.
func (m *Manager) refreshLocked(ctx context.Context, principalID int64) (*store.User, error) {
	user, err := m.store.UserByID(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("load principal %d: %w", principalID, err)
	}
	if user.RefreshToken == "" {
		return nil, &RefreshError{PrincipalID: principalID, Detail: "no refresh token stored", Err: ErrNotAuthenticated}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("refresh_token", user.RefreshToken)

	tok, err := m.postToken(ctx, form)
	if err != nil {
		return nil, &RefreshError{PrincipalID: principalID, Detail: safeDetail(err), Err: err}
	}

	// The provider may rotate the refresh token or return it unchanged.
	refreshToken := user.RefreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	expiresAt := m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := m.store.SaveCredential(ctx, principalID, store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		CloudID:      user.CloudID,
		Domain:       user.Domain,
		ExpiresAt:    &expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}

	m.logger.Info("token refreshed",
		"principal", principalID,
		"expires_in_s", tok.ExpiresIn,
		"rotated_refresh_token", tok.RefreshToken != "",
	)
	return m.store.UserByID(ctx, principalID)
}

// EnsureValid returns a token valid at the moment of use for the principal.
// When the remaining lifetime is below the lookahead the refresh happens
// inline, blocking the caller. A token known to be expired is never returned.
func (m *Manager) EnsureValid(ctx context.Context, principalID int64) (Token, error) {
	lock := m.lockFor(principalID)
	lock.Lock()
	defer lock.Unlock()

	user, err := m.store.UserByID(ctx, principalID)
	if err != nil {
		return Token{}, fmt.Errorf("load principal %d: %w", principalID, err)
	}
	if !user.Authenticated() {
		return Token{}, ErrNotAuthenticated
	}

	if user.ExpiresAt != nil && m.now().Add(RefreshLookahead).After(*user.ExpiresAt) {
		refreshed, err := m.refreshLocked(ctx, principalID)
		if err != nil {
			// A token already past expiry must not be used; one merely inside
			// the lookahead still works, so hand it out and let the next sweep
			// retry the refresh.
			if m.now().Before(*user.ExpiresAt) {
				m.logger.Warn("inline refresh failed, using token still inside lookahead",
					"principal", principalID, "error", err)
				return Token{AccessToken: user.AccessToken, CloudID: user.CloudID, Domain: user.Domain}, nil
			}
			return Token{}, err
		}
		user = refreshed
	}

	return Token{AccessToken: user.AccessToken, CloudID: user.CloudID, Domain: user.Domain}, nil
}

// RunProactiveSweep refreshes every credential expiring within the lookahead
// window. Failures are per-principal: the sweep logs, continues, and reports
// them as one aggregated error. A principal whose refresh token is gone is
// marked unauthenticated instead of being left silently stale inside the
// window.
func (m *Manager) RunProactiveSweep(ctx context.Context) error {
	threshold := m.now().Add(RefreshLookahead)
	users, err := m.store.UsersExpiringBefore(ctx, threshold)
	if err != nil {
		return fmt.Errorf("listing expiring credentials: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	m.logger.Info("proactive refresh sweep", "expiring", len(users))
	failed := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.Refresh(ctx, user.ID); err != nil {
			failed++
			m.logger.Warn("proactive refresh failed", "principal", user.ID, "error", err)
			if user.RefreshToken == "" {
				if clearErr := m.store.ClearAccessToken(ctx, user.ID); clearErr != nil {
					m.logger.Error("marking principal unauthenticated failed",
						"principal", user.ID, "error", clearErr)
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("refresh failed for %d of %d expiring principals", failed, len(users))
	}
	return nil
}

// postToken calls the provider token endpoint with a form-encoded grant.
func (m *Manager) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("token endpoint returned %d: unparseable body", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		detail := tok.Error
		if tok.ErrorDesc != "" {
			detail = tok.ErrorDesc
		}
		if detail == "" {
			detail = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("token endpoint rejected grant: %s", truncate(detail, 200))
	}
	return &tok, nil
}

// accessibleResource is one entry of the accessible-resources listing.
type accessibleResource struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// resolveCloudSite returns the cloud id and site URL of the first Jira site
// the token can access.
func (m *Manager) resolveCloudSite(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ResourcesURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("creating resources request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("resources request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("resources endpoint returned %d", resp.StatusCode)
	}

	var resources []accessibleResource
	if err := json.NewDecoder(resp.Body).Decode(&resources); err != nil {
		return "", "", fmt.Errorf("parsing resources response: %w", err)
	}
	if len(resources) == 0 {
		return "", "", fmt.Errorf("token has no accessible sites")
	}
	return resources[0].ID, resources[0].URL, nil
}

// safeDetail extracts a bounded description from a provider error. Token
// values never flow through error strings, so truncation is the only guard
// needed here.
func safeDetail(err error) string {
	return truncate(err.Error(), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
