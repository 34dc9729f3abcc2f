// Package wiki is a thin Confluence Cloud v2 client: listing accessible
// pages and fetching page bodies for the assistant and the knowledge base.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
)

const defaultGateway = "https://api.atlassian.com"

// APIError is a non-2xx response from Confluence.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("confluence API returned %d: %s", e.StatusCode, body)
}

// Page is one Confluence page. Body is plain text extracted from the storage
// representation; empty for listing results.
type Page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"-"`
}

// Client talks to the Confluence v2 REST API for one site.
type Client struct {
	gateway    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Confluence client. gateway overrides the Atlassian API
// gateway for tests; empty means production.
func NewClient(gateway string, logger *slog.Logger) *Client {
	if gateway == "" {
		gateway = defaultGateway
	}
	return &Client{
		gateway:    strings.TrimRight(gateway, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "wiki"),
	}
}

func (c *Client) apiURL(tok auth.Token, path string) string {
	return fmt.Sprintf("%s/ex/confluence/%s/wiki/api/v2%s", c.gateway, tok.CloudID, path)
}

func (c *Client) get(ctx context.Context, tok auth.Token, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// ListPages returns the id and title of every page the token can read,
// following cursor pagination to the end.
func (c *Client) ListPages(ctx context.Context, tok auth.Token) ([]Page, error) {
	var pages []Page
	next := c.apiURL(tok, "/pages") + "?limit=100"
	for next != "" {
		var result struct {
			Results []Page `json:"results"`
			Links   struct {
				Next string `json:"next"`
			} `json:"_links"`
		}
		if err := c.get(ctx, tok, next, &result); err != nil {
			return nil, fmt.Errorf("listing pages: %w", err)
		}
		pages = append(pages, result.Results...)

		// The next link is site-relative, e.g. /wiki/api/v2/pages?cursor=...
		if result.Links.Next == "" {
			break
		}
		next = fmt.Sprintf("%s/ex/confluence/%s%s", c.gateway, tok.CloudID, result.Links.Next)
	}
	c.logger.Debug("listed wiki pages", "count", len(pages))
	return pages, nil
}

// PageByID fetches one page with its body converted to plain text.
func (c *Client) PageByID(ctx context.Context, tok auth.Token, pageID string) (*Page, error) {
	u := c.apiURL(tok, "/pages/"+url.PathEscape(pageID)) + "?body-format=storage"
	var result struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Body  struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
	}
	if err := c.get(ctx, tok, u, &result); err != nil {
		return nil, fmt.Errorf("fetching page %s: %w", pageID, err)
	}
	return &Page{
		ID:    result.ID,
		Title: result.Title,
		Body:  stripStorageMarkup(result.Body.Storage.Value),
	}, nil
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
)

// stripStorageMarkup reduces Confluence storage XHTML to readable text.
// Block-level tags become newlines so structure survives for the model.
func stripStorageMarkup(storage string) string {
	if storage == "" {
		return ""
	}
	s := storage
	for _, tag := range []string{"</p>", "</h1>", "</h2>", "</h3>", "</h4>", "</li>", "</tr>", "<br/>", "<br />"} {
		s = strings.ReplaceAll(s, tag, tag+"\n")
	}
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = whitespacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
