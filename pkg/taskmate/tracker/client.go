// Package tracker is a thin Jira Cloud REST client scoped to the operations
// the assistant's tools need. All calls go through the api.atlassian.com
// gateway using the caller's OAuth bearer token.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
)

const defaultGateway = "https://api.atlassian.com"

// APIError is a non-2xx response from Jira.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Client talks to the Jira REST API v3 for one site. The token is supplied
// per call so a single client serves every principal.
type Client struct {
	gateway    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Jira client. gateway overrides the Atlassian API
// gateway for tests; empty means production.
func NewClient(gateway string, logger *slog.Logger) *Client {
	if gateway == "" {
		gateway = defaultGateway
	}
	return &Client{
		gateway:    strings.TrimRight(gateway, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "tracker"),
	}
}

func (c *Client) apiURL(tok auth.Token, path string) string {
	return fmt.Sprintf("%s/ex/jira/%s/rest/api/3%s", c.gateway, tok.CloudID, path)
}

// do runs one authenticated request and decodes the JSON response into out
// (out may be nil for calls whose body is irrelevant).
func (c *Client) do(ctx context.Context, tok auth.Token, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("jira API error",
			"method", method,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 300),
		)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// ---------- Users ----------

// User is the subset of a Jira user the assistant cares about.
type User struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"emailAddress"`
}

// Myself returns the authenticated user.
func (c *Client) Myself(ctx context.Context, tok auth.Token) (*User, error) {
	var u User
	if err := c.do(ctx, tok, http.MethodGet, c.apiURL(tok, "/myself"), nil, &u); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}
	return &u, nil
}

// FindUser resolves a display name or email to an account id.
func (c *Client) FindUser(ctx context.Context, tok auth.Token, query string) (*User, error) {
	u := c.apiURL(tok, "/user/search") + "?query=" + url.QueryEscape(query)
	var users []User
	if err := c.do(ctx, tok, http.MethodGet, u, nil, &users); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("no Jira user matches %q", query)
	}
	return &users[0], nil
}

// ---------- Issues ----------

// Issue is a flattened view of a Jira issue.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Assignee    string
	Reporter    string
	Priority    string
	Project     string
	DueDate     string
	Created     string
	Updated     string
	Attachments []Attachment
}

// Attachment is a file attached to an issue.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// rawIssue mirrors the wire shape before flattening.
type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		DueDate     string          `json:"duedate"`
		Created     string          `json:"created"`
		Updated     string          `json:"updated"`
		Status      *struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Reporter *struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Priority *struct {
			Name string `json:"name"`
		} `json:"priority"`
		Project *struct {
			Key string `json:"key"`
		} `json:"project"`
		Attachment []Attachment `json:"attachment"`
	} `json:"fields"`
}

func (r *rawIssue) flatten() Issue {
	issue := Issue{
		Key:         r.Key,
		Summary:     r.Fields.Summary,
		Description: adfToText(r.Fields.Description),
		DueDate:     r.Fields.DueDate,
		Created:     r.Fields.Created,
		Updated:     r.Fields.Updated,
		Attachments: r.Fields.Attachment,
	}
	if r.Fields.Status != nil {
		issue.Status = r.Fields.Status.Name
	}
	if r.Fields.Assignee != nil {
		issue.Assignee = r.Fields.Assignee.DisplayName
	}
	if r.Fields.Reporter != nil {
		issue.Reporter = r.Fields.Reporter.DisplayName
	}
	if r.Fields.Priority != nil {
		issue.Priority = r.Fields.Priority.Name
	}
	if r.Fields.Project != nil {
		issue.Project = r.Fields.Project.Key
	}
	return issue
}

// SearchJQL runs a JQL query and returns flattened issues.
func (c *Client) SearchJQL(ctx context.Context, tok auth.Token, jql string, maxResults int) ([]Issue, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	body := map[string]any{
		"jql":        jql,
		"maxResults": maxResults,
		"fields": []string{
			"summary", "status", "assignee", "duedate", "priority", "updated",
		},
	}
	var result struct {
		Issues []rawIssue `json:"issues"`
	}
	if err := c.do(ctx, tok, http.MethodPost, c.apiURL(tok, "/search"), body, &result); err != nil {
		return nil, fmt.Errorf("running JQL search: %w", err)
	}
	issues := make([]Issue, 0, len(result.Issues))
	for i := range result.Issues {
		issues = append(issues, result.Issues[i].flatten())
	}
	return issues, nil
}

// MyOpenIssues lists the caller's unfinished issues, most recently updated
// first.
func (c *Client) MyOpenIssues(ctx context.Context, tok auth.Token) ([]Issue, error) {
	me, err := c.Myself(ctx, tok)
	if err != nil {
		return nil, err
	}
	jql := fmt.Sprintf("assignee = %s AND statusCategory != Done ORDER BY updated DESC", me.AccountID)
	return c.SearchJQL(ctx, tok, jql, 50)
}

// MyIssuesDueFrom lists the caller's unfinished issues due on or after the
// given date, soonest first.
func (c *Client) MyIssuesDueFrom(ctx context.Context, tok auth.Token, date string) ([]Issue, error) {
	me, err := c.Myself(ctx, tok)
	if err != nil {
		return nil, err
	}
	jql := fmt.Sprintf(
		"assignee = %s AND statusCategory != Done AND duedate >= %q ORDER BY duedate ASC",
		me.AccountID, date)
	return c.SearchJQL(ctx, tok, jql, 50)
}

// IssueDetail fetches one issue with description and attachments.
func (c *Client) IssueDetail(ctx context.Context, tok auth.Token, issueKey string) (*Issue, error) {
	var raw rawIssue
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey))
	if err := c.do(ctx, tok, http.MethodGet, u, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching issue %s: %w", issueKey, err)
	}
	issue := raw.flatten()
	return &issue, nil
}

// CreateIssueInput describes a new issue.
type CreateIssueInput struct {
	ProjectKey    string
	Summary       string
	Description   string
	IssueType     string
	DueDate       string
	AssigneeQuery string // display name or email, resolved via user search
}

// CreateIssue creates an issue and returns its key.
func (c *Client) CreateIssue(ctx context.Context, tok auth.Token, in CreateIssueInput) (*Issue, error) {
	if in.IssueType == "" {
		in.IssueType = "Task"
	}
	fields := map[string]any{
		"project":     map[string]string{"key": in.ProjectKey},
		"summary":     in.Summary,
		"description": adfDoc(in.Description),
		"issuetype":   map[string]string{"name": in.IssueType},
	}
	if in.DueDate != "" {
		fields["duedate"] = in.DueDate
	}
	if in.AssigneeQuery != "" {
		assignee, err := c.FindUser(ctx, tok, in.AssigneeQuery)
		if err != nil {
			return nil, err
		}
		fields["assignee"] = map[string]string{"accountId": assignee.AccountID}
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, tok, http.MethodPost, c.apiURL(tok, "/issue"),
		map[string]any{"fields": fields}, &created); err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	return c.IssueDetail(ctx, tok, created.Key)
}

// AssignIssue assigns an issue to the user matching the query.
func (c *Client) AssignIssue(ctx context.Context, tok auth.Token, issueKey, assigneeQuery string) (*User, error) {
	assignee, err := c.FindUser(ctx, tok, assigneeQuery)
	if err != nil {
		return nil, err
	}
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/assignee")
	if err := c.do(ctx, tok, http.MethodPut, u,
		map[string]string{"accountId": assignee.AccountID}, nil); err != nil {
		return nil, fmt.Errorf("assigning %s: %w", issueKey, err)
	}
	return assignee, nil
}

// ---------- Transitions ----------

// transition is one workflow move offered by Jira for an issue.
type transition struct {
	ID string `json:"id"`
	To struct {
		Name string `json:"name"`
	} `json:"to"`
}

// TransitionIssue moves an issue to the named status. The target must be one
// of the transitions Jira offers for the issue's current state.
func (c *Client) TransitionIssue(ctx context.Context, tok auth.Token, issueKey, statusName string) (*Issue, error) {
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/transitions")

	var available struct {
		Transitions []transition `json:"transitions"`
	}
	if err := c.do(ctx, tok, http.MethodGet, u, nil, &available); err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", issueKey, err)
	}

	var id string
	for _, tr := range available.Transitions {
		if strings.EqualFold(tr.To.Name, statusName) {
			id = tr.ID
			break
		}
	}
	if id == "" {
		names := make([]string, 0, len(available.Transitions))
		for _, tr := range available.Transitions {
			names = append(names, tr.To.Name)
		}
		return nil, fmt.Errorf("no transition to %q from the current status (available: %s)",
			statusName, strings.Join(names, ", "))
	}

	if err := c.do(ctx, tok, http.MethodPost, u,
		map[string]any{"transition": map[string]string{"id": id}}, nil); err != nil {
		return nil, fmt.Errorf("transitioning %s: %w", issueKey, err)
	}
	return c.IssueDetail(ctx, tok, issueKey)
}

// ---------- Worklogs ----------

// Worklog is one time entry on an issue.
type Worklog struct {
	ID        string
	Author    string
	TimeSpent string
	Comment   string
	Started   string
}

type rawWorklog struct {
	ID     string `json:"id"`
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	TimeSpent string          `json:"timeSpent"`
	Comment   json.RawMessage `json:"comment"`
	Started   string          `json:"started"`
}

func (r *rawWorklog) flatten() Worklog {
	return Worklog{
		ID:        r.ID,
		Author:    r.Author.DisplayName,
		TimeSpent: r.TimeSpent,
		Comment:   adfToText(r.Comment),
		Started:   r.Started,
	}
}

// Worklogs lists the time entries on an issue.
func (c *Client) Worklogs(ctx context.Context, tok auth.Token, issueKey string) ([]Worklog, error) {
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/worklog")
	var result struct {
		Worklogs []rawWorklog `json:"worklogs"`
	}
	if err := c.do(ctx, tok, http.MethodGet, u, nil, &result); err != nil {
		return nil, fmt.Errorf("listing worklogs for %s: %w", issueKey, err)
	}
	logs := make([]Worklog, 0, len(result.Worklogs))
	for i := range result.Worklogs {
		logs = append(logs, result.Worklogs[i].flatten())
	}
	return logs, nil
}

// AddWorklog logs time on an issue. timeSpent uses Jira notation ("2h 30m");
// started is optional RFC3339-ish ("2026-08-28T09:00:00.000+0000").
func (c *Client) AddWorklog(ctx context.Context, tok auth.Token, issueKey, timeSpent, comment, started string) (*Worklog, error) {
	body := map[string]any{
		"timeSpent": timeSpent,
		"comment":   adfDoc(comment),
	}
	if started != "" {
		body["started"] = started
	}
	var raw rawWorklog
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/worklog")
	if err := c.do(ctx, tok, http.MethodPost, u, body, &raw); err != nil {
		return nil, fmt.Errorf("adding worklog to %s: %w", issueKey, err)
	}
	wl := raw.flatten()
	return &wl, nil
}

// ---------- Comments ----------

// Comment is one comment on an issue.
type Comment struct {
	ID      string
	Author  string
	Body    string
	Created string
	Updated string
}

type rawComment struct {
	ID     string `json:"id"`
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Body    json.RawMessage `json:"body"`
	Created string          `json:"created"`
	Updated string          `json:"updated"`
}

func (r *rawComment) flatten() Comment {
	return Comment{
		ID:      r.ID,
		Author:  r.Author.DisplayName,
		Body:    adfToText(r.Body),
		Created: r.Created,
		Updated: r.Updated,
	}
}

// Comments lists the comments on an issue.
func (c *Client) Comments(ctx context.Context, tok auth.Token, issueKey string) ([]Comment, error) {
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/comment")
	var result struct {
		Comments []rawComment `json:"comments"`
	}
	if err := c.do(ctx, tok, http.MethodGet, u, nil, &result); err != nil {
		return nil, fmt.Errorf("listing comments for %s: %w", issueKey, err)
	}
	comments := make([]Comment, 0, len(result.Comments))
	for i := range result.Comments {
		comments = append(comments, result.Comments[i].flatten())
	}
	return comments, nil
}

// AddComment adds a comment to an issue.
func (c *Client) AddComment(ctx context.Context, tok auth.Token, issueKey, text string) (*Comment, error) {
	var raw rawComment
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/comment")
	if err := c.do(ctx, tok, http.MethodPost, u, map[string]any{"body": adfDoc(text)}, &raw); err != nil {
		return nil, fmt.Errorf("commenting on %s: %w", issueKey, err)
	}
	cm := raw.flatten()
	return &cm, nil
}

// EditComment replaces the body of an existing comment.
func (c *Client) EditComment(ctx context.Context, tok auth.Token, issueKey, commentID, text string) (*Comment, error) {
	var raw rawComment
	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/comment/"+url.PathEscape(commentID))
	if err := c.do(ctx, tok, http.MethodPut, u, map[string]any{"body": adfDoc(text)}, &raw); err != nil {
		return nil, fmt.Errorf("editing comment %s on %s: %w", commentID, issueKey, err)
	}
	cm := raw.flatten()
	return &cm, nil
}

// ---------- Attachments ----------

// AddAttachment uploads a file to an issue.
func (c *Client) AddAttachment(ctx context.Context, tok auth.Token, issueKey, filename string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing attachment data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	u := c.apiURL(tok, "/issue/"+url.PathEscape(issueKey)+"/attachments")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("X-Atlassian-Token", "no-check")
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("attachment upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	c.logger.Info("attachment uploaded", "issue", issueKey, "filename", filename, "bytes", len(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
