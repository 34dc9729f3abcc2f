// Package capability binds the assistant's tool surface to its
// collaborators: Jira, Confluence, and the knowledge base. Every handler
// resolves a valid token for its principal at call time, so a tool call
// never runs with an expired credential.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/agent"
	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
	"github.com/vdtlabs/taskmate/pkg/taskmate/kb"
	"github.com/vdtlabs/taskmate/pkg/taskmate/tracker"
	"github.com/vdtlabs/taskmate/pkg/taskmate/wiki"
)

// errReauthenticate is the sanitized message the model sees when a tool
// cannot obtain a working token. No provider detail leaks through it.
var errReauthenticate = errors.New("not authenticated with Atlassian: ask the user to reconnect their account with /start")

// StagedFile is a file the user sent just before this turn, available for
// attachment. The attach tool is only exposed while one is staged.
type StagedFile struct {
	Name string
	Data []byte
}

// Set holds the collaborators behind the tool surface.
type Set struct {
	auth        *auth.Manager
	tracker     *tracker.Client
	wiki        *wiki.Client
	kb          *kb.Index
	loc         *time.Location
	toolTimeout time.Duration
	topK        int
	logger      *slog.Logger
}

// Config holds tool-surface settings.
type Config struct {
	Location    *time.Location
	ToolTimeout time.Duration
	SearchTopK  int
}

// NewSet wires the tool surface. kb may be nil; the search tool is then not
// registered.
func NewSet(am *auth.Manager, tc *tracker.Client, wc *wiki.Client, ix *kb.Index, cfg Config, logger *slog.Logger) *Set {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	topK := cfg.SearchTopK
	if topK <= 0 {
		topK = kb.DefaultTopK
	}
	return &Set{
		auth:        am,
		tracker:     tc,
		wiki:        wc,
		kb:          ix,
		loc:         loc,
		toolTimeout: cfg.ToolTimeout,
		topK:        topK,
		logger:      logger.With("component", "capability"),
	}
}

// token resolves a usable token or the sanitized re-auth error.
func (s *Set) token(ctx context.Context, principalID int64) (auth.Token, error) {
	tok, err := s.auth.EnsureValid(ctx, principalID)
	if err != nil {
		var refreshErr *auth.RefreshError
		if errors.Is(err, auth.ErrNotAuthenticated) || errors.As(err, &refreshErr) {
			s.logger.Warn("tool call without usable credential", "principal", principalID, "error", err)
			return auth.Token{}, errReauthenticate
		}
		return auth.Token{}, fmt.Errorf("resolving credential: %w", err)
	}
	return tok, nil
}

// BuildRegistry assembles the tool registry for one principal's turn. The
// registry is rebuilt per turn because the surface depends on turn state:
// the attach tool only exists while a file is staged.
func (s *Set) BuildRegistry(principalID int64, staged *StagedFile) *agent.Registry {
	reg := agent.NewRegistry(s.toolTimeout, s.logger)

	reg.Register(
		agent.NewFunction("get_jira_issues",
			"Lists the user's unfinished Jira issues, most recently updated first.").
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			issues, err := s.tracker.MyOpenIssues(ctx, tok)
			if err != nil {
				return nil, err
			}
			return formatIssueList("Your open issues", issues), nil
		})

	reg.Register(
		agent.NewFunction("get_jira_issues_today",
			"Lists the user's unfinished Jira issues due today or later, soonest deadline first.").
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			today := time.Now().In(s.loc).Format("2006-01-02")
			issues, err := s.tracker.MyIssuesDueFrom(ctx, tok, today)
			if err != nil {
				return nil, err
			}
			return formatIssueList("Issues with upcoming deadlines", issues), nil
		})

	reg.Register(
		agent.NewFunction("get_jira_issue_detail",
			"Fetches full details of one Jira issue: description, status, assignee, deadline, attachments.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			issue, err := s.tracker.IssueDetail(ctx, tok, key)
			if err != nil {
				return nil, err
			}
			return formatIssueDetail(issue), nil
		})

	reg.Register(
		agent.NewFunction("get_jira_worklogs",
			"Lists the worklog entries recorded on a Jira issue.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			logs, err := s.tracker.Worklogs(ctx, tok, key)
			if err != nil {
				return nil, err
			}
			return formatWorklogs(key, logs), nil
		})

	reg.Register(
		agent.NewFunction("create_jira_worklog",
			"Logs time spent on a Jira issue.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			Param("time_spent", "string", "Duration in Jira notation, e.g. \"2h 30m\".", true).
			Param("comment", "string", "What the time was spent on.", false).
			Param("date", "string", "Work date as YYYY-MM-DD; empty means today.", false).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			timeSpent, err := stringArg(args, "time_spent")
			if err != nil {
				return nil, err
			}
			comment, _ := args["comment"].(string)
			started := startedTimestamp(args, s.loc)
			wl, err := s.tracker.AddWorklog(ctx, tok, key, timeSpent, comment, started)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Worklog recorded on %s:\n- ID: %s\n- Time: %s\n- Comment: %s",
				key, wl.ID, wl.TimeSpent, orNone(wl.Comment)), nil
		})

	reg.Register(
		agent.NewFunction("create_jira_issue",
			"Creates a new Jira issue.").
			Param("project_key", "string", "Project key, e.g. PROJ.", true).
			Param("summary", "string", "One-line issue title.", true).
			Param("description", "string", "Issue description.", false).
			EnumParam("issue_type", "Issue type.", []string{"Task", "Bug", "Story"}, false).
			Param("due_date", "string", "Deadline as YYYY-MM-DD.", false).
			Param("assignee", "string", "Display name or email of the assignee; empty to leave unassigned.", false).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			projectKey, err := stringArg(args, "project_key")
			if err != nil {
				return nil, err
			}
			summary, err := stringArg(args, "summary")
			if err != nil {
				return nil, err
			}
			description, _ := args["description"].(string)
			issueType, _ := args["issue_type"].(string)
			dueDate, _ := args["due_date"].(string)
			assignee, _ := args["assignee"].(string)

			issue, err := s.tracker.CreateIssue(ctx, tok, tracker.CreateIssueInput{
				ProjectKey:    projectKey,
				Summary:       summary,
				Description:   description,
				IssueType:     issueType,
				DueDate:       dueDate,
				AssigneeQuery: assignee,
			})
			if err != nil {
				return nil, err
			}
			return "Issue created:\n" + formatIssueDetail(issue), nil
		})

	reg.Register(
		agent.NewFunction("assign_jira_issue",
			"Assigns a Jira issue to a user by display name or email.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			Param("assignee", "string", "Display name or email of the new assignee.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			assignee, err := stringArg(args, "assignee")
			if err != nil {
				return nil, err
			}
			user, err := s.tracker.AssignIssue(ctx, tok, key, assignee)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s is now assigned to %s.", key, user.DisplayName), nil
		})

	reg.Register(
		agent.NewFunction("transition_jira_issue",
			"Moves a Jira issue to a new status, e.g. In Progress or Done.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			Param("status", "string", "Target status name.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			status, err := stringArg(args, "status")
			if err != nil {
				return nil, err
			}
			issue, err := s.tracker.TransitionIssue(ctx, tok, key, status)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s moved to %s:\n- Summary: %s\n- Assignee: %s",
				issue.Key, issue.Status, issue.Summary, orNone(issue.Assignee)), nil
		})

	reg.Register(
		agent.NewFunction("get_jira_comments",
			"Lists the comments on a Jira issue.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			comments, err := s.tracker.Comments(ctx, tok, key)
			if err != nil {
				return nil, err
			}
			return formatComments(key, comments), nil
		})

	reg.Register(
		agent.NewFunction("create_jira_comment",
			"Adds a comment to a Jira issue.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			Param("comment", "string", "Comment text.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			text, err := stringArg(args, "comment")
			if err != nil {
				return nil, err
			}
			cm, err := s.tracker.AddComment(ctx, tok, key, text)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Comment %s added to %s.", cm.ID, key), nil
		})

	reg.Register(
		agent.NewFunction("edit_jira_comment",
			"Replaces the text of an existing comment on a Jira issue.").
			Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
			Param("comment_id", "string", "ID of the comment to edit, from get_jira_comments.", true).
			Param("comment", "string", "New comment text.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			key, err := stringArg(args, "issue_key")
			if err != nil {
				return nil, err
			}
			commentID, err := stringArg(args, "comment_id")
			if err != nil {
				return nil, err
			}
			text, err := stringArg(args, "comment")
			if err != nil {
				return nil, err
			}
			cm, err := s.tracker.EditComment(ctx, tok, key, commentID, text)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Comment %s on %s updated.", cm.ID, key), nil
		})

	reg.Register(
		agent.NewFunction("get_confluence_page_list",
			"Lists the Confluence pages the user can read, with their IDs and titles.").
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			pages, err := s.wiki.ListPages(ctx, tok)
			if err != nil {
				return nil, err
			}
			if len(pages) == 0 {
				return "No accessible Confluence pages.", nil
			}
			var sb strings.Builder
			sb.WriteString("Accessible pages:\n")
			for _, p := range pages {
				fmt.Fprintf(&sb, "- [%s] %s\n", p.ID, p.Title)
			}
			return sb.String(), nil
		})

	reg.Register(
		agent.NewFunction("get_confluence_page_info",
			"Fetches the full content of one Confluence page by ID.").
			Param("page_id", "string", "Page ID, from get_confluence_page_list.", true).
			MustBuild(),
		func(ctx context.Context, args map[string]any) (any, error) {
			tok, err := s.token(ctx, principalID)
			if err != nil {
				return nil, err
			}
			pageID, err := stringArg(args, "page_id")
			if err != nil {
				return nil, err
			}
			page, err := s.wiki.PageByID(ctx, tok, pageID)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("# %s\n\n%s", page.Title, page.Body), nil
		})

	if s.kb != nil {
		reg.Register(
			agent.NewFunction("search_knowledge_base",
				"Searches the indexed documentation for passages relevant to a question. Prefer this over reading whole pages.").
				Param("query", "string", "The question or topic to search for.", true).
				MustBuild(),
			func(ctx context.Context, args map[string]any) (any, error) {
				query, err := stringArg(args, "query")
				if err != nil {
					return nil, err
				}
				results, err := s.kb.Search(ctx, query, s.topK)
				if err != nil {
					return nil, err
				}
				if len(results) == 0 {
					return "No matching passages in the knowledge base.", nil
				}
				var sb strings.Builder
				for _, r := range results {
					fmt.Fprintf(&sb, "From %q (page %s):\n%s\n\n", r.PageTitle, r.PageID, r.Content)
				}
				return strings.TrimSpace(sb.String()), nil
			})
	}

	if staged != nil {
		reg.Register(
			agent.NewFunction("attach_file_to_issue",
				"Attaches the file the user just sent to a Jira issue.").
				Param("issue_key", "string", "Issue key, e.g. PROJ-42.", true).
				MustBuild(),
			func(ctx context.Context, args map[string]any) (any, error) {
				tok, err := s.token(ctx, principalID)
				if err != nil {
					return nil, err
				}
				key, err := stringArg(args, "issue_key")
				if err != nil {
					return nil, err
				}
				if err := s.tracker.AddAttachment(ctx, tok, key, staged.Name, staged.Data); err != nil {
					return nil, err
				}
				return fmt.Sprintf("File %q attached to %s.", staged.Name, key), nil
			})
	}

	return reg
}
