// Package scheduler runs the recurring background jobs: the proactive
// credential refresh sweep, the daily issue digest, and the monthly
// feedback prompt. Uses robfig/cron for schedule parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
	"github.com/vdtlabs/taskmate/pkg/taskmate/tracker"
)

// Notifier pushes a message to a chat. The Telegram channel implements it.
type Notifier interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

// Config holds the cron specs for the background jobs. Empty fields fall
// back to defaults.
type Config struct {
	// RefreshSpec drives the proactive token refresh sweep.
	RefreshSpec string `yaml:"refresh_spec"`

	// DigestSpec drives the daily deadline digest.
	DigestSpec string `yaml:"digest_spec"`

	// FeedbackSpec drives the recurring feedback prompt.
	FeedbackSpec string `yaml:"feedback_spec"`

	// JobTimeout bounds a single job run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

func (c *Config) applyDefaults() {
	if c.RefreshSpec == "" {
		c.RefreshSpec = "@every 5m"
	}
	if c.DigestSpec == "" {
		c.DigestSpec = "0 8 * * *"
	}
	if c.FeedbackSpec == "" {
		c.FeedbackSpec = "0 9 1 * *"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
}

// Scheduler owns the cron instance and the three recurring jobs.
type Scheduler struct {
	cfg      Config
	auth     *auth.Manager
	store    *store.Store
	tracker  *tracker.Client
	notifier Notifier
	loc      *time.Location
	logger   *slog.Logger

	cron *cron.Cron
	ctx  context.Context

	// runningJobs suppresses a cron fire while the previous run of the
	// same job is still active.
	mu          sync.Mutex
	runningJobs map[string]bool
}

// New wires the scheduler. loc controls what "today" means for the digest.
func New(cfg Config, am *auth.Manager, st *store.Store, tc *tracker.Client, n Notifier, loc *time.Location, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cfg:         cfg,
		auth:        am,
		store:       st,
		tracker:     tc,
		notifier:    n,
		loc:         loc,
		logger:      logger.With("component", "scheduler"),
		runningJobs: make(map[string]bool),
	}
}

// Start registers the jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
	)

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"token-refresh-sweep", s.cfg.RefreshSpec, s.runRefreshSweep},
		{"daily-digest", s.cfg.DigestSpec, s.runDigest},
		{"feedback-prompt", s.cfg.FeedbackSpec, s.runFeedbackPrompt},
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.fn) }); err != nil {
			return fmt.Errorf("scheduling %s (%q): %w", job.name, job.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"refresh_spec", s.cfg.RefreshSpec,
		"digest_spec", s.cfg.DigestSpec,
		"feedback_spec", s.cfg.FeedbackSpec,
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// run executes one job with overlap suppression and a per-run timeout.
func (s *Scheduler) run(name string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.runningJobs[name] {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping this fire", "job", name)
		return
	}
	s.runningJobs[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "duration_ms", duration.Milliseconds())
		return
	}
	s.logger.Info("job completed", "job", name, "duration_ms", duration.Milliseconds())
}

// runRefreshSweep refreshes every credential expiring inside the lookahead.
func (s *Scheduler) runRefreshSweep(ctx context.Context) error {
	return s.auth.RunProactiveSweep(ctx)
}

// runDigest pushes each authenticated user their issues with upcoming
// deadlines. One user's failure never blocks the rest.
func (s *Scheduler) runDigest(ctx context.Context) error {
	users, err := s.store.AuthenticatedUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	today := time.Now().In(s.loc).Format("2006-01-02")
	var failed int
	for _, user := range users {
		if err := s.digestFor(ctx, user, today); err != nil {
			failed++
			s.logger.Warn("digest failed for user", "user_id", user.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("digest failed for %d of %d users", failed, len(users))
	}
	return nil
}

func (s *Scheduler) digestFor(ctx context.Context, user *store.User, today string) error {
	tok, err := s.auth.EnsureValid(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	issues, err := s.tracker.MyIssuesDueFrom(ctx, tok, today)
	if err != nil {
		return fmt.Errorf("fetching issues: %w", err)
	}
	if len(issues) == 0 {
		return nil
	}
	return s.notifier.Notify(ctx, user.TelegramID, digestText(issues))
}

func digestText(issues []tracker.Issue) string {
	var sb strings.Builder
	sb.WriteString("Good morning! Issues with upcoming deadlines:\n")
	for _, is := range issues {
		fmt.Fprintf(&sb, "- %s: %s [%s]", is.Key, is.Summary, is.Status)
		if is.DueDate != "" {
			fmt.Fprintf(&sb, " due %s", is.DueDate)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

const feedbackPrompt = "Quick check-in: how has TaskMate been working for you this month? " +
	"Reply with anything that's annoying or missing and I'll pass it on."

// runFeedbackPrompt marks each authenticated user as awaiting feedback and
// asks them for it. Their next message is captured as feedback.
func (s *Scheduler) runFeedbackPrompt(ctx context.Context) error {
	users, err := s.store.AuthenticatedUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	var failed int
	for _, user := range users {
		if err := s.store.SetAwaitingFeedback(ctx, user.ID, true); err != nil {
			failed++
			s.logger.Warn("setting feedback flag failed", "user_id", user.ID, "error", err)
			continue
		}
		if err := s.notifier.Notify(ctx, user.TelegramID, feedbackPrompt); err != nil {
			failed++
			s.logger.Warn("feedback prompt failed", "user_id", user.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("feedback prompt failed for %d of %d users", failed, len(users))
	}
	return nil
}
