package store

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, 42)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	u2, err := s.GetOrCreateUser(ctx, 42)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if u1.ID != u2.ID {
		t.Fatalf("ids differ: %d vs %d", u1.ID, u2.ID)
	}
	if u1.Authenticated() {
		t.Fatal("fresh user should not be authenticated")
	}
}

func TestSaveCredentialRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, _ := s.GetOrCreateUser(ctx, 42)
	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	err := s.SaveCredential(ctx, u.ID, Credential{
		AccessToken:  "acc",
		RefreshToken: "ref",
		CloudID:      "cloud-1",
		Domain:       "https://acme.atlassian.net",
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.AccessToken != "acc" || got.RefreshToken != "ref" || got.CloudID != "cloud-1" {
		t.Fatalf("credential = %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, expiresAt)
	}
	if !got.Authenticated() {
		t.Fatal("user with token should be authenticated")
	}

	if err := s.ClearAccessToken(ctx, u.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if got.Authenticated() {
		t.Fatal("user should be unauthenticated after clear")
	}
	if got.RefreshToken != "ref" {
		t.Fatal("clear must not drop the refresh token")
	}
}

func TestSaveCredentialUnknownUser(t *testing.T) {
	s := testStore(t)
	if err := s.SaveCredential(context.Background(), 999, Credential{AccessToken: "x"}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUsersExpiringBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(telegramID int64, expiresIn time.Duration) {
		u, _ := s.GetOrCreateUser(ctx, telegramID)
		exp := now.Add(expiresIn)
		if err := s.SaveCredential(ctx, u.ID, Credential{
			AccessToken: "acc", RefreshToken: "ref", ExpiresAt: &exp,
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	mk(1, 2*time.Minute)
	mk(2, time.Hour)
	s.GetOrCreateUser(ctx, 3) // never authenticated

	expiring, err := s.UsersExpiringBefore(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(expiring) != 1 || expiring[0].TelegramID != 1 {
		t.Fatalf("expiring = %+v, want only chat 1", expiring)
	}
}

func TestRecentTurnsOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 42)

	// Same-instant writes must keep insertion order via the id tie-break.
	for _, msg := range []string{"one", "two", "three", "four"} {
		role := RoleUser
		if msg == "two" || msg == "four" {
			role = RoleBot
		}
		if err := s.AppendTurn(ctx, u.ID, role, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, u.ID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	want := []string{"two", "three", "four"}
	for i, turn := range turns {
		if turn.Message != want[i] {
			t.Errorf("turn[%d] = %q, want %q", i, turn.Message, want[i])
		}
	}
	if turns[0].Role != RoleBot || turns[1].Role != RoleUser {
		t.Fatalf("roles = %q, %q", turns[0].Role, turns[1].Role)
	}
}

func TestTurnsAreIsolatedPerUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a, _ := s.GetOrCreateUser(ctx, 1)
	b, _ := s.GetOrCreateUser(ctx, 2)

	s.AppendTurn(ctx, a.ID, RoleUser, "from a")
	s.AppendTurn(ctx, b.ID, RoleUser, "from b")

	turns, err := s.RecentTurns(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 || turns[0].Message != "from a" {
		t.Fatalf("turns for a = %+v", turns)
	}
}

func TestFeedbackFlag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, 42)

	if err := s.SetAwaitingFeedback(ctx, u.ID, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := s.UserByID(ctx, u.ID)
	if !got.AwaitingFeedback {
		t.Fatal("flag not set")
	}

	if err := s.AddFeedback(ctx, u.ID, "more digests please"); err != nil {
		t.Fatalf("add feedback: %v", err)
	}
	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM feedback WHERE user_id = ?`, u.ID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("feedback rows = %d", count)
	}

	if err := s.SetAwaitingFeedback(ctx, u.ID, false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if got.AwaitingFeedback {
		t.Fatal("flag not cleared")
	}
}
