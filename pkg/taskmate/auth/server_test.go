package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
)

// recordingNotifier captures chat notifications pushed by the callback.
type recordingNotifier struct {
	mu    sync.Mutex
	notes map[int64][]string
}

func (n *recordingNotifier) Notify(_ context.Context, telegramID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notes == nil {
		n.notes = make(map[int64][]string)
	}
	n.notes[telegramID] = append(n.notes[telegramID], text)
	return nil
}

func testOAuthServer(t *testing.T, st *store.Store, p *fakeProvider, n Notifier) *httptest.Server {
	t.Helper()
	m := testManager(t, st, p)
	s := NewServer("127.0.0.1:0", m, n, testLogger())
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginRedirectsToConsentScreen(t *testing.T) {
	st := testStore(t)
	srv := testOAuthServer(t, st, &fakeProvider{}, nil)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/oauth/login?chat_id=42")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "state=42") || !strings.Contains(loc, "client_id=client") {
		t.Fatalf("consent URL missing state or client id: %s", loc)
	}
}

func TestLoginRejectsBadChatID(t *testing.T) {
	st := testStore(t)
	srv := testOAuthServer(t, st, &fakeProvider{}, nil)

	resp, err := http.Get(srv.URL + "/oauth/login?chat_id=bogus")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackExchangesCodeAndNotifies(t *testing.T) {
	st := testStore(t)
	notifier := &recordingNotifier{}
	srv := testOAuthServer(t, st, &fakeProvider{}, notifier)
	ctx := context.Background()

	resp, err := http.Get(srv.URL + "/oauth/callback?code=auth-code&state=42")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	user, err := st.UserByTelegramID(ctx, 42)
	if err != nil {
		t.Fatalf("principal not created by callback: %v", err)
	}
	if !user.Authenticated() {
		t.Fatal("principal should be authenticated after callback")
	}
	if got := notifier.notes[42]; len(got) != 1 || !strings.Contains(got[0], "connected") {
		t.Fatalf("chat notification = %v", got)
	}
}

func TestCallbackMissingParamsRejected(t *testing.T) {
	st := testStore(t)
	srv := testOAuthServer(t, st, &fakeProvider{}, nil)

	for _, path := range []string{
		"/oauth/callback",
		"/oauth/callback?code=auth-code",
		"/oauth/callback?code=auth-code&state=not-a-number",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("callback request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestManualRefreshEndpoint(t *testing.T) {
	st := testStore(t)
	srv := testOAuthServer(t, st, &fakeProvider{}, nil)

	// Connect the account first so there is a refresh token to rotate.
	resp, err := http.Get(srv.URL + "/oauth/callback?code=auth-code&state=42")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()

	body, _ := json.Marshal(map[string]int64{"telegram_id": 42})
	resp, err = http.Post(srv.URL+"/oauth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("refresh request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out["status"] != "refreshed" {
		t.Fatalf("status field = %v", out["status"])
	}
}

func TestManualRefreshUnknownPrincipal(t *testing.T) {
	st := testStore(t)
	srv := testOAuthServer(t, st, &fakeProvider{}, nil)

	body, _ := json.Marshal(map[string]int64{"telegram_id": 999})
	resp, err := http.Post(srv.URL+"/oauth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("refresh request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
