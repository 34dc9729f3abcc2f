package wiki

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
)

var testToken = auth.Token{AccessToken: "t", CloudID: "cloud-1"}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestListPagesFollowsCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/confluence/cloud-1/wiki/api/v2/pages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]string{{"id": "1", "title": "Onboarding"}},
				"_links":  map[string]string{"next": "/wiki/api/v2/pages?cursor=abc"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{{"id": "2", "title": "Release process"}},
		})
	})

	c := newTestClient(t, mux)
	pages, err := c.ListPages(context.Background(), testToken)
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(pages) != 2 || pages[0].ID != "1" || pages[1].Title != "Release process" {
		t.Fatalf("pages = %+v", pages)
	}
}

func TestPageByIDStripsMarkup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/confluence/cloud-1/wiki/api/v2/pages/42", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("body-format") != "storage" {
			t.Errorf("body-format missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "42",
			"title": "Deploy guide",
			"body": map[string]any{
				"storage": map[string]string{
					"value": "<h1>Deploy</h1><p>Run the pipeline &amp; wait.</p><ul><li>step one</li></ul>",
				},
			},
		})
	})

	c := newTestClient(t, mux)
	page, err := c.PageByID(context.Background(), testToken, "42")
	if err != nil {
		t.Fatalf("PageByID: %v", err)
	}
	want := "Deploy\nRun the pipeline & wait.\nstep one"
	if page.Body != want {
		t.Fatalf("body = %q, want %q", page.Body, want)
	}
}

func TestStripStorageMarkup(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"plain", "just text", "just text"},
		{"entities", "a &lt;b&gt; &quot;c&quot;", `a <b> "c"`},
		{"collapses blank lines", "<p>one</p><p></p><p>two</p>", "one\ntwo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripStorageMarkup(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
