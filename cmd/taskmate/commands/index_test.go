package commands

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	chromem "github.com/philippgille/chromem-go"

	"github.com/vdtlabs/taskmate/pkg/taskmate/auth"
	"github.com/vdtlabs/taskmate/pkg/taskmate/kb"
	"github.com/vdtlabs/taskmate/pkg/taskmate/wiki"
)

// wordVector is a deterministic local embedder keyed on a few topic words,
// so the tests rank pages without any network.
func wordVector(_ context.Context, text string) ([]float32, error) {
	words := []string{"deploy", "rollback", "vacation", "payroll"}
	vec := make([]float32, len(words)+1)
	lower := strings.ToLower(text)
	for i, w := range words {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(words)] = 0.1
	return vec, nil
}

type fakePages struct {
	pages     map[string]*wiki.Page
	listed    int
	fetchedBy []string
}

func (f *fakePages) ListPages(_ context.Context, _ auth.Token) ([]wiki.Page, error) {
	f.listed++
	var out []wiki.Page
	for _, p := range f.pages {
		out = append(out, wiki.Page{ID: p.ID, Title: p.Title})
	}
	return out, nil
}

func (f *fakePages) PageByID(_ context.Context, _ auth.Token, pageID string) (*wiki.Page, error) {
	f.fetchedBy = append(f.fetchedBy, pageID)
	return f.pages[pageID], nil
}

func testKB(t *testing.T) *kb.Index {
	t.Helper()
	ix, err := kb.Open(kb.Config{
		Collection:    "test-pages",
		EmbeddingFunc: chromem.EmbeddingFunc(wordVector),
	}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	return ix
}

func TestIndexSinglePageReplacesOnlyThatPage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()
	ix := testKB(t)

	src := &fakePages{pages: map[string]*wiki.Page{
		"p1": {ID: "p1", Title: "Release guide", Body: "How we deploy services."},
		"p2": {ID: "p2", Title: "HR handbook", Body: "Vacation and payroll rules."},
	}}

	if err := indexPages(ctx, src, auth.Token{}, ix, "", logger); err != nil {
		t.Fatalf("full index: %v", err)
	}
	if src.listed != 1 {
		t.Fatalf("ListPages calls = %d, want 1", src.listed)
	}

	// The page changed; reindex just it.
	src.pages["p1"].Body = "How we deploy services and rollback a bad release."
	src.listed = 0
	src.fetchedBy = nil

	if err := indexPages(ctx, src, auth.Token{}, ix, "p1", logger); err != nil {
		t.Fatalf("single-page index: %v", err)
	}
	if src.listed != 0 {
		t.Fatal("single-page reindex must not list all pages")
	}
	if len(src.fetchedBy) != 1 || src.fetchedBy[0] != "p1" {
		t.Fatalf("fetched pages = %v, want only p1", src.fetchedBy)
	}

	hits, err := ix.Search(ctx, "rollback", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].PageID != "p1" || !strings.Contains(hits[0].Content, "rollback") {
		t.Fatalf("updated content not searchable: %+v", hits)
	}

	hits, err = ix.Search(ctx, "vacation", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].PageID != "p2" {
		t.Fatalf("untouched page lost from index: %+v", hits)
	}
}
