// Package kb is the embedded knowledge base: wiki pages chunked, embedded,
// and searchable by similarity so the assistant can answer documentation
// questions without dumping whole pages into the model context.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"

	"github.com/vdtlabs/taskmate/pkg/taskmate/wiki"
)

const (
	// maxChunkChars bounds one embedded chunk. Pages split on paragraph
	// boundaries; oversized paragraphs are cut hard.
	maxChunkChars = 1200

	DefaultTopK = 4
)

// Result is one knowledge base hit.
type Result struct {
	PageID     string
	PageTitle  string
	Content    string
	Similarity float32
}

// Config holds knowledge base settings.
type Config struct {
	// PersistPath is the directory for the on-disk index. Empty keeps the
	// index in memory.
	PersistPath string
	Collection  string
	// OpenAIAPIKey enables the OpenAI embedding backend. When empty the
	// caller must supply an EmbeddingFunc.
	OpenAIAPIKey string
	// EmbeddingFunc overrides the embedder, used by tests.
	EmbeddingFunc chromem.EmbeddingFunc
}

// Index is a vector index over wiki pages.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
}

// Open creates or loads the knowledge base index.
func Open(cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "wiki-pages"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "kb.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("opening persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := cfg.EmbeddingFunc
	if embed == nil {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("knowledge base needs an embedding backend: set an API key or an embedding func")
		}
		embed = chromem.NewEmbeddingFuncOpenAI(cfg.OpenAIAPIKey, chromem.EmbeddingModelOpenAI3Small)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", cfg.Collection, err)
	}

	return &Index{
		db:         db,
		collection: collection,
		logger:     logger.With("component", "kb"),
	}, nil
}

// IndexPage chunks one wiki page and upserts its chunks. Re-indexing a page
// replaces its previous chunks.
func (ix *Index) IndexPage(ctx context.Context, page *wiki.Page) error {
	if strings.TrimSpace(page.Body) == "" {
		return nil
	}

	// Drop stale chunks from an earlier version of the page.
	_ = ix.collection.Delete(ctx, map[string]string{"page_id": page.ID}, nil)

	chunks := chunkText(page.Body)
	for i, chunk := range chunks {
		doc := chromem.Document{
			ID:      fmt.Sprintf("%s-%d", page.ID, i),
			Content: page.Title + "\n" + chunk,
			Metadata: map[string]string{
				"page_id":    page.ID,
				"page_title": page.Title,
			},
		}
		if err := ix.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("indexing chunk %d of page %s: %w", i, page.ID, err)
		}
	}

	ix.logger.Debug("page indexed", "page_id", page.ID, "title", page.Title, "chunks", len(chunks))
	return nil
}

// Search returns the most similar chunks for a query.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	hits, err := ix.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge base: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			PageID:     h.Metadata["page_id"],
			PageTitle:  h.Metadata["page_title"],
			Content:    h.Content,
			Similarity: h.Similarity,
		})
	}
	return results, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// chunkText splits text on paragraph boundaries into bounded chunks.
func chunkText(text string) []string {
	paragraphs := strings.Split(text, "\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len(p) > maxChunkChars {
			flush()
			cut := runeCut(p, maxChunkChars)
			chunks = append(chunks, p[:cut])
			p = p[cut:]
		}
		if current.Len()+len(p)+1 > maxChunkChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}

// runeCut backs n off to the nearest rune boundary at or below it, so a hard
// cut never splits a multi-byte character.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
