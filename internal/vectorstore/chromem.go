// Package vectorstore provides embedded vector search over crawled
// content, one collection per site.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/logging"
)

// ErrEmptyDocuments is returned when an add is called with no documents.
var ErrEmptyDocuments = errors.New("no documents to add")

// Embedder turns text into vectors. Satisfied by embeddings.Service.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is one unit of content stored for similarity search.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Store is an embedded chromem-go vector database. Collections are
// keyed by site so one site's content never matches another's queries.
type Store struct {
	db       *chromem.DB
	embedder Embedder
	cfg      config.VectorStoreConfig
	logger   *logging.Logger
}

// collectionNamePattern mirrors chromem's constraints: 3-63 chars,
// alphanumeric with - and _.
var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{1,61}[a-zA-Z0-9]$`)

// NewStore opens (or creates) a persistent vector store at cfg.Path.
func NewStore(cfg config.VectorStoreConfig, embedder Embedder, logger *logging.Logger) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info(context.Background(), "vector store initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("vector_size", cfg.VectorSize),
	)

	return &Store{db: db, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// NewMemoryStore returns a non-persistent store. Used by tests.
func NewMemoryStore(cfg config.VectorStoreConfig, embedder Embedder) *Store {
	return &Store{
		db:       chromem.NewDB(),
		embedder: embedder,
		cfg:      cfg,
		logger:   logging.NewNop(),
	}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// collectionName builds the per-site collection name. Site IDs are
// UUIDs, which satisfy chromem's naming constraints after prefixing.
func (s *Store) collectionName(siteID string) string {
	prefix := s.cfg.CollectionPrefix
	if prefix == "" {
		prefix = "site"
	}
	return prefix + "_" + strings.ReplaceAll(siteID, "-", "_")
}

func (s *Store) collection(siteID string) (*chromem.Collection, error) {
	name := s.collectionName(siteID)
	if !collectionNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	col, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", name, err)
	}
	return col, nil
}

// Add embeds and stores documents in the site's collection.
func (s *Store) Add(ctx context.Context, siteID string, docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	col, err := s.collection(siteID)
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			return fmt.Errorf("document at index %d has no ID", i)
		}
		chromemDocs[i] = chromem.Document{
			ID:        id,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: vectors[i],
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug(ctx, "added documents to vector store",
		zap.String("site_id", siteID),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search returns the k most similar stored documents for a site,
// highest similarity first. Asking for more results than the
// collection holds is clamped, not an error.
func (s *Store) Search(ctx context.Context, siteID, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	col, err := s.collection(siteID)
	if err != nil {
		return nil, err
	}

	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			URL:        r.Metadata["url"],
		}
	}
	return matches, nil
}
