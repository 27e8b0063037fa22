package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// CrawlStore persists page snapshots and their embeddings.
type CrawlStore struct {
	db *gorm.DB
}

// Create inserts a crawl row.
func (s *CrawlStore) Create(ctx context.Context, crawl *domain.Crawl) error {
	return s.db.WithContext(ctx).Create(crawl).Error
}

// AddEmbedding stores a vector for a crawl. The vector is JSON-encoded.
func (s *CrawlStore) AddEmbedding(ctx context.Context, crawlID, content string, vector []float32) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}
	return s.db.WithContext(ctx).Create(&domain.Embedding{
		CrawlID: crawlID,
		Content: content,
		Vector:  string(encoded),
	}).Error
}

// LatestForSite returns the most recent crawl for a site, with embeddings.
func (s *CrawlStore) LatestForSite(ctx context.Context, siteID string) (*domain.Crawl, error) {
	var crawl domain.Crawl
	err := s.db.WithContext(ctx).
		Preload("Embeddings").
		Where("site_id = ?", siteID).
		Order("crawled_at DESC").
		First(&crawl).Error
	if err != nil {
		return nil, err
	}
	return &crawl, nil
}

// LatestScoredForSite returns the most recent crawl that carries a
// performance score. Used as the regression baseline.
func (s *CrawlStore) LatestScoredForSite(ctx context.Context, siteID string) (*domain.Crawl, error) {
	var crawl domain.Crawl
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND performance_score IS NOT NULL", siteID).
		Order("crawled_at DESC").
		First(&crawl).Error
	if err != nil {
		return nil, err
	}
	return &crawl, nil
}

// RecentContentForSite returns up to limit recent crawls for a site,
// newest first. Feeds the opportunity generator's context.
func (s *CrawlStore) RecentContentForSite(ctx context.Context, siteID string, limit int) ([]domain.Crawl, error) {
	var crawls []domain.Crawl
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("crawled_at DESC").
		Limit(limit).
		Find(&crawls).Error
	return crawls, err
}

// CompetitorLatest pairs a competitor with its newest crawl.
type CompetitorLatest struct {
	Competitor domain.Competitor
	Crawl      *domain.Crawl
}

// ActiveCompetitorsWithLatest returns each active competitor of a site
// with its latest crawl, if any.
func (s *CrawlStore) ActiveCompetitorsWithLatest(ctx context.Context, siteID string) ([]CompetitorLatest, error) {
	var competitors []domain.Competitor
	if err := s.db.WithContext(ctx).
		Where("site_id = ? AND is_active = ?", siteID, true).
		Find(&competitors).Error; err != nil {
		return nil, err
	}

	out := make([]CompetitorLatest, 0, len(competitors))
	for _, c := range competitors {
		var crawl domain.Crawl
		err := s.db.WithContext(ctx).
			Where("competitor_id = ?", c.ID).
			Order("crawled_at DESC").
			First(&crawl).Error
		switch {
		case err == nil:
			out = append(out, CompetitorLatest{Competitor: c, Crawl: &crawl})
		case err == gorm.ErrRecordNotFound:
			out = append(out, CompetitorLatest{Competitor: c})
		default:
			return nil, err
		}
	}
	return out, nil
}

// SimilarContent ranks stored embeddings of a site's crawls by cosine
// similarity against the query vector.
func (s *CrawlStore) SimilarContent(ctx context.Context, siteID string, query []float32, limit int) ([]vectorstore.Match, error) {
	type row struct {
		domain.Embedding
		URL string
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&domain.Embedding{}).
		Select("embeddings.*, crawls.url AS url").
		Joins("JOIN crawls ON crawls.id = embeddings.crawl_id").
		Where("crawls.site_id = ?", siteID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	matches := make([]vectorstore.Match, 0, len(rows))
	for _, r := range rows {
		var vec []float32
		if err := json.Unmarshal([]byte(r.Vector), &vec); err != nil {
			continue // tolerate rows written before the vector format settled
		}
		sim, err := vectorstore.Cosine(query, vec)
		if err != nil {
			continue
		}
		matches = append(matches, vectorstore.Match{
			Content:    r.Content,
			Similarity: sim,
			URL:        r.URL,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Cleanup deletes crawls and their embeddings older than the cutoff in
// one transaction: both tables or neither. Returns rows deleted from
// each table. Running it twice with no new data deletes nothing the
// second time.
func (s *CrawlStore) Cleanup(ctx context.Context, cutoff time.Time) (crawls int64, embeddings int64, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("crawl_id IN (?)",
			tx.Model(&domain.Crawl{}).Select("id").Where("crawled_at < ?", cutoff),
		).Delete(&domain.Embedding{})
		if res.Error != nil {
			return res.Error
		}
		embeddings = res.RowsAffected

		res = tx.Where("crawled_at < ?", cutoff).Delete(&domain.Crawl{})
		if res.Error != nil {
			return res.Error
		}
		crawls = res.RowsAffected
		return nil
	})
	return crawls, embeddings, err
}
