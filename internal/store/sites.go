package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/domain"
)

// SiteStore persists sites and their competitors.
type SiteStore struct {
	db *gorm.DB
}

// Create inserts a new site.
func (s *SiteStore) Create(ctx context.Context, site *domain.Site) error {
	return s.db.WithContext(ctx).Create(site).Error
}

// GetByID loads one site with its active competitors.
func (s *SiteStore) GetByID(ctx context.Context, id string) (*domain.Site, error) {
	var site domain.Site
	err := s.db.WithContext(ctx).
		Preload("Competitors", "is_active = ?", true).
		First(&site, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// ListActive returns all active sites with their active competitors.
func (s *SiteStore) ListActive(ctx context.Context) ([]domain.Site, error) {
	var sites []domain.Site
	err := s.db.WithContext(ctx).
		Preload("Competitors", "is_active = ?", true).
		Where("is_active = ?", true).
		Find(&sites).Error
	return sites, err
}

// Deactivate marks a site inactive. Sites are never hard-deleted in the
// normal flow; a lapsed subscription flips this flag.
func (s *SiteStore) Deactivate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&domain.Site{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// AddCompetitor attaches a competitor to a site.
func (s *SiteStore) AddCompetitor(ctx context.Context, competitor *domain.Competitor) error {
	return s.db.WithContext(ctx).Create(competitor).Error
}

// Overview is the composite read used by dashboards: one site with its
// competitors and the most recent crawls, opportunities and deployments.
type Overview struct {
	Site          domain.Site
	RecentCrawls  []domain.Crawl
	Opportunities []domain.Opportunity
	Deployments   []domain.Deployment
}

// GetOverview fetches a site with its recent activity in one call.
func (s *SiteStore) GetOverview(ctx context.Context, id string, limit int) (*Overview, error) {
	site, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var o Overview
	o.Site = *site

	if err := s.db.WithContext(ctx).
		Where("site_id = ?", id).
		Order("crawled_at DESC").
		Limit(limit).
		Find(&o.RecentCrawls).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("site_id = ?", id).
		Order("created_at DESC").
		Limit(limit).
		Find(&o.Opportunities).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("site_id = ?", id).
		Order("created_at DESC").
		Limit(limit).
		Find(&o.Deployments).Error; err != nil {
		return nil, err
	}
	return &o, nil
}
