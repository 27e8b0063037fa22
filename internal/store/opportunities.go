package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/domain"
)

// OpportunityStore persists AI-generated optimization proposals.
type OpportunityStore struct {
	db *gorm.DB
}

// Create inserts one opportunity.
func (s *OpportunityStore) Create(ctx context.Context, opp *domain.Opportunity) error {
	return s.db.WithContext(ctx).Create(opp).Error
}

// CreateBatch inserts a generator run's opportunities in one transaction.
func (s *OpportunityStore) CreateBatch(ctx context.Context, opps []domain.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range opps {
			if err := tx.Create(&opps[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID loads one opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (*domain.Opportunity, error) {
	var opp domain.Opportunity
	if err := s.db.WithContext(ctx).First(&opp, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &opp, nil
}

// SetStatus moves an opportunity to a new lifecycle state.
func (s *OpportunityStore) SetStatus(ctx context.Context, id string, status domain.OpportunityStatus) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Opportunity{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("opportunity %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// PendingForSite returns pending opportunities for a site ordered by
// priority rank then confidence, both descending.
func (s *OpportunityStore) PendingForSite(ctx context.Context, siteID string) ([]domain.Opportunity, error) {
	var opps []domain.Opportunity
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND status = ?", siteID, domain.OpportunityPending).
		Order("CASE priority WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 WHEN 'LOW' THEN 0 ELSE -1 END DESC").
		Order("confidence DESC").
		Find(&opps).Error
	return opps, err
}

// RecentForSite returns the newest opportunities for a site.
func (s *OpportunityStore) RecentForSite(ctx context.Context, siteID string, limit int) ([]domain.Opportunity, error) {
	var opps []domain.Opportunity
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("created_at DESC").
		Limit(limit).
		Find(&opps).Error
	return opps, err
}
