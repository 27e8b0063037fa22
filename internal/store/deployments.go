package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/domain"
)

// ErrActiveDeployment is returned when a deployment would be created for
// an opportunity that already has one in flight.
var ErrActiveDeployment = fmt.Errorf("opportunity already has an active deployment")

// DeploymentStore persists pull-request deployments and their outcomes.
type DeploymentStore struct {
	db *gorm.DB
}

// Create records a freshly opened pull request. Fails with
// ErrActiveDeployment if the opportunity already has a deployment that
// is not FAILED or ROLLED_BACK.
func (s *DeploymentStore) Create(ctx context.Context, dep *domain.Deployment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&domain.Deployment{}).
			Where("opportunity_id = ? AND status IN ?", dep.OpportunityID,
				[]domain.DeploymentStatus{domain.DeploymentPRCreated, domain.DeploymentDeployed}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveDeployment
		}
		return tx.Create(dep).Error
	})
}

// GetByID loads one deployment.
func (s *DeploymentStore) GetByID(ctx context.Context, id string) (*domain.Deployment, error) {
	var dep domain.Deployment
	if err := s.db.WithContext(ctx).First(&dep, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &dep, nil
}

// FindByPR locates a deployment by repository pull request number for a
// site. Deploy hooks identify deployments this way.
func (s *DeploymentStore) FindByPR(ctx context.Context, siteID string, prNumber int) (*domain.Deployment, error) {
	var dep domain.Deployment
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND pr_number = ?", siteID, prNumber).
		Order("created_at DESC").
		First(&dep).Error
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// MarkDeployed moves PR_CREATED -> DEPLOYED and records the measured
// scores.
func (s *DeploymentStore) MarkDeployed(ctx context.Context, id string, before, after float64) error {
	delta := after - before
	now := time.Now()
	return s.transition(ctx, id, domain.DeploymentPRCreated, map[string]any{
		"status":            domain.DeploymentDeployed,
		"before_score":      before,
		"after_score":       after,
		"performance_delta": delta,
		"deployed_at":       now,
	})
}

// MarkFailed moves PR_CREATED -> FAILED. Scores may be zero when the
// audit itself failed.
func (s *DeploymentStore) MarkFailed(ctx context.Context, id string, before, after float64) error {
	delta := after - before
	return s.transition(ctx, id, domain.DeploymentPRCreated, map[string]any{
		"status":            domain.DeploymentFailed,
		"before_score":      before,
		"after_score":       after,
		"performance_delta": delta,
	})
}

// MarkRegressed moves PR_CREATED -> ROLLED_BACK after a failed
// performance check, recording the audited scores.
func (s *DeploymentStore) MarkRegressed(ctx context.Context, id string, before, after float64) error {
	delta := after - before
	now := time.Now()
	return s.transition(ctx, id, domain.DeploymentPRCreated, map[string]any{
		"status":            domain.DeploymentRolledBack,
		"before_score":      before,
		"after_score":       after,
		"performance_delta": delta,
		"rolled_back_at":    now,
	})
}

// MarkRolledBack moves DEPLOYED -> ROLLED_BACK.
func (s *DeploymentStore) MarkRolledBack(ctx context.Context, id string) error {
	now := time.Now()
	return s.transition(ctx, id, domain.DeploymentDeployed, map[string]any{
		"status":         domain.DeploymentRolledBack,
		"rolled_back_at": now,
	})
}

// transition applies updates only when the deployment is currently in
// the expected state. Illegal transitions surface as errors rather than
// silent no-ops.
func (s *DeploymentStore) transition(ctx context.Context, id string, from domain.DeploymentStatus, updates map[string]any) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Deployment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var dep domain.Deployment
		if err := s.db.WithContext(ctx).First(&dep, "id = ?", id).Error; err != nil {
			return fmt.Errorf("deployment %s: %w", id, err)
		}
		return fmt.Errorf("deployment %s: illegal transition from %s", id, dep.Status)
	}
	return nil
}

// RecentForSite returns the newest deployments for a site.
func (s *DeploymentStore) RecentForSite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	var deps []domain.Deployment
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deps).Error
	return deps, err
}
