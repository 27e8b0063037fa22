package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/logging"
	"github.com/nebulagrowth/nebulad/internal/metrics"
	"github.com/nebulagrowth/nebulad/internal/publisher"
	"github.com/nebulagrowth/nebulad/internal/store"
)

// Baseline is the reference point a fresh audit is compared against.
type Baseline struct {
	Performance float64
	CLS         float64
	LCP         float64
	FCP         float64
}

// DefaultBaseline is used when a site has no scored crawl yet.
func DefaultBaseline() Baseline {
	return Baseline{Performance: 0.5, CLS: 0.25, LCP: 3000, FCP: 2000}
}

// Outcome is the gate verdict for one deployment. Report carries the
// full audit the verdict was computed from.
type Outcome struct {
	Passed        bool     `json:"passed"`
	CurrentScore  float64  `json:"currentScore"`
	BaselineScore float64  `json:"baselineScore"`
	Delta         float64  `json:"delta"`
	Reasons       []string `json:"reasons,omitempty"`

	Report *AuditReport `json:"-"`
}

// RollbackCoords identify the PR to undo when the gate fails.
type RollbackCoords struct {
	Owner    string
	Repo     string
	PRNumber int
}

// Gate audits deployments and persists pass/rollback outcomes.
type Gate struct {
	cfg       config.GateConfig
	auditor   Auditor
	store     *store.Store
	publisher publisher.Publisher
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// New builds a Gate. The publisher may be nil when no GitHub
// credentials are configured; rollbacks then stop at the database.
// Metrics may be nil in tests.
func New(cfg config.GateConfig, auditor Auditor, st *store.Store, pub publisher.Publisher, logger *logging.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{cfg: cfg, auditor: auditor, store: st, publisher: pub, logger: logger, metrics: m}
}

// Evaluate applies the regression checks. All comparisons are strict:
// a value exactly at a threshold passes. Relative checks are skipped
// when their baseline term is zero.
func (g *Gate) Evaluate(report *AuditReport, baseline Baseline) Outcome {
	reasons := []string{}
	delta := report.Performance - baseline.Performance

	if report.Performance < g.cfg.MinPerformance {
		reasons = append(reasons, fmt.Sprintf(
			"Performance score %.2f below minimum threshold %.2f",
			report.Performance, g.cfg.MinPerformance))
	}
	if delta < -g.cfg.MaxDrop {
		reasons = append(reasons, fmt.Sprintf(
			"Performance score dropped by %.1f%%", -delta*100))
	}

	if report.CLS > g.cfg.MaxCLS {
		reasons = append(reasons, fmt.Sprintf(
			"CLS score %.3f exceeds maximum %.3f", report.CLS, g.cfg.MaxCLS))
	}
	if baseline.CLS != 0 && report.CLS > baseline.CLS*g.cfg.CLSRatio {
		reasons = append(reasons, fmt.Sprintf(
			"CLS increased by %.1f%%", (report.CLS/baseline.CLS-1)*100))
	}

	if report.LCP > g.cfg.MaxLCP {
		reasons = append(reasons, fmt.Sprintf(
			"LCP %.0fms exceeds maximum %.0fms", report.LCP, g.cfg.MaxLCP))
	}
	if baseline.LCP != 0 && report.LCP > baseline.LCP*g.cfg.LCPRatio {
		reasons = append(reasons, fmt.Sprintf(
			"LCP increased by %.1f%%", (report.LCP/baseline.LCP-1)*100))
	}

	return Outcome{
		Passed:        len(reasons) == 0,
		CurrentScore:  report.Performance,
		BaselineScore: baseline.Performance,
		Delta:         delta,
		Reasons:       reasons,
		Report:        report,
	}
}

// recordAudit stores the audit as a scored crawl. Failures are logged;
// the verdict does not depend on this write.
func (g *Gate) recordAudit(ctx context.Context, siteID string, report *AuditReport) {
	r := *report
	crawl := &domain.Crawl{
		SiteID:             &siteID,
		URL:                r.URL,
		StatusCode:         200,
		PerformanceScore:   &r.Performance,
		AccessibilityScore: &r.Accessibility,
		BestPracticesScore: &r.BestPractices,
		SEOScore:           &r.SEO,
		CLSScore:           &r.CLS,
		LCPScore:           &r.LCP,
		FCPScore:           &r.FCP,
	}
	if err := g.store.Crawls.Create(ctx, crawl); err != nil {
		g.logger.Warn(ctx, "storing audit scores failed",
			zap.String("site_id", siteID),
			zap.Error(err),
		)
	}
}

// baselineFor loads the latest scored crawl for a site, falling back
// to conservative defaults.
func (g *Gate) baselineFor(ctx context.Context, siteID string) Baseline {
	crawl, err := g.store.Crawls.LatestScoredForSite(ctx, siteID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			g.logger.Warn(ctx, "baseline lookup failed, using defaults",
				zap.String("site_id", siteID),
				zap.Error(err),
			)
		}
		return DefaultBaseline()
	}

	b := DefaultBaseline()
	if crawl.PerformanceScore != nil {
		b.Performance = *crawl.PerformanceScore
	}
	if crawl.CLSScore != nil {
		b.CLS = *crawl.CLSScore
	}
	if crawl.LCPScore != nil {
		b.LCP = *crawl.LCPScore
	}
	if crawl.FCPScore != nil {
		b.FCP = *crawl.FCPScore
	}
	return b
}

// Run audits a deployment's site and persists the verdict. On pass the
// deployment becomes DEPLOYED; on regression it becomes ROLLED_BACK,
// the opportunity is marked ROLLED_BACK, and the PR is rolled back
// when its coordinates are known. The outcome is returned either way;
// only audit or persistence failures surface as errors.
func (g *Gate) Run(ctx context.Context, deploymentID, siteURL string, coords *RollbackCoords) (*Outcome, error) {
	dep, err := g.store.Deployments.GetByID(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("loading deployment: %w", err)
	}

	report, err := g.auditor.Audit(ctx, siteURL)
	if err != nil {
		return nil, fmt.Errorf("audit failed: %w", err)
	}

	baseline := g.baselineFor(ctx, dep.SiteID)
	outcome := g.Evaluate(report, baseline)

	// Persist the audit as a scored crawl so it becomes the baseline
	// for the next deployment. Must happen after baselineFor.
	g.recordAudit(ctx, dep.SiteID, report)

	if outcome.Passed {
		if g.metrics != nil {
			g.metrics.GateChecksTotal.WithLabelValues("pass").Inc()
		}
		if err := g.store.Deployments.MarkDeployed(ctx, dep.ID, baseline.Performance, report.Performance); err != nil {
			return nil, fmt.Errorf("recording deployment: %w", err)
		}
		if err := g.store.Opportunities.SetStatus(ctx, dep.OpportunityID, domain.OpportunityDeployed); err != nil {
			return nil, fmt.Errorf("updating opportunity: %w", err)
		}
		g.logger.Info(ctx, "deployment passed performance gate",
			zap.String("deployment_id", dep.ID),
			zap.Float64("score", report.Performance),
			zap.Float64("delta", outcome.Delta),
		)
		return &outcome, nil
	}

	if g.metrics != nil {
		g.metrics.GateChecksTotal.WithLabelValues("fail").Inc()
		g.metrics.RollbacksTotal.Inc()
	}
	if err := g.store.Deployments.MarkRegressed(ctx, dep.ID, baseline.Performance, report.Performance); err != nil {
		return nil, fmt.Errorf("recording rollback: %w", err)
	}
	if err := g.store.Opportunities.SetStatus(ctx, dep.OpportunityID, domain.OpportunityRolledBack); err != nil {
		return nil, fmt.Errorf("updating opportunity: %w", err)
	}

	if coords != nil && g.publisher != nil {
		if err := g.publisher.Rollback(ctx, coords.Owner, coords.Repo, coords.PRNumber); err != nil {
			// The database already reflects the rollback; the PR can
			// be closed by hand if this fails.
			g.logger.Error(ctx, "PR rollback failed",
				zap.String("deployment_id", dep.ID),
				zap.Int("pr_number", coords.PRNumber),
				zap.Error(err),
			)
		}
	}

	g.logger.Warn(ctx, "deployment rolled back by performance gate",
		zap.String("deployment_id", dep.ID),
		zap.Strings("reasons", outcome.Reasons),
	)
	return &outcome, nil
}
