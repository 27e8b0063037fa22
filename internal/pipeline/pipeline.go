// Package pipeline orchestrates the nightly batch: crawl, embed,
// analyze, generate opportunities and open pull requests.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nebulagrowth/nebulad/internal/analytics"
	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/crawler"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/logging"
	"github.com/nebulagrowth/nebulad/internal/metrics"
	"github.com/nebulagrowth/nebulad/internal/publisher"
	"github.com/nebulagrowth/nebulad/internal/rag"
	"github.com/nebulagrowth/nebulad/internal/store"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// SiteCrawler fetches rendered pages. Satisfied by crawler.Crawler.
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL string, maxPages int) ([]*crawler.Page, error)
}

// VectorIndex stores and searches embedded content per site.
// Satisfied by vectorstore.Store.
type VectorIndex interface {
	Add(ctx context.Context, siteID string, docs []vectorstore.Document) error
	Search(ctx context.Context, siteID, query string, k int) ([]vectorstore.Match, error)
}

// Summary counts per-site outcomes of one batch run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Runner executes the nightly pipeline.
//
// Optional collaborators may be nil: embedder and vectors disable
// embedding, analytics disables insights, pub disables PR creation.
type Runner struct {
	store     *store.Store
	crawler   SiteCrawler
	embedder  vectorstore.Embedder
	vectors   VectorIndex
	analytics analytics.Client
	generator rag.Generator
	pub       publisher.Publisher
	metrics   *metrics.Metrics
	logger    *logging.Logger

	pipelineCfg config.PipelineConfig
	crawlerCfg  config.CrawlerConfig
	githubCfg   config.GitHubConfig

	// one lock per site ID, held for the duration of a site run
	siteLocks sync.Map
}

// Options bundles the Runner's collaborators.
type Options struct {
	Store     *store.Store
	Crawler   SiteCrawler
	Embedder  vectorstore.Embedder
	Vectors   VectorIndex
	Analytics analytics.Client
	Generator rag.Generator
	Publisher publisher.Publisher
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	Pipeline config.PipelineConfig
	Crawler2 config.CrawlerConfig
	GitHub   config.GitHubConfig
}

// NewRunner builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Crawler == nil {
		return nil, fmt.Errorf("crawler is required")
	}
	if opts.Generator == nil {
		opts.Generator = &rag.NoOpGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Runner{
		store:       opts.Store,
		crawler:     opts.Crawler,
		embedder:    opts.Embedder,
		vectors:     opts.Vectors,
		analytics:   opts.Analytics,
		generator:   opts.Generator,
		pub:         opts.Publisher,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		pipelineCfg: opts.Pipeline,
		crawlerCfg:  opts.Crawler2,
		githubCfg:   opts.GitHub,
	}, nil
}

// RunAll processes every active site concurrently. Each site's failure
// is contained; the batch always runs to completion. Old crawls are
// pruned afterwards.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	started := time.Now()

	sites, err := r.store.Sites.ListActive(ctx)
	if err != nil {
		if r.metrics != nil {
			r.metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("listing active sites: %w", err)
	}

	summary := &Summary{Total: len(sites)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range sites {
		site := sites[i]
		g.Go(func() error {
			err := r.RunSite(gctx, &site)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == errSiteBusy:
				summary.Skipped++
			case err != nil:
				summary.Failed++
				r.logger.Error(gctx, "site pipeline failed",
					zap.String("site_id", site.ID),
					zap.String("url", site.URL),
					zap.Error(err),
				)
			default:
				summary.Succeeded++
			}
			// Never propagate: one site must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	retention := time.Duration(r.pipelineCfg.Retention)
	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		crawls, embeddings, err := r.store.Crawls.Cleanup(ctx, cutoff)
		if err != nil {
			r.logger.Error(ctx, "crawl retention cleanup failed", zap.Error(err))
		} else if crawls > 0 {
			r.logger.Info(ctx, "pruned old crawls",
				zap.Int64("crawls", crawls),
				zap.Int64("embeddings", embeddings),
			)
		}
	}

	if r.metrics != nil {
		result := "success"
		if summary.Failed > 0 {
			result = "partial"
		}
		r.metrics.PipelineRunsTotal.WithLabelValues(result).Inc()
		r.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	}

	r.logger.Info(ctx, "nightly pipeline completed",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", time.Since(started)),
	)
	return summary, nil
}

// RunSiteByID loads one site and processes it. Used by the manual
// crawl trigger.
func (r *Runner) RunSiteByID(ctx context.Context, siteID string) error {
	site, err := r.store.Sites.GetByID(ctx, siteID)
	if err != nil {
		return fmt.Errorf("loading site: %w", err)
	}
	return r.RunSite(ctx, site)
}

var errSiteBusy = fmt.Errorf("site pipeline already running")

// RunSite processes one site. At most one run per site is in flight;
// a second concurrent call returns errSiteBusy immediately.
func (r *Runner) RunSite(ctx context.Context, site *domain.Site) (err error) {
	lockAny, _ := r.siteLocks.LoadOrStore(site.ID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		r.logger.Warn(ctx, "skipping site, run already in progress",
			zap.String("site_id", site.ID),
		)
		return errSiteBusy
	}
	defer lock.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("site pipeline panicked: %v", rec)
		}
		if r.metrics != nil {
			if err != nil {
				r.metrics.SitesProcessed.WithLabelValues("error").Inc()
			} else {
				r.metrics.SitesProcessed.WithLabelValues("success").Inc()
			}
		}
	}()

	return r.processSite(ctx, site)
}
