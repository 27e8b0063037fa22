package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nebulagrowth/nebulad/internal/analytics"
	"github.com/nebulagrowth/nebulad/internal/crawler"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/publisher"
	"github.com/nebulagrowth/nebulad/internal/rag"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// opportunityQuery seeds retrieval for the generation prompt.
const opportunityQuery = "website optimization opportunities"

// competitorContentLimit caps how much competitor text enters the prompt.
const competitorContentLimit = 1500

// processSite runs the full per-site sequence: crawl, embed, crawl
// competitors, fetch analytics, generate opportunities, open PRs.
// Only the site's own crawl and persistence failures are fatal; every
// other step, the model call included, degrades to a logged warning.
func (r *Runner) processSite(ctx context.Context, site *domain.Site) error {
	r.logger.Info(ctx, "processing site",
		zap.String("site_id", site.ID),
		zap.String("url", site.URL),
	)

	crawls, err := r.crawlSite(ctx, site)
	if err != nil {
		return fmt.Errorf("crawling site: %w", err)
	}

	r.embedCrawls(ctx, site, crawls)
	r.crawlCompetitors(ctx, site)

	insights := r.siteInsights(ctx, site)

	rctx, err := r.buildContext(ctx, site)
	if err != nil {
		return fmt.Errorf("building retrieval context: %w", err)
	}

	opps, err := r.generateOpportunities(ctx, site, rctx, insights)
	if err != nil {
		return err
	}

	if err := r.openPullRequests(ctx, site, opps); err != nil {
		return fmt.Errorf("opening pull requests: %w", err)
	}
	return nil
}

// crawlSite fetches the site's pages and persists one crawl per page.
func (r *Runner) crawlSite(ctx context.Context, site *domain.Site) ([]*domain.Crawl, error) {
	maxPages := site.MaxPages
	if maxPages <= 0 {
		maxPages = r.crawlerCfg.MaxPages
	}

	pages, err := r.crawler.Crawl(ctx, site.URL, maxPages)
	if err != nil {
		if r.metrics != nil {
			r.metrics.CrawlErrorsTotal.Inc()
		}
		return nil, err
	}

	crawls := make([]*domain.Crawl, 0, len(pages))
	for _, page := range pages {
		crawl := &domain.Crawl{
			SiteID:          &site.ID,
			URL:             page.URL,
			Title:           page.Title,
			Content:         page.Content,
			HTMLContent:     page.HTML,
			MetaDescription: page.MetaDescription,
			StatusCode:      page.StatusCode,
			LoadTimeMS:      page.LoadTime.Milliseconds(),
			ContentSize:     len(page.Content),
		}
		if page.FCP > 0 {
			crawl.FCPScore = &page.FCP
		}
		if page.LCP > 0 {
			crawl.LCPScore = &page.LCP
		}
		if page.CLS > 0 {
			crawl.CLSScore = &page.CLS
		}
		if err := r.store.Crawls.Create(ctx, crawl); err != nil {
			return nil, fmt.Errorf("persisting crawl of %s: %w", page.URL, err)
		}
		crawls = append(crawls, crawl)
	}

	if r.metrics != nil {
		r.metrics.PagesCrawledTotal.WithLabelValues("site").Add(float64(len(crawls)))
	}
	r.logger.Info(ctx, "site crawl complete",
		zap.String("site_id", site.ID),
		zap.Int("pages", len(crawls)),
	)
	return crawls, nil
}

// embedCrawls vectorizes page content long enough to be meaningful and
// stores the vectors in both the relational and the vector store.
// Embedding failures never fail the site run.
func (r *Runner) embedCrawls(ctx context.Context, site *domain.Site, crawls []*domain.Crawl) {
	if r.embedder == nil {
		return
	}

	var candidates []*domain.Crawl
	var texts []string
	for _, c := range crawls {
		if len(c.Content) > r.pipelineCfg.EmbedMinChars {
			candidates = append(candidates, c)
			texts = append(texts, c.Content)
		}
	}
	if len(candidates) == 0 {
		return
	}

	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil || len(vectors) != len(candidates) {
		r.logger.Warn(ctx, "embedding crawled content failed",
			zap.String("site_id", site.ID),
			zap.Int("candidates", len(candidates)),
			zap.Error(err),
		)
		return
	}

	docs := make([]vectorstore.Document, 0, len(candidates))
	for i, c := range candidates {
		if err := r.store.Crawls.AddEmbedding(ctx, c.ID, c.Content, vectors[i]); err != nil {
			r.logger.Warn(ctx, "storing embedding failed",
				zap.String("crawl_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		docs = append(docs, vectorstore.Document{
			ID:       c.ID,
			Content:  c.Content,
			Metadata: map[string]string{"url": c.URL},
		})
	}

	if r.vectors != nil && len(docs) > 0 {
		if err := r.vectors.Add(ctx, site.ID, docs); err != nil {
			r.logger.Warn(ctx, "indexing embeddings failed",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
		}
	}
}

// crawlCompetitors fetches a shallow crawl of each active competitor,
// a few at a time. A failing competitor is logged and skipped.
func (r *Runner) crawlCompetitors(ctx context.Context, site *domain.Site) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range site.Competitors {
		competitor := &site.Competitors[i]
		g.Go(func() error {
			pages, err := r.crawler.Crawl(gctx, competitor.URL, r.crawlerCfg.CompetitorMaxPages)
			if err != nil {
				if r.metrics != nil {
					r.metrics.CrawlErrorsTotal.Inc()
				}
				r.logger.Warn(gctx, "competitor crawl failed",
					zap.String("competitor_id", competitor.ID),
					zap.String("url", competitor.URL),
					zap.Error(err),
				)
				return nil
			}
			for _, page := range pages {
				crawl := &domain.Crawl{
					CompetitorID:    &competitor.ID,
					URL:             page.URL,
					Title:           page.Title,
					Content:         page.Content,
					MetaDescription: page.MetaDescription,
					StatusCode:      page.StatusCode,
					LoadTimeMS:      page.LoadTime.Milliseconds(),
					ContentSize:     len(page.Content),
				}
				if err := r.store.Crawls.Create(gctx, crawl); err != nil {
					r.logger.Warn(gctx, "persisting competitor crawl failed",
						zap.String("competitor_id", competitor.ID),
						zap.Error(err),
					)
				}
			}
			if r.metrics != nil {
				r.metrics.PagesCrawledTotal.WithLabelValues("competitor").Add(float64(len(pages)))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// siteInsights fetches last week's analytics for sites with a GA4
// property. Analytics are an enrichment; failures return nil.
func (r *Runner) siteInsights(ctx context.Context, site *domain.Site) *analytics.Insights {
	if r.analytics == nil || site.GA4PropertyID == "" {
		return nil
	}

	now := time.Now()
	window := analytics.Window{Start: now.AddDate(0, 0, -7), End: now}
	insights, err := r.analytics.Insights(ctx, site.GA4PropertyID, window)
	if err != nil {
		r.logger.Warn(ctx, "analytics fetch failed",
			zap.String("site_id", site.ID),
			zap.String("property_id", site.GA4PropertyID),
			zap.Error(err),
		)
		return nil
	}
	return insights
}

// buildContext assembles similar own-site content and competitor
// snapshots for the generation prompt.
func (r *Runner) buildContext(ctx context.Context, site *domain.Site) (rag.Context, error) {
	rctx := rag.Context{Query: opportunityQuery}

	switch {
	case r.vectors != nil:
		matches, err := r.vectors.Search(ctx, site.ID, opportunityQuery, 5)
		if err != nil {
			r.logger.Warn(ctx, "vector search failed",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
		} else {
			rctx.SimilarContent = matches
		}
	case r.embedder != nil:
		query, err := r.embedder.EmbedQuery(ctx, opportunityQuery)
		if err == nil {
			matches, err := r.store.Crawls.SimilarContent(ctx, site.ID, query, 5)
			if err != nil {
				return rctx, err
			}
			rctx.SimilarContent = matches
		}
	}

	latest, err := r.store.Crawls.ActiveCompetitorsWithLatest(ctx, site.ID)
	if err != nil {
		return rctx, err
	}
	for _, cl := range latest {
		if cl.Crawl == nil || cl.Crawl.Content == "" {
			continue
		}
		content := cl.Crawl.Content
		if len(content) > competitorContentLimit {
			content = content[:competitorContentLimit]
		}
		rctx.CompetitorData = append(rctx.CompetitorData, rag.CompetitorContext{
			URL:       cl.Competitor.URL,
			Name:      cl.Competitor.Name,
			Content:   content,
			Relevance: r.competitorRelevance(ctx, content),
		})
	}
	return rctx, nil
}

// competitorRelevance scores competitor content against the retrieval
// query by embedding both sides. Without an embedder every competitor
// gets a neutral 0.5.
func (r *Runner) competitorRelevance(ctx context.Context, content string) float64 {
	if r.embedder == nil {
		return 0.5
	}
	queryVec, err := r.embedder.EmbedQuery(ctx, opportunityQuery)
	if err != nil {
		return 0.5
	}
	contentVec, err := r.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return 0.5
	}
	sim, err := vectorstore.Cosine(queryVec, contentVec)
	if err != nil {
		return 0.5
	}
	// Cosine is in [-1,1]; clamp to a [0,1] relevance.
	if sim < 0 {
		return 0
	}
	return sim
}

// generateOpportunities prompts the model and persists the result,
// capped per cycle. A failed model call yields zero opportunities for
// this cycle, never an error; only persistence failures surface.
func (r *Runner) generateOpportunities(ctx context.Context, site *domain.Site, rctx rag.Context, insights *analytics.Insights) ([]domain.Opportunity, error) {
	if !r.generator.Available() {
		return nil, nil
	}

	generated, err := r.generator.GenerateOpportunities(ctx, rctx, insights)
	if err != nil {
		r.logger.Warn(ctx, "opportunity generation failed, continuing without",
			zap.String("site_id", site.ID),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(generated) > r.pipelineCfg.MaxOpportunities {
		generated = generated[:r.pipelineCfg.MaxOpportunities]
	}
	if len(generated) == 0 {
		return nil, nil
	}

	opps := make([]domain.Opportunity, 0, len(generated))
	for _, g := range generated {
		opp := domain.Opportunity{
			SiteID:           site.ID,
			Title:            g.Title,
			Description:      g.Description,
			Type:             g.Type,
			Priority:         g.Priority,
			RevenueDelta:     g.RevenueDelta,
			Confidence:       g.Confidence,
			TargetURL:        g.TargetURL,
			CurrentContent:   g.CurrentContent,
			SuggestedContent: g.SuggestedContent,
			Reasoning:        g.Reasoning,
		}
		if g.PatchData != nil {
			encoded, err := json.Marshal(g.PatchData)
			if err != nil {
				return nil, fmt.Errorf("encoding patch data: %w", err)
			}
			opp.PatchData = string(encoded)
		}
		opps = append(opps, opp)
	}

	if err := r.store.Opportunities.CreateBatch(ctx, opps); err != nil {
		return nil, fmt.Errorf("persisting opportunities: %w", err)
	}
	if r.metrics != nil {
		for _, opp := range opps {
			r.metrics.OpportunitiesTotal.WithLabelValues(string(opp.Priority)).Inc()
		}
	}

	r.logger.Info(ctx, "opportunities generated",
		zap.String("site_id", site.ID),
		zap.Int("count", len(opps)),
	)
	return opps, nil
}

// openPullRequests ships the strongest opportunities of an auto-merge
// site as pull requests: HIGH priority, confidence above the threshold,
// capped per cycle. An opportunity without patch data cannot be shipped
// and is skipped. A PR failure is contained per opportunity.
func (r *Runner) openPullRequests(ctx context.Context, site *domain.Site, opps []domain.Opportunity) error {
	if r.pub == nil || !site.AutoMerge {
		return nil
	}
	if site.GitHubOwner == "" || site.GitHubRepo == "" {
		r.logger.Warn(ctx, "auto-merge enabled but no repository configured",
			zap.String("site_id", site.ID),
		)
		return nil
	}

	opened := 0
	for i := range opps {
		if opened >= r.githubCfg.MaxPRs {
			break
		}
		opp := &opps[i]
		if opp.Priority != domain.PriorityHigh || opp.Confidence <= r.pipelineCfg.MinConfidence {
			continue
		}
		if opp.PatchData == "" {
			r.logger.Warn(ctx, "skipping opportunity without patch data",
				zap.String("opportunity_id", opp.ID),
				zap.String("title", opp.Title),
			)
			continue
		}

		var patch rag.PatchData
		if err := json.Unmarshal([]byte(opp.PatchData), &patch); err != nil || patch.FilePath == "" {
			r.logger.Warn(ctx, "skipping opportunity with unusable patch data",
				zap.String("opportunity_id", opp.ID),
				zap.Error(err),
			)
			continue
		}

		input := publisher.PullRequestInput{
			Owner:       site.GitHubOwner,
			Repo:        site.GitHubRepo,
			Branch:      publisher.BranchName(r.githubCfg.BranchPrefix, opp.ID, opp.Title),
			Title:       opp.Title,
			Description: prDescription(opp),
			Files: []publisher.FileChange{
				{Path: patch.FilePath, Content: patch.NewContent},
			},
		}

		result, err := r.pub.CreatePullRequest(ctx, input)
		if err != nil {
			r.logger.Error(ctx, "pull request creation failed",
				zap.String("opportunity_id", opp.ID),
				zap.String("repo", site.GitHubOwner+"/"+site.GitHubRepo),
				zap.Error(err),
			)
			continue
		}

		dep := &domain.Deployment{
			OpportunityID: opp.ID,
			SiteID:        site.ID,
			PRNumber:      result.Number,
			PRURL:         result.URL,
			PRTitle:       input.Title,
			PRDescription: input.Description,
		}
		if err := r.store.Deployments.Create(ctx, dep); err != nil {
			return fmt.Errorf("recording deployment for PR #%d: %w", result.Number, err)
		}
		if err := r.store.Opportunities.SetStatus(ctx, opp.ID, domain.OpportunityInProgress); err != nil {
			return fmt.Errorf("updating opportunity %s: %w", opp.ID, err)
		}

		opened++
		if r.metrics != nil {
			r.metrics.PRsOpenedTotal.Inc()
		}
		r.logger.Info(ctx, "pull request opened",
			zap.String("opportunity_id", opp.ID),
			zap.Int("pr_number", result.Number),
			zap.String("pr_url", result.URL),
		)
	}
	return nil
}

// prDescription renders the PR body shown to the site owner.
func prDescription(opp *domain.Opportunity) string {
	return fmt.Sprintf(
		"%s\n\nEstimated revenue impact: $%.0f/month\nConfidence: %.0f%%\n\nReasoning:\n%s",
		opp.Description, opp.RevenueDelta, opp.Confidence*100, opp.Reasoning,
	)
}

var _ SiteCrawler = (*crawler.Crawler)(nil)
var _ VectorIndex = (*vectorstore.Store)(nil)
