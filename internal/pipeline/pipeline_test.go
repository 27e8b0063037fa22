package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nebulagrowth/nebulad/internal/analytics"
	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/crawler"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/publisher"
	"github.com/nebulagrowth/nebulad/internal/rag"
	"github.com/nebulagrowth/nebulad/internal/store"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// stubCrawler serves canned pages keyed by start URL.
type stubCrawler struct {
	mu    sync.Mutex
	pages map[string][]*crawler.Page
	errs  map[string]error
	calls []string
	block chan struct{} // when set, Crawl waits until closed
}

func (s *stubCrawler) Crawl(ctx context.Context, startURL string, maxPages int) ([]*crawler.Page, error) {
	s.mu.Lock()
	s.calls = append(s.calls, startURL)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.errs[startURL]; err != nil {
		return nil, err
	}
	pages := s.pages[startURL]
	if len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	return pages, nil
}

// fixedEmbedder returns the same small vector for every text.
type fixedEmbedder struct{}

func (fixedEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// stubGenerator returns canned opportunities.
type stubGenerator struct {
	opps []rag.Opportunity
	err  error
	got  *rag.Context
}

func (g *stubGenerator) GenerateOpportunities(_ context.Context, rctx rag.Context, _ *analytics.Insights) ([]rag.Opportunity, error) {
	g.got = &rctx
	return g.opps, g.err
}

func (g *stubGenerator) AnswerBlock(context.Context, string, string, []string) (string, error) {
	return "", nil
}

func (g *stubGenerator) FAQSchema(context.Context, []string, string) (map[string]any, error) {
	return nil, nil
}

func (g *stubGenerator) Available() bool { return true }

func newPipelineStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Retention:        config.Duration(90 * 24 * time.Hour),
		MinConfidence:    0.8,
		MaxOpportunities: 5,
		EmbedMinChars:    100,
	}
}

func githubConfig() config.GitHubConfig {
	return config.GitHubConfig{BranchPrefix: "nebula-", MaxPRs: 3}
}

func longContent(prefix string) string {
	return prefix + ": " + strings.Repeat("growth copy that converts. ", 10)
}

func sitePage(url string) *crawler.Page {
	return &crawler.Page{
		URL:      url,
		Title:    "Home",
		Content:  longContent(url),
		HTML:     "<html></html>",
		LoadTime: 120 * time.Millisecond,
	}
}

func highOpportunity(confidence float64) rag.Opportunity {
	return rag.Opportunity{
		Title:        "Sharpen pricing headline",
		Description:  "Rewrite the pricing hero to lead with the discount.",
		Type:         domain.TypeCopyTweak,
		Priority:     domain.PriorityHigh,
		RevenueDelta: 1200,
		Confidence:   confidence,
		TargetURL:    "https://example.com/pricing",
		Reasoning:    "Competitors lead with price anchoring.",
		PatchData: &rag.PatchData{
			Type:       "content",
			FilePath:   "content/pricing.md",
			NewContent: "# Save 20% today",
		},
	}
}

type runnerFixture struct {
	store   *store.Store
	crawler *stubCrawler
	gen     *stubGenerator
	pub     *publisher.Fake
	runner  *Runner
}

func newRunnerFixture(t *testing.T, gen *stubGenerator) *runnerFixture {
	t.Helper()
	s := newPipelineStore(t)
	cr := &stubCrawler{
		pages: map[string][]*crawler.Page{},
		errs:  map[string]error{},
	}
	pub := &publisher.Fake{}
	vectors := vectorstore.NewMemoryStore(
		config.VectorStoreConfig{CollectionPrefix: "site"}, fixedEmbedder{})

	r, err := NewRunner(Options{
		Store:     s,
		Crawler:   cr,
		Embedder:  fixedEmbedder{},
		Vectors:   vectors,
		Generator: gen,
		Publisher: pub,
		Pipeline:  pipelineConfig(),
		Crawler2:  config.CrawlerConfig{MaxPages: 25, CompetitorMaxPages: 5},
		GitHub:    githubConfig(),
	})
	require.NoError(t, err)
	return &runnerFixture{store: s, crawler: cr, gen: gen, pub: pub, runner: r}
}

func seedAutoMergeSite(t *testing.T, s *store.Store) *domain.Site {
	t.Helper()
	site := &domain.Site{
		URL:         "https://example.com",
		Name:        "Example",
		IsActive:    true,
		AutoMerge:   true,
		GitHubOwner: "nebulagrowth",
		GitHubRepo:  "example-site",
	}
	require.NoError(t, s.Sites.Create(t.Context(), site))
	return site
}

func TestRunner_RunSite_HighConfidenceOpensOnePR(t *testing.T) {
	gen := &stubGenerator{opps: []rag.Opportunity{highOpportunity(0.85)}}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	// Crawl persisted with an embedding.
	crawl, err := f.store.Crawls.LatestForSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, site.URL, crawl.URL)
	assert.Len(t, crawl.Embeddings, 1)

	// Exactly one deployment, freshly created, gate not yet run.
	deps, err := f.store.Deployments.RecentForSite(ctx, site.ID, 10)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, domain.DeploymentPRCreated, deps[0].Status)
	assert.Equal(t, 1, deps[0].PRNumber)
	assert.Contains(t, deps[0].PRDescription, "Estimated revenue impact: $1200/month")
	assert.Contains(t, deps[0].PRDescription, "Confidence: 85%")
	assert.Contains(t, deps[0].PRDescription, "Reasoning:")

	opp, err := f.store.Opportunities.GetByID(ctx, deps[0].OpportunityID)
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityInProgress, opp.Status)

	require.Len(t, f.pub.Created, 1)
	created := f.pub.Created[0]
	assert.Equal(t, "nebulagrowth", created.Owner)
	assert.True(t, strings.HasPrefix(created.Branch, "nebula-"), created.Branch)
	assert.Equal(t, []publisher.FileChange{
		{Path: "content/pricing.md", Content: "# Save 20% today"},
	}, created.Files)
}

func TestRunner_RunSite_ConfidenceAtThresholdDoesNotShip(t *testing.T) {
	gen := &stubGenerator{opps: []rag.Opportunity{highOpportunity(0.8)}}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	assert.Empty(t, f.pub.Created)
	opps, err := f.store.Opportunities.PendingForSite(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.OpportunityPending, opps[0].Status)
}

func TestRunner_RunSite_GenerationFailureContained(t *testing.T) {
	gen := &stubGenerator{err: errors.New("API request failed: connection refused")}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)

	// A failed model call yields an empty cycle, not a failed site run.
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	opps, err := f.store.Opportunities.PendingForSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Empty(t, opps)
	assert.Empty(t, f.pub.Created)

	// The crawl itself still counts.
	crawl, err := f.store.Crawls.LatestForSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, site.URL, crawl.URL)
}

func TestRunner_RunSite_NoPatchDataSkipped(t *testing.T) {
	opp := highOpportunity(0.9)
	opp.PatchData = nil
	gen := &stubGenerator{opps: []rag.Opportunity{opp}}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	assert.Empty(t, f.pub.Created)
	deps, err := f.store.Deployments.RecentForSite(ctx, site.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestRunner_RunSite_CapsPullRequests(t *testing.T) {
	var opps []rag.Opportunity
	for i := 0; i < 5; i++ {
		o := highOpportunity(0.95)
		o.Title = o.Title + " " + strings.Repeat("x", i+1)
		opps = append(opps, o)
	}
	gen := &stubGenerator{opps: opps}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	assert.Len(t, f.pub.Created, 3)
	deps, err := f.store.Deployments.RecentForSite(ctx, site.ID, 10)
	require.NoError(t, err)
	assert.Len(t, deps, 3)
}

func TestRunner_RunSite_PRFailureContained(t *testing.T) {
	gen := &stubGenerator{opps: []rag.Opportunity{highOpportunity(0.9)}}
	f := newRunnerFixture(t, gen)
	f.pub.CreateErr = errors.New("github unavailable")
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	deps, err := f.store.Deployments.RecentForSite(ctx, site.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestRunner_RunSite_CompetitorFailureNonFatal(t *testing.T) {
	gen := &stubGenerator{}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	require.NoError(t, f.store.Sites.AddCompetitor(ctx, &domain.Competitor{
		SiteID: site.ID, URL: "https://rival.com", Name: "Rival", IsActive: true,
	}))
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}
	f.crawler.errs["https://rival.com"] = errors.New("blocked by robots")

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	assert.Contains(t, f.crawler.calls, "https://rival.com")
}

func TestRunner_RunSite_CompetitorContentInContext(t *testing.T) {
	gen := &stubGenerator{}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	require.NoError(t, f.store.Sites.AddCompetitor(ctx, &domain.Competitor{
		SiteID: site.ID, URL: "https://rival.com", Name: "Rival", IsActive: true,
	}))
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}
	f.crawler.pages["https://rival.com"] = []*crawler.Page{sitePage("https://rival.com")}

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.RunSite(ctx, loaded))

	require.NotNil(t, gen.got)
	assert.Equal(t, opportunityQuery, gen.got.Query)
	require.Len(t, gen.got.CompetitorData, 1)
	assert.Equal(t, "https://rival.com", gen.got.CompetitorData[0].URL)
	assert.GreaterOrEqual(t, gen.got.CompetitorData[0].Relevance, 0.0)
	assert.LessOrEqual(t, gen.got.CompetitorData[0].Relevance, 1.0)
}

func TestRunner_RunAll_ContainsSiteFailures(t *testing.T) {
	gen := &stubGenerator{}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	good := &domain.Site{URL: "https://good.com", IsActive: true}
	bad := &domain.Site{URL: "https://bad.com", IsActive: true}
	require.NoError(t, f.store.Sites.Create(ctx, good))
	require.NoError(t, f.store.Sites.Create(ctx, bad))

	f.crawler.pages[good.URL] = []*crawler.Page{sitePage(good.URL)}
	f.crawler.errs[bad.URL] = errors.New("dns failure")

	summary, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
}

func TestRunner_RunAll_PrunesOldCrawls(t *testing.T) {
	gen := &stubGenerator{}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := &domain.Site{URL: "https://example.com", IsActive: true}
	require.NoError(t, f.store.Sites.Create(ctx, site))
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	old := &domain.Crawl{
		SiteID:    &site.ID,
		URL:       site.URL,
		CrawledAt: time.Now().Add(-120 * 24 * time.Hour),
	}
	require.NoError(t, f.store.Crawls.Create(ctx, old))

	_, err := f.runner.RunAll(ctx)
	require.NoError(t, err)

	recent, err := f.store.Crawls.RecentContentForSite(ctx, site.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1) // the fresh crawl survives, the old one is gone
	assert.NotEqual(t, old.ID, recent[0].ID)
}

func TestRunner_RunSite_ConcurrentRunSkipped(t *testing.T) {
	gen := &stubGenerator{}
	f := newRunnerFixture(t, gen)
	ctx := t.Context()

	site := seedAutoMergeSite(t, f.store)
	f.crawler.pages[site.URL] = []*crawler.Page{sitePage(site.URL)}

	block := make(chan struct{})
	f.crawler.block = block

	loaded, err := f.store.Sites.GetByID(ctx, site.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.runner.RunSite(ctx, loaded) }()

	// Wait until the first run holds the site lock inside Crawl.
	require.Eventually(t, func() bool {
		f.crawler.mu.Lock()
		defer f.crawler.mu.Unlock()
		return len(f.crawler.calls) > 0
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, f.runner.RunSite(ctx, loaded), errSiteBusy)

	close(block)
	require.NoError(t, <-done)
}

func TestNewRunner_RequiresStoreAndCrawler(t *testing.T) {
	_, err := NewRunner(Options{Crawler: &stubCrawler{}})
	require.Error(t, err)

	_, err = NewRunner(Options{Store: newPipelineStore(t)})
	require.Error(t, err)
}
