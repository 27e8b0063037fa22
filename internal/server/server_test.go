package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/crawler"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/gate"
	"github.com/nebulagrowth/nebulad/internal/pipeline"
	"github.com/nebulagrowth/nebulad/internal/store"
)

type stubCrawler struct {
	err error
}

func (s *stubCrawler) Crawl(_ context.Context, startURL string, _ int) ([]*crawler.Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*crawler.Page{{
		URL:      startURL,
		Title:    "Home",
		Content:  "hello",
		LoadTime: 50 * time.Millisecond,
	}}, nil
}

type stubAuditor struct {
	report *gate.AuditReport
	err    error
}

func (s *stubAuditor) Audit(_ context.Context, pageURL string) (*gate.AuditReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := *s.report
	r.URL = pageURL
	return &r, nil
}

func newServerStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func gateConfig() config.GateConfig {
	return config.GateConfig{
		MinPerformance: 0.8,
		MaxDrop:        0.05,
		MaxCLS:         0.1,
		CLSRatio:       1.5,
		MaxLCP:         2500,
		LCPRatio:       1.2,
	}
}

func newTestServer(t *testing.T, st *store.Store, auditor gate.Auditor) *Server {
	t.Helper()

	runner, err := pipeline.NewRunner(pipeline.Options{
		Store:    st,
		Crawler:  &stubCrawler{},
		Pipeline: config.PipelineConfig{MinConfidence: 0.8, MaxOpportunities: 5, EmbedMinChars: 100},
		Crawler2: config.CrawlerConfig{MaxPages: 5, CompetitorMaxPages: 2},
	})
	require.NoError(t, err)

	var g *gate.Gate
	if auditor != nil {
		g = gate.New(gateConfig(), auditor, st, nil, nil, nil)
	}

	srv, err := NewServer(config.ServerConfig{Port: 8090}, st, runner, g, nil)
	require.NoError(t, err)
	return srv
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, newServerStore(t), nil)
	rec := doJSON(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, newServerStore(t), nil)
	rec := doJSON(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Crawl_SingleSite(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, nil)

	site := &domain.Site{URL: "https://example.com", IsActive: true}
	require.NoError(t, st.Sites.Create(context.Background(), site))

	rec := doJSON(srv, http.MethodPost, "/api/crawl", `{"siteId":"`+site.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CrawlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Summary.Succeeded)

	crawl, err := st.Crawls.LatestForSite(context.Background(), site.ID)
	require.NoError(t, err)
	assert.Equal(t, site.URL, crawl.URL)
}

func TestServer_Crawl_UnknownSite(t *testing.T) {
	srv := newTestServer(t, newServerStore(t), nil)
	rec := doJSON(srv, http.MethodPost, "/api/crawl", `{"siteId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Crawl_AllSites(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, nil)

	require.NoError(t, st.Sites.Create(context.Background(),
		&domain.Site{URL: "https://a.com", IsActive: true}))
	require.NoError(t, st.Sites.Create(context.Background(),
		&domain.Site{URL: "https://b.com", IsActive: true}))

	rec := doJSON(srv, http.MethodPost, "/api/crawl", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CrawlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Summary.Total)
	assert.Equal(t, 2, resp.Summary.Succeeded)
}

func seedDeployment(t *testing.T, st *store.Store) (*domain.Site, *domain.Deployment) {
	t.Helper()
	ctx := context.Background()

	site := &domain.Site{URL: "https://example.com", IsActive: true}
	require.NoError(t, st.Sites.Create(ctx, site))

	opp := &domain.Opportunity{
		SiteID:   site.ID,
		Title:    "Sharpen pricing headline",
		Priority: domain.PriorityHigh,
	}
	require.NoError(t, st.Opportunities.Create(ctx, opp))

	dep := &domain.Deployment{OpportunityID: opp.ID, SiteID: site.ID, PRNumber: 3}
	require.NoError(t, st.Deployments.Create(ctx, dep))
	return site, dep
}

func TestServer_DeployHook_Pass(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, &stubAuditor{report: &gate.AuditReport{
		Performance: 0.9, Accessibility: 0.88, BestPractices: 0.95, SEO: 0.99,
		CLS: 0.05, LCP: 2000, FCP: 1500,
	}})
	site, dep := seedDeployment(t, st)

	body := `{"deploymentId":"` + dep.ID + `","siteUrl":"` + site.URL + `"}`
	rec := doJSON(srv, http.MethodPost, "/api/deploy-hook", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DeployHookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Deployment verified", resp.Message)
	require.NotNil(t, resp.Performance)
	assert.InDelta(t, 0.9, resp.Performance.CurrentScore, 1e-9)
	assert.InDelta(t, 0.5, resp.Performance.PreviousScore, 1e-9) // default baseline
	assert.InDelta(t, 0.88, resp.Performance.Lighthouse.Accessibility, 1e-9)
	assert.InDelta(t, 0.95, resp.Performance.Lighthouse.BestPractices, 1e-9)
	assert.InDelta(t, 0.05, resp.Performance.Vitals.CLS, 1e-9)
	assert.InDelta(t, 2000, resp.Performance.Vitals.LCP, 1e-9)
	assert.InDelta(t, 1500, resp.Performance.Vitals.FCP, 1e-9)

	got, err := st.Deployments.GetByID(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentDeployed, got.Status)
}

func TestServer_DeployHook_Regression(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, &stubAuditor{report: &gate.AuditReport{
		Performance: 0.5, CLS: 0.05, LCP: 2000,
	}})
	site, dep := seedDeployment(t, st)

	body := `{"deploymentId":"` + dep.ID + `","siteUrl":"` + site.URL + `"}`
	rec := doJSON(srv, http.MethodPost, "/api/deploy-hook", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeployHookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Deployment rolled back due to performance regression", resp.Message)
	assert.NotEmpty(t, resp.Reasons)

	got, err := st.Deployments.GetByID(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentRolledBack, got.Status)
}

func TestServer_DeployHook_Validation(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, &stubAuditor{report: &gate.AuditReport{Performance: 0.9}})

	rec := doJSON(srv, http.MethodPost, "/api/deploy-hook", `{"siteUrl":"https://example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/api/deploy-hook", `{"deploymentId":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/api/deploy-hook", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_DeployHook_UnknownDeployment(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, &stubAuditor{report: &gate.AuditReport{Performance: 0.9}})

	body := `{"deploymentId":"missing","siteUrl":"https://example.com"}`
	rec := doJSON(srv, http.MethodPost, "/api/deploy-hook", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeployHook_AuditFailure(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, &stubAuditor{err: errors.New("lighthouse down")})
	site, dep := seedDeployment(t, st)

	body := `{"deploymentId":"` + dep.ID + `","siteUrl":"` + site.URL + `"}`
	rec := doJSON(srv, http.MethodPost, "/api/deploy-hook", body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_CreateSiteAndOverview(t *testing.T) {
	st := newServerStore(t)
	srv := newTestServer(t, st, nil)

	rec := doJSON(srv, http.MethodPost, "/api/sites", `{
		"url": "https://example.com",
		"name": "Example",
		"autoMerge": true,
		"githubOwner": "nebulagrowth",
		"githubRepo": "example-site",
		"competitors": [{"url": "https://rival.com", "name": "Rival"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var site domain.Site
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &site))
	assert.NotEmpty(t, site.ID)
	assert.True(t, site.IsActive)
	require.Len(t, site.Competitors, 1)

	rec = doJSON(srv, http.MethodGet, "/api/sites/"+site.ID+"/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/api/sites", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/api/sites/missing/overview", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
