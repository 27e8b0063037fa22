// Package server provides the HTTP API: manual crawl triggers, the
// deploy-hook that gates fresh deployments, and site management.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/domain"
	"github.com/nebulagrowth/nebulad/internal/gate"
	"github.com/nebulagrowth/nebulad/internal/logging"
	"github.com/nebulagrowth/nebulad/internal/pipeline"
	"github.com/nebulagrowth/nebulad/internal/store"
)

// Server provides HTTP endpoints for nebulad.
type Server struct {
	echo   *echo.Echo
	store  *store.Store
	runner *pipeline.Runner
	gate   *gate.Gate
	logger *logging.Logger
	cfg    config.ServerConfig
}

// NewServer creates the HTTP server. The runner and gate may be nil in
// reduced deployments; their endpoints then return 503.
func NewServer(cfg config.ServerConfig, st *store.Store, runner *pipeline.Runner, g *gate.Gate, logger *logging.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		store:  st,
		runner: runner,
		gate:   g,
		logger: logger,
		cfg:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.POST("/crawl", s.handleCrawl)
	api.POST("/deploy-hook", s.handleDeployHook)
	api.POST("/sites", s.handleCreateSite)
	api.GET("/sites/:id/overview", s.handleSiteOverview)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CrawlRequest triggers the pipeline for one site, or all sites when
// siteId is empty.
type CrawlRequest struct {
	SiteID string `json:"siteId"`
}

// CrawlResponse reports the batch outcome.
type CrawlResponse struct {
	Success bool              `json:"success"`
	Summary *pipeline.Summary `json:"summary,omitempty"`
}

func (s *Server) handleCrawl(c echo.Context) error {
	if s.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline not configured")
	}

	var req CrawlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	if req.SiteID != "" {
		err := s.runner.RunSiteByID(ctx, req.SiteID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "site not found")
		case err != nil:
			s.logger.Error(ctx, "manual site run failed",
				zap.String("site_id", req.SiteID),
				zap.Error(err),
			)
			return echo.NewHTTPError(http.StatusInternalServerError, "site run failed")
		}
		return c.JSON(http.StatusOK, CrawlResponse{
			Success: true,
			Summary: &pipeline.Summary{Total: 1, Succeeded: 1},
		})
	}

	summary, err := s.runner.RunAll(ctx)
	if err != nil {
		s.logger.Error(ctx, "manual batch run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "batch run failed")
	}
	return c.JSON(http.StatusOK, CrawlResponse{Success: true, Summary: summary})
}

// DeployHookRequest is posted by the hosting provider after a deploy.
type DeployHookRequest struct {
	DeploymentID string `json:"deploymentId"`
	SiteURL      string `json:"siteUrl"`
	PRNumber     int    `json:"prNumber,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Repository   string `json:"repository,omitempty"`
}

// DeployHookResponse reports the gate verdict.
type DeployHookResponse struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message"`
	Performance *gatePerformance `json:"performance,omitempty"`
	Reasons     []string         `json:"reasons,omitempty"`
}

type gatePerformance struct {
	CurrentScore  float64        `json:"currentScore"`
	PreviousScore float64        `json:"previousScore"`
	Delta         float64        `json:"delta"`
	Lighthouse    gateLighthouse `json:"lighthouse"`
	Vitals        gateVitals     `json:"vitals"`
}

type gateLighthouse struct {
	Performance   float64 `json:"performance"`
	Accessibility float64 `json:"accessibility"`
	BestPractices float64 `json:"bestPractices"`
	SEO           float64 `json:"seo"`
}

type gateVitals struct {
	CLS float64 `json:"cls"`
	LCP float64 `json:"lcp"`
	FCP float64 `json:"fcp"`
}

func (s *Server) handleDeployHook(c echo.Context) error {
	if s.gate == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "gate not configured")
	}

	var req DeployHookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DeploymentID == "" || req.SiteURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "deploymentId and siteUrl are required")
	}
	ctx := c.Request().Context()

	var coords *gate.RollbackCoords
	if req.Owner != "" && req.Repository != "" && req.PRNumber > 0 {
		coords = &gate.RollbackCoords{
			Owner:    req.Owner,
			Repo:     req.Repository,
			PRNumber: req.PRNumber,
		}
	}

	outcome, err := s.gate.Run(ctx, req.DeploymentID, req.SiteURL, coords)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "deployment not found")
	case err != nil:
		s.logger.Error(ctx, "deploy hook failed",
			zap.String("deployment_id", req.DeploymentID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "performance audit failed")
	}

	perf := &gatePerformance{
		CurrentScore:  outcome.CurrentScore,
		PreviousScore: outcome.BaselineScore,
		Delta:         outcome.Delta,
	}
	if report := outcome.Report; report != nil {
		perf.Lighthouse = gateLighthouse{
			Performance:   report.Performance,
			Accessibility: report.Accessibility,
			BestPractices: report.BestPractices,
			SEO:           report.SEO,
		}
		perf.Vitals = gateVitals{CLS: report.CLS, LCP: report.LCP, FCP: report.FCP}
	}
	resp := DeployHookResponse{
		Success:     outcome.Passed,
		Reasons:     outcome.Reasons,
		Performance: perf,
	}
	if outcome.Passed {
		resp.Message = "Deployment verified"
	} else {
		resp.Message = "Deployment rolled back due to performance regression"
	}
	return c.JSON(http.StatusOK, resp)
}

// CreateSiteRequest registers a site with optional competitors.
type CreateSiteRequest struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	MaxPages    int    `json:"maxPages"`
	AutoMerge   bool   `json:"autoMerge"`
	GitHubOwner string `json:"githubOwner"`
	GitHubRepo  string `json:"githubRepo"`
	Competitors []struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"competitors"`
}

func (s *Server) handleCreateSite(c echo.Context) error {
	var req CreateSiteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	ctx := c.Request().Context()

	site := &domain.Site{
		URL:         req.URL,
		Name:        req.Name,
		MaxPages:    req.MaxPages,
		AutoMerge:   req.AutoMerge,
		GitHubOwner: req.GitHubOwner,
		GitHubRepo:  req.GitHubRepo,
		IsActive:    true,
	}
	if err := s.store.Sites.Create(ctx, site); err != nil {
		s.logger.Error(ctx, "site creation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "site creation failed")
	}
	for _, comp := range req.Competitors {
		if comp.URL == "" {
			continue
		}
		err := s.store.Sites.AddCompetitor(ctx, &domain.Competitor{
			SiteID:   site.ID,
			URL:      comp.URL,
			Name:     comp.Name,
			IsActive: true,
		})
		if err != nil {
			s.logger.Error(ctx, "competitor creation failed",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
			return echo.NewHTTPError(http.StatusInternalServerError, "competitor creation failed")
		}
	}

	created, err := s.store.Sites.GetByID(ctx, site.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "site lookup failed")
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleSiteOverview(c echo.Context) error {
	ctx := c.Request().Context()
	overview, err := s.store.Sites.GetOverview(ctx, c.Param("id"), 10)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	case err != nil:
		s.logger.Error(ctx, "overview lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "overview lookup failed")
	}
	return c.JSON(http.StatusOK, overview)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
