// Package gate audits freshly deployed pages and rolls back changes
// that regress performance.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nebulagrowth/nebulad/internal/config"
)

// AuditReport holds one page audit. Category scores are 0..1, CLS is
// unitless, LCP and FCP are milliseconds.
type AuditReport struct {
	URL           string
	Performance   float64
	Accessibility float64
	BestPractices float64
	SEO           float64
	CLS           float64
	LCP           float64
	FCP           float64
}

// Auditor runs a performance audit against a live URL.
type Auditor interface {
	Audit(ctx context.Context, pageURL string) (*AuditReport, error)
}

// PageSpeedAuditor audits via the PageSpeed Insights API, which runs
// Lighthouse server-side.
type PageSpeedAuditor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPageSpeedAuditor builds an auditor from gate configuration.
func NewPageSpeedAuditor(cfg config.GateConfig) *PageSpeedAuditor {
	timeout := time.Duration(cfg.AuditTimeout)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PageSpeedAuditor{
		baseURL:    cfg.PageSpeedURL,
		apiKey:     cfg.PageSpeedKey.Value(),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// pagespeedResponse mirrors the slice of the PSI response we consume.
type pagespeedResponse struct {
	LighthouseResult struct {
		Categories struct {
			Performance   struct{ Score float64 `json:"score"` } `json:"performance"`
			Accessibility struct{ Score float64 `json:"score"` } `json:"accessibility"`
			BestPractices struct{ Score float64 `json:"score"` } `json:"best-practices"`
			SEO           struct{ Score float64 `json:"score"` } `json:"seo"`
		} `json:"categories"`
		Audits struct {
			CLS struct{ NumericValue float64 `json:"numericValue"` } `json:"cumulative-layout-shift"`
			LCP struct{ NumericValue float64 `json:"numericValue"` } `json:"largest-contentful-paint"`
			FCP struct{ NumericValue float64 `json:"numericValue"` } `json:"first-contentful-paint"`
		} `json:"audits"`
	} `json:"lighthouseResult"`
}

// Audit fetches a Lighthouse report for pageURL.
func (a *PageSpeedAuditor) Audit(ctx context.Context, pageURL string) (*AuditReport, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("strategy", "desktop")
	for _, category := range []string{"performance", "accessibility", "best-practices", "seo"} {
		q.Add("category", category)
	}
	if a.apiKey != "" {
		q.Set("key", a.apiKey)
	}

	endpoint := a.baseURL + "/runPagespeed?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audit request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audit API error (%d): %s", resp.StatusCode, string(body))
	}

	var psi pagespeedResponse
	if err := json.Unmarshal(body, &psi); err != nil {
		return nil, fmt.Errorf("failed to parse audit response: %w", err)
	}

	lr := psi.LighthouseResult
	return &AuditReport{
		URL:           pageURL,
		Performance:   lr.Categories.Performance.Score,
		Accessibility: lr.Categories.Accessibility.Score,
		BestPractices: lr.Categories.BestPractices.Score,
		SEO:           lr.Categories.SEO.Score,
		CLS:           lr.Audits.CLS.NumericValue,
		LCP:           lr.Audits.LCP.NumericValue,
		FCP:           lr.Audits.FCP.NumericValue,
	}, nil
}

var _ Auditor = (*PageSpeedAuditor)(nil)
