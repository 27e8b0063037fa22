package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/logging"
)

// Client fetches analytics insights for a property.
type Client interface {
	Insights(ctx context.Context, propertyID string, window Window) (*Insights, error)
	Anomalies(ctx context.Context, propertyID string, window Window) ([]Anomaly, error)
}

// HTTPClient talks to the GA4 Data API runReport endpoint.
type HTTPClient struct {
	baseURL    string
	apiSecret  string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient builds a GA4 Data API client.
func NewHTTPClient(cfg config.AnalyticsConfig, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		apiSecret:  cfg.APISecret.Value(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// runReportRequest is the GA4 Data API report request shape.
type runReportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []named     `json:"dimensions,omitempty"`
	Metrics    []named     `json:"metrics"`
	Limit      int64       `json:"limit,omitempty"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type named struct {
	Name string `json:"name"`
}

type runReportResponse struct {
	Rows []struct {
		DimensionValues []struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues []struct {
			Value string `json:"value"`
		} `json:"metricValues"`
	} `json:"rows"`
}

func (c *HTTPClient) runReport(ctx context.Context, propertyID string, req runReportRequest) (*runReportResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.baseURL, propertyID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiSecret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiSecret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analytics API error (%d): %s", resp.StatusCode, string(body))
	}

	var report runReportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Insights runs the traffic reports for the window and derives
// suggestions from them.
func (c *HTTPClient) Insights(ctx context.Context, propertyID string, window Window) (*Insights, error) {
	totals, err := c.runReport(ctx, propertyID, runReportRequest{
		DateRanges: []dateRange{{StartDate: formatDate(window.Start), EndDate: formatDate(window.End)}},
		Metrics: []named{
			{Name: "screenPageViews"},
			{Name: "sessions"},
			{Name: "bounceRate"},
			{Name: "conversions"},
			{Name: "totalRevenue"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching totals: %w", err)
	}

	pages, err := c.runReport(ctx, propertyID, runReportRequest{
		DateRanges: []dateRange{{StartDate: formatDate(window.Start), EndDate: formatDate(window.End)}},
		Dimensions: []named{{Name: "pagePath"}},
		Metrics:    []named{{Name: "screenPageViews"}, {Name: "bounceRate"}},
		Limit:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching top pages: %w", err)
	}

	in := &Insights{Window: window}

	if len(totals.Rows) > 0 && len(totals.Rows[0].MetricValues) >= 5 {
		mv := totals.Rows[0].MetricValues
		in.PageViews, _ = strconv.ParseInt(mv[0].Value, 10, 64)
		in.Sessions, _ = strconv.ParseInt(mv[1].Value, 10, 64)
		in.BounceRate, _ = strconv.ParseFloat(mv[2].Value, 64)
		in.Conversions.Count, _ = strconv.ParseInt(mv[3].Value, 10, 64)
		in.Conversions.Value, _ = strconv.ParseFloat(mv[4].Value, 64)
	}

	for _, row := range pages.Rows {
		if len(row.DimensionValues) < 1 || len(row.MetricValues) < 2 {
			continue
		}
		views, _ := strconv.ParseInt(row.MetricValues[0].Value, 10, 64)
		bounce, _ := strconv.ParseFloat(row.MetricValues[1].Value, 64)
		in.TopPages = append(in.TopPages, PageStat{
			Path:       row.DimensionValues[0].Value,
			Views:      views,
			BounceRate: bounce,
		})
	}

	anomalies, err := c.Anomalies(ctx, propertyID, window)
	if err != nil {
		// Anomaly detection is best-effort; insights remain usable.
		c.logger.Warn(ctx, "anomaly detection failed",
			zap.String("property_id", propertyID),
			zap.Error(err),
		)
	} else {
		in.Anomalies = anomalies
	}

	in.Suggestions = DeriveSuggestions(in)
	in.Summary = fmt.Sprintf("%d page views, %d sessions, %.0f%% bounce rate, %d conversions",
		in.PageViews, in.Sessions, in.BounceRate*100, in.Conversions.Count)

	return in, nil
}

// Anomalies compares the window against the preceding window of equal
// length and flags metrics that moved more than 20% (medium) or 50%
// (high).
func (c *HTTPClient) Anomalies(ctx context.Context, propertyID string, window Window) ([]Anomaly, error) {
	length := window.End.Sub(window.Start)
	previous := Window{Start: window.Start.Add(-length), End: window.Start}

	metrics := []string{"screenPageViews", "sessions", "conversions"}

	fetch := func(w Window) ([]float64, error) {
		report, err := c.runReport(ctx, propertyID, runReportRequest{
			DateRanges: []dateRange{{StartDate: formatDate(w.Start), EndDate: formatDate(w.End)}},
			Metrics:    []named{{Name: metrics[0]}, {Name: metrics[1]}, {Name: metrics[2]}},
		})
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(metrics))
		if len(report.Rows) > 0 {
			for i, mv := range report.Rows[0].MetricValues {
				if i >= len(values) {
					break
				}
				values[i], _ = strconv.ParseFloat(mv.Value, 64)
			}
		}
		return values, nil
	}

	current, err := fetch(window)
	if err != nil {
		return nil, err
	}
	baseline, err := fetch(previous)
	if err != nil {
		return nil, err
	}

	var anomalies []Anomaly
	for i, metric := range metrics {
		if baseline[i] == 0 {
			continue
		}
		change := (current[i] - baseline[i]) / baseline[i] * 100
		severity := SeverityLow
		switch {
		case change <= -50 || change >= 50:
			severity = SeverityHigh
		case change <= -20 || change >= 20:
			severity = SeverityMedium
		default:
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Metric:        metric,
			Current:       current[i],
			Previous:      baseline[i],
			PercentChange: change,
			Severity:      severity,
		})
	}
	return anomalies, nil
}

var _ Client = (*HTTPClient)(nil)
