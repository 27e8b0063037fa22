// Package analytics reads traffic metrics from the GA4 Data API and
// derives plain-language suggestions the opportunity generator can use.
package analytics

import "time"

// Severity grades how unusual an anomaly is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Window is the reporting date range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Anomaly is one metric moving outside its expected range.
type Anomaly struct {
	Metric        string   `json:"metric"`
	Current       float64  `json:"current"`
	Previous      float64  `json:"previous"`
	PercentChange float64  `json:"percentChange"`
	Severity      Severity `json:"severity"`
}

// PageStat is traffic for one page in the window.
type PageStat struct {
	Path       string  `json:"path"`
	Views      int64   `json:"views"`
	BounceRate float64 `json:"bounceRate"` // 0..1
}

// Conversions aggregates conversion events in the window.
type Conversions struct {
	Count int64   `json:"count"`
	Value float64 `json:"value"`
}

// Insights is the full analytics bundle for one site and window.
type Insights struct {
	Summary     string      `json:"summary"`
	Window      Window      `json:"window"`
	PageViews   int64       `json:"pageViews"`
	Sessions    int64       `json:"sessions"`
	BounceRate  float64     `json:"bounceRate"`
	TopPages    []PageStat  `json:"topPages"`
	Anomalies   []Anomaly   `json:"anomalies"`
	Conversions Conversions `json:"conversions"`
	Suggestions []string    `json:"suggestions"`
}
