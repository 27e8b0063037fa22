package analytics

import "fmt"

const (
	highBounceThreshold  = 0.60
	anomalyDropThreshold = -20.0 // percent
	lowConversionFloor   = 100
)

// DeriveSuggestions turns raw metrics into plain-language observations.
// Rules:
//   - a top page with bounce rate above 60%
//   - a high-severity anomaly dropping more than 20%
//   - fewer than 100 conversions in the window
func DeriveSuggestions(in *Insights) []string {
	suggestions := []string{}

	for _, p := range in.TopPages {
		if p.BounceRate > highBounceThreshold {
			suggestions = append(suggestions, fmt.Sprintf(
				"Page %s has a %.0f%% bounce rate across %d views; its content or load experience is losing visitors.",
				p.Path, p.BounceRate*100, p.Views))
		}
	}

	for _, a := range in.Anomalies {
		if a.Severity == SeverityHigh && a.PercentChange < anomalyDropThreshold {
			suggestions = append(suggestions, fmt.Sprintf(
				"Metric %s dropped %.1f%% (%.0f to %.0f); investigate recent changes affecting it.",
				a.Metric, -a.PercentChange, a.Previous, a.Current))
		}
	}

	if in.Conversions.Count < lowConversionFloor {
		suggestions = append(suggestions, fmt.Sprintf(
			"Only %d conversions in the window; conversion paths need stronger calls to action.",
			in.Conversions.Count))
	}

	return suggestions
}
