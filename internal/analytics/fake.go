package analytics

import "context"

// FakeClient returns canned insights for tests.
type FakeClient struct {
	InsightsResult  *Insights
	AnomaliesResult []Anomaly
	Err             error
}

func (f *FakeClient) Insights(ctx context.Context, propertyID string, window Window) (*Insights, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.InsightsResult != nil {
		return f.InsightsResult, nil
	}
	in := &Insights{
		Summary:    "no data",
		Window:     window,
		PageViews:  1000,
		Sessions:   500,
		BounceRate: 0.3,
	}
	in.Suggestions = DeriveSuggestions(in)
	return in, nil
}

func (f *FakeClient) Anomalies(ctx context.Context, propertyID string, window Window) ([]Anomaly, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.AnomaliesResult, nil
}

var _ Client = (*FakeClient)(nil)
