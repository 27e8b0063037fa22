// Package workflows provides Temporal workflow definitions for the
// nightly optimization batch.
package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/nebulagrowth/nebulad/internal/pipeline"
)

// NightlyInput selects what the batch covers. An empty SiteID means
// every active site.
type NightlyInput struct {
	SiteID string
}

// NightlyResult mirrors the pipeline summary.
type NightlyResult struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// NightlyWorkflowID derives the deterministic workflow ID for a batch
// day. Temporal's ID uniqueness turns a double trigger into a no-op.
func NightlyWorkflowID(day time.Time) string {
	return "nebula-nightly-" + day.Format("2006-01-02")
}

// NightlyWorkflow runs the whole batch as a single long activity. The
// pipeline contains per-site failures itself, and a retried batch
// could open duplicate pull requests, so the activity is not retried.
func NightlyWorkflow(ctx workflow.Context, input NightlyInput) (*NightlyResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting nightly pipeline", "site_id", input.SiteID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result NightlyResult
	if err := workflow.ExecuteActivity(ctx, a.RunNightly, input).Get(ctx, &result); err != nil {
		return nil, err
	}

	logger.Info("Nightly pipeline finished",
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped)
	return &result, nil
}

// Activities holds the worker-side dependencies.
type Activities struct {
	Runner *pipeline.Runner
}

// RunNightly executes the batch, or a single site when requested.
func (a *Activities) RunNightly(ctx context.Context, input NightlyInput) (*NightlyResult, error) {
	if input.SiteID != "" {
		if err := a.Runner.RunSiteByID(ctx, input.SiteID); err != nil {
			return nil, fmt.Errorf("site %s: %w", input.SiteID, err)
		}
		return &NightlyResult{Total: 1, Succeeded: 1}, nil
	}

	summary, err := a.Runner.RunAll(ctx)
	if err != nil {
		return nil, err
	}
	return &NightlyResult{
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
	}, nil
}

// Register wires the workflow and activities into a worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflow(NightlyWorkflow)
	w.RegisterActivity(a.RunNightly)
}
