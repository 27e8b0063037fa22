package publisher

import (
	"context"
	"fmt"
	"sync"
)

// Fake records pull requests in memory. Used by pipeline and server
// tests.
type Fake struct {
	mu         sync.Mutex
	nextNumber int

	Created    []PullRequestInput
	RolledBack []int
	CreateErr  error
}

func (f *Fake) CreatePullRequest(ctx context.Context, in PullRequestInput) (*PRResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextNumber++
	f.Created = append(f.Created, in)
	return &PRResult{
		Number: f.nextNumber,
		URL:    fmt.Sprintf("https://github.com/%s/%s/pull/%d", in.Owner, in.Repo, f.nextNumber),
		Branch: in.Branch,
	}, nil
}

func (f *Fake) Rollback(ctx context.Context, owner, repo string, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RolledBack = append(f.RolledBack, prNumber)
	return nil
}

var _ Publisher = (*Fake)(nil)
