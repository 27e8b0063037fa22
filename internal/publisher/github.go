package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/logging"
)

// GitHubPublisher opens pull requests via the GitHub REST API.
type GitHubPublisher struct {
	client *github.Client
	logger *logging.Logger
}

// NewGitHubPublisher creates a publisher authenticated with a token.
func NewGitHubPublisher(ctx context.Context, token config.Secret, logger *logging.Logger) (*GitHubPublisher, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHubPublisher{client: github.NewClient(tc), logger: logger}, nil
}

// NewWithClient wraps an existing GitHub client. Used by tests.
func NewWithClient(client *github.Client, logger *logging.Logger) *GitHubPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitHubPublisher{client: client, logger: logger}
}

// CreatePullRequest creates a branch off the base, commits the file
// changes onto it and opens a pull request.
func (p *GitHubPublisher) CreatePullRequest(ctx context.Context, in PullRequestInput) (*PRResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	base := in.BaseBranch
	if base == "" {
		repo, _, err := p.client.Repositories.Get(ctx, in.Owner, in.Repo)
		if err != nil {
			return nil, fmt.Errorf("getting repository: %w", err)
		}
		base = repo.GetDefaultBranch()
	}

	baseRef, _, err := p.client.Git.GetRef(ctx, in.Owner, in.Repo, "refs/heads/"+base)
	if err != nil {
		return nil, fmt.Errorf("getting base ref %s: %w", base, err)
	}

	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + in.Branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, _, err := p.client.Git.CreateRef(ctx, in.Owner, in.Repo, newRef); err != nil {
		return nil, fmt.Errorf("creating branch %s: %w", in.Branch, err)
	}

	for _, file := range in.Files {
		if err := p.putFile(ctx, in.Owner, in.Repo, in.Branch, file); err != nil {
			return nil, fmt.Errorf("committing %s: %w", file.Path, err)
		}
	}

	pr, _, err := p.client.PullRequests.Create(ctx, in.Owner, in.Repo, &github.NewPullRequest{
		Title: github.String(in.Title),
		Body:  github.String(in.Description),
		Head:  github.String(in.Branch),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("opening pull request: %w", err)
	}

	p.logger.Info(ctx, "pull request opened",
		zap.String("repo", in.Owner+"/"+in.Repo),
		zap.Int("pr_number", pr.GetNumber()),
		zap.String("branch", in.Branch),
	)

	return &PRResult{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: in.Branch,
	}, nil
}

// putFile creates the file on the branch, or updates it when it
// already exists on the base.
func (p *GitHubPublisher) putFile(ctx context.Context, owner, repo, branch string, file FileChange) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Update %s", file.Path)),
		Content: []byte(file.Content),
		Branch:  github.String(branch),
	}

	existing, _, resp, err := p.client.Repositories.GetContents(ctx, owner, repo, file.Path,
		&github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		_, _, err = p.client.Repositories.UpdateFile(ctx, owner, repo, file.Path, opts)
	case resp != nil && resp.StatusCode == 404:
		opts.Message = github.String(fmt.Sprintf("Create %s", file.Path))
		_, _, err = p.client.Repositories.CreateFile(ctx, owner, repo, file.Path, opts)
	default:
		return fmt.Errorf("checking existing content: %w", err)
	}
	return err
}

// Rollback undoes a pull request. Open PRs are closed and their branch
// deleted. Merged PRs get a revert branch restoring each changed file
// to its pre-merge content, opened as a new pull request.
func (p *GitHubPublisher) Rollback(ctx context.Context, owner, repo string, prNumber int) error {
	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return fmt.Errorf("getting pull request #%d: %w", prNumber, err)
	}

	if !pr.GetMerged() {
		if pr.GetState() == "open" {
			pr.State = github.String("closed")
			if _, _, err := p.client.PullRequests.Edit(ctx, owner, repo, prNumber, pr); err != nil {
				return fmt.Errorf("closing pull request #%d: %w", prNumber, err)
			}
		}
		branch := pr.GetHead().GetRef()
		if branch != "" {
			// Branch may already be gone; deletion failure is not fatal.
			if _, err := p.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+branch); err != nil {
				p.logger.Warn(ctx, "failed to delete patch branch",
					zap.String("branch", branch),
					zap.Error(err),
				)
			}
		}
		p.logger.Info(ctx, "closed unmerged pull request",
			zap.String("repo", owner+"/"+repo),
			zap.Int("pr_number", prNumber),
		)
		return nil
	}

	return p.revertMerged(ctx, owner, repo, pr)
}

// revertMerged restores every file the merged PR touched to its state
// before the merge commit and opens a revert PR.
func (p *GitHubPublisher) revertMerged(ctx context.Context, owner, repo string, pr *github.PullRequest) error {
	mergeSHA := pr.GetMergeCommitSHA()
	if mergeSHA == "" {
		return fmt.Errorf("pull request #%d has no merge commit", pr.GetNumber())
	}

	mergeCommit, _, err := p.client.Repositories.GetCommit(ctx, owner, repo, mergeSHA, nil)
	if err != nil {
		return fmt.Errorf("getting merge commit: %w", err)
	}
	if len(mergeCommit.Parents) == 0 {
		return fmt.Errorf("merge commit %s has no parent", mergeSHA)
	}
	beforeSHA := mergeCommit.Parents[0].GetSHA()

	base := pr.GetBase().GetRef()
	baseRef, _, err := p.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
	if err != nil {
		return fmt.Errorf("getting base ref %s: %w", base, err)
	}

	revertBranch := fmt.Sprintf("revert-%d-%d", pr.GetNumber(), time.Now().Unix())
	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + revertBranch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, _, err := p.client.Git.CreateRef(ctx, owner, repo, newRef); err != nil {
		return fmt.Errorf("creating revert branch: %w", err)
	}

	files, _, err := p.client.PullRequests.ListFiles(ctx, owner, repo, pr.GetNumber(),
		&github.ListOptions{PerPage: 100})
	if err != nil {
		return fmt.Errorf("listing pull request files: %w", err)
	}

	for _, f := range files {
		before, _, _, err := p.client.Repositories.GetContents(ctx, owner, repo, f.GetFilename(),
			&github.RepositoryContentGetOptions{Ref: beforeSHA})
		if err != nil || before == nil {
			// File did not exist before the merge; skip restoring it.
			continue
		}
		content, err := before.GetContent()
		if err != nil {
			return fmt.Errorf("decoding pre-merge content of %s: %w", f.GetFilename(), err)
		}
		if err := p.putFile(ctx, owner, repo, revertBranch, FileChange{
			Path:    f.GetFilename(),
			Content: content,
		}); err != nil {
			return fmt.Errorf("restoring %s: %w", f.GetFilename(), err)
		}
	}

	revertPR, _, err := p.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("Revert \"%s\"", pr.GetTitle())),
		Body:  github.String(fmt.Sprintf("Reverts #%d after a failed performance check.", pr.GetNumber())),
		Head:  github.String(revertBranch),
		Base:  github.String(base),
	})
	if err != nil {
		return fmt.Errorf("opening revert pull request: %w", err)
	}

	p.logger.Info(ctx, "opened revert pull request",
		zap.String("repo", owner+"/"+repo),
		zap.Int("reverted_pr", pr.GetNumber()),
		zap.Int("revert_pr", revertPR.GetNumber()),
	)
	return nil
}

var _ Publisher = (*GitHubPublisher)(nil)
