// Package publisher opens and rolls back GitHub pull requests carrying
// generated site patches.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput indicates a malformed pull request input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPathTraversal indicates a name containing a '..' sequence.
	ErrPathTraversal = errors.New("path traversal detected")
)

// FileChange is one file to create or replace on the patch branch.
type FileChange struct {
	Path    string
	Content string
}

// PullRequestInput describes one patch pull request.
type PullRequestInput struct {
	Owner       string
	Repo        string
	BaseBranch  string // defaults to the repository default branch
	Branch      string
	Title       string
	Description string
	Files       []FileChange
}

// PRResult identifies an opened pull request.
type PRResult struct {
	Number int
	URL    string
	Branch string
}

// Publisher opens patch pull requests and rolls them back.
type Publisher interface {
	CreatePullRequest(ctx context.Context, in PullRequestInput) (*PRResult, error)
	Rollback(ctx context.Context, owner, repo string, prNumber int) error
}

// Validate checks the input before any API call is made.
func (in *PullRequestInput) Validate() error {
	if in.Owner == "" || in.Repo == "" {
		return fmt.Errorf("%w: owner and repo are required", ErrInvalidInput)
	}
	if strings.Contains(in.Owner, "..") || strings.Contains(in.Repo, "..") {
		return fmt.Errorf("%w: owner or repo contains '..'", ErrPathTraversal)
	}
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(in.Files) == 0 {
		return fmt.Errorf("%w: at least one file change is required", ErrInvalidInput)
	}
	for _, f := range in.Files {
		if f.Path == "" {
			return fmt.Errorf("%w: file path is empty", ErrInvalidInput)
		}
		if strings.Contains(f.Path, "..") {
			return fmt.Errorf("%w: file path contains '..': %s", ErrPathTraversal, f.Path)
		}
		if strings.HasPrefix(f.Path, "/") {
			return fmt.Errorf("%w: file path must be relative: %s", ErrInvalidInput, f.Path)
		}
	}
	if err := validateBranchName(in.Branch); err != nil {
		return err
	}
	if in.BaseBranch != "" {
		if err := validateBranchName(in.BaseBranch); err != nil {
			return err
		}
	}
	return nil
}

// validateBranchName enforces git branch naming rules: no '..'
// sequences, no spaces, no leading/trailing or doubled slashes, and
// none of git's forbidden characters.
func validateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("%w: branch name is empty", ErrInvalidInput)
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("%w: branch name contains '..' sequence: %s", ErrPathTraversal, branch)
	}
	if strings.Contains(branch, " ") {
		return fmt.Errorf("%w: branch name contains spaces: %s", ErrInvalidInput, branch)
	}
	if strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("%w: branch name cannot start or end with '/': %s", ErrInvalidInput, branch)
	}
	if strings.Contains(branch, "//") {
		return fmt.Errorf("%w: branch name contains consecutive slashes: %s", ErrInvalidInput, branch)
	}
	forbidden := []string{"~", "^", ":", "?", "*", "[", "\\", "@{"}
	for _, seq := range forbidden {
		if strings.Contains(branch, seq) {
			return fmt.Errorf("%w: branch name contains forbidden sequence '%s': %s", ErrInvalidInput, seq, branch)
		}
	}
	return nil
}

// BranchName builds a deterministic patch branch name from the
// configured prefix, the opportunity ID and its title.
func BranchName(prefix, opportunityID, title string) string {
	slug := slugify(title)
	short := opportunityID
	if len(short) > 8 {
		short = short[:8]
	}
	if slug == "" {
		return prefix + short
	}
	return prefix + short + "-" + slug
}

const maxSlugLen = 40

func slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
