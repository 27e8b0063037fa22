package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() PullRequestInput {
	return PullRequestInput{
		Owner:  "nebulagrowth",
		Repo:   "example-site",
		Branch: "nebula-abc12345-sharpen-pricing-headline",
		Title:  "Sharpen pricing headline",
		Files:  []FileChange{{Path: "app/pricing/page.tsx", Content: "export default ..."}},
	}
}

func TestPullRequestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PullRequestInput)
		wantErr error
	}{
		{name: "valid", mutate: func(in *PullRequestInput) {}},
		{
			name:    "missing owner",
			mutate:  func(in *PullRequestInput) { in.Owner = "" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "missing title",
			mutate:  func(in *PullRequestInput) { in.Title = "" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "no files",
			mutate:  func(in *PullRequestInput) { in.Files = nil },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "file path traversal",
			mutate:  func(in *PullRequestInput) { in.Files[0].Path = "../secrets.env" },
			wantErr: ErrPathTraversal,
		},
		{
			name:    "absolute file path",
			mutate:  func(in *PullRequestInput) { in.Files[0].Path = "/etc/passwd" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "empty branch",
			mutate:  func(in *PullRequestInput) { in.Branch = "" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "branch path traversal",
			mutate:  func(in *PullRequestInput) { in.Branch = "nebula-../main" },
			wantErr: ErrPathTraversal,
		},
		{
			name:    "branch with spaces",
			mutate:  func(in *PullRequestInput) { in.Branch = "nebula fix" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "branch trailing slash",
			mutate:  func(in *PullRequestInput) { in.Branch = "nebula-fix/" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "branch forbidden character",
			mutate:  func(in *PullRequestInput) { in.Branch = "nebula~fix" },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "base branch validated too",
			mutate:  func(in *PullRequestInput) { in.BaseBranch = "main//dev" },
			wantErr: ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		name          string
		prefix        string
		opportunityID string
		title         string
		want          string
	}{
		{
			name:          "standard",
			prefix:        "nebula-",
			opportunityID: "abc12345-6789-0000-1111-222233334444",
			title:         "Sharpen Pricing Headline!",
			want:          "nebula-abc12345-sharpen-pricing-headline",
		},
		{
			name:          "empty title",
			prefix:        "nebula-",
			opportunityID: "abc12345-6789",
			title:         "",
			want:          "nebula-abc12345",
		},
		{
			name:          "symbols collapse to single dashes",
			prefix:        "nebula-",
			opportunityID: "short",
			title:         "Fix -- the % thing",
			want:          "nebula-short-fix-the-thing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchName(tt.prefix, tt.opportunityID, tt.title)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, validateBranchName(got))
		})
	}
}

func TestBranchName_LongTitleTruncated(t *testing.T) {
	got := BranchName("nebula-", "abc12345", "this is an extremely long opportunity title that keeps going and going")
	assert.LessOrEqual(t, len(got), len("nebula-")+8+1+maxSlugLen+1)
	assert.NoError(t, validateBranchName(got))
}

func TestFake_CreateAndRollback(t *testing.T) {
	f := &Fake{}

	res, err := f.CreatePullRequest(t.Context(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Number)
	assert.Contains(t, res.URL, "/pull/1")

	res2, err := f.CreatePullRequest(t.Context(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Number)

	require.NoError(t, f.Rollback(t.Context(), "nebulagrowth", "example-site", 1))
	assert.Equal(t, []int{1}, f.RolledBack)
}

func TestFake_ValidatesInput(t *testing.T) {
	f := &Fake{}
	in := validInput()
	in.Branch = "bad branch"
	_, err := f.CreatePullRequest(t.Context(), in)
	require.Error(t, err)
	assert.Empty(t, f.Created)
}
