package vcs

import (
	"context"
	"fmt"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GitHubVCS composes GitExecutor for every git-plumbing operation and adds
// createTaskPR through the GitHub REST API via google/go-github, rather than
// shelling out to the gh CLI, so the caller gets structured {number, url}
// back instead of having to scrape command output.
type GitHubVCS struct {
	*GitExecutor
	client *github.Client
}

// NewGitHubVCS builds a GitHubVCS authenticated with token.
func NewGitHubVCS(ctx context.Context, token string) *GitHubVCS {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return &GitHubVCS{
		GitExecutor: NewGitExecutor(),
		client:      github.NewClient(httpClient),
	}
}

// CreateTaskPR opens a pull request and returns its number and URL.
func (g *GitHubVCS) CreateTaskPR(ctx context.Context, req PRRequest) (*PRResult, error) {
	title := req.Title
	body := req.Body
	head := req.Head
	base := req.Base

	pr, _, err := g.client.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, fmt.Errorf("vcs: create pull request: %w", err)
	}

	return &PRResult{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}, nil
}
