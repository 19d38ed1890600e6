package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
)

// GitHub opens a pull request for the branch.
type GitHub struct {
	client   *github.Client
	owner    string
	repo     string
	pusher   Pusher
	notifier notify.Notifier
	logger   *logging.Logger
	retry    *RetryConfig
}

// NewGitHub authenticates with the configured token. A BaseURL selects
// a GitHub Enterprise (or test) endpoint.
func NewGitHub(ctx context.Context, cfg config.ReviewConfig, pusher Pusher, n notify.Notifier, logger *logging.Logger) (*GitHub, error) {
	if !cfg.Token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return &GitHub{
		client:   client,
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		pusher:   pusher,
		notifier: n,
		logger:   logger.Named("review"),
		retry:    DefaultRetryConfig(),
	}, nil
}

// WithRetry overrides the retry policy.
func (g *GitHub) WithRetry(cfg *RetryConfig) *GitHub {
	g.retry = cfg
	return g
}

// RequestReview pushes the branch and opens a pull request against the
// base branch. An existing open pull request for the branch is reused.
func (g *GitHub) RequestReview(ctx context.Context, r Request) (string, error) {
	if g.pusher != nil {
		if err := g.pusher.Push(ctx, r.Branch); err != nil {
			return "", err
		}
	}

	var pr *github.PullRequest
	resp, err := retryGitHubOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.String(r.Title()),
			Head:  github.String(r.Branch),
			Base:  github.String(r.Base),
			Body:  github.String(r.Body()),
		})
		return resp, err
	})
	if err != nil && statusCode(resp) == http.StatusUnprocessableEntity {
		pr, err = g.existing(ctx, r.Branch)
	}
	if err != nil {
		return "", fmt.Errorf("open pull request for %s: %w", r.Branch, err)
	}

	url := pr.GetHTMLURL()
	g.logger.Info(ctx, "pull request opened", zap.String("branch", r.Branch), zap.String("url", url))
	if g.notifier != nil {
		_ = g.notifier.Notify(ctx, notify.ChannelReview, fmt.Sprintf("review requested: %s %s", r.Title(), url))
	}
	return url, nil
}

func (g *GitHub) existing(ctx context.Context, branch string) (*github.PullRequest, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  g.owner + ":" + branch,
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("pull request for %s rejected and none open", branch)
	}
	return prs[0], nil
}
