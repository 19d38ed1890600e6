// Package review hands committed work to a human when it is not merged
// automatically.
package review

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// Request describes the work to review.
type Request struct {
	Branch string
	Base   string
	Commit string
	Task   tasks.Task
}

// Title is the review title for r.
func (r Request) Title() string {
	return fmt.Sprintf("autopilot(%s): %s", r.Task.ID, r.Task.Description)
}

// Body is the review description for r.
func (r Request) Body() string {
	return fmt.Sprintf("Automated change for task `%s`.\n\n- kind: %s\n- goal: %s\n- commit: %s\n- risk: %v\n",
		r.Task.ID, r.Task.Kind, r.Task.OriginGoal, r.Commit, r.Task.RiskReasons)
}

// Reviewer requests a review and returns where it can be found.
type Reviewer interface {
	RequestReview(ctx context.Context, r Request) (string, error)
}

// Pusher publishes a branch so a remote reviewer can see it.
type Pusher interface {
	Push(ctx context.Context, branch string) error
}

// Notifying announces the branch on the review channel. The branch
// stays local; the returned location is the branch name.
type Notifying struct {
	Notifier notify.Notifier
}

func (n Notifying) RequestReview(ctx context.Context, r Request) (string, error) {
	if n.Notifier != nil {
		_ = n.Notifier.Notify(ctx, notify.ChannelReview,
			fmt.Sprintf("review requested: %s on branch %s (commit %s)", r.Title(), r.Branch, r.Commit))
	}
	return "branch:" + r.Branch, nil
}

// FromConfig builds the reviewer for cfg.Provider.
func FromConfig(ctx context.Context, cfg config.ReviewConfig, pusher Pusher, n notify.Notifier, logger *logging.Logger) (Reviewer, error) {
	switch cfg.Provider {
	case "", "none":
		return Notifying{Notifier: n}, nil
	case "github":
		return NewGitHub(ctx, cfg, pusher, n, logger)
	default:
		return nil, fmt.Errorf("unknown review provider %q", cfg.Provider)
	}
}
