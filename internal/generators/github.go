package generators

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/roundhouse/internal/heartbeat"
	"github.com/zulandar/roundhouse/internal/models"
	"golang.org/x/oauth2"
)

// maxPulls caps how many pull requests one summary lists.
const maxPulls = 10

// PullLister lists open pull requests of a repository.
type PullLister interface {
	ListOpen(ctx context.Context, owner, repo string, limit int) ([]*github.PullRequest, error)
}

// PullsClient lists pull requests through the GitHub REST API.
type PullsClient struct {
	client *github.Client
}

// NewPullsClient creates a GitHub client. An empty token makes
// unauthenticated requests, which GitHub rate-limits heavily.
func NewPullsClient(ctx context.Context, token string) *PullsClient {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &PullsClient{client: github.NewClient(httpClient)}
}

// ListOpen implements PullLister.
func (g *PullsClient) ListOpen(ctx context.Context, owner, repo string, limit int) ([]*github.PullRequest, error) {
	pulls, _, err := g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("generators: list pulls of %s/%s: %w", owner, repo, err)
	}
	return pulls, nil
}

// PullsSummary returns a generator that summarises the open pull requests
// of the heartbeat's metadata "repo" ("owner/name"). No open pull requests
// means no message.
func PullsSummary(pulls PullLister) heartbeat.Generator {
	return func(ctx context.Context, hb *models.Heartbeat) (string, error) {
		full, _ := hb.Metadata["repo"].(string)
		owner, repo, ok := strings.Cut(full, "/")
		if !ok || owner == "" || repo == "" {
			return "", fmt.Errorf("generators: heartbeat %s: metadata repo %q must be owner/name", hb.ID, full)
		}
		list, err := pulls.ListOpen(ctx, owner, repo, maxPulls)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "", nil
		}

		var b strings.Builder
		noun := "pull requests"
		if len(list) == 1 {
			noun = "pull request"
		}
		fmt.Fprintf(&b, "%d open %s in %s:", len(list), noun, full)
		for _, pr := range list {
			fmt.Fprintf(&b, "\n• #%d %s", pr.GetNumber(), pr.GetTitle())
			if login := pr.GetUser().GetLogin(); login != "" {
				fmt.Fprintf(&b, " (@%s)", login)
			}
			if pr.GetDraft() {
				b.WriteString(" [draft]")
			}
		}
		return b.String(), nil
	}
}
