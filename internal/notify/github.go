package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
)

// GitHubChannel opens an issue in a GitHub repository for each event.
type GitHubChannel struct {
	cfg    config.GitHubNotifyConfig
	client *github.Client
	err    error
}

// NewGitHub creates a GitHubChannel from cfg. Supports GitHub Enterprise
// via cfg.Host.
func NewGitHub(cfg config.GitHubNotifyConfig) *GitHubChannel {
	ch := &GitHubChannel{cfg: cfg}
	if !ch.IsConfigured() {
		return ch
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)
	if cfg.Host != "" {
		base := cfg.Host
		if !strings.HasPrefix(base, "http") {
			base = "https://" + base
		}
		client, ch.err = client.WithEnterpriseURLs(base, base)
	}
	ch.client = client
	return ch
}

func (g *GitHubChannel) Name() string { return "github" }
func (g *GitHubChannel) IsConfigured() bool {
	return g.cfg.Token != "" && strings.Contains(g.cfg.Repo, "/")
}

func (g *GitHubChannel) Send(ctx context.Context, evt Event) error {
	if g.err != nil {
		return fmt.Errorf("github channel misconfigured: %w", g.err)
	}
	owner, repo, ok := strings.Cut(g.cfg.Repo, "/")
	if !ok {
		return fmt.Errorf("github repo %q is not owner/name", g.cfg.Repo)
	}

	labels := g.cfg.Labels
	if len(labels) == 0 {
		labels = []string{"security"}
	}
	req := &github.IssueRequest{
		Title:  github.Ptr(evt.Title),
		Body:   github.Ptr(issueBody(evt)),
		Labels: &labels,
	}
	_, _, err := g.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return fmt.Errorf("creating github issue: %w", err)
	}
	return nil
}

func issueBody(evt Event) string {
	var b strings.Builder
	b.WriteString(evt.Body)
	b.WriteString("\n\n")
	if evt.Target != "" {
		fmt.Fprintf(&b, "**Target:** %s\n", evt.Target)
	}
	if evt.Severity != "" {
		fmt.Fprintf(&b, "**Severity:** %s\n", evt.Severity)
	}
	if evt.ScanID != "" {
		fmt.Fprintf(&b, "**Scan:** %s\n", evt.ScanID)
	}
	if evt.URL != "" {
		fmt.Fprintf(&b, "**Location:** %s\n", evt.URL)
	}
	return b.String()
}
