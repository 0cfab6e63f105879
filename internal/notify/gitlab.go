package notify

import (
	"context"
	"fmt"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
)

// GitLabChannel opens an issue in a GitLab project for each event.
type GitLabChannel struct {
	cfg    config.GitLabNotifyConfig
	client *gitlab.Client
	err    error
}

// NewGitLab creates a GitLabChannel from cfg. Supports self-hosted GitLab
// via cfg.Host.
func NewGitLab(cfg config.GitLabNotifyConfig) *GitLabChannel {
	ch := &GitLabChannel{cfg: cfg}
	if !ch.IsConfigured() {
		return ch
	}

	opts := []gitlab.ClientOptionFunc{}
	if cfg.Host != "" {
		base := cfg.Host
		if !strings.HasPrefix(base, "http") {
			base = "https://" + base
		}
		opts = append(opts, gitlab.WithBaseURL(base))
	}
	ch.client, ch.err = gitlab.NewClient(cfg.Token, opts...)
	return ch
}

func (g *GitLabChannel) Name() string { return "gitlab" }
func (g *GitLabChannel) IsConfigured() bool {
	return g.cfg.Token != "" && g.cfg.ProjectID != ""
}

func (g *GitLabChannel) Send(ctx context.Context, evt Event) error {
	if g.err != nil {
		return fmt.Errorf("gitlab channel misconfigured: %w", g.err)
	}

	labels := gitlab.LabelOptions{"security"}
	if g.cfg.Labels != "" {
		labels = gitlab.LabelOptions{}
		for _, l := range strings.Split(g.cfg.Labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
	}
	opt := &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(evt.Title),
		Description: gitlab.Ptr(issueBody(evt)),
		Labels:      &labels,
	}
	_, _, err := g.client.Issues.CreateIssue(g.cfg.ProjectID, opt, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("creating gitlab issue: %w", err)
	}
	return nil
}
