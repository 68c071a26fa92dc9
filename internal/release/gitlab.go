package release

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	glab "gitlab.com/gitlab-org/api/client-go"
)

// Compile-time interface satisfaction check.
var _ Source = (*GitLabSource)(nil)

// GitLabConfig configures the GitLab source.
type GitLabConfig struct {
	// BaseURL overrides the API endpoint (tests, self-hosted GitLab).
	// Empty means gitlab.com.
	BaseURL string
	// Timeout bounds one FetchLatest call. Defaults to 10s.
	Timeout time.Duration
}

// GitLabSource answers "latest release" queries against the GitLab REST
// API. GitLab releases carry no opaque ID, so the tag name doubles as
// the dedup key for this platform.
type GitLabSource struct {
	cfg GitLabConfig

	mu      sync.Mutex
	clients map[string]*glab.Client // keyed by token; "" is anonymous
}

func NewGitLabSource(cfg GitLabConfig) *GitLabSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GitLabSource{cfg: cfg, clients: map[string]*glab.Client{}}
}

func (s *GitLabSource) client(token string) (*glab.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[token]; ok {
		return c, nil
	}

	var opts []glab.ClientOptionFunc
	if base := strings.TrimSpace(s.cfg.BaseURL); base != "" {
		opts = append(opts, glab.WithBaseURL(base))
	}
	c, err := glab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}

	s.clients[token] = c
	return c, nil
}

// FetchLatest lists the project's releases newest-first and takes the
// head. An empty list on a 2xx is the NoReleases steady state.
func (s *GitLabSource) FetchLatest(ctx context.Context, repo Repo, token string) Outcome {
	client, err := s.client(token)
	if err != nil {
		return Transient(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	opt := &glab.ListReleasesOptions{
		ListOptions: glab.ListOptions{PerPage: 1},
	}
	rels, resp, err := client.Releases.ListReleases(repo.Slug(), opt, glab.WithContext(ctx))
	if err != nil {
		return classifyGitLabError(resp, err)
	}
	if len(rels) == 0 {
		return NoReleases()
	}
	return Found(mapGitLabRelease(rels[0]))
}

func classifyGitLabError(resp *glab.Response, err error) Outcome {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return NotFound()
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthError(err)
		case http.StatusTooManyRequests:
			return Transient(err)
		}
	}
	if errors.Is(err, glab.ErrNotFound) {
		return NotFound()
	}
	return Transient(err)
}

func mapGitLabRelease(rel *glab.Release) *Descriptor {
	d := &Descriptor{
		ID:    rel.TagName, // no opaque release ID on GitLab
		Tag:   rel.TagName,
		Title: rel.Name,
		URL:   rel.Links.Self,
	}
	if d.Title == "" {
		d.Title = d.Tag
	}
	if rel.ReleasedAt != nil {
		d.PublishedAt = *rel.ReleasedAt
	} else if rel.CreatedAt != nil {
		d.PublishedAt = *rel.CreatedAt
	}

	for _, l := range rel.Assets.Links {
		if l == nil {
			continue
		}
		u := l.DirectAssetURL
		if u == "" {
			u = l.URL
		}
		d.Assets = append(d.Assets, Asset{Name: l.Name, URL: u})
	}
	for _, src := range rel.Assets.Sources {
		d.Assets = append(d.Assets, Asset{
			Name: "source." + src.Format,
			URL:  src.URL,
		})
	}
	return d
}
