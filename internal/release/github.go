package release

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
)

// Compile-time interface satisfaction check.
var _ Source = (*GitHubSource)(nil)

// GitHubConfig configures the GitHub source.
type GitHubConfig struct {
	// BaseURL overrides the API endpoint (tests, GitHub Enterprise).
	// Empty means api.github.com.
	BaseURL string
	// Timeout bounds one FetchLatest call. Defaults to 10s.
	Timeout time.Duration
}

// GitHubSource answers "latest release" queries against the GitHub REST
// API. Clients are built per token with the transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware)
//  3. go-github (REST client, PAT auth)
//
// and cached, so repeated polls on behalf of the same credential reuse
// the conditional-request cache.
type GitHubSource struct {
	cfg GitHubConfig

	mu      sync.Mutex
	clients map[string]*gh.Client // keyed by token; "" is anonymous
}

func NewGitHubSource(cfg GitHubConfig) *GitHubSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GitHubSource{cfg: cfg, clients: map[string]*gh.Client{}}
}

func (s *GitHubSource) client(token string) (*gh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[token]; ok {
		return c, nil
	}

	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	if base := strings.TrimSpace(s.cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		client.BaseURL = u
	}

	s.clients[token] = client
	return client, nil
}

// FetchLatest asks for the repository's latest published release
// (GitHub resolves drafts and prereleases server-side). GitHub answers
// 404 both for a missing repository and for one without releases, so
// this source never produces NoReleases.
func (s *GitHubSource) FetchLatest(ctx context.Context, repo Repo, token string) Outcome {
	client, err := s.client(token)
	if err != nil {
		return Transient(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rel, _, err := client.Repositories.GetLatestRelease(ctx, repo.Owner, repo.Name)
	if err != nil {
		return classifyGitHubError(err)
	}
	if rel == nil {
		return Transient(errors.New("github: empty release response"))
	}
	return Found(mapGitHubRelease(rel))
}

func classifyGitHubError(err error) Outcome {
	// Rate limit responses arrive as 403s; classify them before the
	// generic status switch so they retry instead of reading as auth.
	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		return Transient(err)
	}
	var arle *gh.AbuseRateLimitError
	if errors.As(err, &arle) {
		return Transient(err)
	}

	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusNotFound:
			return NotFound()
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthError(err)
		}
	}
	return Transient(err)
}

func mapGitHubRelease(rel *gh.RepositoryRelease) *Descriptor {
	d := &Descriptor{
		ID:          strconv.FormatInt(rel.GetID(), 10),
		Tag:         rel.GetTagName(),
		Title:       rel.GetName(),
		URL:         rel.GetHTMLURL(),
		PublishedAt: rel.GetPublishedAt().Time,
	}
	if d.Title == "" {
		d.Title = d.Tag
	}
	for _, a := range rel.Assets {
		if a == nil {
			continue
		}
		d.Assets = append(d.Assets, Asset{
			Name: a.GetName(),
			Size: int64(a.GetSize()),
			URL:  a.GetBrowserDownloadURL(),
		})
	}
	return d
}
