// Package release defines the normalized release descriptor and the
// source interface over the hosting platforms' "latest release" queries.
package release

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a release hosting platform. The set is closed:
// sources are wired explicitly, never looked up by arbitrary strings.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "github", "gh":
		return PlatformGitHub, nil
	case "gitlab", "gl":
		return PlatformGitLab, nil
	default:
		return "", fmt.Errorf("unknown platform %q (expected github or gitlab)", s)
	}
}

// Repo is a platform + owner/name tuple identifying a trackable project.
// It is a comparable value type used as a map key throughout.
type Repo struct {
	Platform Platform `json:"platform"`
	Owner    string   `json:"owner"`
	Name     string   `json:"name"`
}

func (r Repo) Slug() string { return r.Owner + "/" + r.Name }

func (r Repo) String() string { return string(r.Platform) + ":" + r.Slug() }

// ParseRepo validates a platform string plus an "owner/name" slug.
// Canonicalizing arbitrary URLs into slugs is the caller's job.
func ParseRepo(platform, slug string) (Repo, error) {
	p, err := ParsePlatform(platform)
	if err != nil {
		return Repo{}, err
	}
	slug = strings.TrimSpace(strings.Trim(slug, "/"))
	owner, name, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("invalid repository %q (expected owner/name)", slug)
	}
	return Repo{Platform: p, Owner: owner, Name: name}, nil
}

// Asset describes one downloadable artifact attached to a release.
type Asset struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// Descriptor is the normalized result of one successful poll.
//
// ID is the dedup key: the platform's opaque release ID where one exists
// (GitHub), otherwise the tag name (GitLab). Tags can be force-moved or
// reused, so Tag is display-only and never compared.
type Descriptor struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url"`
	Assets      []Asset   `json:"assets,omitempty"`
}

// OutcomeKind classifies one poll attempt.
type OutcomeKind string

const (
	// KindFound carries a release descriptor.
	KindFound OutcomeKind = "found"
	// KindNoReleases is a 2xx response with no releases yet. A steady
	// state, re-polled at normal cadence.
	KindNoReleases OutcomeKind = "no_releases"
	// KindNotFound covers a deleted/renamed/inaccessible repository and
	// platforms that answer 404 when no release exists. Also a steady
	// state re-polled at normal cadence.
	KindNotFound OutcomeKind = "not_found"
	// KindAuthError means the credential used was rejected (401/403).
	KindAuthError OutcomeKind = "auth_error"
	// KindTransient covers timeouts, other non-2xx responses, and
	// malformed bodies. The next scheduled tick retries naturally.
	KindTransient OutcomeKind = "transient_error"
)

// Outcome is the full taxonomy of one poll. NotFound and NoReleases are
// states, not errors; Err is set only for the two error kinds.
type Outcome struct {
	Kind    OutcomeKind
	Release *Descriptor
	Err     error
}

func Found(d *Descriptor) Outcome  { return Outcome{Kind: KindFound, Release: d} }
func NoReleases() Outcome          { return Outcome{Kind: KindNoReleases} }
func NotFound() Outcome            { return Outcome{Kind: KindNotFound} }
func AuthError(err error) Outcome  { return Outcome{Kind: KindAuthError, Err: err} }
func Transient(err error) Outcome  { return Outcome{Kind: KindTransient, Err: err} }

// Source fetches the latest release of a repository: one bounded-time
// attempt, no internal retry, no side effects beyond the network call.
// token may be empty for anonymous access.
type Source interface {
	FetchLatest(ctx context.Context, repo Repo, token string) Outcome
}

// Registry is the closed set of platform sources.
type Registry struct {
	github Source
	gitlab Source
}

func NewRegistry(github, gitlab Source) *Registry {
	return &Registry{github: github, gitlab: gitlab}
}

func (r *Registry) For(p Platform) (Source, bool) {
	switch p {
	case PlatformGitHub:
		return r.github, r.github != nil
	case PlatformGitLab:
		return r.gitlab, r.gitlab != nil
	default:
		return nil, false
	}
}
