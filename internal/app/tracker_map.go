package app

import (
	"strings"
	"time"

	"relbot/internal/release"
	"relbot/internal/tracker"
)

// mapTrackerConfig validates and converts the JSON config into the tracker
// service config. It never touches the due set.
func mapTrackerConfig(cfg *Config) (tracker.Config, error) {
	var out tracker.Config
	if cfg == nil {
		return out, nil
	}
	tc := cfg.Tracker

	out.Enabled = tc.Enabled
	out.Workers = tc.Workers
	out.QueueSize = tc.QueueSize
	out.DefaultEveryHours = tc.DefaultEveryHours
	out.GitHubToken = strings.TrimSpace(tc.GitHubToken)
	out.GitLabToken = strings.TrimSpace(tc.GitLabToken)

	tick, err := parseDurationOrDefault("tracker.tick", tc.Tick, time.Minute)
	if err != nil {
		return out, err
	}
	spacing, err := parseDurationOrDefault("tracker.poll_spacing", tc.PollSpacing, 2*time.Second)
	if err != nil {
		return out, err
	}
	out.Tick = tick
	out.PollSpacing = spacing
	return out, nil
}

// newSources builds the release source registry. Base URLs and the request
// timeout are fixed for the process lifetime; the per-poll token is chosen
// by the tracker at fetch time.
func newSources(cfg *Config) (*release.Registry, error) {
	timeout, err := parseDurationOrDefault("tracker.request_timeout", cfg.Tracker.RequestTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	gh := release.NewGitHubSource(release.GitHubConfig{
		BaseURL: strings.TrimSpace(cfg.Tracker.GitHubBaseURL),
		Timeout: timeout,
	})
	gl := release.NewGitLabSource(release.GitLabConfig{
		BaseURL: strings.TrimSpace(cfg.Tracker.GitLabBaseURL),
		Timeout: timeout,
	})
	return release.NewRegistry(gh, gl), nil
}
