package tracker

import (
	"time"

	"relbot/internal/credentials"
	"relbot/internal/eventbus"
	"relbot/internal/notify"
	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

// Config tunes the polling pipeline.
type Config struct {
	Enabled bool

	// Tick is the coarse scan period for the due set.
	Tick time.Duration
	// PollSpacing is the minimum pause between two outbound fetches,
	// shared across workers. Keeps bursts under host API rate limits.
	PollSpacing time.Duration
	Workers     int
	QueueSize   int

	// DefaultEveryHours applies when a subscription is added without an
	// explicit interval.
	DefaultEveryHours int

	// Shared fallback tokens used when no subscriber of a repository has
	// a usable credential.
	GitHubToken string
	GitLabToken string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.PollSpacing <= 0 {
		c.PollSpacing = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultEveryHours <= 0 {
		c.DefaultEveryHours = store.DefaultIntervalHours
	}
	return c
}

// Deps are the collaborators the tracker drives.
type Deps struct {
	Store       store.Store
	Sources     *release.Registry
	Credentials credentials.Provider
	Sink        notify.Sink
	Bus         eventbus.Bus
	Log         logx.Logger
}

// CheckResult summarizes one manual poll of a repository.
type CheckResult struct {
	Repo     release.Repo
	Outcome  release.OutcomeKind
	Release  *release.Descriptor
	Notified int
	Err      error
}

// Event payloads published on the bus. Kept flat and JSON-friendly.

type PollEvent struct {
	Repo     string `json:"repo"`
	Outcome  string `json:"outcome"`
	Notified int    `json:"notified,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ReleaseEvent struct {
	Repo      string `json:"repo"`
	ReleaseID string `json:"release_id"`
	Tag       string `json:"tag"`
	Notified  int    `json:"notified"`
}

type NoteEvent struct {
	Subscriber int64  `json:"subscriber"`
	Repo       string `json:"repo"`
	ReleaseID  string `json:"release_id"`
	Forced     bool   `json:"forced,omitempty"`
}

type AuthErrorEvent struct {
	Subscriber int64  `json:"subscriber"`
	Platform   string `json:"platform"`
	Repo       string `json:"repo"`
}

type SubscriptionEvent struct {
	Subscriber int64  `json:"subscriber"`
	Repo       string `json:"repo"`
	EveryHours int    `json:"every_hours,omitempty"`
}

// RepoStatus is one due-set entry as shown by /status.
type RepoStatus struct {
	Repo     release.Repo
	State    string
	Every    time.Duration
	LastPoll time.Time
	NextAt   time.Time
	Watchers int
}

// Status is an operational snapshot of the tracker.
type Status struct {
	Running bool
	Queued  int
	Repos   []RepoStatus
}
