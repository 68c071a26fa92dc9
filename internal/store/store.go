package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relbot/internal/release"
	logx "relbot/pkg/logx"
)

var (
	// ErrNotFound reports that no subscription (or credential) matches
	// the given key.
	ErrNotFound = errors.New("not found")
	// ErrExists reports that the subscriber already tracks the repository.
	ErrExists = errors.New("subscription already exists")
)

// DefaultIntervalHours applies when a subscription is added without an
// explicit polling interval.
const DefaultIntervalHours = 24

// Subscription binds one subscriber to one tracked repository.
//
// LastReleaseID is the dedup marker: nil means the repository has never
// been observed for this subscriber, so the first successful poll records
// the marker without announcing anything.
type Subscription struct {
	Subscriber    int64        `json:"subscriber"`
	Repo          release.Repo `json:"repository"`
	EveryHours    int          `json:"every_hours"`
	LastReleaseID *string      `json:"last_release_id"`
}

func (s Subscription) Key() SubKey {
	return SubKey{Subscriber: s.Subscriber, Repo: s.Repo}
}

func (s Subscription) validate() error {
	if s.Subscriber == 0 {
		return errors.New("subscriber id is required")
	}
	if _, err := release.ParsePlatform(string(s.Repo.Platform)); err != nil {
		return err
	}
	if s.Repo.Owner == "" || s.Repo.Name == "" {
		return fmt.Errorf("incomplete repository %q", s.Repo.String())
	}
	if s.EveryHours <= 0 {
		return fmt.Errorf("interval must be a positive number of hours, got %d", s.EveryHours)
	}
	return nil
}

// SubKey identifies a subscription. Comparable, used as a map key.
type SubKey struct {
	Subscriber int64
	Repo       release.Repo
}

// Notification statuses. A record starts pending and is finalized after
// exactly one delivery attempt.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusDropped = "dropped"
	StatusFailed  = "failed"
)

// Notification is an outbox record: it is written in the same transaction
// as the marker update, so a crash between commit and delivery leaves a
// pending record to retry at startup instead of a silently lost update.
type Notification struct {
	ID         int64              `json:"id"`
	Subscriber int64              `json:"subscriber"`
	Repo       release.Repo       `json:"repository"`
	Release    release.Descriptor `json:"release"`
	Forced     bool               `json:"forced,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	Status     string             `json:"status"`
}

// Snapshot is the wire format of a whole-store export. Importing one
// replaces every subscription; credentials and the outbox are not part
// of the document.
type Snapshot struct {
	Version       int            `json:"version"`
	ExportedAt    time.Time      `json:"exported_at"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// SnapshotVersion is the current export format version.
const SnapshotVersion = 1

// Store is the persistence API for subscriptions, per-subscriber
// credentials and the notification outbox.
//
// Mutations are durable once the call returns. CommitNotification is the
// only compound write: marker update plus outbox append in one
// transaction.
type Store interface {
	AddSubscription(ctx context.Context, sub Subscription) error
	RemoveSubscription(ctx context.Context, subscriber int64, repo release.Repo) error
	SetInterval(ctx context.Context, subscriber int64, repo release.Repo, hours int) error
	SetMarker(ctx context.Context, subscriber int64, repo release.Repo, id *string) error

	Subscription(ctx context.Context, subscriber int64, repo release.Repo) (Subscription, error)
	ListBySubscriber(ctx context.Context, subscriber int64) ([]Subscription, error)
	ListByRepository(ctx context.Context, repo release.Repo) ([]Subscription, error)
	Subscriptions(ctx context.Context) ([]Subscription, error)

	CommitNotification(ctx context.Context, subscriber int64, repo release.Repo, rel release.Descriptor, forced bool) (Notification, error)
	MarkNotified(ctx context.Context, id int64, status string) error
	PendingNotifications(ctx context.Context) ([]Notification, error)

	SetCredential(ctx context.Context, subscriber int64, platform release.Platform, token string) error
	DeleteCredential(ctx context.Context, subscriber int64, platform release.Platform) error
	Credential(ctx context.Context, subscriber int64, platform release.Platform) (string, bool, error)

	Export(ctx context.Context) (*Snapshot, error)
	Import(ctx context.Context, snap *Snapshot) error

	Close() error
}

// Config configures the store backend.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}

func validateSnapshot(snap *Snapshot) error {
	if snap == nil {
		return errors.New("empty snapshot")
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	seen := make(map[SubKey]struct{}, len(snap.Subscriptions))
	for i, sub := range snap.Subscriptions {
		if err := sub.validate(); err != nil {
			return fmt.Errorf("subscription %d: %w", i, err)
		}
		if _, dup := seen[sub.Key()]; dup {
			return fmt.Errorf("subscription %d: duplicate entry for %d %s", i, sub.Subscriber, sub.Repo)
		}
		seen[sub.Key()] = struct{}{}
	}
	return nil
}
