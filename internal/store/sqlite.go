//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relbot/internal/release"
	logx "relbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddSubscription(ctx context.Context, sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(subscriber, platform, owner, name, every_hours, last_release_id)
		 VALUES(?,?,?,?,?,?)`,
		sub.Subscriber, string(sub.Repo.Platform), sub.Repo.Owner, sub.Repo.Name,
		sub.EveryHours, nullableStr(sub.LastReleaseID),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, subscriber int64, repo release.Repo) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscriber=? AND platform=? AND owner=? AND name=?`,
		subscriber, string(repo.Platform), repo.Owner, repo.Name,
	)
	return oneRowOrNotFound(res, err)
}

func (s *sqliteStore) SetInterval(ctx context.Context, subscriber int64, repo release.Repo, hours int) error {
	if hours <= 0 {
		return errors.New("interval must be a positive number of hours")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET every_hours=? WHERE subscriber=? AND platform=? AND owner=? AND name=?`,
		hours, subscriber, string(repo.Platform), repo.Owner, repo.Name,
	)
	return oneRowOrNotFound(res, err)
}

func (s *sqliteStore) SetMarker(ctx context.Context, subscriber int64, repo release.Repo, id *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_release_id=? WHERE subscriber=? AND platform=? AND owner=? AND name=?`,
		nullableStr(id), subscriber, string(repo.Platform), repo.Owner, repo.Name,
	)
	return oneRowOrNotFound(res, err)
}

const subColumns = `subscriber, platform, owner, name, every_hours, last_release_id`

func (s *sqliteStore) Subscription(ctx context.Context, subscriber int64, repo release.Repo) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE subscriber=? AND platform=? AND owner=? AND name=?`,
		subscriber, string(repo.Platform), repo.Owner, repo.Name,
	)
	sub, err := scanSub(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) ListBySubscriber(ctx context.Context, subscriber int64) ([]Subscription, error) {
	return s.querySubs(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE subscriber=? ORDER BY platform, owner, name`,
		subscriber,
	)
}

func (s *sqliteStore) ListByRepository(ctx context.Context, repo release.Repo) ([]Subscription, error) {
	return s.querySubs(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE platform=? AND owner=? AND name=? ORDER BY subscriber`,
		string(repo.Platform), repo.Owner, repo.Name,
	)
}

func (s *sqliteStore) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubs(ctx,
		`SELECT `+subColumns+` FROM subscriptions ORDER BY subscriber, platform, owner, name`,
	)
}

func (s *sqliteStore) querySubs(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSub(row rowScanner) (Subscription, error) {
	var (
		sub      Subscription
		platform string
		marker   sql.NullString
	)
	err := row.Scan(&sub.Subscriber, &platform, &sub.Repo.Owner, &sub.Repo.Name, &sub.EveryHours, &marker)
	if err != nil {
		return Subscription{}, err
	}
	sub.Repo.Platform = release.Platform(platform)
	if marker.Valid {
		sub.LastReleaseID = &marker.String
	}
	return sub, nil
}

func (s *sqliteStore) CommitNotification(ctx context.Context, subscriber int64, repo release.Repo, rel release.Descriptor, forced bool) (Notification, error) {
	relJSON, err := json.Marshal(rel)
	if err != nil {
		return Notification{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Notification{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET last_release_id=? WHERE subscriber=? AND platform=? AND owner=? AND name=?`,
		rel.ID, subscriber, string(repo.Platform), repo.Owner, repo.Name,
	)
	if err := oneRowOrNotFound(res, err); err != nil {
		return Notification{}, err
	}

	now := time.Now().UTC()
	ins, err := tx.ExecContext(ctx,
		`INSERT INTO outbox(subscriber, platform, owner, name, release_json, forced, created_at, status)
		 VALUES(?,?,?,?,?,?,?,?)`,
		subscriber, string(repo.Platform), repo.Owner, repo.Name,
		string(relJSON), boolInt(forced), now.Format(time.RFC3339Nano), StatusPending,
	)
	if err != nil {
		return Notification{}, err
	}
	id, err := ins.LastInsertId()
	if err != nil {
		return Notification{}, err
	}
	if err := tx.Commit(); err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:         id,
		Subscriber: subscriber,
		Repo:       repo,
		Release:    rel,
		Forced:     forced,
		CreatedAt:  now,
		Status:     StatusPending,
	}, nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, id int64, status string) error {
	switch status {
	case StatusSent, StatusDropped, StatusFailed:
	default:
		return errors.New("invalid notification status: " + status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status=? WHERE id=? AND status=?`,
		status, id, StatusPending,
	)
	return oneRowOrNotFound(res, err)
}

func (s *sqliteStore) PendingNotifications(ctx context.Context) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber, platform, owner, name, release_json, forced, created_at, status
		 FROM outbox WHERE status=? ORDER BY id`,
		StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var (
			n        Notification
			platform string
			relJSON  string
			forced   int
			created  string
		)
		if err := rows.Scan(&n.ID, &n.Subscriber, &platform, &n.Repo.Owner, &n.Repo.Name, &relJSON, &forced, &created, &n.Status); err != nil {
			return nil, err
		}
		n.Repo.Platform = release.Platform(platform)
		n.Forced = forced != 0
		if err := json.Unmarshal([]byte(relJSON), &n.Release); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			n.CreatedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetCredential(ctx context.Context, subscriber int64, platform release.Platform, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("empty credential")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(subscriber, platform, token) VALUES(?,?,?)
		 ON CONFLICT(subscriber, platform) DO UPDATE SET token=excluded.token`,
		subscriber, string(platform), token,
	)
	return err
}

func (s *sqliteStore) DeleteCredential(ctx context.Context, subscriber int64, platform release.Platform) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE subscriber=? AND platform=?`,
		subscriber, string(platform),
	)
	return oneRowOrNotFound(res, err)
}

func (s *sqliteStore) Credential(ctx context.Context, subscriber int64, platform release.Platform) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM credentials WHERE subscriber=? AND platform=?`,
		subscriber, string(platform),
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *sqliteStore) Export(ctx context.Context) (*Snapshot, error) {
	subs, err := s.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:       SnapshotVersion,
		ExportedAt:    time.Now().UTC(),
		Subscriptions: subs,
	}, nil
}

func (s *sqliteStore) Import(ctx context.Context, snap *Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return err
	}
	for _, sub := range snap.Subscriptions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(subscriber, platform, owner, name, every_hours, last_release_id)
			 VALUES(?,?,?,?,?,?)`,
			sub.Subscriber, string(sub.Repo.Platform), sub.Repo.Owner, sub.Repo.Name,
			sub.EveryHours, nullableStr(sub.LastReleaseID),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func oneRowOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
