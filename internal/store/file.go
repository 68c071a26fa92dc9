package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relbot/internal/release"
	logx "relbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full-state snapshot)
//   - <prefix>.journal.jsonl (append-only mutation journal)
//
// Every mutation is one journal line; the journal is periodically
// compacted into the snapshot. A "notify" line carries the marker update
// and the outbox record together, which makes the pair atomic: either the
// line is on disk or it is not.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	subs   map[SubKey]Subscription
	creds  map[credKey]string
	outbox map[int64]Notification
	nextID int64

	writes int
}

type credKey struct {
	Subscriber int64
	Platform   release.Platform
}

type credRecord struct {
	Subscriber int64            `json:"subscriber"`
	Platform   release.Platform `json:"platform"`
	Token      string           `json:"token,omitempty"`
}

// journalRecord is one mutation. Op selects which fields are meaningful.
type journalRecord struct {
	Op string `json:"op"`

	Sub     *Subscription `json:"sub,omitempty"`
	Key     *SubKey       `json:"key,omitempty"`
	Hours   int           `json:"hours,omitempty"`
	Marker  *string       `json:"marker,omitempty"`
	Notif   *Notification `json:"notif,omitempty"`
	NotifID int64         `json:"notif_id,omitempty"`
	Status  string        `json:"status,omitempty"`
	Cred    *credRecord   `json:"cred,omitempty"`
}

const (
	opAdd       = "add"
	opRemove    = "remove"
	opInterval  = "interval"
	opMarker    = "marker"
	opNotify    = "notify"
	opNotified  = "notified"
	opCredSet   = "cred.set"
	opCredClear = "cred.del"
)

// snapshotFile is the on-disk snapshot layout.
type snapshotFile struct {
	SavedAt time.Time      `json:"saved_at"`
	NextID  int64          `json:"next_id"`
	Subs    []Subscription `json:"subscriptions"`
	Creds   []credRecord   `json:"credentials,omitempty"`
	Outbox  []Notification `json:"outbox,omitempty"`
}

const compactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		subs:         map[SubKey]Subscription{},
		creds:        map[credKey]string{},
		outbox:       map[int64]Notification{},
		nextID:       1,
	}
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

// appendLocked writes one journal line. Callers apply the mutation to
// memory only after it succeeds, so memory never runs ahead of disk.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("store closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AddSubscription(ctx context.Context, sub Subscription) error {
	_ = ctx
	if err := sub.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.Key()]; ok {
		return ErrExists
	}
	cp := sub
	if err := s.appendLocked(journalRecord{Op: opAdd, Sub: &cp}); err != nil {
		return err
	}
	s.subs[sub.Key()] = sub
	return nil
}

func (s *fileStore) RemoveSubscription(ctx context.Context, subscriber int64, repo release.Repo) error {
	_ = ctx
	key := SubKey{Subscriber: subscriber, Repo: repo}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[key]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opRemove, Key: &key}); err != nil {
		return err
	}
	delete(s.subs, key)
	return nil
}

func (s *fileStore) SetInterval(ctx context.Context, subscriber int64, repo release.Repo, hours int) error {
	_ = ctx
	if hours <= 0 {
		return errors.New("interval must be a positive number of hours")
	}
	key := SubKey{Subscriber: subscriber, Repo: repo}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opInterval, Key: &key, Hours: hours}); err != nil {
		return err
	}
	sub.EveryHours = hours
	s.subs[key] = sub
	return nil
}

func (s *fileStore) SetMarker(ctx context.Context, subscriber int64, repo release.Repo, id *string) error {
	_ = ctx
	key := SubKey{Subscriber: subscriber, Repo: repo}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opMarker, Key: &key, Marker: id}); err != nil {
		return err
	}
	sub.LastReleaseID = id
	s.subs[key] = sub
	return nil
}

func (s *fileStore) Subscription(ctx context.Context, subscriber int64, repo release.Repo) (Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[SubKey{Subscriber: subscriber, Repo: repo}]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *fileStore) ListBySubscriber(ctx context.Context, subscriber int64) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for key, sub := range s.subs {
		if key.Subscriber == subscriber {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

func (s *fileStore) ListByRepository(ctx context.Context, repo release.Repo) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for key, sub := range s.subs {
		if key.Repo == repo {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

func (s *fileStore) Subscriptions(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sortSubs(out)
	return out, nil
}

func (s *fileStore) CommitNotification(ctx context.Context, subscriber int64, repo release.Repo, rel release.Descriptor, forced bool) (Notification, error) {
	_ = ctx
	key := SubKey{Subscriber: subscriber, Repo: repo}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		return Notification{}, ErrNotFound
	}
	n := Notification{
		ID:         s.nextID,
		Subscriber: subscriber,
		Repo:       repo,
		Release:    rel,
		Forced:     forced,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
	}
	if err := s.appendLocked(journalRecord{Op: opNotify, Notif: &n}); err != nil {
		return Notification{}, err
	}
	s.nextID++
	marker := rel.ID
	sub.LastReleaseID = &marker
	s.subs[key] = sub
	s.outbox[n.ID] = n
	return n, nil
}

func (s *fileStore) MarkNotified(ctx context.Context, id int64, status string) error {
	_ = ctx
	switch status {
	case StatusSent, StatusDropped, StatusFailed:
	default:
		return errors.New("invalid notification status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outbox[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opNotified, NotifID: id, Status: status}); err != nil {
		return err
	}
	delete(s.outbox, id)
	return nil
}

func (s *fileStore) PendingNotifications(ctx context.Context) ([]Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.outbox))
	for _, n := range s.outbox {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) SetCredential(ctx context.Context, subscriber int64, platform release.Platform, token string) error {
	_ = ctx
	if strings.TrimSpace(token) == "" {
		return errors.New("empty credential")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := credRecord{Subscriber: subscriber, Platform: platform, Token: token}
	if err := s.appendLocked(journalRecord{Op: opCredSet, Cred: &rec}); err != nil {
		return err
	}
	s.creds[credKey{Subscriber: subscriber, Platform: platform}] = token
	return nil
}

func (s *fileStore) DeleteCredential(ctx context.Context, subscriber int64, platform release.Platform) error {
	_ = ctx
	key := credKey{Subscriber: subscriber, Platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; !ok {
		return ErrNotFound
	}
	rec := credRecord{Subscriber: subscriber, Platform: platform}
	if err := s.appendLocked(journalRecord{Op: opCredClear, Cred: &rec}); err != nil {
		return err
	}
	delete(s.creds, key)
	return nil
}

func (s *fileStore) Credential(ctx context.Context, subscriber int64, platform release.Platform) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.creds[credKey{Subscriber: subscriber, Platform: platform}]
	return token, ok, nil
}

func (s *fileStore) Export(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sortSubs(subs)
	return &Snapshot{
		Version:       SnapshotVersion,
		ExportedAt:    time.Now().UTC(),
		Subscriptions: subs,
	}, nil
}

// Import replaces all subscriptions with the snapshot's. It goes through
// a full compaction instead of a journal line, so the swap is a single
// atomic rename; credentials and the outbox are untouched.
func (s *fileStore) Import(ctx context.Context, snap *Snapshot) error {
	_ = ctx
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store closed")
	}

	next := make(map[SubKey]Subscription, len(snap.Subscriptions))
	for _, sub := range snap.Subscriptions {
		next[sub.Key()] = sub
	}

	prev := s.subs
	s.subs = next
	if err := s.compactLocked(); err != nil {
		s.subs = prev
		return err
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{
		SavedAt: time.Now().UTC(),
		NextID:  s.nextID,
	}
	for _, sub := range s.subs {
		snap.Subs = append(snap.Subs, sub)
	}
	sortSubs(snap.Subs)
	for key, token := range s.creds {
		snap.Creds = append(snap.Creds, credRecord{Subscriber: key.Subscriber, Platform: key.Platform, Token: token})
	}
	sort.Slice(snap.Creds, func(i, j int) bool {
		if snap.Creds[i].Subscriber != snap.Creds[j].Subscriber {
			return snap.Creds[i].Subscriber < snap.Creds[j].Subscriber
		}
		return snap.Creds[i].Platform < snap.Creds[j].Platform
	})
	for _, n := range s.outbox {
		snap.Outbox = append(snap.Outbox, n)
	}
	sort.Slice(snap.Outbox, func(i, j int) bool { return snap.Outbox[i].ID < snap.Outbox[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	if snap.NextID > 0 {
		s.nextID = snap.NextID
	}
	for _, sub := range snap.Subs {
		s.subs[sub.Key()] = sub
	}
	for _, c := range snap.Creds {
		s.creds[credKey{Subscriber: c.Subscriber, Platform: c.Platform}] = c.Token
	}
	for _, n := range snap.Outbox {
		s.outbox[n.ID] = n
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		s.applyRecord(rec)
	}
	return sc.Err()
}

func (s *fileStore) applyRecord(rec journalRecord) {
	switch rec.Op {
	case opAdd:
		if rec.Sub != nil {
			s.subs[rec.Sub.Key()] = *rec.Sub
		}
	case opRemove:
		if rec.Key != nil {
			delete(s.subs, *rec.Key)
		}
	case opInterval:
		if rec.Key != nil {
			if sub, ok := s.subs[*rec.Key]; ok {
				sub.EveryHours = rec.Hours
				s.subs[*rec.Key] = sub
			}
		}
	case opMarker:
		if rec.Key != nil {
			if sub, ok := s.subs[*rec.Key]; ok {
				sub.LastReleaseID = rec.Marker
				s.subs[*rec.Key] = sub
			}
		}
	case opNotify:
		if rec.Notif != nil {
			n := *rec.Notif
			key := SubKey{Subscriber: n.Subscriber, Repo: n.Repo}
			if sub, ok := s.subs[key]; ok {
				marker := n.Release.ID
				sub.LastReleaseID = &marker
				s.subs[key] = sub
			}
			s.outbox[n.ID] = n
			if n.ID >= s.nextID {
				s.nextID = n.ID + 1
			}
		}
	case opNotified:
		delete(s.outbox, rec.NotifID)
	case opCredSet:
		if rec.Cred != nil {
			s.creds[credKey{Subscriber: rec.Cred.Subscriber, Platform: rec.Cred.Platform}] = rec.Cred.Token
		}
	case opCredClear:
		if rec.Cred != nil {
			delete(s.creds, credKey{Subscriber: rec.Cred.Subscriber, Platform: rec.Cred.Platform})
		}
	}
}

func sortSubs(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Subscriber != subs[j].Subscriber {
			return subs[i].Subscriber < subs[j].Subscriber
		}
		return subs[i].Repo.String() < subs[j].Repo.String()
	})
}
