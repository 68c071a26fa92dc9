package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relbot/internal/notify"
	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "relbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// recSink records every delivery attempt and returns fail, when set.
type recSink struct {
	mu    sync.Mutex
	notes []notify.Note
	fail  error
}

func (s *recSink) Deliver(_ context.Context, note notify.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
	return s.fail
}

func (s *recSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func (s *recSink) last() notify.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[len(s.notes)-1]
}

// failingStore passes through to the wrapped store until armed.
type failingStore struct {
	store.Store
	commitErr error
	markerErr error
}

func (f *failingStore) CommitNotification(ctx context.Context, subscriber int64, repo release.Repo, rel release.Descriptor, forced bool) (store.Notification, error) {
	if f.commitErr != nil {
		return store.Notification{}, f.commitErr
	}
	return f.Store.CommitNotification(ctx, subscriber, repo, rel, forced)
}

func (f *failingStore) SetMarker(ctx context.Context, subscriber int64, repo release.Repo, releaseID *string) error {
	if f.markerErr != nil {
		return f.markerErr
	}
	return f.Store.SetMarker(ctx, subscriber, repo, releaseID)
}

func newTestEngine(st store.Store, sink notify.Sink) *engine {
	return &engine{store: st, sink: sink, log: logx.Nop()}
}

func desc(id, tag string) *release.Descriptor {
	return &release.Descriptor{
		ID:          id,
		Tag:         tag,
		Title:       "Release " + tag,
		PublishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		URL:         "https://github.com/acme/widget/releases/tag/" + tag,
	}
}

func mustAdd(t *testing.T, st store.Store, subscriber int64, repo release.Repo, hours int) {
	t.Helper()
	err := st.AddSubscription(context.Background(), store.Subscription{
		Subscriber: subscriber,
		Repo:       repo,
		EveryHours: hours,
	})
	if err != nil {
		t.Fatalf("add subscription: %v", err)
	}
}

func marker(t *testing.T, st store.Store, subscriber int64, repo release.Repo) *string {
	t.Helper()
	sub, err := st.Subscription(context.Background(), subscriber, repo)
	if err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return sub.LastReleaseID
}

func TestReconcileFirstObservationRecordsBaseline(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	res, err := eng.reconcile(context.Background(), repo, desc("101", "v1.0"), nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.initialized != 1 || res.notified != 0 || res.current != 0 {
		t.Fatalf("result = %+v, want initialized=1 only", res)
	}
	if sink.count() != 0 {
		t.Fatalf("sink received %d notes, want 0", sink.count())
	}
	if m := marker(t, st, 100, repo); m == nil || *m != "101" {
		t.Fatalf("marker = %v, want 101", m)
	}
}

func TestReconcileNotifiesOnceOnChange(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	if _, err := eng.reconcile(ctx, repo, desc("101", "v1.0"), nil); err != nil {
		t.Fatalf("baseline reconcile: %v", err)
	}

	res, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.notified != 1 {
		t.Fatalf("notified = %d, want 1", res.notified)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notes, want 1", sink.count())
	}
	note := sink.last()
	if note.Subscriber != 100 || note.Release.ID != "102" || note.Release.Tag != "v1.1" {
		t.Fatalf("note = %+v, want subscriber 100 release 102/v1.1", note)
	}
	if m := marker(t, st, 100, repo); m == nil || *m != "102" {
		t.Fatalf("marker = %v, want 102", m)
	}

	// Same release observed again: nothing happens.
	res, err = eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("repeat reconcile: %v", err)
	}
	if res.notified != 0 || res.current != 1 {
		t.Fatalf("repeat result = %+v, want current=1 only", res)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notes after repeat, want still 1", sink.count())
	}
}

func TestReconcileFanoutIsPerSubscriber(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 6)  // behind: marker 101
	mustAdd(t, st, 200, repo, 24) // new: no marker
	mustAdd(t, st, 300, repo, 12) // current: marker 102

	ctx := context.Background()
	old := "101"
	cur := "102"
	if err := st.SetMarker(ctx, 100, repo, &old); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if err := st.SetMarker(ctx, 300, repo, &cur); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	res, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.notified != 1 || res.initialized != 1 || res.current != 1 {
		t.Fatalf("result = %+v, want one of each", res)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notes, want 1", sink.count())
	}
	if got := sink.last().Subscriber; got != 100 {
		t.Fatalf("notified subscriber = %d, want 100", got)
	}
	for _, subscriber := range []int64{100, 200, 300} {
		if m := marker(t, st, subscriber, repo); m == nil || *m != "102" {
			t.Fatalf("subscriber %d marker = %v, want 102", subscriber, m)
		}
	}
}

func TestReconcileForceWaivesBaselineSuppressionOnly(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	forced := map[int64]struct{}{100: {}}

	// Forced with no marker: notify and advance instead of baselining.
	res, err := eng.reconcile(ctx, repo, desc("101", "v1.0"), forced)
	if err != nil {
		t.Fatalf("forced reconcile: %v", err)
	}
	if res.notified != 1 || res.initialized != 0 {
		t.Fatalf("result = %+v, want notified=1", res)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notes, want 1", sink.count())
	}
	if !sink.last().Forced {
		t.Fatal("note not flagged as forced")
	}
	if m := marker(t, st, 100, repo); m == nil || *m != "101" {
		t.Fatalf("marker = %v, want 101", m)
	}

	// Forced with an up-to-date marker: force never overrides dedup.
	res, err = eng.reconcile(ctx, repo, desc("101", "v1.0"), forced)
	if err != nil {
		t.Fatalf("forced repeat reconcile: %v", err)
	}
	if res.notified != 0 || res.current != 1 {
		t.Fatalf("forced repeat result = %+v, want current=1 only", res)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notes, want still 1", sink.count())
	}
}

func TestReconcileUnreachableSubscriberDroppedSilently(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{fail: notify.ErrUnreachable}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	old := "101"
	if err := st.SetMarker(ctx, 100, repo, &old); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	res, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.notified != 1 {
		t.Fatalf("notified = %d, want 1", res.notified)
	}
	// Marker advanced, outbox finalized as dropped: nothing left pending.
	if m := marker(t, st, 100, repo); m == nil || *m != "102" {
		t.Fatalf("marker = %v, want 102", m)
	}
	pending, err := st.PendingNotifications(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d pending records, want 0", len(pending))
	}
}

func TestReconcileDeliveryFailureKeepsMarker(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{fail: errors.New("telegram: 502")}
	eng := newTestEngine(st, sink)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	old := "101"
	if err := st.SetMarker(ctx, 100, repo, &old); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	if _, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("delivery attempts = %d, want exactly 1", sink.count())
	}
	if m := marker(t, st, 100, repo); m == nil || *m != "102" {
		t.Fatalf("marker = %v, want 102", m)
	}

	// The failed attempt is not retried on the next poll of the same
	// release.
	res, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("repeat reconcile: %v", err)
	}
	if res.notified != 0 || sink.count() != 1 {
		t.Fatalf("repeat reattempted delivery: result=%+v attempts=%d", res, sink.count())
	}
}

func TestReconcileStoreFailureAborts(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	old := "101"
	if err := st.SetMarker(ctx, 100, repo, &old); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	boom := errors.New("disk full")
	eng := newTestEngine(&failingStore{Store: st, commitErr: boom}, sink)
	_, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("reconcile error = %v, want %v", err, boom)
	}
	// Nothing was sent and the marker is untouched: the next poll of the
	// same release retries the whole thing.
	if sink.count() != 0 {
		t.Fatalf("sink received %d notes, want 0", sink.count())
	}
	if m := marker(t, st, 100, repo); m == nil || *m != "101" {
		t.Fatalf("marker = %v, want still 101", m)
	}

	eng = newTestEngine(st, sink)
	res, err := eng.reconcile(ctx, repo, desc("102", "v1.1"), nil)
	if err != nil {
		t.Fatalf("retry reconcile: %v", err)
	}
	if res.notified != 1 || sink.count() != 1 {
		t.Fatalf("retry result=%+v attempts=%d, want one notification", res, sink.count())
	}
}

func TestReconcileBaselineStoreFailureAborts(t *testing.T) {
	st := openTestStore(t)
	sink := &recSink{}
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	boom := errors.New("disk full")
	eng := newTestEngine(&failingStore{Store: st, markerErr: boom}, sink)
	_, err := eng.reconcile(context.Background(), repo, desc("101", "v1.0"), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("reconcile error = %v, want %v", err, boom)
	}
	if m := marker(t, st, 100, repo); m != nil {
		t.Fatalf("marker = %v, want nil", m)
	}
}

func TestRedeliverPendingFlushesCrashLeftovers(t *testing.T) {
	st := openTestStore(t)
	repo := dsRepo("widget")
	mustAdd(t, st, 100, repo, 24)

	ctx := context.Background()
	old := "101"
	if err := st.SetMarker(ctx, 100, repo, &old); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	// Commit without delivering, as a crash between the two would leave it.
	if _, err := st.CommitNotification(ctx, 100, repo, *desc("102", "v1.1"), false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sink := &recSink{}
	eng := newTestEngine(st, sink)
	eng.redeliverPending(ctx)

	if sink.count() != 1 {
		t.Fatalf("redelivered %d notes, want 1", sink.count())
	}
	if got := sink.last().Release.ID; got != "102" {
		t.Fatalf("redelivered release = %s, want 102", got)
	}
	pending, err := st.PendingNotifications(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d pending records after redelivery, want 0", len(pending))
	}
}
