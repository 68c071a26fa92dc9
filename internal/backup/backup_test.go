package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

type fakeExporter struct {
	snap *store.Snapshot
	err  error
}

func (f *fakeExporter) ExportSnapshot(ctx context.Context) (*store.Snapshot, error) {
	return f.snap, f.err
}

func testSnapshot() *store.Snapshot {
	return &store.Snapshot{
		Version:    store.SnapshotVersion,
		ExportedAt: time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
		Subscriptions: []store.Subscription{
			{Subscriber: 100, Repo: release.Repo{Platform: release.PlatformGitHub, Owner: "acme", Name: "widget"}, EveryHours: 24},
			{Subscriber: 200, Repo: release.Repo{Platform: release.PlatformGitLab, Owner: "acme", Name: "gadget"}, EveryHours: 6},
		},
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.Schedule != "0 4 * * *" {
		t.Fatalf("Schedule = %q, want %q", cfg.Schedule, "0 4 * * *")
	}
	if cfg.Dir != "./backups" {
		t.Fatalf("Dir = %q, want %q", cfg.Dir, "./backups")
	}
	if cfg.Keep != 14 {
		t.Fatalf("Keep = %d, want 14", cfg.Keep)
	}
}

func TestRunOnceWritesSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	svc := New(Config{Dir: dir, Keep: 5}, &fakeExporter{snap: testSnapshot()}, logx.Nop())

	path, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("snapshot written to %q, want dir %q", path, dir)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		t.Fatalf("unexpected snapshot name %q", base)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var got store.Snapshot
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if got.Version != store.SnapshotVersion {
		t.Fatalf("Version = %d, want %d", got.Version, store.SnapshotVersion)
	}
	if len(got.Subscriptions) != 2 {
		t.Fatalf("Subscriptions = %d, want 2", len(got.Subscriptions))
	}
	if got.Subscriptions[0].Repo.Name != "widget" {
		t.Fatalf("first subscription repo = %q, want widget", got.Subscriptions[0].Repo.Name)
	}

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file %q left behind", e.Name())
		}
	}
}

func TestRunOncePrunesOldSnapshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Fabricate five old snapshots with ascending timestamps; all sort
	// before anything RunOnce writes today.
	old := []string{
		filePrefix + "20240101-040000" + fileSuffix,
		filePrefix + "20240102-040000" + fileSuffix,
		filePrefix + "20240103-040000" + fileSuffix,
		filePrefix + "20240104-040000" + fileSuffix,
		filePrefix + "20240105-040000" + fileSuffix,
	}
	for _, n := range old {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("{}"), 0o600); err != nil {
			t.Fatalf("seed %s: %v", n, err)
		}
	}
	// Unrelated files are never touched.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o600); err != nil {
		t.Fatalf("seed notes: %v", err)
	}

	svc := New(Config{Dir: dir, Keep: 2}, &fakeExporter{snap: testSnapshot()}, logx.Nop())
	path, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var snaps []string
	sawNotes := false
	for _, e := range entries {
		switch {
		case e.Name() == "notes.txt":
			sawNotes = true
		case strings.HasPrefix(e.Name(), filePrefix):
			snaps = append(snaps, e.Name())
		}
	}
	if !sawNotes {
		t.Fatal("prune removed an unrelated file")
	}
	if len(snaps) != 2 {
		t.Fatalf("kept %d snapshots %v, want 2", len(snaps), snaps)
	}
	// The newest survivors: the file just written plus the latest seed.
	want := map[string]bool{filepath.Base(path): true, old[len(old)-1]: true}
	for _, n := range snaps {
		if !want[n] {
			t.Fatalf("unexpected survivor %q, want %v", n, want)
		}
	}
}

func TestRunOnceExportFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("store gone")
	svc := New(Config{Dir: t.TempDir()}, &fakeExporter{err: boom}, logx.Nop())
	if _, err := svc.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunOnce error = %v, want %v", err, boom)
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: false, Dir: t.TempDir()}, &fakeExporter{snap: testSnapshot()}, logx.Nop())
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop(ctx) // must not panic without a runner
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Schedule: "not a cron spec", Dir: t.TempDir()}, &fakeExporter{snap: testSnapshot()}, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("Start accepted a bad schedule")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Dir: t.TempDir(), Keep: 1}, &fakeExporter{snap: testSnapshot()}, logx.Nop())
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	// A schedule change while running restarts the cron runner.
	svc.Apply(ctx, Config{Enabled: true, Schedule: "30 3 * * *", Dir: t.TempDir(), Keep: 1})
	svc.mu.Lock()
	running := svc.c != nil
	schedule := svc.cfg.Schedule
	svc.mu.Unlock()
	if !running {
		t.Fatal("service not running after Apply")
	}
	if schedule != "30 3 * * *" {
		t.Fatalf("Schedule = %q after Apply, want %q", schedule, "30 3 * * *")
	}

	// Disabling stops it.
	svc.Apply(ctx, Config{Enabled: false, Dir: t.TempDir(), Keep: 1})
	svc.mu.Lock()
	running = svc.c != nil
	svc.mu.Unlock()
	if running {
		t.Fatal("service still running after disable")
	}

	svc.Stop(ctx)
	svc.Stop(ctx)
}
