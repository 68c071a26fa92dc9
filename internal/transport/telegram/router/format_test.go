package router

import (
	"strings"
	"testing"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/release"
	"relbot/internal/store"
	"relbot/internal/tracker"
)

func TestParseRepoSpec(t *testing.T) {
	cases := []struct {
		in      string
		want    string // canonical Repo.String(), "" means error expected
	}{
		{"acme/widget", "github:acme/widget"},
		{"  acme/widget  ", "github:acme/widget"},
		{"acme/widget.git", "github:acme/widget"},
		{"github:acme/widget", "github:acme/widget"},
		{"gh:acme/widget", "github:acme/widget"},
		{"gitlab:acme/widget", "gitlab:acme/widget"},
		{"gl:acme/widget", "gitlab:acme/widget"},
		{"https://github.com/acme/widget", "github:acme/widget"},
		{"https://www.github.com/acme/widget/", "github:acme/widget"},
		{"https://gitlab.com/acme/widget.git", "gitlab:acme/widget"},
		{"http://github.com/acme/widget", "github:acme/widget"},
		{"", ""},
		{"widget", ""},                          // no owner
		{"acme/widget/extra", ""},               // nested path
		{"sourceforge:acme/widget", ""},         // unknown platform
		{"https://bitbucket.org/acme/widget", ""}, // unsupported host
	}
	for _, c := range cases {
		repo, err := parseRepoSpec(c.in)
		if c.want == "" {
			if err == nil {
				t.Errorf("parseRepoSpec(%q) = %v, want error", c.in, repo)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRepoSpec(%q): %v", c.in, err)
			continue
		}
		if repo.String() != c.want {
			t.Errorf("parseRepoSpec(%q) = %q, want %q", c.in, repo.String(), c.want)
		}
	}
}

func TestParseRepoRef(t *testing.T) {
	repo, err := parseRepoRef("gitlab:acme/widget")
	if err != nil {
		t.Fatalf("parseRepoRef: %v", err)
	}
	if repo.Platform != release.PlatformGitLab || repo.Slug() != "acme/widget" {
		t.Fatalf("repo = %+v", repo)
	}
	if _, err := parseRepoRef("acme/widget"); err == nil {
		t.Fatal("bare slug must be rejected in callback payloads")
	}
}

func TestParseHours(t *testing.T) {
	if n, err := parseHours(" 12 "); err != nil || n != 12 {
		t.Fatalf("got %d, %v", n, err)
	}
	for _, bad := range []string{"0", "-3", "abc", "1.5", ""} {
		if _, err := parseHours(bad); err == nil {
			t.Errorf("parseHours(%q) accepted", bad)
		}
	}
}

func TestCompactDur(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "now"},
		{-time.Minute, "now"},
		{30 * time.Second, "30s"},
		{45 * time.Minute, "45m"},
		{3*time.Minute + 12*time.Second, "3m12s"},
		{time.Hour, "1h"},
		{3*time.Hour + 12*time.Minute, "3h12m"},
		{24 * time.Hour, "1d"},
		{51 * time.Hour, "2d3h"},
	}
	for _, c := range cases {
		if got := compactDur(c.in); got != c.want {
			t.Errorf("compactDur(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{12895928, "12.3 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, c := range cases {
		if got := humanSize(c.in); got != c.want {
			t.Errorf("humanSize(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func testRepo(t *testing.T, slug string) release.Repo {
	t.Helper()
	repo, err := release.ParseRepo("github", slug)
	if err != nil {
		t.Fatalf("ParseRepo(%q): %v", slug, err)
	}
	return repo
}

func TestReleaseHTML(t *testing.T) {
	repo := testRepo(t, "acme/widget")
	rel := release.Descriptor{
		ID:          "9001",
		Tag:         "v1.2.0",
		Title:       "Widget 1.2",
		PublishedAt: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
		URL:         "https://github.com/acme/widget/releases/tag/v1.2.0",
		Assets: []release.Asset{
			{Name: "widget-linux-amd64.tar.gz", Size: 12895928, URL: "https://example.com/a"},
			{Name: "checksums.txt", URL: "https://example.com/b"},
		},
	}

	out := releaseHTML(repo, rel, false)
	for _, want := range []string{
		"🚀",
		"<b>acme/widget</b>",
		`<a href="https://github.com/acme/widget/releases/tag/v1.2.0">v1.2.0</a>`,
		"<i>Widget 1.2</i>",
		"GitHub • 2026-05-04 10:30 UTC",
		`<a href="https://example.com/a">widget-linux-amd64.tar.gz</a>`,
		"(12.3 MiB)",
		"checksums.txt",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("releaseHTML missing %q in:\n%s", want, out)
		}
	}

	forced := releaseHTML(repo, rel, true)
	if !strings.Contains(forced, "🔔") || strings.Contains(forced, "🚀") {
		t.Errorf("forced delivery should swap the head emoji:\n%s", forced)
	}

	// Title equal to the tag is redundant and dropped.
	rel.Title = rel.Tag
	if out := releaseHTML(repo, rel, false); strings.Contains(out, "<i>") {
		t.Errorf("redundant title rendered:\n%s", out)
	}
}

func TestReleaseHTMLTruncatesAssetList(t *testing.T) {
	repo := testRepo(t, "acme/widget")
	rel := release.Descriptor{ID: "1", Tag: "v1"}
	for i := 0; i < 9; i++ {
		rel.Assets = append(rel.Assets, release.Asset{Name: "asset", URL: "https://example.com"})
	}
	out := releaseHTML(repo, rel, false)
	if !strings.Contains(out, "… and 3 more") {
		t.Fatalf("asset overflow not summarized:\n%s", out)
	}
}

func TestListHTML(t *testing.T) {
	if out := listHTML(nil); !strings.Contains(out, "/add") {
		t.Fatalf("empty list should hint at /add:\n%s", out)
	}

	id := "9001"
	subs := []store.Subscription{
		{Subscriber: 7, Repo: testRepo(t, "zeta/z"), EveryHours: 24},
		{Subscriber: 7, Repo: testRepo(t, "acme/widget"), EveryHours: 6, LastReleaseID: &id},
	}
	out := listHTML(subs)

	// Sorted by canonical repo name.
	ai := strings.Index(out, "acme/widget")
	zi := strings.Index(out, "zeta/z")
	if ai < 0 || zi < 0 || ai > zi {
		t.Fatalf("rows missing or unsorted:\n%s", out)
	}
	if !strings.Contains(out, "every 6h") || !strings.Contains(out, "every 24h") {
		t.Fatalf("intervals missing:\n%s", out)
	}
	// Only the null-marker row carries the baseline hint.
	if got := strings.Count(out, "no release seen yet"); got != 1 {
		t.Fatalf("baseline hints = %d, want 1:\n%s", got, out)
	}
}

func TestCheckResultsHTML(t *testing.T) {
	repo := testRepo(t, "acme/widget")
	if out := checkResultsHTML(nil); !strings.Contains(out, "Nothing to check") {
		t.Fatalf("empty = %q", out)
	}

	rel := &release.Descriptor{ID: "9001", Tag: "v1.2.0"}
	cases := []struct {
		res  tracker.CheckResult
		want string
	}{
		{tracker.CheckResult{Repo: repo, Outcome: release.KindFound, Release: rel, Notified: 1}, "notified"},
		{tracker.CheckResult{Repo: repo, Outcome: release.KindFound, Release: rel}, "already seen"},
		{tracker.CheckResult{Repo: repo, Outcome: release.KindNoReleases}, "no releases yet"},
		{tracker.CheckResult{Repo: repo, Outcome: release.KindNotFound}, "not found"},
		{tracker.CheckResult{Repo: repo, Outcome: release.KindAuthError}, "/token"},
		{tracker.CheckResult{Repo: repo, Outcome: release.KindTransient}, "temporary failure"},
	}
	for _, c := range cases {
		out := checkResultsHTML([]tracker.CheckResult{c.res})
		if !strings.Contains(out, c.want) {
			t.Errorf("outcome %q: missing %q in %q", c.res.Outcome, c.want, out)
		}
		if !strings.Contains(out, "acme/widget") {
			t.Errorf("outcome %q: repo missing in %q", c.res.Outcome, out)
		}
	}
}

func TestStatusHTML(t *testing.T) {
	st := tracker.Status{
		Running: true,
		Queued:  2,
		Repos: []tracker.RepoStatus{
			{
				Repo:     testRepo(t, "acme/widget"),
				State:    "idle",
				Every:    6 * time.Hour,
				NextAt:   time.Now().Add(90 * time.Minute),
				Watchers: 3,
			},
		},
	}
	events := []eventbus.Event{
		{
			Type: eventbus.TypePollCompleted,
			Time: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
			Data: tracker.PollEvent{Repo: "github:acme/widget", Outcome: "found", Notified: 2},
		},
	}

	out := statusHTML(st, nil, events)
	for _, want := range []string{
		"running",
		"acme/widget",
		"idle",
		"every 6h",
		"3 watchers",
		"Recent events",
		"poll.completed",
		"notified=2",
		"10:30:00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("statusHTML missing %q in:\n%s", want, out)
		}
	}

	stopped := statusHTML(tracker.Status{}, nil, nil)
	if !strings.Contains(stopped, "stopped") {
		t.Errorf("stopped scheduler not reported:\n%s", stopped)
	}
}

func TestStatusHTMLCapsEvents(t *testing.T) {
	events := make([]eventbus.Event, 0, 15)
	for i := 0; i < 15; i++ {
		events = append(events, eventbus.Event{
			Type: eventbus.TypeReleaseDetected,
			Time: time.Date(2026, 5, 4, 10, 0, i, 0, time.UTC),
			Data: tracker.ReleaseEvent{Repo: "github:acme/widget", Tag: "v" + string(rune('a'+i))},
		})
	}
	out := statusHTML(tracker.Status{Running: true}, nil, events)
	if got := strings.Count(out, "release.detected"); got != 10 {
		t.Fatalf("event rows = %d, want 10", got)
	}
	// Oldest rows fall off; the newest survives.
	if !strings.Contains(out, "10:00:14") || strings.Contains(out, "10:00:04") {
		t.Fatalf("wrong window kept:\n%s", out)
	}
}
