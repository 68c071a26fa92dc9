package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/release"
	"relbot/internal/store"
	"relbot/internal/tracker"
	tgui "relbot/pkg/tgui"
)

// parseRepoSpec turns the user's repository argument into a Repo.
//
// Accepted forms:
//
//	owner/name                  (GitHub)
//	github:owner/name, gh:...
//	gitlab:owner/name, gl:...
//	https://github.com/owner/name[.git]
//	https://gitlab.com/owner/name[.git]
func parseRepoSpec(raw string) (release.Repo, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return release.Repo{}, errors.New("repository is required, e.g. owner/name or gitlab:owner/name")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
		u, err := url.Parse(s)
		if err != nil {
			return release.Repo{}, fmt.Errorf("bad repository URL: %w", err)
		}
		var platform string
		switch host := strings.ToLower(u.Hostname()); host {
		case "github.com", "www.github.com":
			platform = "github"
		case "gitlab.com", "www.gitlab.com":
			platform = "gitlab"
		default:
			return release.Repo{}, fmt.Errorf("unsupported host %q, use github.com or gitlab.com", u.Hostname())
		}
		slug := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
		return release.ParseRepo(platform, slug)
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		return release.ParseRepo(s[:i], strings.TrimSuffix(s[i+1:], ".git"))
	}
	return release.ParseRepo("github", strings.TrimSuffix(s, ".git"))
}

// parseRepoRef parses the canonical "platform:owner/name" form used in
// callback payloads and Repo.String().
func parseRepoRef(s string) (release.Repo, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return release.Repo{}, fmt.Errorf("malformed repository reference %q", s)
	}
	return release.ParseRepo(s[:i], s[i+1:])
}

func parseHours(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("interval must be a positive number of hours, got %q", s)
	}
	return n, nil
}

// compactDur renders a duration like "2d3h", "3h12m", "45m", "30s".
func compactDur(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	d = d.Round(time.Second)
	const day = 24 * time.Hour
	switch {
	case d >= day:
		days := int(d / day)
		h := int(d % day / time.Hour)
		if h == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, h)
	case d >= time.Hour:
		h := int(d / time.Hour)
		m := int(d % time.Hour / time.Minute)
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	case d >= time.Minute:
		m := int(d / time.Minute)
		s := int(d % time.Minute / time.Second)
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}

func platformBadge(p release.Platform) string {
	switch p {
	case release.PlatformGitHub:
		return "GitHub"
	case release.PlatformGitLab:
		return "GitLab"
	default:
		return string(p)
	}
}

// releaseHTML renders one release announcement.
func releaseHTML(repo release.Repo, rel release.Descriptor, forced bool) string {
	head := "🚀"
	if forced {
		head = "🔔"
	}

	tag := rel.Tag
	if tag == "" {
		tag = rel.ID
	}
	var tagPart tgui.H
	if rel.URL != "" {
		tagPart = tgui.Link(tag, rel.URL)
	} else {
		tagPart = tgui.Code(tag)
	}

	lines := []string{
		head + " " + tgui.B(repo.Slug()).String() + " — " + tagPart.String(),
	}
	if t := strings.TrimSpace(rel.Title); t != "" && t != tag {
		lines = append(lines, tgui.I(tgui.TruncRunes(t, 200)).String())
	}
	meta := platformBadge(repo.Platform)
	if !rel.PublishedAt.IsZero() {
		meta += " • " + rel.PublishedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	lines = append(lines, tgui.Esc(meta).String())

	// Render a handful of assets as download links, not the whole list.
	const maxAssets = 6
	for i, a := range rel.Assets {
		if i == maxAssets {
			lines = append(lines, tgui.Esc(fmt.Sprintf("… and %d more", len(rel.Assets)-maxAssets)).String())
			break
		}
		row := "📦 "
		if a.URL != "" {
			row += tgui.Link(a.Name, a.URL).String()
		} else {
			row += tgui.Esc(a.Name).String()
		}
		if a.Size > 0 {
			row += " " + tgui.Esc("("+humanSize(a.Size)+")").String()
		}
		lines = append(lines, row)
	}
	return strings.Join(lines, "\n")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func listHTML(subs []store.Subscription) string {
	if len(subs) == 0 {
		return "No subscriptions yet. Add one with <code>/add owner/name</code>."
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Repo.String() < subs[j].Repo.String()
	})

	lines := make([]string, 0, len(subs)+2)
	lines = append(lines, "📋 "+tgui.B("Your subscriptions").String(), "")
	for _, s := range subs {
		row := "• " + tgui.Code(s.Repo.String()).String() + " — every " + strconv.Itoa(s.EveryHours) + "h"
		if s.LastReleaseID == nil {
			row += ", no release seen yet"
		}
		lines = append(lines, row)
	}
	return strings.Join(lines, "\n")
}

func checkResultsHTML(results []tracker.CheckResult) string {
	if len(results) == 0 {
		return "Nothing to check — no matching subscriptions."
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		slug := tgui.Code(r.Repo.String()).String()
		switch r.Outcome {
		case release.KindFound:
			tag := ""
			if r.Release != nil {
				tag = r.Release.Tag
				if tag == "" {
					tag = r.Release.ID
				}
			}
			if r.Notified > 0 {
				lines = append(lines, "✅ "+slug+" — latest "+tgui.Esc(tag).String()+", notified")
			} else {
				lines = append(lines, "✅ "+slug+" — latest "+tgui.Esc(tag).String()+", already seen")
			}
		case release.KindNoReleases:
			lines = append(lines, "⬜ "+slug+" — no releases yet")
		case release.KindNotFound:
			lines = append(lines, "⬜ "+slug+" — not found (repository gone or no access)")
		case release.KindAuthError:
			lines = append(lines, "🔑 "+slug+" — credential rejected, check /token")
		case release.KindTransient:
			lines = append(lines, "⚠️ "+slug+" — temporary failure, will retry on schedule")
		default:
			lines = append(lines, "⚠️ "+slug+" — "+tgui.Esc(string(r.Outcome)).String())
		}
	}
	return strings.Join(lines, "\n")
}

func statusHTML(st tracker.Status, supers map[string]*Supervisor, events []eventbus.Event) string {
	lines := []string{"🩺 " + tgui.B("Tracker status").String(), ""}

	state := "running"
	if !st.Running {
		state = "stopped"
	}
	lines = append(lines, "• "+tgui.B("scheduler").String()+": "+tgui.Esc(state).String())
	lines = append(lines, "• "+tgui.B("queued polls").String()+": "+strconv.Itoa(st.Queued))
	lines = append(lines, "• "+tgui.B("tracked repositories").String()+": "+strconv.Itoa(len(st.Repos)))

	if len(st.Repos) > 0 {
		lines = append(lines, "", tgui.B("Repositories").String())
		now := time.Now()
		for _, r := range st.Repos {
			row := "• " + tgui.Code(r.Repo.String()).String() +
				" — " + tgui.Esc(r.State).String() +
				", every " + compactDur(r.Every)
			if r.Watchers > 1 {
				row += fmt.Sprintf(", %d watchers", r.Watchers)
			}
			if !r.NextAt.IsZero() {
				row += ", next " + compactDur(r.NextAt.Sub(now))
			}
			lines = append(lines, row)
		}
	}

	if len(supers) > 0 {
		names := make([]string, 0, len(supers))
		for name := range supers {
			names = append(names, name)
		}
		sort.Strings(names)
		lines = append(lines, "", tgui.B("Runtime").String())
		for _, name := range names {
			sup := supers[name]
			if sup == nil {
				continue
			}
			snap := sup.Snapshot()
			row := "• " + tgui.Esc(name).String() + fmt.Sprintf(" — %d active", snap.Active)
			var restarts uint64
			for _, t := range snap.Tasks {
				restarts += t.Restarts
			}
			if restarts > 0 {
				row += fmt.Sprintf(", %d restarts", restarts)
			}
			if snap.FirstError != "" {
				row += ", err: " + tgui.Esc(tgui.TruncRunes(snap.FirstError, 80)).String()
			}
			lines = append(lines, row)
		}
	}

	// Most recent events last, capped so /status stays one screen.
	const maxEvents = 10
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	if len(events) > 0 {
		lines = append(lines, "", tgui.B("Recent events").String())
		for _, e := range events {
			row := "• " + tgui.Esc(e.Time.UTC().Format("15:04:05")).String() +
				" " + tgui.Code(e.Type).String()
			if d := eventDetail(e); d != "" {
				row += " " + tgui.Esc(d).String()
			}
			lines = append(lines, row)
		}
	}
	return strings.Join(lines, "\n")
}

// eventDetail renders the payload part of a bus event in one short token.
func eventDetail(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case tracker.PollEvent:
		s := d.Repo + " " + d.Outcome
		if d.Notified > 0 {
			s += fmt.Sprintf(" notified=%d", d.Notified)
		}
		return s
	case tracker.ReleaseEvent:
		return d.Repo + " " + d.Tag
	case tracker.NoteEvent:
		return fmt.Sprintf("%s -> %d", d.Repo, d.Subscriber)
	case tracker.AuthErrorEvent:
		return d.Platform + " subscriber=" + strconv.FormatInt(d.Subscriber, 10)
	case tracker.SubscriptionEvent:
		return fmt.Sprintf("%s subscriber=%d", d.Repo, d.Subscriber)
	default:
		return ""
	}
}
