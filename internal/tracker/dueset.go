package tracker

import (
	"sort"
	"time"

	"relbot/internal/release"
	"relbot/internal/store"
)

// repoState is the per-repository scheduling state. Retirement is
// modeled as removal from the set.
type repoState int

const (
	stateIdle repoState = iota
	stateDue
	stateInFlight
)

func (s repoState) String() string {
	switch s {
	case stateDue:
		return "due"
	case stateInFlight:
		return "in_flight"
	default:
		return "idle"
	}
}

type dueEntry struct {
	repo     release.Repo
	state    repoState
	every    time.Duration // effective interval: minimum across subscriptions
	lastPoll time.Time     // zero until the first completed poll
	nextAt   time.Time

	// forced holds subscribers whose next dispatch waives the
	// suppress-initial rule. Consumed at dispatch time.
	forced map[int64]struct{}
}

// dueSet tracks which repositories are eligible for a poll and when.
// It is not goroutine-safe; the owning service serializes access.
type dueSet struct {
	entries map[release.Repo]*dueEntry
}

func newDueSet() *dueSet {
	return &dueSet{entries: map[release.Repo]*dueEntry{}}
}

// setEffective creates or updates the entry for repo with the given
// effective interval. The next-eligible time is re-derived from the last
// completed poll; a repository that has never been polled is eligible
// immediately.
func (d *dueSet) setEffective(repo release.Repo, every time.Duration, now time.Time) {
	e, ok := d.entries[repo]
	if !ok {
		d.entries[repo] = &dueEntry{repo: repo, every: every, nextAt: now}
		return
	}
	e.every = every
	if e.lastPoll.IsZero() {
		e.nextAt = now
	} else {
		e.nextAt = e.lastPoll.Add(every)
	}
}

// retire drops the entry. A poll already in flight for the repository
// finds no entry on completion and its result is discarded.
func (d *dueSet) retire(repo release.Repo) {
	delete(d.entries, repo)
}

// dueNow transitions every eligible idle entry to due and returns their
// repositories, oldest deadline first.
func (d *dueSet) dueNow(now time.Time) []release.Repo {
	var due []*dueEntry
	for _, e := range d.entries {
		if e.state == stateIdle && !e.nextAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].nextAt.Before(due[j].nextAt) })
	repos := make([]release.Repo, 0, len(due))
	for _, e := range due {
		e.state = stateDue
		repos = append(repos, e.repo)
	}
	return repos
}

// requeue reverts a due entry to idle without touching its deadline,
// so the next scan offers it again.
func (d *dueSet) requeue(repo release.Repo) {
	if e, ok := d.entries[repo]; ok && e.state == stateDue {
		e.state = stateIdle
	}
}

// markDue flags an idle entry as due for an out-of-schedule dispatch.
// Returns false when the repository is unknown or already due/in flight.
func (d *dueSet) markDue(repo release.Repo) bool {
	e, ok := d.entries[repo]
	if !ok || e.state != stateIdle {
		return false
	}
	e.state = stateDue
	return true
}

// force records that subscriber's next dispatch of repo waives the
// suppress-initial rule.
func (d *dueSet) force(repo release.Repo, subscriber int64) {
	e, ok := d.entries[repo]
	if !ok {
		return
	}
	if e.forced == nil {
		e.forced = map[int64]struct{}{}
	}
	e.forced[subscriber] = struct{}{}
}

// dispatch transitions due → in-flight and hands over the accumulated
// force set. Returns ok=false when the entry is gone (retired while
// queued) or not in the due state (a concurrent dispatch won).
func (d *dueSet) dispatch(repo release.Repo) (forced map[int64]struct{}, ok bool) {
	e, found := d.entries[repo]
	if !found || e.state != stateDue {
		return nil, false
	}
	e.state = stateInFlight
	forced = e.forced
	e.forced = nil
	return forced, true
}

// complete transitions in-flight → idle. When advance is true the next
// deadline moves to now + interval; a reconcile that failed on the store
// keeps the old deadline so the next tick retries. Completions for
// retired repositories are ignored.
func (d *dueSet) complete(repo release.Repo, now time.Time, advance bool) {
	e, ok := d.entries[repo]
	if !ok || e.state != stateInFlight {
		return
	}
	e.state = stateIdle
	if advance {
		e.lastPoll = now
		e.nextAt = now.Add(e.every)
	}
}

// rebuild replaces the whole set from subscriptions, as after an import:
// every schedule is re-derived from scratch and everything is eligible
// immediately. In-flight markers survive for repositories still present
// so per-repository serialization holds across the swap.
func (d *dueSet) rebuild(intervals map[release.Repo]time.Duration, now time.Time) {
	prev := d.entries
	d.entries = make(map[release.Repo]*dueEntry, len(intervals))
	for repo, every := range intervals {
		e := &dueEntry{repo: repo, every: every, nextAt: now}
		if old, ok := prev[repo]; ok && old.state == stateInFlight {
			e.state = stateInFlight
		}
		d.entries[repo] = e
	}
}

func (d *dueSet) snapshot() []RepoStatus {
	out := make([]RepoStatus, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, RepoStatus{
			Repo:     e.repo,
			State:    e.state.String(),
			Every:    e.every,
			LastPoll: e.lastPoll,
			NextAt:   e.nextAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repo.String() < out[j].Repo.String() })
	return out
}

func (d *dueSet) len() int { return len(d.entries) }

// effectiveIntervals derives each repository's poll interval as the
// minimum configured across its subscriptions.
func effectiveIntervals(subs []store.Subscription) map[release.Repo]time.Duration {
	out := make(map[release.Repo]time.Duration)
	for _, sub := range subs {
		every := time.Duration(sub.EveryHours) * time.Hour
		if cur, ok := out[sub.Repo]; !ok || every < cur {
			out[sub.Repo] = every
		}
	}
	return out
}
