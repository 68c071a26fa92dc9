package tracker

import (
	"context"
	"errors"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

// AddSubscription registers (subscriber, repo) and schedules the
// repository. hours <= 0 applies the configured default. The first poll
// happens on the next scan and records a baseline without notifying.
func (s *Service) AddSubscription(ctx context.Context, subscriber int64, repo release.Repo, hours int) (store.Subscription, error) {
	s.mu.Lock()
	if hours <= 0 {
		hours = s.cfg.DefaultEveryHours
	}
	s.mu.Unlock()

	sub := store.Subscription{Subscriber: subscriber, Repo: repo, EveryHours: hours}
	if err := s.store.AddSubscription(ctx, sub); err != nil {
		return store.Subscription{}, err
	}
	if err := s.reschedule(ctx, repo); err != nil {
		return store.Subscription{}, err
	}

	s.log.Info("subscription added",
		logx.Int64("subscriber", subscriber),
		logx.String("repo", repo.String()),
		logx.Int("every_hours", hours))
	s.publish(eventbus.TypeSubAdded, SubscriptionEvent{Subscriber: subscriber, Repo: repo.String(), EveryHours: hours})
	return sub, nil
}

// RemoveSubscription destroys (subscriber, repo), purging its marker.
// Removing the last watcher retires the repository from the due set; an
// in-flight poll result is discarded on arrival.
func (s *Service) RemoveSubscription(ctx context.Context, subscriber int64, repo release.Repo) error {
	if err := s.store.RemoveSubscription(ctx, subscriber, repo); err != nil {
		return err
	}
	if err := s.reschedule(ctx, repo); err != nil {
		return err
	}

	s.log.Info("subscription removed",
		logx.Int64("subscriber", subscriber),
		logx.String("repo", repo.String()))
	s.publish(eventbus.TypeSubRemoved, SubscriptionEvent{Subscriber: subscriber, Repo: repo.String()})
	return nil
}

// SetInterval changes one subscription's interval and re-derives the
// repository's effective schedule from the new minimum.
func (s *Service) SetInterval(ctx context.Context, subscriber int64, repo release.Repo, hours int) error {
	if hours <= 0 {
		return errors.New("interval must be a positive number of hours")
	}
	if err := s.store.SetInterval(ctx, subscriber, repo, hours); err != nil {
		return err
	}
	if err := s.reschedule(ctx, repo); err != nil {
		return err
	}
	s.log.Info("interval changed",
		logx.Int64("subscriber", subscriber),
		logx.String("repo", repo.String()),
		logx.Int("every_hours", hours))
	return nil
}

// reschedule re-derives the repository's due-set entry from its current
// subscriptions: the effective interval is the minimum, and zero
// subscriptions retire the entry.
func (s *Service) reschedule(ctx context.Context, repo release.Repo) error {
	subs, err := s.store.ListByRepository(ctx, repo)
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(subs) == 0 {
		s.due.retire(repo)
		return nil
	}
	s.due.setEffective(repo, effectiveIntervals(subs)[repo], now)
	return nil
}

// CheckNow polls the subscriber's repositories immediately, bypassing
// the schedule. With force, the suppress-initial rule is waived for this
// subscriber: a null marker yields a real notification reporting the
// current release. The dedup comparison itself always applies.
//
// repo narrows the check to a single repository the subscriber tracks;
// nil checks all of them.
func (s *Service) CheckNow(ctx context.Context, subscriber int64, repo *release.Repo, force bool) ([]CheckResult, error) {
	var (
		subs []store.Subscription
		err  error
	)
	if repo != nil {
		sub, gerr := s.store.Subscription(ctx, subscriber, *repo)
		if gerr != nil {
			return nil, gerr
		}
		subs = []store.Subscription{sub}
	} else {
		subs, err = s.store.ListBySubscriber(ctx, subscriber)
		if err != nil {
			return nil, err
		}
	}
	if len(subs) == 0 {
		return nil, nil
	}

	results := make([]CheckResult, 0, len(subs))
	for _, sub := range subs {
		results = append(results, s.checkRepo(ctx, sub.Repo, subscriber, force))
	}
	return results, nil
}

// CheckRepo is the admin operation: poll one repository immediately for
// all its watchers, without waiving the suppress-initial rule.
func (s *Service) CheckRepo(ctx context.Context, repo release.Repo) (CheckResult, error) {
	subs, err := s.store.ListByRepository(ctx, repo)
	if err != nil {
		return CheckResult{}, err
	}
	if len(subs) == 0 {
		return CheckResult{}, errNotTracked
	}
	return s.checkRepo(ctx, repo, 0, false), nil
}

// checkRepo dispatches one out-of-schedule poll and waits for its
// outcome. The force flag is recorded before dispatch so that even a
// racing scheduled poll honors it.
func (s *Service) checkRepo(ctx context.Context, repo release.Repo, subscriber int64, force bool) CheckResult {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return CheckResult{Repo: repo, Err: errors.New("tracker not running")}
	}
	if force && subscriber != 0 {
		s.due.force(repo, subscriber)
	}
	marked := s.due.markDue(repo)
	queue := s.queue
	s.mu.Unlock()

	if !marked {
		// Already due or in flight; a dispatched job will race us and
		// one of the two resolves to ErrBusy.
		s.mu.Lock()
		e, ok := s.due.entries[repo]
		inFlight := ok && e.state == stateInFlight
		s.mu.Unlock()
		if !ok {
			return CheckResult{Repo: repo, Err: errNotTracked}
		}
		if inFlight {
			return CheckResult{Repo: repo, Err: ErrBusy}
		}
	}

	reply := make(chan CheckResult, 1)
	select {
	case queue <- pollJob{repo: repo, reply: reply}:
	case <-ctx.Done():
		s.mu.Lock()
		s.due.requeue(repo)
		s.mu.Unlock()
		return CheckResult{Repo: repo, Err: ctx.Err()}
	}

	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return CheckResult{Repo: repo, Err: ctx.Err()}
	}
}

// ImportSnapshot replaces the whole subscription state and re-derives
// the due set from scratch.
func (s *Service) ImportSnapshot(ctx context.Context, snap *store.Snapshot) error {
	if err := s.store.Import(ctx, snap); err != nil {
		return err
	}
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.due.rebuild(effectiveIntervals(subs), time.Now())
	s.mu.Unlock()

	s.log.Info("subscription state imported", logx.Int("subscriptions", len(subs)))
	s.publish(eventbus.TypeStoreImported, map[string]int{"subscriptions": len(subs)})
	return nil
}

// ExportSnapshot produces the whole-store backup document.
func (s *Service) ExportSnapshot(ctx context.Context) (*store.Snapshot, error) {
	return s.store.Export(ctx)
}

// ListSubscriptions returns one subscriber's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, subscriber int64) ([]store.Subscription, error) {
	return s.store.ListBySubscriber(ctx, subscriber)
}

// ClearSuspect forgets a quarantined token, typically after the
// subscriber stored a fresh one.
func (s *Service) ClearSuspect(subscriber int64, platform release.Platform) {
	s.mu.Lock()
	delete(s.suspects, credKey{subscriber: subscriber, platform: platform})
	s.mu.Unlock()
}

// Status reports the due set for the operational surface.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	running := s.stopCh != nil
	repos := s.due.snapshot()
	queued := 0
	if s.queue != nil {
		queued = len(s.queue)
	}
	s.mu.Unlock()

	for i := range repos {
		subs, err := s.store.ListByRepository(ctx, repos[i].Repo)
		if err != nil {
			continue
		}
		repos[i].Watchers = len(subs)
	}
	return Status{Running: running, Queued: queued, Repos: repos}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
