package tracker

import (
	"context"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/notify"
	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

// engine compares a fetched release against every watcher's marker and
// fans out notifications.
type engine struct {
	store store.Store
	sink  notify.Sink
	bus   eventbus.Bus
	log   logx.Logger
}

type reconcileResult struct {
	notified    int // notifications committed and attempted
	initialized int // null markers recorded without a notification
	current     int // markers already equal to the fetched release
}

// reconcile applies the dedup rules for one fetched descriptor:
//
//   - null marker: record the release as the baseline, no notification —
//     unless the subscriber forced this poll, which waives exactly that
//     rule.
//   - differing marker: commit marker + outbox record in one transaction,
//     then attempt delivery once.
//   - equal marker: nothing, forced or not.
//
// A store failure aborts the remaining fan-out and is returned so the
// scheduler can retry the poll without advancing the deadline.
// Subscribers already committed keep their markers; dedup makes the
// retry safe for them.
func (e *engine) reconcile(ctx context.Context, repo release.Repo, desc *release.Descriptor, forced map[int64]struct{}) (reconcileResult, error) {
	var res reconcileResult

	subs, err := e.store.ListByRepository(ctx, repo)
	if err != nil {
		return res, err
	}

	for _, sub := range subs {
		_, isForced := forced[sub.Subscriber]
		switch {
		case sub.LastReleaseID == nil && !isForced:
			// First observation: baseline only.
			if err := e.store.SetMarker(ctx, sub.Subscriber, sub.Repo, &desc.ID); err != nil {
				return res, err
			}
			res.initialized++
			e.log.Debug("baseline recorded",
				logx.String("repo", repo.String()),
				logx.Int64("subscriber", sub.Subscriber),
				logx.String("release", desc.ID))

		case sub.LastReleaseID != nil && *sub.LastReleaseID == desc.ID:
			res.current++

		default:
			rec, err := e.store.CommitNotification(ctx, sub.Subscriber, sub.Repo, *desc, isForced)
			if err != nil {
				return res, err
			}
			res.notified++
			e.deliver(ctx, rec)
		}
	}

	if res.notified > 0 {
		e.publish(eventbus.TypeReleaseDetected, ReleaseEvent{
			Repo:      repo.String(),
			ReleaseID: desc.ID,
			Tag:       desc.Tag,
			Notified:  res.notified,
		})
	}
	return res, nil
}

// deliver makes the single delivery attempt for a committed record and
// finalizes its outbox status.
func (e *engine) deliver(ctx context.Context, rec store.Notification) {
	note := notify.Note{
		Subscriber: rec.Subscriber,
		Repo:       rec.Repo,
		Release:    rec.Release,
		Forced:     rec.Forced,
	}

	status := store.StatusSent
	err := e.sink.Deliver(ctx, note)
	switch {
	case err == nil:
		e.publish(eventbus.TypeNotifySent, NoteEvent{
			Subscriber: rec.Subscriber,
			Repo:       rec.Repo.String(),
			ReleaseID:  rec.Release.ID,
			Forced:     rec.Forced,
		})
	case notify.IsUnreachable(err):
		// Blocked or deactivated: drop silently, keep the marker.
		status = store.StatusDropped
		e.log.Debug("subscriber unreachable, notification dropped",
			logx.Int64("subscriber", rec.Subscriber),
			logx.String("repo", rec.Repo.String()))
		e.publish(eventbus.TypeNotifyDropped, NoteEvent{
			Subscriber: rec.Subscriber,
			Repo:       rec.Repo.String(),
			ReleaseID:  rec.Release.ID,
		})
	default:
		// Logged, never retried here; the marker stays advanced so the
		// subscriber is not re-notified next poll.
		status = store.StatusFailed
		e.log.Warn("notification delivery failed",
			logx.Int64("subscriber", rec.Subscriber),
			logx.String("repo", rec.Repo.String()),
			logx.Err(err))
	}

	if err := e.store.MarkNotified(ctx, rec.ID, status); err != nil {
		e.log.Error("outbox finalize failed",
			logx.Int64("record", rec.ID),
			logx.String("status", status),
			logx.Err(err))
	}
}

// redeliverPending attempts delivery for outbox records left pending by
// a crash between commit and send. Runs once at startup.
func (e *engine) redeliverPending(ctx context.Context) {
	pending, err := e.store.PendingNotifications(ctx)
	if err != nil {
		e.log.Warn("pending outbox scan failed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	e.log.Info("redelivering pending notifications", logx.Int("count", len(pending)))
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		e.deliver(ctx, rec)
	}
}

func (e *engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
