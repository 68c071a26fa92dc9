package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relbot/internal/credentials"
	"relbot/internal/eventbus"
	"relbot/internal/release"
	rtsup "relbot/internal/runtime/supervisor"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

// ErrBusy reports that a manual check raced a poll already running for
// the same repository.
var ErrBusy = errors.New("a poll for this repository is already running")

var errNotTracked = errors.New("repository is no longer tracked")

type credKey struct {
	subscriber int64
	platform   release.Platform
}

// Service owns the due set and drives the fetch → reconcile pipeline.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store   store.Store
	sources *release.Registry
	creds   credentials.Provider
	eng     *engine

	due *dueSet
	// suspects are subscriber tokens that produced an auth error; they
	// are skipped when picking a poll credential until replaced.
	suspects map[credKey]struct{}

	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	queue    chan pollJob
}

type pollJob struct {
	repo  release.Repo
	reply chan CheckResult // non-nil for manual checks
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "tracker"))
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     deps.Bus,
		store:   deps.Store,
		sources: deps.Sources,
		creds:   deps.Credentials,
		eng: &engine{
			store: deps.Store,
			sink:  deps.Sink,
			bus:   deps.Bus,
			log:   log,
		},
		due:      newDueSet(),
		suspects: map[credKey]struct{}{},
		limiter:  rate.NewLimiter(rate.Every(cfg.PollSpacing), 1),
	}
}

// Supervisor returns the tracker's internal supervisor (nil if stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start loads the due set from the store and launches the scan loop and
// poll workers. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("tracker disabled")
		return nil
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return s.Start(ctx)
		}
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	s.mu.Lock()
	s.due.rebuild(effectiveIntervals(subs), time.Now())
	s.queue = make(chan pollJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Poll failures are isolated per repository; never kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	sup.Go0("outbox.redeliver", func(c context.Context) {
		s.eng.redeliverPending(c)
	})

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("poll.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("scan", func(c context.Context) error {
		s.scanLoop(c, stopCh, cfg.Tick)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("scan loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("tracker started",
		logx.Int("repos", len(subs)),
		logx.Int("workers", cfg.Workers),
		logx.Duration("tick", cfg.Tick),
		logx.Duration("poll_spacing", cfg.PollSpacing))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("tracker stopped")
	case <-ctx.Done():
		s.log.Warn("tracker stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply updates the runtime configuration. Structural changes (workers,
// queue size) restart the pipeline; pacing changes take effect in place.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.PollSpacing != cfg.PollSpacing {
		s.limiter.SetLimit(rate.Every(cfg.PollSpacing))
	}
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize ||
		prev.Tick != cfg.Tick || prev.Enabled != cfg.Enabled {
		s.Stop(ctx)
		if cfg.Enabled {
			_ = s.Start(ctx)
		}
	}
}

func (s *Service) scanLoop(ctx context.Context, stopCh <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// One immediate scan so freshly loaded repositories are not stuck
	// waiting out the first tick.
	s.scanOnce(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.scanOnce(now)
		}
	}
}

// scanOnce collects every due repository and hands each to the worker
// pool. A full queue reverts the entry so the next tick offers it again.
func (s *Service) scanOnce(now time.Time) {
	s.mu.Lock()
	repos := s.due.dueNow(now)
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return
	}

	for _, repo := range repos {
		select {
		case queue <- pollJob{repo: repo}:
		default:
			s.mu.Lock()
			s.due.requeue(repo)
			s.mu.Unlock()
			s.log.Warn("poll queue full, repository deferred", logx.String("repo", repo.String()))
		}
	}
	if len(repos) > 0 {
		s.log.Debug("scan dispatched", logx.Int("due", len(repos)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan pollJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			s.pollOne(ctx, job)
		}
	}
}

// pollOne performs one fetch → reconcile round for a repository.
func (s *Service) pollOne(ctx context.Context, job pollJob) {
	s.mu.Lock()
	forced, ok := s.due.dispatch(job.repo)
	s.mu.Unlock()
	if !ok {
		// Retired while queued, or a concurrent manual check raced the
		// scheduled dispatch.
		job.replyResult(CheckResult{Repo: job.repo, Err: ErrBusy})
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.mu.Lock()
		s.due.complete(job.repo, time.Now(), false)
		s.mu.Unlock()
		job.replyResult(CheckResult{Repo: job.repo, Err: err})
		return
	}

	src, ok := s.sources.For(job.repo.Platform)
	if !ok {
		// Cannot happen for stored subscriptions; guard anyway.
		s.mu.Lock()
		s.due.complete(job.repo, time.Now(), true)
		s.mu.Unlock()
		job.replyResult(CheckResult{Repo: job.repo, Err: fmt.Errorf("no source for platform %q", job.repo.Platform)})
		return
	}

	token, owner := s.pickToken(ctx, job.repo)
	out := src.FetchLatest(ctx, job.repo, token)

	advance := true
	result := CheckResult{Repo: job.repo, Outcome: out.Kind, Release: out.Release, Err: out.Err}
	ev := PollEvent{Repo: job.repo.String(), Outcome: string(out.Kind)}

	switch out.Kind {
	case release.KindFound:
		res, err := s.eng.reconcile(ctx, job.repo, out.Release, forced)
		if err != nil {
			// Store failure: no deadline advance, next tick retries.
			advance = false
			result.Err = err
			ev.Error = err.Error()
			s.log.Error("reconcile failed", logx.String("repo", job.repo.String()), logx.Err(err))
		} else {
			result.Notified = res.notified
			ev.Notified = res.notified
			s.log.Debug("poll completed",
				logx.String("repo", job.repo.String()),
				logx.String("release", out.Release.ID),
				logx.Int("notified", res.notified),
				logx.Int("initialized", res.initialized),
				logx.Int("current", res.current))
		}

	case release.KindNoReleases, release.KindNotFound:
		// Steady states, re-polled at normal cadence.
		s.log.Debug("poll completed", logx.String("repo", job.repo.String()), logx.String("outcome", string(out.Kind)))

	case release.KindAuthError:
		s.handleAuthError(job.repo, owner)
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}

	case release.KindTransient:
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}
		s.log.Warn("poll failed, retrying at next scheduled time",
			logx.String("repo", job.repo.String()), logx.Err(out.Err))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypePollCompleted, Time: time.Now(), Data: ev})
	}

	s.mu.Lock()
	s.due.complete(job.repo, time.Now(), advance)
	s.mu.Unlock()

	job.replyResult(result)
}

// pickToken selects the credential for a poll: the first watcher with a
// usable token wins, skipping tokens already suspected invalid; then the
// shared config token; then anonymous. A missing credential never
// suppresses the poll itself.
func (s *Service) pickToken(ctx context.Context, repo release.Repo) (token string, owner int64) {
	subs, err := s.store.ListByRepository(ctx, repo)
	if err != nil {
		s.log.Warn("credential lookup failed", logx.String("repo", repo.String()), logx.Err(err))
		subs = nil
	}
	for _, sub := range subs {
		if s.creds == nil {
			break
		}
		s.mu.Lock()
		_, suspect := s.suspects[credKey{subscriber: sub.Subscriber, platform: repo.Platform}]
		s.mu.Unlock()
		if suspect {
			continue
		}
		tok, ok, err := s.creds.Resolve(ctx, sub.Subscriber, repo.Platform)
		if err != nil {
			s.log.Warn("credential resolve failed",
				logx.Int64("subscriber", sub.Subscriber),
				logx.String("platform", string(repo.Platform)),
				logx.Err(err))
			continue
		}
		if ok {
			return tok, sub.Subscriber
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	switch repo.Platform {
	case release.PlatformGitHub:
		return cfg.GitHubToken, 0
	case release.PlatformGitLab:
		return cfg.GitLabToken, 0
	}
	return "", 0
}

// handleAuthError quarantines the token that failed and tells its owner
// out of band. The subscription stays; the next poll falls back to
// another credential.
func (s *Service) handleAuthError(repo release.Repo, owner int64) {
	if owner == 0 {
		s.log.Warn("shared token rejected by platform",
			logx.String("repo", repo.String()),
			logx.String("platform", string(repo.Platform)))
		return
	}
	s.mu.Lock()
	s.suspects[credKey{subscriber: owner, platform: repo.Platform}] = struct{}{}
	s.mu.Unlock()
	s.log.Warn("subscriber token rejected, skipping it until replaced",
		logx.Int64("subscriber", owner),
		logx.String("repo", repo.String()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthError, Time: time.Now(), Data: AuthErrorEvent{
			Subscriber: owner,
			Platform:   string(repo.Platform),
			Repo:       repo.String(),
		}})
	}
}

func (j pollJob) replyResult(res CheckResult) {
	if j.reply == nil {
		return
	}
	select {
	case j.reply <- res:
	default:
	}
}
