// Package backup writes periodic snapshot exports of the subscription
// store to disk and prunes old ones.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

const (
	defaultSchedule = "0 4 * * *"
	defaultDir      = "./backups"
	defaultKeep     = 14

	filePrefix = "relbot-snapshot-"
	fileSuffix = ".json"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec; default "0 4 * * *"
	Dir      string
	Keep     int // snapshot files to retain
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = defaultSchedule
	}
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = defaultDir
	}
	if c.Keep <= 0 {
		c.Keep = defaultKeep
	}
	return c
}

// ValidateSchedule reports whether spec is an acceptable cron expression.
// An empty spec is fine (the default applies).
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("backup.schedule: %w", err)
	}
	return nil
}

// Exporter produces the snapshot document. Implemented by the tracker.
type Exporter interface {
	ExportSnapshot(ctx context.Context) (*store.Snapshot, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	exp Exporter

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, exp Exporter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "backup")),
		exp: exp,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the cron job. Idempotent; a disabled config is a no-op.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Info("backups disabled")
		return nil
	}

	c := cron.New(cron.WithParser(s.parser))
	_, err := c.AddFunc(cfg.Schedule, s.runScheduled)
	if err != nil {
		return fmt.Errorf("backup schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started",
		logx.String("schedule", cfg.Schedule),
		logx.String("dir", cfg.Dir),
		logx.Int("keep", cfg.Keep))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

// Apply updates the configuration. Schedule or enablement changes restart
// the cron runner; Dir and Keep take effect on the next run as-is.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if cfg.Enabled == prev.Enabled && cfg.Schedule == prev.Schedule {
		return
	}
	s.Stop(ctx)
	if cfg.Enabled {
		if err := s.Start(ctx); err != nil {
			s.log.Error("backup restart failed", logx.Err(err))
		}
	}
}

func (s *Service) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduled backup failed", logx.Err(err))
	}
}

// RunOnce exports a snapshot to a timestamped file and prunes old ones.
// Returns the path written.
func (s *Service) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	snap, err := s.exp.ExportSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("export snapshot: %w", err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", err
	}
	name := filePrefix + time.Now().UTC().Format("20060102-150405") + fileSuffix
	path := filepath.Join(cfg.Dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	s.log.Info("backup written",
		logx.String("path", path),
		logx.Int("subscriptions", len(snap.Subscriptions)))

	if err := s.prune(cfg); err != nil {
		s.log.Warn("backup prune failed", logx.Err(err))
	}
	return path, nil
}

// prune removes the oldest snapshot files beyond cfg.Keep. Timestamped
// names sort chronologically, so lexical order is enough.
func (s *Service) prune(cfg Config) error {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	if len(names) <= cfg.Keep {
		return nil
	}
	sort.Strings(names)
	for _, n := range names[:len(names)-cfg.Keep] {
		if err := os.Remove(filepath.Join(cfg.Dir, n)); err != nil {
			return err
		}
		s.log.Debug("old backup removed", logx.String("file", n))
	}
	return nil
}
