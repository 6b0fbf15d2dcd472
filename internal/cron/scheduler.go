// Package cron runs statusboard's periodic housekeeping: keepalive sweeps of
// the broadcast room and SQLite backups.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@daily" and "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	backupPrefix = "statusboard-"
	backupSuffix = ".db"

	// Fixed-width nanoseconds keep names sorting chronologically.
	backupStamp = "20060102T150405.000000000Z"
)

// Sweeper pings live connections and drops dead ones.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Backuper writes a consistent copy of the database to a new file.
type Backuper interface {
	Backup(ctx context.Context, destPath string) error
}

// Config holds the scheduler's jobs and their schedules. An empty expression
// or a nil target disables that job.
type Config struct {
	Room  Sweeper
	Store Backuper

	Keepalive  string
	Backup     string
	BackupDir  string
	BackupKeep int

	Logger *slog.Logger
	Now    func() time.Time
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cron   *cronlib.Cron

	// backupMu serializes scheduled and manual backups so two runs never
	// pick the same file name.
	backupMu sync.Mutex
}

// NewScheduler validates the configured expressions and registers the jobs.
// Nothing runs until Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	clog := slogAdapter{logger: logger}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		now:    now,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(clog),
			cronlib.WithChain(cronlib.Recover(clog), cronlib.SkipIfStillRunning(clog)),
		),
	}

	if cfg.Room != nil && strings.TrimSpace(cfg.Keepalive) != "" {
		if _, err := s.cron.AddFunc(cfg.Keepalive, func() { s.RunKeepalive(context.Background()) }); err != nil {
			return nil, fmt.Errorf("cron: keepalive schedule %q: %w", cfg.Keepalive, err)
		}
	}
	if cfg.Store != nil && strings.TrimSpace(cfg.Backup) != "" {
		if strings.TrimSpace(cfg.BackupDir) == "" {
			return nil, errors.New("cron: backup schedule set without a backup directory")
		}
		if _, err := s.cron.AddFunc(cfg.Backup, func() {
			if _, err := s.RunBackup(context.Background()); err != nil {
				s.logger.Error("cron: backup failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("cron: backup schedule %q: %w", cfg.Backup, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the jobs in the background until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", s.Jobs())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to finish. It is safe to
// call more than once.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunKeepalive sweeps the room once and returns how many members were pruned.
func (s *Scheduler) RunKeepalive(ctx context.Context) int {
	pruned := s.cfg.Room.Sweep(ctx)
	if pruned > 0 {
		s.logger.Info("cron: keepalive pruned members", "pruned", pruned)
	}
	return pruned
}

// RunBackup writes a timestamped backup into BackupDir and trims old ones
// beyond BackupKeep. It returns the new file's path.
func (s *Scheduler) RunBackup(ctx context.Context) (string, error) {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()

	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	dest, err := nextBackupPath(s.cfg.BackupDir, s.now().UTC())
	if err != nil {
		return "", err
	}
	start := time.Now()
	if err := s.cfg.Store.Backup(ctx, dest); err != nil {
		return "", err
	}
	s.logger.Info("cron: backup written", "path", dest, "duration_ms", time.Since(start).Milliseconds())

	if s.cfg.BackupKeep > 0 {
		removed, err := pruneBackups(s.cfg.BackupDir, s.cfg.BackupKeep)
		if err != nil {
			s.logger.Warn("cron: backup retention failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("cron: old backups removed", "removed", removed)
		}
	}
	return dest, nil
}

// nextBackupPath names a backup for t, stepping forward a nanosecond at a
// time past names that already exist.
func nextBackupPath(dir string, t time.Time) (string, error) {
	for i := 0; i < 1000; i++ {
		p := filepath.Join(dir, backupPrefix+t.Format(backupStamp)+backupSuffix)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", fmt.Errorf("stat backup path: %w", err)
		}
		t = t.Add(time.Nanosecond)
	}
	return "", fmt.Errorf("no free backup name near %s", t.Format(backupStamp))
}

// pruneBackups deletes all but the newest keep backups in dir. Backup names
// sort chronologically.
func pruneBackups(dir string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter routes the cron library's logging through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
