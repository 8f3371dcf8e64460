// Package backup schedules store snapshots and rotates old ones.
package backup

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	covotel "github.com/covenantd/covenant/internal/otel"
	"github.com/covenantd/covenant/internal/store"
)

var tracer = covotel.Tracer("github.com/covenantd/covenant/internal/backup")

// Snapshotter is the slice of the store the coordinator needs.
type Snapshotter interface {
	CreateBackup(ctx context.Context, path string) error
	RestoreBackup(ctx context.Context, path string) error
	SchemaVersion(ctx context.Context) (int, error)
}

// Config controls scheduling and rotation.
type Config struct {
	// Enabled gates all scheduled and change-triggered backups.
	Enabled bool
	// Dir is where snapshots are written.
	Dir string
	// Interval between scheduled backups.
	Interval time.Duration
	// OnSignificantChange triggers an out-of-schedule backup when a single
	// update moves a score by more than SignificantChangeThreshold.
	OnSignificantChange        bool
	SignificantChangeThreshold float64
	// RetainCount is how many snapshots rotation keeps. The newest
	// successful snapshot survives regardless.
	RetainCount int
	// RetainAge, when positive, additionally removes snapshots older than
	// this (never the newest).
	RetainAge time.Duration
	// Ext is the snapshot filename extension, backend dependent
	// (".db" for sqlite, ".yaml" for the file store).
	Ext string
}

// DefaultConfig returns hourly backups keeping the last seven snapshots.
func DefaultConfig(dir string) Config {
	return Config{
		Enabled:                    true,
		Dir:                        dir,
		Interval:                   time.Hour,
		OnSignificantChange:        true,
		SignificantChangeThreshold: 0.1,
		RetainCount:                7,
		Ext:                        ".db",
	}
}

const (
	snapshotPrefix = "trust-"
	// versionSuffix marks the manifest written next to each snapshot
	// recording the source schema version.
	versionSuffix = ".version"
)

// Coordinator owns the backup schedule. Scheduled runs and significant
// change triggers share one serialized backup path; a failed attempt is
// logged and retried on the next interval, never surfaced to the caller
// that triggered it.
type Coordinator struct {
	cfg   Config
	store Snapshotter
	cron  *cron.Cron
	now   func() time.Time

	mu      sync.Mutex // serializes backup attempts
	running bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator; Start begins the schedule.
func NewCoordinator(cfg Config, s Snapshotter, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		store: s,
		cron:  cron.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers the interval schedule and begins running it. A disabled
// coordinator starts nothing.
func (c *Coordinator) Start() error {
	if !c.cfg.Enabled {
		log.Debug().Msg("backups disabled")
		return nil
	}
	if c.cfg.Interval <= 0 {
		return fmt.Errorf("%w: non-positive backup interval", store.ErrBackupFailed)
	}
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.cfg.Interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := c.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled backup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("%w: registering schedule: %v", store.ErrBackupFailed, err)
	}
	c.cron.Start()
	c.running = true
	log.Info().Dur("interval", c.cfg.Interval).Str("dir", c.cfg.Dir).Msg("backup schedule started")
	return nil
}

// Stop halts the schedule and waits for an in-flight backup to finish.
func (c *Coordinator) Stop() {
	if !c.running {
		return
	}
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.running = false
}

// NotifyChange implements the trust.ChangeListener contract. A delta past
// the significant-change threshold triggers an immediate backup in the
// background; failures are logged, never propagated to the update path.
func (c *Coordinator) NotifyChange(agentID string, delta float64) {
	if !c.cfg.Enabled || !c.cfg.OnSignificantChange {
		return
	}
	if math.Abs(delta) <= c.cfg.SignificantChangeThreshold {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := c.RunOnce(ctx); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("significant-change backup failed")
		} else {
			log.Info().Str("agent_id", agentID).Float64("delta", delta).Msg("significant-change backup written")
		}
	}()
}

// RunOnce performs one backup plus rotation and returns the snapshot path.
// Attempts are serialized; concurrent triggers wait their turn.
func (c *Coordinator) RunOnce(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "backup.run_once")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.cfg.Dir,
		fmt.Sprintf("%s%s%s", snapshotPrefix, c.now().UTC().Format("20060102T150405.000000000Z"), c.cfg.Ext))
	span.SetAttributes(attribute.String("backup.path", path))

	if err := c.store.CreateBackup(ctx, path); err != nil {
		backupFailures.Add(ctx, 1)
		return "", err
	}
	backupsTotal.Add(ctx, 1)

	if err := c.writeVersionManifest(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("recording snapshot schema version failed")
	}
	if err := c.rotate(); err != nil {
		log.Warn().Err(err).Msg("backup rotation failed")
	}
	return path, nil
}

// writeVersionManifest records the store's schema version next to the
// snapshot so listings report it without opening the snapshot itself.
func (c *Coordinator) writeVersionManifest(ctx context.Context, path string) error {
	v, err := c.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path+versionSuffix, []byte(strconv.Itoa(v)+"\n"), 0o600)
}

// readVersionManifest returns the recorded schema version, or 0 when the
// manifest is missing or unreadable.
func readVersionManifest(path string) int {
	data, err := os.ReadFile(path + versionSuffix)
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}

// Restore replaces store content from the named snapshot.
func (c *Coordinator) Restore(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "backup.restore",
		trace.WithAttributes(attribute.String("backup.path", path)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.RestoreBackup(ctx, path)
}

// Latest returns the newest snapshot path, or "" when none exist.
func (c *Coordinator) Latest() (string, error) {
	snaps, err := c.list()
	if err != nil || len(snaps) == 0 {
		return "", err
	}
	return snaps[len(snaps)-1].path, nil
}

// List returns all snapshots, oldest first.
func (c *Coordinator) List() ([]store.BackupRecord, error) {
	snaps, err := c.list()
	if err != nil {
		return nil, err
	}
	records := make([]store.BackupRecord, 0, len(snaps))
	for _, s := range snaps {
		records = append(records, store.BackupRecord{
			Path:          s.path,
			CreatedAt:     s.modTime,
			SourceVersion: readVersionManifest(s.path),
		})
	}
	return records, nil
}

type snapshot struct {
	path    string
	modTime time.Time
}

// list returns snapshots sorted oldest first.
func (c *Coordinator) list() ([]snapshot, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing backups: %v", store.ErrBackupFailed, err)
	}

	var snaps []snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), versionSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshot{
			path:    filepath.Join(c.cfg.Dir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].modTime.Equal(snaps[j].modTime) {
			return snaps[i].path < snaps[j].path
		}
		return snaps[i].modTime.Before(snaps[j].modTime)
	})
	return snaps, nil
}

// rotate enforces the retention policy. The newest snapshot is always kept
// so there is at least one recovery point.
func (c *Coordinator) rotate() error {
	snaps, err := c.list()
	if err != nil {
		return err
	}
	if len(snaps) <= 1 {
		return nil
	}

	newest := snaps[len(snaps)-1]
	candidates := snaps[:len(snaps)-1]

	remove := make(map[string]bool)
	if c.cfg.RetainCount > 0 {
		excess := len(snaps) - c.cfg.RetainCount
		for i := 0; i < excess && i < len(candidates); i++ {
			remove[candidates[i].path] = true
		}
	}
	if c.cfg.RetainAge > 0 {
		cutoff := c.now().Add(-c.cfg.RetainAge)
		for _, s := range candidates {
			if s.modTime.Before(cutoff) {
				remove[s.path] = true
			}
		}
	}

	for path := range remove {
		if path == newest.path {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("removing expired backup failed")
			continue
		}
		_ = os.Remove(path + versionSuffix)
		rotationsTotal.Add(context.Background(), 1)
		log.Debug().Str("path", path).Msg("expired backup removed")
	}
	return nil
}
