// Package reaper deletes stale temporary artifacts left behind by frame
// extraction and animation assembly. It is independent of task expiry in the
// store: a task can be long gone while its frames still sit on disk.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/local"
)

// Defaults applied when Config fields are zero.
const (
	DefaultRetention = 24 * time.Hour
	DefaultInterval  = time.Hour
)

// Config controls the sweep.
type Config struct {
	// Retention is the minimum age of a file before it is deleted.
	Retention time.Duration
	// Interval is the pause between sweeps in Run.
	Interval time.Duration
}

// Clock supplies the sweep cutoff.
type Clock interface {
	Now() time.Time
}

// Result summarizes one sweep.
type Result struct {
	FilesDeleted int
	DirsDeleted  int
	BytesFreed   int64
	Failures     int
}

func (r *Result) add(o Result) {
	r.FilesDeleted += o.FilesDeleted
	r.DirsDeleted += o.DirsDeleted
	r.BytesFreed += o.BytesFreed
	r.Failures += o.Failures
}

// Reaper sweeps one temp directory.
type Reaper struct {
	dir    *local.Dir
	cfg    Config
	clock  Clock
	events progress.Emitter
	logger *zap.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
	sweep   sync.Mutex
}

// New constructs a Reaper over dir. clock and emitter may be nil.
func New(dir *local.Dir, clock Clock, emitter progress.Emitter, cfg Config, logger *zap.Logger) *Reaper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if clock == nil {
		clock = system.New()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		dir:     dir,
		cfg:     cfg,
		clock:   clock,
		events:  emitter,
		logger:  logger,
		tracked: make(map[string]struct{}),
	}
}

// Track marks paths for deletion on the next sweep regardless of age. Paths
// outside the temp directory are rejected. It returns how many were accepted.
func (r *Reaper) Track(paths ...string) int {
	accepted := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		full, err := r.dir.Resolve(p)
		if err != nil {
			r.logger.Warn("ignoring temp path", zap.String("path", p), zap.Error(err))
			continue
		}
		r.tracked[full] = struct{}{}
		accepted++
	}
	return accepted
}

// Sweep deletes tracked paths, then regular files older than the retention
// window, then empty directories that are either stale or were emptied by
// this sweep. Individual failures are counted and logged; only an unreadable
// root or a cancelled context ends the sweep early.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	r.sweep.Lock()
	defer r.sweep.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.Retention)
	var res Result

	res.add(r.sweepTracked())

	root := r.dir.Path()
	var dirs []string
	emptied := make(map[string]bool)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			r.logger.Warn("temp walk failed", zap.String("path", path), zap.Error(err))
			res.Failures++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("temp stat failed", zap.String("path", path), zap.Error(err))
				res.Failures++
			}
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("temp file not removed", zap.String("path", path), zap.Error(err))
			res.Failures++
			return nil
		}
		res.FilesDeleted++
		res.BytesFreed += info.Size()
		emptied[filepath.Dir(path)] = true
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("walk temp dir %s: %w", root, walkErr)
	}

	slices.Reverse(dirs)
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return res, fmt.Errorf("sweep temp dir: %w", ctx.Err())
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if !emptied[dir] {
			info, err := os.Stat(dir)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
		}
		if err := os.Remove(dir); err != nil {
			r.logger.Debug("temp dir not removed", zap.String("path", dir), zap.Error(err))
			res.Failures++
			continue
		}
		res.DirsDeleted++
		emptied[filepath.Dir(dir)] = true
	}

	r.events.Emit(progress.Event{
		TS:    now,
		Stage: progress.StageTempSwept,
		Count: res.FilesDeleted,
		Bytes: res.BytesFreed,
	})
	r.logger.Info("temp sweep finished",
		zap.String("dir", root),
		zap.Int("files_deleted", res.FilesDeleted),
		zap.Int("dirs_deleted", res.DirsDeleted),
		zap.Int64("bytes_freed", res.BytesFreed),
		zap.Int("failures", res.Failures),
	)
	return res, nil
}

// sweepTracked removes every tracked path. Paths that fail stay tracked.
func (r *Reaper) sweepTracked() Result {
	r.mu.Lock()
	paths := make([]string, 0, len(r.tracked))
	for p := range r.tracked {
		paths = append(paths, p)
	}
	clear(r.tracked)
	r.mu.Unlock()

	var res Result
	for _, p := range paths {
		got, err := removeTree(p)
		res.add(got)
		if err != nil {
			r.logger.Warn("tracked temp path not removed", zap.String("path", p), zap.Error(err))
			res.Failures++
			r.mu.Lock()
			r.tracked[p] = struct{}{}
			r.mu.Unlock()
		}
	}
	return res
}

// removeTree deletes p and, for directories, everything beneath it.
func removeTree(p string) (Result, error) {
	var res Result
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", p, err)
	}
	if !info.IsDir() {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("remove %s: %w", p, err)
		}
		res.FilesDeleted++
		res.BytesFreed += info.Size()
		return res, nil
	}
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			res.FilesDeleted++
			res.BytesFreed += info.Size()
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return Result{}, fmt.Errorf("remove %s: %w", p, err)
	}
	res.DirsDeleted++
	return res, nil
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("temp sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
