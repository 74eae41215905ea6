package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/odvcencio/gotgc/pkg/gc"
)

// ErrGCLocked is returned when another process holds the gc lock.
var ErrGCLocked = errors.New("another gc is running")

// GCOptions adjusts one GC run on top of the [gc] config table.
type GCOptions struct {
	Auto             bool
	PruneExpire      string // overrides gc.pruneExpire when set
	PreserveOldPacks bool
	Logger           *zerolog.Logger
	Progress         gc.ProgressMonitor
}

func (r *Repo) gcLockPath() string {
	return filepath.Join(r.GotDir, "gc.lock")
}

// NewCollector returns a gc.Collector over this repository using cfg.
func (r *Repo) NewCollector(cfg gc.Config, progress gc.ProgressMonitor) *gc.Collector {
	return gc.New(r.Store, r, gc.Options{Config: cfg, Index: r, Progress: progress})
}

// GC runs one collection cycle under .got/gc.lock.
func (r *Repo) GC(ctx context.Context, opts GCOptions) (*gc.Result, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return nil, err
	}
	if opts.PruneExpire != "" {
		cfg.GC.PruneExpire = opts.PruneExpire
	}
	if opts.PreserveOldPacks {
		cfg.GC.PreserveOldPacks = true
	}
	if err := cfg.GC.Validate(); err != nil {
		return nil, err
	}

	lockPath := r.gcLockPath()
	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("gc: %w (remove %s if no gc is running)", ErrGCLocked, lockPath)
		}
		return nil, fmt.Errorf("gc: lock: %w", err)
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	defer func() {
		_ = lock.Close()
		_ = os.Remove(lockPath)
	}()

	c := r.NewCollector(cfg.GC, opts.Progress)
	if opts.Logger != nil {
		c.SetLogger(*opts.Logger)
	}
	c.SetAuto(opts.Auto)
	return c.GC(ctx)
}

// Statistics reports object and ref counts of the repository.
func (r *Repo) Statistics() (gc.RepoStatistics, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return gc.RepoStatistics{}, err
	}
	return r.NewCollector(cfg.GC, nil).Statistics()
}
