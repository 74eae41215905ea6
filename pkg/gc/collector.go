package gc

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odvcencio/gotgc/pkg/object"
)

// ProgressMonitor receives coarse progress of each stage.
type ProgressMonitor interface {
	BeginTask(title string, total int)
	Update(completed int)
	EndTask()
}

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) BeginTask(string, int) {}
func (NopProgress) Update(int)            {}
func (NopProgress) EndTask()              {}

// Options configures a Collector.
type Options struct {
	Config   Config
	Index    IndexResolver
	Progress ProgressMonitor
}

// Collector runs garbage collection over one object store. It is not safe
// for concurrent use; overlapping calls fail with ErrBusy.
type Collector struct {
	store *object.Store
	refs  RefDatabase
	index IndexResolver
	cfg   Config
	pm    ProgressMonitor
	log   zerolog.Logger

	expire          time.Time
	expireAge       time.Duration
	packExpire      time.Time
	packExpireAge   time.Duration
	auto            bool
	packKeptObjects bool

	busy atomic.Bool

	now    func() time.Time
	remove func(string) error
}

// New returns a Collector over store and refs.
func New(store *object.Store, refs RefDatabase, opts Options) *Collector {
	pm := opts.Progress
	if pm == nil {
		pm = NopProgress{}
	}
	return &Collector{
		store:  store,
		refs:   refs,
		index:  opts.Index,
		cfg:    opts.Config,
		pm:     pm,
		log:    zerolog.Nop(),
		now:    time.Now,
		remove: os.Remove,
	}
}

// SetLogger sets the logger for the collector.
func (c *Collector) SetLogger(logger zerolog.Logger) {
	c.log = logger
}

// SetExpire fixes the instant before which unreachable loose objects are
// pruned. It takes precedence over SetExpireAge and gc.pruneExpire.
func (c *Collector) SetExpire(t time.Time) {
	c.expire = t
}

// SetExpireAge prunes unreachable loose objects older than age. It takes
// precedence over gc.pruneExpire.
func (c *Collector) SetExpireAge(age time.Duration) {
	c.expireAge = age
}

// SetPackExpire fixes the instant before which superseded packs are retired.
func (c *Collector) SetPackExpire(t time.Time) {
	c.packExpire = t
}

// SetPackExpireAge retires superseded packs older than age.
func (c *Collector) SetPackExpireAge(age time.Duration) {
	c.packExpireAge = age
}

// SetAuto makes GC consult NeedsGC first and skip the cycle when nothing
// calls for it.
func (c *Collector) SetAuto(auto bool) {
	c.auto = auto
}

// SetPackKeptObjects makes Repack include objects of kept packs in the new
// packs instead of leaving them out.
func (c *Collector) SetPackKeptObjects(pack bool) {
	c.packKeptObjects = pack
}

func (c *Collector) enter() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *Collector) leave() {
	c.busy.Store(false)
}

func (c *Collector) expireDate(now time.Time) (time.Time, error) {
	if !c.expire.IsZero() {
		return c.expire, nil
	}
	if c.expireAge > 0 {
		return now.Add(-c.expireAge), nil
	}
	t, err := ParseExpire(c.cfg.PruneExpire, now)
	if err != nil {
		return time.Time{}, &ConfigError{Key: "gc.pruneExpire", Value: c.cfg.PruneExpire, Err: err}
	}
	return t, nil
}

func (c *Collector) packExpireDate(now time.Time) (time.Time, error) {
	if !c.packExpire.IsZero() {
		return c.packExpire, nil
	}
	if c.packExpireAge > 0 {
		return now.Add(-c.packExpireAge), nil
	}
	t, err := ParseExpire(c.cfg.PrunePackExpire, now)
	if err != nil {
		return time.Time{}, &ConfigError{Key: "gc.prunePackExpire", Value: c.cfg.PrunePackExpire, Err: err}
	}
	return t, nil
}

// shouldLoosen is false only when loose objects would be pruned at once.
func (c *Collector) shouldLoosen() bool {
	if !c.expire.IsZero() || c.expireAge > 0 {
		return true
	}
	return c.cfg.PruneExpire != "now"
}

// Result is the outcome of one GC cycle.
type Result struct {
	Skipped bool // auto mode found nothing to do
	Advice  Advice
	Repack  *RepackResult
	Prune   *PruneReport
}

// GC runs a full cycle: pack refs, repack, then prune loose objects that
// are neither reachable nor recent.
func (c *Collector) GC(ctx context.Context) (*Result, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()

	now := c.now()
	if _, err := c.expireDate(now); err != nil {
		return nil, err
	}
	if _, err := c.packExpireDate(now); err != nil {
		return nil, err
	}

	res := &Result{}
	packKept := c.packKeptObjects
	if c.auto {
		if !c.cfg.AutoEnabled {
			res.Skipped = true
			return res, nil
		}
		advice, err := c.needsGC()
		if err != nil {
			return nil, err
		}
		res.Advice = advice
		if !advice.Needed() {
			res.Skipped = true
			c.log.Debug().Msg("auto gc: nothing to do")
			return res, nil
		}
		if advice.TooManyPacks && !advice.TooManyLooseObjects {
			packKept = true
		}
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	if err := c.refs.PackRefs(); err != nil {
		return nil, fmt.Errorf("gc: pack refs: %w", err)
	}

	rr, err := c.repack(ctx, packKept)
	if err != nil {
		return nil, err
	}
	res.Repack = rr

	pr, err := c.prune(ctx, nil, rr.Snapshot)
	if err != nil {
		return res, err
	}
	res.Prune = pr
	return res, nil
}
