package gc

import (
	"fmt"
)

// sampleFanout is the one loose-object directory counted to estimate the
// total. Ids are uniformly distributed, so any directory would do.
const sampleFanout = "17"

// Advice is what the auto-gc heuristics found.
type Advice struct {
	TooManyPacks        bool
	TooManyLooseObjects bool
}

// Needed reports whether either heuristic fired.
func (a Advice) Needed() bool {
	return a.TooManyPacks || a.TooManyLooseObjects
}

// NeedsGC runs the cheap auto-gc heuristics. It never scans the whole
// store.
func (c *Collector) NeedsGC() (Advice, error) {
	if err := c.enter(); err != nil {
		return Advice{}, err
	}
	defer c.leave()
	return c.needsGC()
}

func (c *Collector) needsGC() (Advice, error) {
	var advice Advice
	var err error
	if advice.TooManyPacks, err = c.tooManyPacks(); err != nil {
		return Advice{}, err
	}
	if advice.TooManyLooseObjects, err = c.tooManyLooseObjects(); err != nil {
		return Advice{}, err
	}
	c.log.Debug().
		Bool("too_many_packs", advice.TooManyPacks).
		Bool("too_many_loose", advice.TooManyLooseObjects).
		Msg("auto gc advice")
	return advice, nil
}

// tooManyPacks allows limit+1 non-kept packs: a fresh repack leaves a heads
// pack and a rest pack behind.
func (c *Collector) tooManyPacks() (bool, error) {
	limit := c.cfg.AutoPackLimit
	if limit <= 0 {
		return false, nil
	}
	packs, err := c.store.Packs()
	if err != nil {
		return false, fmt.Errorf("auto gc: %w", err)
	}
	n := 0
	for _, p := range packs {
		if !p.Keep {
			n++
		}
	}
	return n > limit+1, nil
}

// tooManyLooseObjects extrapolates from a single fanout directory.
func (c *Collector) tooManyLooseObjects() (bool, error) {
	limit := c.cfg.Auto
	if limit <= 0 {
		return false, nil
	}
	loose, err := c.store.LooseObjectsIn(sampleFanout)
	if err != nil {
		return false, fmt.Errorf("auto gc: %w", err)
	}
	threshold := (limit + 255) / 256
	return len(loose) > threshold, nil
}
