package gc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

// PruneReport describes one Prune call.
type PruneReport struct {
	ExpireDate  time.Time
	Candidates  int           // expired, unkept, not in the index
	Deleted     []object.Hash // removed from disk
	Retained    int           // refreshed between listing and deletion
	RemovedDirs int
	Failures    []FileError
}

// Prune deletes unreachable loose objects older than the expiration date.
// Objects in keep are never deleted. last is the snapshot returned by the
// previous Repack; with it only refs that changed since are walked, and
// without it every ref is.
func (c *Collector) Prune(ctx context.Context, keep map[object.Hash]struct{}, last *Snapshot) (*PruneReport, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	return c.prune(ctx, keep, last)
}

func (c *Collector) prune(ctx context.Context, keep map[object.Hash]struct{}, last *Snapshot) (*PruneReport, error) {
	expire, err := c.expireDate(c.now())
	if err != nil {
		return nil, err
	}
	report := &PruneReport{ExpireDate: expire}
	if expire.IsZero() {
		return report, nil
	}

	candidates, err := c.pruneCandidates(ctx, expire, keep)
	if err != nil {
		return nil, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	refs, err := c.refs.Refs()
	if err != nil {
		return nil, fmt.Errorf("prune: list refs: %w", err)
	}
	var boundary []object.Hash
	if last != nil {
		boundary = refTargets(last.Refs)
	}

	if changed := changedRefs(refs, last); len(changed) > 0 {
		if err := c.dropReachable(ctx, candidates, refTargets(changed), boundary); err != nil {
			return nil, err
		}
	}
	if len(candidates) > 0 {
		starts, err := c.reflogStarts(ctx, refs, last)
		if err != nil {
			return nil, err
		}
		if len(starts) > 0 {
			if err := c.dropReachable(ctx, candidates, starts, boundary); err != nil {
				return nil, err
			}
		}
	}
	if len(candidates) == 0 {
		return report, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	c.deleteCandidates(candidates, expire, report)
	c.log.Info().
		Int("candidates", report.Candidates).
		Int("deleted", len(report.Deleted)).
		Int("failures", len(report.Failures)).
		Msg("pruned loose objects")
	return report, nil
}

func (c *Collector) pruneCandidates(ctx context.Context, expire time.Time, keep map[object.Hash]struct{}) (map[object.Hash]string, error) {
	candidates := make(map[object.Hash]string)
	var indexObjects map[object.Hash]struct{}

	c.pm.BeginTask("Finding expired loose objects", 256)
	defer c.pm.EndTask()
	for i := 0; i < 256; i++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		loose, err := c.store.LooseObjectsIn(fmt.Sprintf("%02x", i))
		if err != nil {
			return nil, fmt.Errorf("prune: %w", err)
		}
		for _, lo := range loose {
			if !lo.ModTime.Before(expire) {
				continue
			}
			if _, ok := keep[lo.Hash]; ok {
				continue
			}
			if indexObjects == nil {
				indexObjects, err = c.indexObjects()
				if err != nil {
					return nil, err
				}
			}
			if _, ok := indexObjects[lo.Hash]; ok {
				continue
			}
			candidates[lo.Hash] = lo.Path
		}
		c.pm.Update(1)
	}
	return candidates, nil
}

func (c *Collector) indexObjects() (map[object.Hash]struct{}, error) {
	if c.index == nil {
		return map[object.Hash]struct{}{}, nil
	}
	objs, err := c.index.IndexObjects()
	if err != nil {
		return nil, fmt.Errorf("gc: index objects: %w", err)
	}
	if objs == nil {
		objs = map[object.Hash]struct{}{}
	}
	return objs, nil
}

// dropReachable removes from candidates everything reachable from starts
// but not from boundary, stopping once no candidate is left.
func (c *Collector) dropReachable(ctx context.Context, candidates map[object.Hash]string, starts, boundary []object.Hash) error {
	walk := c.store.NewObjectWalk(ctx, starts, boundary)
	for len(candidates) > 0 {
		h, err := walk.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prune: %w", wrapCancelled(err))
		}
		delete(candidates, h)
	}
	return nil
}

func (c *Collector) reflogStarts(ctx context.Context, refs []Ref, last *Snapshot) ([]object.Hash, error) {
	seen := make(map[object.Hash]struct{})
	var out []object.Hash
	add := func(h object.Hash) {
		if !object.IsValidHash(h) || isZeroHash(h) {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	// Reflogs record whole seconds. An entry stamped in the snapshot's own
	// second may have been written after it.
	var since time.Time
	if last != nil {
		since = last.Time.Truncate(time.Second)
	}
	for _, r := range refs {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		entries, err := c.refs.Reflog(r.Name)
		if err != nil {
			return nil, fmt.Errorf("prune: reflog %s: %w", r.Name, err)
		}
		for _, e := range entries {
			// Newest first: everything after this is older.
			if last != nil && e.When.Before(since) {
				break
			}
			add(e.Old)
			add(e.New)
		}
	}
	return out, nil
}

func (c *Collector) deleteCandidates(candidates map[object.Hash]string, expire time.Time, report *PruneReport) {
	hashes := make([]object.Hash, 0, len(candidates))
	for h := range candidates {
		hashes = append(hashes, h)
	}
	object.SortHashes(hashes)

	dirs := make(map[string]struct{})
	for _, h := range hashes {
		path := candidates[h]
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				report.Failures = append(report.Failures, c.fileFailure("delete", path, err))
			}
			continue
		}
		// Rewritten since listing: someone may have just referenced it.
		if !info.ModTime().Before(expire) {
			report.Retained++
			continue
		}
		if err := c.remove(path); err != nil {
			report.Failures = append(report.Failures, c.fileFailure("delete", path, err))
			continue
		}
		report.Deleted = append(report.Deleted, h)
		dirs[filepath.Dir(path)] = struct{}{}
	}

	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for _, d := range sorted {
		if c.removeIfEmpty(d, report) {
			report.RemovedDirs++
		}
	}
}

func (c *Collector) removeIfEmpty(dir string, report *PruneReport) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}
	if err := c.remove(dir); err != nil {
		report.Failures = append(report.Failures, c.fileFailure("rmdir", dir, err))
		return false
	}
	return true
}

func (c *Collector) fileFailure(op, path string, err error) FileError {
	c.log.Warn().Err(err).Str("op", op).Str("path", path).Msg("gc file operation failed")
	return FileError{Op: op, Path: path, Err: err}
}
