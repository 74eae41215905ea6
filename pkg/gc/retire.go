package gc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

const preservedDirName = "preserved"

// Extensions used for packs moved to the preserved directory.
var preservedExt = map[string]string{
	object.PackExt:   ".old-pack",
	object.IndexExt:  ".old-idx",
	object.BitmapExt: ".old-bitmap",
}

func (c *Collector) preservedDir() string {
	return filepath.Join(c.store.PackDir(), preservedDirName)
}

// retireOldPacks deletes, or preserves, every old pack the new packs
// supersede. Objects about to disappear with a pack are written loose
// first unless loose objects would be pruned at once anyway.
func (c *Collector) retireOldPacks(old []*object.Pack, result *RepackResult, packExpire time.Time) {
	newNames := make(map[string]struct{}, len(result.Packs))
	for _, p := range result.Packs {
		newNames[p.Name] = struct{}{}
	}
	inNewPacks := func(h object.Hash) bool {
		for _, p := range result.Packs {
			if p.Contains(h) {
				return true
			}
		}
		return false
	}

	if c.cfg.PreserveOldPacks && c.cfg.PrunePreserved {
		c.prunePreserved(result)
	}

	loosen := c.shouldLoosen()
	// Shared by every pack retired in this cycle only.
	loosened := make(map[object.Hash]struct{})

	c.pm.BeginTask("Retiring old packs", len(old))
	defer c.pm.EndTask()
	for _, p := range old {
		c.pm.Update(1)
		if _, ok := newNames[p.Name]; ok || p.Keep {
			continue
		}
		if !p.ModTime.Before(packExpire) {
			continue
		}
		if loosen {
			n, ok := c.loosenPack(p, inNewPacks, loosened, result)
			result.Loosened += n
			if !ok {
				continue
			}
		}
		c.store.ClosePack(p.Name)
		if c.cfg.PreserveOldPacks {
			if c.preservePack(p, result) {
				result.Retired = append(result.Retired, p.Name)
			}
			continue
		}
		if c.removePack(p, result) {
			result.Retired = append(result.Retired, p.Name)
		}
	}
}

// loosenPack writes the objects of p that no new pack holds as loose
// objects. ok is false when some object could not be written; the pack must
// then stay.
func (c *Collector) loosenPack(p *object.Pack, inNewPacks func(object.Hash) bool, loosened map[object.Hash]struct{}, result *RepackResult) (int, bool) {
	n := 0
	ok := true
	for _, h := range p.Index.Hashes() {
		if _, done := loosened[h]; done || inNewPacks(h) {
			continue
		}
		if c.store.HasLoose(h) {
			loosened[h] = struct{}{}
			continue
		}
		objType, data, err := p.ReadObject(h)
		if err == nil {
			_, err = c.store.WriteLoose(objType, data)
		}
		if err != nil {
			result.Failures = append(result.Failures, c.fileFailure("loosen", c.store.LoosePath(h), err))
			ok = false
			continue
		}
		loosened[h] = struct{}{}
		n++
	}
	return n, ok
}

// removePack deletes the .pack first; siblings go only once it is gone.
func (c *Collector) removePack(p *object.Pack, result *RepackResult) bool {
	if err := c.remove(p.PackPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		result.Failures = append(result.Failures, c.fileFailure("delete", p.PackPath(), err))
		return false
	}
	for _, path := range []string{p.IndexPath(), p.BitmapPath()} {
		if err := c.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Failures = append(result.Failures, c.fileFailure("delete", path, err))
		}
	}
	return true
}

func (c *Collector) preservePack(p *object.Pack, result *RepackResult) bool {
	dir := c.preservedDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Failures = append(result.Failures, c.fileFailure("preserve", dir, err))
		return false
	}
	move := func(src, ext string) error {
		dest := filepath.Join(dir, p.Name+preservedExt[ext])
		return os.Rename(src, dest)
	}
	if err := move(p.PackPath(), object.PackExt); err != nil {
		result.Failures = append(result.Failures, c.fileFailure("preserve", p.PackPath(), err))
		return false
	}
	for ext, path := range map[string]string{object.IndexExt: p.IndexPath(), object.BitmapExt: p.BitmapPath()} {
		if err := move(path, ext); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Failures = append(result.Failures, c.fileFailure("preserve", path, err))
		}
	}
	return true
}

// prunePreserved empties the preserved directory before new packs are
// moved into it.
func (c *Collector) prunePreserved(result *RepackResult) {
	dir := c.preservedDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(filepath.Ext(e.Name()), ".old-") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := c.remove(path); err != nil {
			result.Failures = append(result.Failures, c.fileFailure("delete", path, err))
		}
	}
}

// prunePacked deletes loose objects that a surviving pack also holds.
func (c *Collector) prunePacked(result *RepackResult) {
	packs, err := c.store.Packs()
	if err != nil {
		result.Failures = append(result.Failures, c.fileFailure("list", c.store.PackDir(), err))
		return
	}
	if len(packs) == 0 {
		return
	}
	c.pm.BeginTask("Pruning packed loose objects", 256)
	defer c.pm.EndTask()
	for i := 0; i < 256; i++ {
		c.pm.Update(1)
		prefix := fmt.Sprintf("%02x", i)
		loose, err := c.store.LooseObjectsIn(prefix)
		if err != nil {
			result.Failures = append(result.Failures, c.fileFailure("list", filepath.Join(c.store.ObjectsDir(), prefix), err))
			continue
		}
		removed := false
		for _, lo := range loose {
			if !packsContain(packs, lo.Hash) {
				continue
			}
			if err := c.remove(lo.Path); err != nil {
				result.Failures = append(result.Failures, c.fileFailure("delete", lo.Path, err))
				continue
			}
			result.PrunedLoose++
			removed = true
		}
		if removed {
			dir := filepath.Join(c.store.ObjectsDir(), prefix)
			if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
				_ = c.remove(dir)
			}
		}
	}
}

func packsContain(packs []*object.Pack, h object.Hash) bool {
	for _, p := range packs {
		if p.Contains(h) {
			return true
		}
	}
	return false
}
