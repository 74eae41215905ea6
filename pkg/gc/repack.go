package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

const txnRefPrefix = "refs/txn/"

// RepackResult describes one Repack call.
type RepackResult struct {
	Packs       []*object.Pack // newly installed, in write order
	Snapshot    *Snapshot
	Retired     []string // names of packs removed or preserved
	Loosened    int
	PrunedLoose int
	Orphans     []string
	TempFiles   []string
	Failures    []FileError
}

// repackPlan is the classification of every ref and reflog id into the
// sets each new pack is built from.
type repackPlan struct {
	heads      []object.Hash
	tagTargets []object.Hash
	nonHeads   []object.Hash
	txn        []object.Hash
}

type hashSet struct {
	seen  map[object.Hash]struct{}
	order []object.Hash
}

func newHashSet() *hashSet {
	return &hashSet{seen: make(map[object.Hash]struct{})}
}

func (s *hashSet) add(h object.Hash) {
	if !object.IsValidHash(h) || isZeroHash(h) {
		return
	}
	if _, ok := s.seen[h]; ok {
		return
	}
	s.seen[h] = struct{}{}
	s.order = append(s.order, h)
}

func (s *hashSet) list() []object.Hash {
	return object.SortHashes(append([]object.Hash(nil), s.order...))
}

// planRepack classifies refs. Branches and tags become heads, with peeled
// tag targets added to both heads and tagTargets. refs/txn/ refs get their
// own pack. Every other direct ref, every reflog id and every index object
// goes to nonHeads. Symbolic refs only contribute their reflogs.
func planRepack(refs []Ref, reflogs map[string][]ReflogEntry, index map[object.Hash]struct{}, singlePack bool) repackPlan {
	heads, tags, non, txn := newHashSet(), newHashSet(), newHashSet(), newHashSet()

	for _, r := range refs {
		if r.IsSymbolic() {
			continue
		}
		switch {
		case strings.HasPrefix(r.Name, "refs/heads/"), strings.HasPrefix(r.Name, "refs/tags/"):
			heads.add(r.Target)
			if r.Peeled != "" && r.Peeled != r.Target {
				tags.add(r.Peeled)
				heads.add(r.Peeled)
			}
		case strings.HasPrefix(r.Name, txnRefPrefix):
			txn.add(r.Target)
		default:
			non.add(r.Target)
		}
	}
	for _, entries := range reflogs {
		for _, e := range entries {
			non.add(e.Old)
			non.add(e.New)
		}
	}
	for h := range index {
		non.add(h)
	}

	plan := repackPlan{
		heads:      heads.list(),
		tagTargets: tags.list(),
		nonHeads:   non.list(),
		txn:        txn.list(),
	}
	if singlePack {
		for _, h := range plan.nonHeads {
			heads.add(h)
		}
		plan.heads = heads.list()
		plan.nonHeads = nil
	}
	return plan
}

// packStage is one pack of a repack cycle.
type packStage struct {
	name string
	req  object.PackRequest
}

func (p repackPlan) stages(bitmaps bool) []packStage {
	preferred := newHashSet()
	for _, h := range p.tagTargets {
		preferred.add(h)
	}
	for _, h := range p.heads {
		preferred.add(h)
	}
	return []packStage{
		{name: "heads", req: object.PackRequest{Want: p.heads, PreferredBases: preferred.list(), Bitmaps: bitmaps}},
		{name: "rest", req: object.PackRequest{Want: p.nonHeads, Have: p.heads}},
		{name: "txn", req: object.PackRequest{Want: p.txn}},
	}
}

// stagedPack is a pack written to temp files in the pack directory and not
// yet renamed into place.
type stagedPack struct {
	stage    string
	prepared *object.PreparedPack
	temps    []tempFile
}

type tempFile struct {
	path string
	dest string
}

func (sp *stagedPack) discard() {
	for _, t := range sp.temps {
		_ = os.Remove(t.path)
	}
	sp.temps = nil
}

// writeStage builds one stage's pack with excluded left out of it and
// writes it to temp files. It returns nil when the stage has nothing to
// pack, and the exclusion list for the next stage.
func (c *Collector) writeStage(ctx context.Context, excluded []object.ObjectSet, stage packStage) (*stagedPack, []object.ObjectSet, error) {
	if len(stage.req.Want) == 0 {
		return nil, excluded, nil
	}
	req := stage.req
	req.Exclude = excluded

	prepared, err := c.store.PreparePack(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("repack %s: %w", stage.name, wrapCancelled(err))
	}
	if prepared.ObjectCount() == 0 {
		return nil, excluded, nil
	}
	sp, err := c.stagePack(ctx, stage.name, prepared)
	if err != nil {
		return nil, nil, fmt.Errorf("repack %s: %w", stage.name, wrapCancelled(err))
	}

	next := make([]object.ObjectSet, 0, len(excluded)+1)
	next = append(next, excluded...)
	next = append(next, prepared)
	return sp, next, nil
}

// Repack rewrites every reachable object into at most three new packs,
// retires the packs they supersede, and returns the snapshot the next Prune
// should start from.
func (c *Collector) Repack(ctx context.Context) (*RepackResult, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	return c.repack(ctx, c.packKeptObjects)
}

func (c *Collector) repack(ctx context.Context, packKept bool) (*RepackResult, error) {
	now := c.now()
	packExpire, err := c.packExpireDate(now)
	if err != nil {
		return nil, err
	}

	toBeDeleted, err := c.store.Packs()
	if err != nil {
		return nil, fmt.Errorf("repack: %w", err)
	}
	refsBefore, err := c.refs.Refs()
	if err != nil {
		return nil, fmt.Errorf("repack: list refs: %w", err)
	}
	reflogs := make(map[string][]ReflogEntry, len(refsBefore))
	for _, r := range refsBefore {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		entries, err := c.refs.Reflog(r.Name)
		if err != nil {
			return nil, fmt.Errorf("repack: reflog %s: %w", r.Name, err)
		}
		reflogs[r.Name] = entries
	}
	index, err := c.indexObjects()
	if err != nil {
		return nil, err
	}
	plan := planRepack(refsBefore, reflogs, index, c.cfg.SinglePack)

	var excluded []object.ObjectSet
	if !packKept {
		for _, p := range toBeDeleted {
			if p.Keep {
				excluded = append(excluded, p.Index)
			}
		}
	}

	result := &RepackResult{Snapshot: &Snapshot{Refs: refsBefore, Time: now}}
	stages := plan.stages(c.cfg.WriteBitmaps)
	var staged []*stagedPack
	discard := func() {
		for _, sp := range staged {
			sp.discard()
		}
	}
	c.pm.BeginTask("Writing packs", len(stages))
	for _, stage := range stages {
		sp, next, err := c.writeStage(ctx, excluded, stage)
		if err != nil {
			c.pm.EndTask()
			discard()
			return nil, err
		}
		if sp != nil {
			staged = append(staged, sp)
		}
		excluded = next
		c.pm.Update(1)
	}
	c.pm.EndTask()

	// Last cancellation point: from here on every pack is installed and the
	// old ones are retired.
	if err := checkCancelled(ctx); err != nil {
		discard()
		return nil, err
	}
	for i, sp := range staged {
		pack, err := c.installStaged(sp)
		if err != nil {
			for _, rest := range staged[i+1:] {
				rest.discard()
			}
			return nil, fmt.Errorf("repack %s: %w", sp.stage, err)
		}
		c.log.Debug().Str("stage", sp.stage).Str("pack", pack.Name).Int("objects", sp.prepared.ObjectCount()).Msg("installed pack")
		result.Packs = append(result.Packs, pack)
	}

	c.retireOldPacks(toBeDeleted, result, packExpire)
	c.prunePacked(result)

	sweep := c.sweepOrphans()
	result.Orphans = sweep.Removed
	result.Failures = append(result.Failures, sweep.Failures...)
	c.sweepTempFiles(now, result)

	c.log.Info().
		Int("packs", len(result.Packs)).
		Int("retired", len(result.Retired)).
		Int("loosened", result.Loosened).
		Int("pruned_loose", result.PrunedLoose).
		Msg("repacked")
	return result, nil
}

// stagePack writes the pack, index and bitmap of p to synced, read-only
// temp files in the pack directory.
func (c *Collector) stagePack(ctx context.Context, stage string, p *object.PreparedPack) (*stagedPack, error) {
	packDir := c.store.PackDir()
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return nil, fmt.Errorf("stage: mkdir: %w", err)
	}
	sp := &stagedPack{stage: stage, prepared: p}

	write := func(kind, ext string, fn func(*os.File) error) error {
		f, err := os.CreateTemp(packDir, ".tmp-"+kind+"-*")
		if err != nil {
			return fmt.Errorf("stage: create temp %s: %w", kind, err)
		}
		sp.temps = append(sp.temps, tempFile{path: f.Name(), dest: filepath.Join(packDir, p.Name+ext)})
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("stage: sync %s: %w", kind, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("stage: close %s: %w", kind, err)
		}
		if err := os.Chmod(f.Name(), 0o444); err != nil {
			return fmt.Errorf("stage: chmod %s: %w", kind, err)
		}
		return nil
	}

	if err := write("pack", object.PackExt, func(f *os.File) error {
		_, err := p.WritePack(ctx, f)
		return err
	}); err != nil {
		sp.discard()
		return nil, err
	}
	if err := write("idx", object.IndexExt, func(f *os.File) error {
		_, err := p.WriteIndex(f)
		return err
	}); err != nil {
		sp.discard()
		return nil, err
	}
	if p.HasBitmap() {
		if err := write("bitmap", object.BitmapExt, func(f *os.File) error {
			return p.WriteBitmap(ctx, f)
		}); err != nil {
			sp.discard()
			return nil, err
		}
	}
	return sp, nil
}

// installStaged renames the temp files of sp into place, .pack first, and
// opens the installed pack.
func (c *Collector) installStaged(sp *stagedPack) (*object.Pack, error) {
	packDir := c.store.PackDir()
	name := sp.prepared.Name

	// An identical object set may already be installed under this name.
	c.store.ClosePack(name)
	temps := sp.temps
	sp.temps = nil
	for i, t := range temps {
		if err := renameInto(t.path, t.dest); err != nil {
			for _, rest := range temps[i+1:] {
				_ = os.Remove(rest.path)
			}
			return nil, err
		}
	}
	if !sp.prepared.HasBitmap() {
		stale := filepath.Join(packDir, name+object.BitmapExt)
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Str("path", stale).Msg("could not remove stale bitmap")
		}
	}

	pack, err := c.store.OpenPack(filepath.Join(packDir, name+object.PackExt))
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	return pack, nil
}

// renameInto moves tmp to dest. When that fails the file is parked at
// dest+".new" so nothing already installed is overwritten.
func renameInto(tmp, dest string) error {
	err := os.Rename(tmp, dest)
	if err == nil {
		return nil
	}
	parked := dest + ".new"
	if perr := os.Rename(tmp, parked); perr == nil {
		return fmt.Errorf("install %s: rename failed, copy left at %s: %w", filepath.Base(dest), parked, err)
	}
	_ = os.Remove(tmp)
	return fmt.Errorf("install %s: %w", filepath.Base(dest), err)
}

// sweepTempFiles removes pack temp files abandoned more than a day ago.
func (c *Collector) sweepTempFiles(now time.Time, result *RepackResult) {
	entries, err := os.ReadDir(c.store.PackDir())
	if err != nil {
		return
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(c.store.PackDir(), e.Name())
		if err := c.remove(path); err != nil {
			result.Failures = append(result.Failures, c.fileFailure("delete", path, err))
			continue
		}
		result.TempFiles = append(result.TempFiles, e.Name())
	}
}
