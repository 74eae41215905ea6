package gc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

func fakeHash(c byte) object.Hash {
	return object.Hash(strings.Repeat(string(c), 64))
}

func equalHashes(got, want []object.Hash) bool {
	if len(got) != len(want) {
		return false
	}
	object.SortHashes(want)
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestPlanRepackClassifiesRefs(t *testing.T) {
	branch, tag, peeled := fakeHash('a'), fakeHash('b'), fakeHash('c')
	remote, txn, logged, indexed := fakeHash('d'), fakeHash('e'), fakeHash('f'), fakeHash('1')
	refs := []Ref{
		{Name: "HEAD", Symbolic: "refs/heads/main", Target: branch},
		{Name: "refs/heads/main", Target: branch},
		{Name: "refs/heads/alias", Target: branch},
		{Name: "refs/tags/v1", Target: tag, Peeled: peeled},
		{Name: "refs/remotes/origin/main", Target: remote},
		{Name: "refs/txn/pending", Target: txn},
	}
	reflogs := map[string][]ReflogEntry{
		"refs/heads/main": {{Old: object.Hash(strings.Repeat("0", 64)), New: logged}},
	}
	index := map[object.Hash]struct{}{indexed: {}}

	plan := planRepack(refs, reflogs, index, false)
	if !equalHashes(plan.heads, []object.Hash{branch, tag, peeled}) {
		t.Fatalf("heads = %v", plan.heads)
	}
	if !equalHashes(plan.tagTargets, []object.Hash{peeled}) {
		t.Fatalf("tagTargets = %v", plan.tagTargets)
	}
	if !equalHashes(plan.nonHeads, []object.Hash{remote, logged, indexed}) {
		t.Fatalf("nonHeads = %v", plan.nonHeads)
	}
	if !equalHashes(plan.txn, []object.Hash{txn}) {
		t.Fatalf("txn = %v", plan.txn)
	}

	single := planRepack(refs, reflogs, index, true)
	if len(single.nonHeads) != 0 || len(single.heads) != 6 {
		t.Fatalf("single pack plan heads=%d nonHeads=%d", len(single.heads), len(single.nonHeads))
	}
}

func TestPlanStagesThreadExclusions(t *testing.T) {
	plan := repackPlan{
		heads:      []object.Hash{fakeHash('a')},
		tagTargets: []object.Hash{fakeHash('b')},
		nonHeads:   []object.Hash{fakeHash('c')},
	}
	stages := plan.stages(true)
	if len(stages) != 3 || stages[0].name != "heads" || stages[1].name != "rest" || stages[2].name != "txn" {
		t.Fatalf("stages = %+v", stages)
	}
	if !stages[0].req.Bitmaps || stages[1].req.Bitmaps {
		t.Fatal("only the heads pack carries a bitmap")
	}
	if len(stages[0].req.PreferredBases) != 2 {
		t.Fatalf("preferred bases = %v", stages[0].req.PreferredBases)
	}
	if len(stages[1].req.Have) != 1 || stages[1].req.Have[0] != fakeHash('a') {
		t.Fatalf("rest have = %v", stages[1].req.Have)
	}
}

// Three refs on disjoint five-object chains end up in a single heads pack.
func TestRepackThreeDisjointChains(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	var all []object.Hash
	for i, name := range []string{"main", "dev", "topic"} {
		ch := writeChain(t, s, name, int64(100*(i+1)))
		refs.set("refs/heads/"+name, ch.second)
		all = append(all, ch.objects()...)
	}

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if len(res.Packs) != 1 {
		t.Fatalf("packs = %d, want 1", len(res.Packs))
	}
	pack := res.Packs[0]
	if pack.Index.Count() != 15 {
		t.Fatalf("pack holds %d objects, want 15", pack.Index.Count())
	}
	for _, h := range all {
		if !pack.Contains(h) {
			t.Fatalf("pack misses %s", h)
		}
	}
	if !pack.HasBitmap {
		t.Fatal("heads pack has no bitmap")
	}
	if res.PrunedLoose != 15 {
		t.Fatalf("pruned %d packed loose objects, want 15", res.PrunedLoose)
	}
	if len(res.Snapshot.Refs) != 3 {
		t.Fatalf("snapshot refs = %d", len(res.Snapshot.Refs))
	}

	pr, err := c.Prune(context.Background(), nil, res.Snapshot)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(pr.Deleted) != 0 {
		t.Fatalf("prune deleted %v", pr.Deleted)
	}
}

func TestRepackSeparatesRestAndTxn(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	remote := writeChain(t, s, "remote", 200)
	txn := writeChain(t, s, "txn", 300)
	refs.set("refs/heads/main", main.second)
	refs.set("refs/remotes/origin/main", remote.second)
	refs.set("refs/txn/1", txn.second)

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if len(res.Packs) != 3 {
		t.Fatalf("packs = %d, want 3", len(res.Packs))
	}
	for i, ch := range []chain{main, remote, txn} {
		for _, h := range ch.objects() {
			if !res.Packs[i].Contains(h) {
				t.Fatalf("pack %d misses %s", i, h)
			}
		}
		if res.Packs[i].Index.Count() != 5 {
			t.Fatalf("pack %d holds %d objects, want 5", i, res.Packs[i].Index.Count())
		}
	}
}

func TestRepackIsIdempotent(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	other := writeChain(t, s, "other", 200)
	refs.set("refs/heads/main", main.second)
	refs.set("refs/notes/commits", other.second)
	c.SetPackExpire(time.Now().Add(time.Hour))

	members := func(res *RepackResult) map[object.Hash]bool {
		out := make(map[object.Hash]bool)
		for _, p := range res.Packs {
			for _, h := range p.Index.Hashes() {
				out[h] = true
			}
		}
		return out
	}

	first, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("first Repack: %v", err)
	}
	second, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("second Repack: %v", err)
	}
	a, b := members(first), members(second)
	if len(a) != 10 || len(a) != len(b) {
		t.Fatalf("object sets differ: %d vs %d", len(a), len(b))
	}
	for h := range a {
		if !b[h] {
			t.Fatalf("second repack lost %s", h)
		}
	}
	if len(second.Retired) != 0 {
		t.Fatalf("second repack retired re-produced packs %v", second.Retired)
	}
	for _, h := range append(main.objects(), other.objects()...) {
		if !s.Has(h) {
			t.Fatalf("object %s lost", h)
		}
	}
}

func TestRepackLoosensUnreachablePackedObjects(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	lost := writeBlob(t, s, "only in the old pack")
	old := packObjects(t, c, main.second, lost)
	refs.set("refs/heads/main", main.second)
	c.SetPackExpire(time.Now().Add(time.Hour))

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if len(res.Retired) != 1 || res.Retired[0] != old.Name {
		t.Fatalf("retired %v, want [%s]", res.Retired, old.Name)
	}
	if res.Loosened != 1 {
		t.Fatalf("loosened %d, want 1", res.Loosened)
	}
	if !s.HasLoose(lost) {
		t.Fatal("unreachable object vanished with its pack")
	}
	for _, h := range main.objects() {
		if s.HasLoose(h) {
			t.Fatalf("repacked object %s loosened", h)
		}
	}
	if _, err := os.Stat(old.PackPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old pack still on disk: %v", err)
	}
	if _, err := os.Stat(old.IndexPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old index still on disk: %v", err)
	}
}

func TestRepackSkipsLooseningWhenPruningNow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneExpire = "now"
	c, s, refs := newTestCollector(t, cfg, nil)
	main := writeChain(t, s, "main", 100)
	lost := writeBlob(t, s, "dropped")
	packObjects(t, c, main.second, lost)
	refs.set("refs/heads/main", main.second)
	c.SetPackExpire(time.Now().Add(time.Hour))

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if res.Loosened != 0 || s.Has(lost) {
		t.Fatalf("loosened %d, object present %v", res.Loosened, s.Has(lost))
	}
}

func TestRepackKeepsYoungAndKeptPacks(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	refs.set("refs/heads/main", main.second)
	young := packObjects(t, c, writeBlob(t, s, "young"))
	kept := packObjects(t, c, main.first)
	if err := os.WriteFile(kept.KeepPath(), nil, 0o644); err != nil {
		t.Fatalf("write keep: %v", err)
	}

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if len(res.Retired) != 0 {
		t.Fatalf("retired %v", res.Retired)
	}
	names := packNames(t, s)
	if !names[young.Name] || !names[kept.Name] {
		t.Fatalf("packs after repack = %v", names)
	}
	// Objects of the kept pack are left out of the new pack.
	if len(res.Packs) != 1 {
		t.Fatalf("packs = %d, want 1", len(res.Packs))
	}
	for _, h := range []object.Hash{main.first, main.tree, main.blobs[0]} {
		if res.Packs[0].Contains(h) {
			t.Fatalf("new pack duplicates kept object %s", h)
		}
	}
	if !res.Packs[0].Contains(main.second) {
		t.Fatal("new pack misses the tip commit")
	}

	c.SetPackKeptObjects(true)
	res, err = c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack with kept objects: %v", err)
	}
	if res.Packs[0].Index.Count() != 5 {
		t.Fatalf("pack holds %d objects, want 5", res.Packs[0].Index.Count())
	}
}

func TestRepackPreservesOldPacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreserveOldPacks = true
	cfg.PrunePreserved = true
	c, s, refs := newTestCollector(t, cfg, nil)
	main := writeChain(t, s, "main", 100)
	refs.set("refs/heads/main", main.second)
	first := packObjects(t, c, writeBlob(t, s, "first"))
	c.SetPackExpire(time.Now().Add(time.Hour))

	if _, err := c.Repack(context.Background()); err != nil {
		t.Fatalf("Repack: %v", err)
	}
	preserved := c.preservedDir()
	for _, name := range []string{first.Name + ".old-pack", first.Name + ".old-idx"} {
		if _, err := os.Stat(filepath.Join(preserved, name)); err != nil {
			t.Fatalf("preserved %s: %v", name, err)
		}
	}
	if packNames(t, s)[first.Name] {
		t.Fatal("preserved pack still installed")
	}

	second := packObjects(t, c, writeBlob(t, s, "second"))
	if _, err := c.Repack(context.Background()); err != nil {
		t.Fatalf("second Repack: %v", err)
	}
	entries, err := os.ReadDir(preserved)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), second.Name) {
			t.Fatalf("preserved dir still holds %s", e.Name())
		}
	}
	if len(entries) != 2 {
		t.Fatalf("preserved dir has %d entries, want 2", len(entries))
	}
}

func TestRepackRecordsDeletionFailures(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	refs.set("refs/heads/main", main.second)
	old := packObjects(t, c, writeBlob(t, s, "old"))
	c.SetPackExpire(time.Now().Add(time.Hour))
	locked := errors.New("file is locked")
	c.remove = func(path string) error {
		if strings.HasSuffix(path, object.PackExt) {
			return locked
		}
		return os.Remove(path)
	}

	res, err := c.Repack(context.Background())
	if err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if len(res.Retired) != 0 {
		t.Fatalf("retired %v despite failure", res.Retired)
	}
	found := false
	for _, f := range res.Failures {
		if f.Path == old.PackPath() && errors.Is(f, locked) {
			found = true
		}
	}
	if !found {
		t.Fatalf("failures = %v", res.Failures)
	}
	if _, err := os.Stat(old.IndexPath()); err != nil {
		t.Fatalf("index of undeleted pack removed: %v", err)
	}
}

func TestRepackCancelledBeforeInstall(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	refs.set("refs/heads/main", main.second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Repack(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Repack err = %v, want ErrCancelled", err)
	}
	entries, _ := os.ReadDir(s.PackDir())
	if len(entries) != 0 {
		t.Fatalf("pack dir not empty after cancel: %d entries", len(entries))
	}
}

// cancelOnUpdate cancels the repack once the first stage is written.
type cancelOnUpdate struct {
	NopProgress
	cancel  context.CancelFunc
	updates int
}

func (p *cancelOnUpdate) Update(int) {
	p.updates++
	p.cancel()
}

func TestRepackCancelledBetweenStages(t *testing.T) {
	c, s, refs := newTestCollector(t, DefaultConfig(), nil)
	main := writeChain(t, s, "main", 100)
	topic := writeChain(t, s, "topic", 200)
	refs.set("refs/heads/main", main.second)
	refs.set("refs/remotes/origin/topic", topic.second)
	old := packObjects(t, c, main.first)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pm := &cancelOnUpdate{cancel: cancel}
	c.pm = pm

	if _, err := c.Repack(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Repack err = %v, want ErrCancelled", err)
	}
	if pm.updates != 1 {
		t.Fatalf("cancelled after %d stages, want 1", pm.updates)
	}

	entries, err := os.ReadDir(s.PackDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{old.Name + object.IndexExt, old.Name + object.PackExt}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("pack dir after cancel = %v, want %v", names, want)
	}
	for _, h := range append([]object.Hash{main.second}, topic.objects()...) {
		if !s.HasLoose(h) {
			t.Fatalf("cancelled repack removed loose %s", h)
		}
	}
}

func TestRenameIntoParksCopyWhenDestinationBusy(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, ".tmp-pack-1")
	dest := filepath.Join(dir, "pack-x.pack")
	if err := os.WriteFile(tmp, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "occupied"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := renameInto(tmp, dest)
	if err == nil {
		t.Fatal("renameInto succeeded over a directory")
	}
	if _, err := os.Stat(dest + ".new"); err != nil {
		t.Fatalf("no parked copy: %v", err)
	}
}

func TestSweepTempFiles(t *testing.T) {
	c, s, _ := newTestCollector(t, DefaultConfig(), nil)
	if err := os.MkdirAll(s.PackDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	now := time.Now()
	stale := filepath.Join(s.PackDir(), ".tmp-pack-stale")
	fresh := filepath.Join(s.PackDir(), ".tmp-pack-fresh")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	old := now.Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	res := &RepackResult{}
	c.sweepTempFiles(now, res)
	if len(res.TempFiles) != 1 || res.TempFiles[0] != ".tmp-pack-stale" {
		t.Fatalf("swept %v", res.TempFiles)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh temp file removed: %v", err)
	}
}
