package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/gotgc/pkg/gc"
	"github.com/odvcencio/gotgc/pkg/object"
)

// gcRepo returns a repo with one commit on main, a staged edit, and an
// unreachable blob from an earlier edit whose loose file is 30 days old.
func gcRepo(t *testing.T) (r *Repo, head, staged, garbage object.Hash) {
	t.Helper()
	r = initRepoWithFile(t, "main.go", []byte("package main\n"))
	head, err := r.Commit("initial", "test-author")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for _, content := range []string{"package main // v2\n", "package main // v3\n"} {
		if err := os.WriteFile(filepath.Join(r.RootDir, "main.go"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := r.Add([]string{"main.go"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if garbage == "" {
			garbage = stagedBlob(t, r, "main.go")
		}
	}
	staged = stagedBlob(t, r, "main.go")

	old := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(r.Store.LoosePath(garbage), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	return r, head, staged, garbage
}

func TestRepoGC(t *testing.T) {
	r, head, staged, garbage := gcRepo(t)

	res, err := r.GC(context.Background(), GCOptions{})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if res.Skipped || res.Repack == nil || res.Prune == nil {
		t.Fatalf("GC result = %+v", res)
	}
	if len(res.Repack.Packs) == 0 {
		t.Fatal("GC wrote no pack")
	}
	if len(res.Prune.Deleted) != 1 || res.Prune.Deleted[0] != garbage {
		t.Fatalf("pruned %v, want only %s", res.Prune.Deleted, garbage)
	}

	if r.Store.Has(garbage) {
		t.Fatal("unreachable blob survived")
	}
	for _, h := range []object.Hash{head, staged} {
		if !r.Store.Has(h) {
			t.Fatalf("object %s lost", h)
		}
		if r.Store.HasLoose(h) {
			t.Fatalf("object %s still loose after repack", h)
		}
	}
	if _, err := os.Stat(filepath.Join(r.GotDir, "refs", "heads", "main")); !os.IsNotExist(err) {
		t.Fatalf("refs/heads/main not packed: %v", err)
	}
	if _, err := os.Stat(r.gcLockPath()); !os.IsNotExist(err) {
		t.Fatalf("gc.lock left behind: %v", err)
	}

	st, err := r.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.NumberOfLooseObjects != 0 || st.NumberOfPackedRefs != 1 || st.NumberOfLooseRefs != 0 {
		t.Fatalf("statistics after gc = %+v", st)
	}

	// History still reads through the packs.
	commits, err := r.Log(head, 10)
	if err != nil || len(commits) != 1 {
		t.Fatalf("Log = %v, %v", commits, err)
	}
}

func TestRepoGC_PruneExpireOverride(t *testing.T) {
	r, _, _, garbage := gcRepo(t)
	cfg := DefaultConfig()
	cfg.GC.PruneExpire = "never"
	if err := r.WriteConfig(cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	res, err := r.GC(context.Background(), GCOptions{})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(res.Prune.Deleted) != 0 || !r.Store.HasLoose(garbage) {
		t.Fatalf("gc.pruneExpire=never pruned %v", res.Prune.Deleted)
	}

	res, err = r.GC(context.Background(), GCOptions{PruneExpire: "1.week.ago"})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(res.Prune.Deleted) != 1 || r.Store.Has(garbage) {
		t.Fatalf("override did not prune: %v", res.Prune.Deleted)
	}

	_, err = r.GC(context.Background(), GCOptions{PruneExpire: "someday"})
	var cfgErr *gc.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("bad override = %v, want ConfigError", err)
	}
}

func TestRepoGC_Locked(t *testing.T) {
	r, _, _, garbage := gcRepo(t)
	if err := os.WriteFile(r.gcLockPath(), []byte("12345\n"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	if _, err := r.GC(context.Background(), GCOptions{}); !errors.Is(err, ErrGCLocked) {
		t.Fatalf("GC under foreign lock = %v", err)
	}
	assertFile(t, r.gcLockPath())
	if !r.Store.HasLoose(garbage) {
		t.Fatal("locked gc touched the object store")
	}
}

func TestRepoGC_AutoSkipsSmallRepo(t *testing.T) {
	r, head, _, _ := gcRepo(t)

	res, err := r.GC(context.Background(), GCOptions{Auto: true})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("auto gc ran on a small repo: %+v", res)
	}
	if !r.Store.HasLoose(head) {
		t.Fatal("skipped auto gc packed objects")
	}
}
