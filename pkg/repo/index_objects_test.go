package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/gotgc/pkg/object"
)

func stagedBlob(t *testing.T, r *Repo, path string) object.Hash {
	t.Helper()
	stg, err := r.ReadStaging()
	if err != nil {
		t.Fatalf("ReadStaging: %v", err)
	}
	entry, ok := stg.Entries[path]
	if !ok {
		t.Fatalf("%s not staged", path)
	}
	return entry.BlobHash
}

func TestIndexObjects(t *testing.T) {
	r := initRepoWithFile(t, "main.go", []byte("package main\n"))
	v1 := stagedBlob(t, r, "main.go")

	// Before the first commit every staged blob counts.
	objs, err := r.IndexObjects()
	if err != nil {
		t.Fatalf("IndexObjects: %v", err)
	}
	if _, ok := objs[v1]; !ok || len(objs) != 1 {
		t.Fatalf("IndexObjects before commit = %v", objs)
	}

	if _, err := r.Commit("initial", "test-author"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	objs, err = r.IndexObjects()
	if err != nil {
		t.Fatalf("IndexObjects: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("IndexObjects matching HEAD = %v, want none", objs)
	}

	if err := os.WriteFile(filepath.Join(r.RootDir, "main.go"), []byte("package main // v2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(r.RootDir, "new.go"), []byte("package main // new\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Add([]string{"main.go", "new.go"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	v2 := stagedBlob(t, r, "main.go")
	added := stagedBlob(t, r, "new.go")

	objs, err = r.IndexObjects()
	if err != nil {
		t.Fatalf("IndexObjects: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("IndexObjects = %v, want the modified and the new blob", objs)
	}
	for _, h := range []object.Hash{v2, added} {
		if _, ok := objs[h]; !ok {
			t.Fatalf("IndexObjects missing %s", h)
		}
	}
}
