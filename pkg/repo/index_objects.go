package repo

import (
	"errors"
	"fmt"
	"os"

	"github.com/odvcencio/gotgc/pkg/object"
)

// IndexObjects returns the staged blobs that differ from the HEAD tree.
// Unreadable HEAD history is an error; a HEAD without commits makes every
// staged blob count.
func (r *Repo) IndexObjects() (map[object.Hash]struct{}, error) {
	stg, err := r.ReadStaging()
	if err != nil {
		return nil, fmt.Errorf("index objects: %w", err)
	}
	out := make(map[object.Hash]struct{})
	if len(stg.Entries) == 0 {
		return out, nil
	}

	committed, err := r.headFiles()
	if err != nil {
		return nil, fmt.Errorf("index objects: %w", err)
	}
	for path, e := range stg.Entries {
		if committed[path] != e.BlobHash {
			out[e.BlobHash] = struct{}{}
		}
	}
	return out, nil
}

// headFiles maps the paths of the HEAD commit's tree to their blobs. It is
// empty while HEAD has no commit.
func (r *Repo) headFiles() (map[string]object.Hash, error) {
	head, err := r.ResolveRef("HEAD")
	if err != nil || head == "" {
		return nil, nil
	}
	c, err := r.Store.ReadCommit(head)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	return r.treeFiles(c.TreeHash)
}
