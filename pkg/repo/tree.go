package repo

import (
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/odvcencio/gotgc/pkg/object"
)

// TreeFileEntry is a file of a flattened tree.
type TreeFileEntry struct {
	Path     string
	BlobHash object.Hash
	Mode     string
}

// fileMode maps a work tree file to the tree mode it is stored with.
func fileMode(info fs.FileInfo) string {
	if info.Mode()&0o111 != 0 {
		return object.TreeModeExecutable
	}
	return object.TreeModeFile
}

// treeMode clamps a recorded mode to the two file modes trees carry.
func treeMode(mode string) string {
	if mode == object.TreeModeExecutable {
		return mode
	}
	return object.TreeModeFile
}

// dirNode is one directory of the tree being built from staging paths.
type dirNode struct {
	files map[string]*StagingEntry
	dirs  map[string]*dirNode
}

func (d *dirNode) insert(path string, e *StagingEntry) {
	head, rest, nested := strings.Cut(path, "/")
	if !nested {
		if d.files == nil {
			d.files = make(map[string]*StagingEntry)
		}
		d.files[head] = e
		return
	}
	if d.dirs == nil {
		d.dirs = make(map[string]*dirNode)
	}
	sub := d.dirs[head]
	if sub == nil {
		sub = &dirNode{}
		d.dirs[head] = sub
	}
	sub.insert(rest, e)
}

// BuildTree writes the tree objects for the staged paths, bottom up, and
// returns the root tree id. A name staged both as a file and as a directory
// keeps the file.
func (r *Repo) BuildTree(s *Staging) (object.Hash, error) {
	var root dirNode
	for p, e := range s.Entries {
		root.insert(p, e)
	}
	return r.writeDir(&root, "")
}

func (r *Repo) writeDir(d *dirNode, prefix string) (object.Hash, error) {
	var entries []object.TreeEntry
	for _, name := range slices.Sorted(maps.Keys(d.files)) {
		e := d.files[name]
		entries = append(entries, object.TreeEntry{Name: name, Mode: treeMode(e.Mode), BlobHash: e.BlobHash})
	}
	for _, name := range slices.Sorted(maps.Keys(d.dirs)) {
		if _, shadowed := d.files[name]; shadowed {
			continue
		}
		sub, err := r.writeDir(d.dirs[name], prefix+name+"/")
		if err != nil {
			return "", err
		}
		entries = append(entries, object.TreeEntry{Name: name, IsDir: true, SubtreeHash: sub})
	}
	slices.SortFunc(entries, func(a, b object.TreeEntry) int { return strings.Compare(a.Name, b.Name) })

	h, err := r.Store.WriteTree(&object.TreeObj{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("build tree %q: %w", prefix, err)
	}
	return h, nil
}

// FlattenTree lists every file below tree h in tree order, with
// slash-separated paths.
func (r *Repo) FlattenTree(h object.Hash) ([]TreeFileEntry, error) {
	var out []TreeFileEntry
	err := r.walkTree(h, "", func(f TreeFileEntry) {
		out = append(out, f)
	})
	return out, err
}

// treeFiles maps each file path below tree h to its blob.
func (r *Repo) treeFiles(h object.Hash) (map[string]object.Hash, error) {
	files := make(map[string]object.Hash)
	err := r.walkTree(h, "", func(f TreeFileEntry) {
		files[f.Path] = f.BlobHash
	})
	return files, err
}

func (r *Repo) walkTree(h object.Hash, prefix string, visit func(TreeFileEntry)) error {
	tree, err := r.Store.ReadTree(h)
	if err != nil {
		return fmt.Errorf("read tree %s: %w", h, err)
	}
	for _, e := range tree.Entries {
		if e.IsDir {
			if err := r.walkTree(e.SubtreeHash, prefix+e.Name+"/", visit); err != nil {
				return err
			}
			continue
		}
		visit(TreeFileEntry{Path: prefix + e.Name, BlobHash: e.BlobHash, Mode: treeMode(e.Mode)})
	}
	return nil
}
