package repo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/gotgc/pkg/object"
)

// StagingEntry is the staged state of one file.
type StagingEntry struct {
	Path     string      `json:"path"`
	BlobHash object.Hash `json:"blob_hash"`
	Mode     string      `json:"mode,omitempty"`
	ModTime  int64       `json:"mod_time"`
	Size     int64       `json:"size"`
}

// Staging is the index: the blobs the next commit will record. Its blobs
// are GC roots even before they are committed.
type Staging struct {
	Entries map[string]*StagingEntry `json:"entries"`
}

func (r *Repo) indexPath() string {
	return filepath.Join(r.GotDir, "index")
}

// ReadStaging loads .got/index. A repository without one has an empty
// staging area.
func (r *Repo) ReadStaging() (*Staging, error) {
	stg := &Staging{}
	data, err := os.ReadFile(r.indexPath())
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read staging: %w", err)
	default:
		if err := json.Unmarshal(data, stg); err != nil {
			return nil, fmt.Errorf("read staging: %w", err)
		}
	}
	if stg.Entries == nil {
		stg.Entries = make(map[string]*StagingEntry)
	}
	return stg, nil
}

// WriteStaging replaces .got/index with s.
func (r *Repo) WriteStaging(s *Staging) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	if err := writeFileAtomic(r.indexPath(), data); err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	return nil
}

// Add writes each file as a loose blob and stages it. A file staged again
// leaves its previous blob unreferenced until the next prune.
func (r *Repo) Add(paths []string) error {
	stg, err := r.ReadStaging()
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	for _, p := range paths {
		rel, err := r.relPath(p)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		e, err := r.stageFile(rel)
		if err != nil {
			return fmt.Errorf("add: %q: %w", rel, err)
		}
		stg.Entries[rel] = e
	}
	if err := r.WriteStaging(stg); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	return nil
}

func (r *Repo) stageFile(rel string) (*StagingEntry, error) {
	f, err := os.Open(filepath.Join(r.RootDir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("is a directory")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	h, err := r.Store.WriteBlob(&object.Blob{Data: data})
	if err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	return &StagingEntry{
		Path:     rel,
		BlobHash: h,
		Mode:     fileMode(info),
		ModTime:  info.ModTime().Unix(),
		Size:     info.Size(),
	}, nil
}

// relPath maps p to a slash-separated path below the work tree root. An
// absolute p must lie inside the work tree. A relative p is taken from the
// working directory when that is inside the work tree, and from the root
// otherwise.
func (r *Repo) relPath(p string) (string, error) {
	inside := func(abs string) (string, bool) {
		rel, err := filepath.Rel(r.RootDir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", false
		}
		return filepath.ToSlash(rel), true
	}
	if filepath.IsAbs(p) {
		rel, ok := inside(p)
		if !ok {
			return "", fmt.Errorf("%q is outside repository %s", p, r.RootDir)
		}
		return rel, nil
	}
	if cwd, err := os.Getwd(); err == nil {
		if rel, ok := inside(filepath.Join(cwd, p)); ok {
			return rel, nil
		}
	}
	return filepath.ToSlash(filepath.Clean(p)), nil
}
