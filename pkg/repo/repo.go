package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/gotgc/pkg/object"
)

const defaultBranch = "main"

// Repo is an opened repository: a work tree with its .got directory.
type Repo struct {
	RootDir string
	GotDir  string
	Store   *object.Store
}

func newRepo(root string) *Repo {
	gotDir := filepath.Join(root, ".got")
	return &Repo{RootDir: root, GotDir: gotDir, Store: object.NewStore(gotDir)}
}

// Init lays out an empty repository under path with HEAD on the default
// branch. An existing .got directory is an error.
func Init(path string) (*Repo, error) {
	r := newRepo(path)
	if _, err := os.Stat(r.GotDir); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", r.GotDir)
	}
	for _, d := range []string{
		r.Store.PackDir(),
		filepath.Join(r.GotDir, "refs", "heads"),
		filepath.Join(r.GotDir, "refs", "tags"),
		filepath.Join(r.GotDir, "logs", "refs", "heads"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
	}
	head := symrefPrefix + "refs/heads/" + defaultBranch + "\n"
	if err := os.WriteFile(filepath.Join(r.GotDir, "HEAD"), []byte(head), 0o644); err != nil {
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}
	return r, nil
}

// Open finds the repository containing path, walking up the directory
// tree.
func Open(path string) (*Repo, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".got")); err == nil && info.IsDir() {
			return newRepo(dir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("open: not a got repository (or any parent up to /)")
		}
		dir = parent
	}
}

// Head returns the ref HEAD points at, or the commit id of a detached HEAD.
func (r *Repo) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.GotDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	head := strings.TrimRight(string(data), "\n")
	if target, ok := strings.CutPrefix(head, symrefPrefix); ok {
		return target, nil
	}
	return head, nil
}

// CurrentBranch returns the short name of the checked out branch, or "" when
// HEAD is detached.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	branch, _ := strings.CutPrefix(head, "refs/heads/")
	if branch == head {
		return "", nil
	}
	return branch, nil
}

// writeFileAtomic replaces the file at dest with data through a temporary
// file in the same directory.
func writeFileAtomic(dest string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
