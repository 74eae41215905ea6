package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

var (
	// ErrRefCASMismatch reports a ref whose value was not the expected one.
	ErrRefCASMismatch = errors.New("ref compare-and-swap mismatch")
	// ErrReflogNotWritten reports a ref that moved without its reflog entry.
	ErrReflogNotWritten = errors.New("ref updated but reflog append failed")
)

const (
	refLockRetryDelay = 5 * time.Millisecond
	refLockWaitLimit  = 2 * time.Second
	maxSymrefDepth    = 5
)

// RefUpdate moves one ref. With CheckOld set the update only applies while
// the ref still holds Old; an empty Old then means the ref must not exist.
// Reason is recorded in the reflog, where prune reads it back.
type RefUpdate struct {
	Name     string
	New      object.Hash
	Old      object.Hash
	CheckOld bool
	Reason   string
}

// UpdateRef points name at h unconditionally.
func (r *Repo) UpdateRef(name string, h object.Hash) error {
	return r.ApplyRefUpdate(RefUpdate{Name: name, New: h})
}

// UpdateRefCAS points name at h if it currently holds old. An empty old
// creates the ref and fails if it already exists.
func (r *Repo) UpdateRefCAS(name string, h, old object.Hash) error {
	return r.ApplyRefUpdate(RefUpdate{Name: name, New: h, Old: old, CheckOld: true})
}

// ApplyRefUpdate writes the ref under its lock file and then appends the
// reflog entry. A failed reflog append leaves the ref moved and returns an
// error matching ErrReflogNotWritten.
func (r *Repo) ApplyRefUpdate(u RefUpdate) error {
	lk, err := r.lockRef(u.Name)
	if err != nil {
		return fmt.Errorf("update ref %q: %w", u.Name, err)
	}
	defer lk.unlock()

	if u.CheckOld && lk.old != u.Old {
		return fmt.Errorf("update ref %q: %w (expected %q, found %q)", u.Name, ErrRefCASMismatch, u.Old, lk.old)
	}
	if err := lk.commit(u.New); err != nil {
		return fmt.Errorf("update ref %q: %w", u.Name, err)
	}
	if u.Reason == "" {
		u.Reason = "update"
	}
	if err := r.appendReflog(u.Name, reflogLine{old: lk.old, new: u.New, when: time.Now(), reason: u.Reason}); err != nil {
		return fmt.Errorf("update ref %q: %w: %w", u.Name, ErrReflogNotWritten, err)
	}
	return nil
}

// DeleteRef removes a ref, loose and packed, together with its reflog. It
// fails with os.ErrNotExist when there is no such ref.
func (r *Repo) DeleteRef(name string) error {
	lk, err := r.lockRef(name)
	if err != nil {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	defer lk.unlock()

	if lk.loose != "" {
		if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete ref %q: %w", name, err)
		}
	}
	dropped, err := r.removePackedRef(name)
	if err != nil {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	if lk.loose == "" && !dropped {
		return fmt.Errorf("delete ref %q: %w", name, os.ErrNotExist)
	}
	if err := os.Remove(r.reflogPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete ref %q: remove reflog: %w", name, err)
	}
	return nil
}

// refLock holds <ref>.lock. loose is the ref file's content and old the
// value the ref resolves to, falling back to packed-refs.
type refLock struct {
	path  string
	file  *os.File
	loose object.Hash
	old   object.Hash
	done  bool
}

func (r *Repo) lockRef(name string) (*refLock, error) {
	lk := &refLock{path: filepath.Join(r.GotDir, filepath.FromSlash(name))}
	if err := os.MkdirAll(filepath.Dir(lk.path), 0o755); err != nil {
		return nil, err
	}
	f, err := acquireRefLock(lk.path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	lk.file = f

	if lk.loose, err = readRefHash(lk.path); err != nil {
		lk.unlock()
		return nil, fmt.Errorf("read old value: %w", err)
	}
	lk.old = lk.loose
	if lk.old == "" && name != "HEAD" {
		packed, err := r.readPackedRefs()
		if err != nil {
			lk.unlock()
			return nil, err
		}
		if pr, ok := packed.find(name); ok {
			lk.old = pr.target
		}
	}
	return lk, nil
}

// commit writes h to the lock file and renames it over the ref.
func (lk *refLock) commit(h object.Hash) error {
	f := lk.file
	lk.file = nil
	if _, err := f.WriteString(string(h) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(lk.path+".lock", lk.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	lk.done = true
	return nil
}

func (lk *refLock) unlock() {
	if lk.file != nil {
		lk.file.Close()
		lk.file = nil
	}
	if !lk.done {
		os.Remove(lk.path + ".lock")
		lk.done = true
	}
}

func acquireRefLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(refLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !os.IsExist(err) {
			return f, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
		}
		time.Sleep(refLockRetryDelay)
	}
}

// readRefHash returns the content of a ref file, "" if there is none.
func readRefHash(refPath string) (object.Hash, error) {
	data, err := os.ReadFile(refPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return object.Hash(strings.TrimSpace(string(data))), nil
}

// ResolveRef resolves HEAD, a full ref name, or a short branch name to an
// object id. Loose refs shadow packed ones and symbolic refs are followed.
func (r *Repo) ResolveRef(name string) (object.Hash, error) {
	for depth := 0; ; depth++ {
		if depth > maxSymrefDepth {
			return "", fmt.Errorf("resolve ref %q: symbolic ref chain too deep", name)
		}
		if name == "HEAD" {
			head, err := r.Head()
			if err != nil {
				return "", err
			}
			if !strings.HasPrefix(head, "refs/") {
				return object.Hash(head), nil
			}
			name = head
			continue
		}
		if !strings.HasPrefix(name, "refs/") {
			name = "refs/heads/" + name
		}

		loose, err := readRefHash(filepath.Join(r.GotDir, filepath.FromSlash(name)))
		if err != nil {
			return "", fmt.Errorf("resolve ref %q: %w", name, err)
		}
		if target, ok := strings.CutPrefix(string(loose), symrefPrefix); ok {
			name = strings.TrimSpace(target)
			continue
		}
		if loose != "" {
			return loose, nil
		}

		packed, err := r.readPackedRefs()
		if err != nil {
			return "", fmt.Errorf("resolve ref %q: %w", name, err)
		}
		if pr, ok := packed.find(name); ok {
			return pr.target, nil
		}
		return "", fmt.Errorf("resolve ref %q: %w", name, os.ErrNotExist)
	}
}
