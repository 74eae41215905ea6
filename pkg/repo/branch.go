package repo

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/odvcencio/gotgc/pkg/object"
)

// checkRefName rejects names that cannot live under refs/<kind>/.
func checkRefName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%s name is required", kind)
	case strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"),
		strings.Contains(name, ".."), strings.Contains(name, "//"),
		strings.HasSuffix(name, ".lock"), strings.ContainsAny(name, " \t\r\n:~^?*[\\"):
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// refNames lists the refs under refs/<kind>/, loose and packed, by short
// name in sorted order.
func (r *Repo) refNames(kind string) ([]string, error) {
	refs, err := r.ListRefs(kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for full := range refs {
		names = append(names, strings.TrimPrefix(full, kind+"/"))
	}
	slices.Sort(names)
	return names, nil
}

// CreateBranch starts branch name at target. The branch must not exist yet.
func (r *Repo) CreateBranch(name string, target object.Hash) error {
	if err := checkRefName("branch", name); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	err := r.ApplyRefUpdate(RefUpdate{
		Name:     "refs/heads/" + name,
		New:      target,
		CheckOld: true,
		Reason:   "branch: Created from " + string(target),
	})
	if errors.Is(err, ErrRefCASMismatch) {
		return fmt.Errorf("create branch: branch %q already exists", name)
	}
	if err != nil {
		return fmt.Errorf("create branch %q: %w", name, err)
	}
	return nil
}

// DeleteBranch removes a branch other than the current one, with its
// reflog. The commits only it reached become prunable.
func (r *Repo) DeleteBranch(name string) error {
	current, err := r.CurrentBranch()
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if current == name {
		return fmt.Errorf("delete branch: cannot delete current branch %q", name)
	}
	err = r.DeleteRef("refs/heads/" + name)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete branch: branch %q does not exist", name)
	}
	if err != nil {
		return fmt.Errorf("delete branch %q: %w", name, err)
	}
	return nil
}

// ListBranches returns the branch names in sorted order.
func (r *Repo) ListBranches() ([]string, error) {
	names, err := r.refNames("heads")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return names, nil
}
