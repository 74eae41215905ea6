package repo

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

// Commit records the staging area as a commit on top of HEAD and moves the
// current branch, or a detached HEAD, to it. The reflog reason follows the
// "commit: <subject>" convention, with "(initial)" for a root commit.
func (r *Repo) Commit(message, author string) (object.Hash, error) {
	stg, err := r.ReadStaging()
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if len(stg.Entries) == 0 {
		return "", fmt.Errorf("commit: nothing staged")
	}
	tree, err := r.BuildTree(stg)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	// An unborn branch has no parent.
	parent, _ := r.ResolveRef("HEAD")

	c := &object.CommitObj{TreeHash: tree, Author: author, Timestamp: time.Now().Unix(), Message: message}
	reason := "commit (initial): "
	if parent != "" {
		c.Parents = []object.Hash{parent}
		reason = "commit: "
	}
	h, err := r.Store.WriteCommit(c)
	if err != nil {
		return "", fmt.Errorf("commit: write commit: %w", err)
	}

	target := head
	if !strings.HasPrefix(head, "refs/") {
		target = "HEAD"
	}
	err = r.ApplyRefUpdate(RefUpdate{
		Name:     target,
		New:      h,
		Old:      parent,
		CheckOld: true,
		Reason:   reason + subject(message),
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return h, nil
}

// subject is the first line of a commit message.
func subject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return line
}

// Log follows first parents from start, newest first, for at most limit
// commits. A missing commit ends the walk.
func (r *Repo) Log(start object.Hash, limit int) ([]*object.CommitObj, error) {
	var out []*object.CommitObj
	for h := start; h != "" && len(out) < limit; {
		c, err := r.Store.ReadCommit(h)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("log: read commit %s: %w", h, err)
		}
		out = append(out, c)
		h = ""
		if len(c.Parents) > 0 {
			h = c.Parents[0]
		}
	}
	return out, nil
}
