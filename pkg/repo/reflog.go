package repo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/gc"
	"github.com/odvcencio/gotgc/pkg/object"
)

// zeroHash stands for "no object" on either side of a reflog line.
const zeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ReflogEntry is one line of a ref's log.
type ReflogEntry struct {
	Ref       string
	OldHash   object.Hash
	NewHash   object.Hash
	Timestamp int64
	Reason    string
}

// reflogLine is the on-disk form: "<old> <new> <unix seconds> <reason>".
type reflogLine struct {
	old, new object.Hash
	when     time.Time
	reason   string
}

func orZero(h object.Hash) string {
	if strings.TrimSpace(string(h)) == "" {
		return zeroHash
	}
	return string(h)
}

func (l reflogLine) String() string {
	reason := strings.Join(strings.Fields(l.reason), " ")
	if reason == "" {
		reason = "update"
	}
	return fmt.Sprintf("%s %s %d %s\n", orZero(l.old), orZero(l.new), l.when.Unix(), reason)
}

func parseReflogLine(s string) (reflogLine, bool) {
	f := strings.SplitN(strings.TrimSpace(s), " ", 4)
	if len(f) != 4 {
		return reflogLine{}, false
	}
	sec, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return reflogLine{}, false
	}
	return reflogLine{old: object.Hash(f[0]), new: object.Hash(f[1]), when: time.Unix(sec, 0), reason: f[3]}, true
}

func (r *Repo) reflogPath(ref string) string {
	return filepath.Join(r.GotDir, "logs", filepath.FromSlash(ref))
}

func (r *Repo) appendReflog(ref string, l reflogLine) error {
	path := r.reflogPath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(l.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readReflogLines returns the well-formed lines of a ref's log, newest
// first. A ref without a log has none.
func (r *Repo) readReflogLines(ref string) ([]reflogLine, error) {
	f, err := os.Open(r.reflogPath(ref))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reflog %s: %w", ref, err)
	}
	defer f.Close()

	var lines []reflogLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l, ok := parseReflogLine(sc.Text()); ok {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reflog %s: %w", ref, err)
	}
	slices.Reverse(lines)
	return lines, nil
}

// ReadReflog returns the log of a branch, newest first and at most limit
// entries when limit > 0. "HEAD" and "" name the current branch.
func (r *Repo) ReadReflog(ref string, limit int) ([]ReflogEntry, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "" || ref == "HEAD":
		ref = "HEAD"
		if head, err := r.Head(); err == nil && strings.HasPrefix(head, "refs/") {
			ref = head
		}
	case !strings.HasPrefix(ref, "refs/"):
		ref = "refs/heads/" + ref
	}

	lines, err := r.readReflogLines(ref)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	out := make([]ReflogEntry, len(lines))
	for i, l := range lines {
		out[i] = ReflogEntry{Ref: ref, OldHash: l.old, NewHash: l.new, Timestamp: l.when.Unix(), Reason: l.reason}
	}
	return out, nil
}

// Reflog returns the log of exactly the named ref, newest first, in the
// form the collector walks.
func (r *Repo) Reflog(name string) ([]gc.ReflogEntry, error) {
	lines, err := r.readReflogLines(name)
	if err != nil {
		return nil, err
	}
	out := make([]gc.ReflogEntry, len(lines))
	for i, l := range lines {
		out[i] = gc.ReflogEntry{Old: l.old, New: l.new, Who: l.reason, When: l.when}
	}
	return out, nil
}
