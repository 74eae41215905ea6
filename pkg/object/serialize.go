package object

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Blob and tag payloads are stored as-is; both directions copy so callers
// never share a buffer with the store.

func MarshalBlob(b *Blob) []byte { return bytes.Clone(b.Data) }

func UnmarshalBlob(data []byte) (*Blob, error) {
	return &Blob{Data: cloneNonNil(data)}, nil
}

func MarshalTag(t *TagObj) []byte { return bytes.Clone(t.Data) }

// UnmarshalTag keeps the payload whole and pulls the target out of its
// first line, which must read "object <hash>".
func UnmarshalTag(data []byte) (*TagObj, error) {
	first, _, _ := bytes.Cut(data, []byte{'\n'})
	val, ok := strings.CutPrefix(string(first), "object ")
	target := Hash(strings.TrimSpace(val))
	if !ok {
		return nil, fmt.Errorf("unmarshal tag: missing object header")
	}
	if !IsValidHash(target) {
		return nil, fmt.Errorf("unmarshal tag: invalid target %q", val)
	}
	return &TagObj{TargetHash: target, Data: cloneNonNil(data)}, nil
}

func cloneNonNil(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// target is the object an entry names, whichever kind it is.
func (e TreeEntry) target() Hash {
	if e.IsDir {
		return e.SubtreeHash
	}
	return e.BlobHash
}

func (e TreeEntry) mode() string {
	switch {
	case e.IsDir:
		return TreeModeDir
	case strings.TrimSpace(e.Mode) == "":
		return TreeModeFile
	}
	return e.Mode
}

// MarshalTree writes one "mode hash name" line per entry, ordered by name
// whatever order the caller built them in.
func MarshalTree(tr *TreeObj) []byte {
	entries := slices.SortedFunc(slices.Values(tr.Entries), func(a, b TreeEntry) int {
		return cmp.Compare(a.Name, b.Name)
	})
	var out []byte
	for _, e := range entries {
		out = fmt.Appendf(out, "%s %s %s\n", e.mode(), e.target(), e.Name)
	}
	return out
}

func UnmarshalTree(data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return tr, nil
	}
	for line := range strings.SplitSeq(text, "\n") {
		e, err := parseTreeLine(line)
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		tr.Entries = append(tr.Entries, e)
	}
	return tr, nil
}

func parseTreeLine(line string) (TreeEntry, error) {
	mode, rest, ok1 := strings.Cut(line, " ")
	h, name, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || name == "" {
		return TreeEntry{}, fmt.Errorf("malformed entry %q", line)
	}
	if !IsValidHash(Hash(h)) {
		return TreeEntry{}, fmt.Errorf("invalid hash in entry %q", line)
	}
	e := TreeEntry{Name: name, Mode: mode}
	switch mode {
	case TreeModeDir:
		e.IsDir, e.SubtreeHash = true, Hash(h)
	case TreeModeFile, TreeModeExecutable:
		e.BlobHash = Hash(h)
	default:
		return TreeEntry{}, fmt.Errorf("unknown mode %q", mode)
	}
	return e, nil
}

// MarshalCommit writes the header block (tree, parents, author, timestamp),
// a blank line, then the message verbatim.
func MarshalCommit(c *CommitObj) []byte {
	out := fmt.Appendf(nil, "tree %s\n", c.TreeHash)
	for _, p := range c.Parents {
		out = fmt.Appendf(out, "parent %s\n", p)
	}
	out = fmt.Appendf(out, "author %s\ntimestamp %d\n\n", c.Author, c.Timestamp)
	return append(out, c.Message...)
}

func UnmarshalCommit(data []byte) (*CommitObj, error) {
	header, message, ok := strings.Cut(string(data), "\n\n")
	if !ok {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator")
	}
	c := &CommitObj{Message: message}
	for line := range strings.SplitSeq(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		var err error
		switch key {
		case "tree":
			c.TreeHash = Hash(val)
		case "parent":
			c.Parents = append(c.Parents, Hash(val))
		case "author":
			c.Author = val
		case "timestamp":
			if c.Timestamp, err = strconv.ParseInt(val, 10, 64); err != nil {
				return nil, fmt.Errorf("unmarshal commit: bad timestamp %q: %w", val, err)
			}
		default:
			return nil, fmt.Errorf("unmarshal commit: unknown header key %q", key)
		}
	}
	return c, nil
}

// referencedHashes lists the ids an object points at directly. This is the
// edge set the reachability walk follows.
func referencedHashes(objType ObjectType, data []byte) ([]Hash, error) {
	switch objType {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		tag, err := UnmarshalTag(data)
		if err != nil {
			return nil, err
		}
		return []Hash{tag.TargetHash}, nil
	case TypeCommit:
		c, err := UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		return append([]Hash{c.TreeHash}, c.Parents...), nil
	case TypeTree:
		tr, err := UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		refs := make([]Hash, len(tr.Entries))
		for i, e := range tr.Entries {
			refs[i] = e.target()
		}
		return refs, nil
	}
	return nil, fmt.Errorf("unsupported object type %q", objType)
}
