package gc

import (
	"strings"
	"time"

	"github.com/odvcencio/gotgc/pkg/object"
)

// Storage says where a ref is recorded.
type Storage int

const (
	StorageLoose Storage = iota
	StoragePacked
)

// Ref is one reference as seen at snapshot time. Symbolic refs carry the
// name they point at in Symbolic and the resolved id, if any, in Target.
type Ref struct {
	Name     string
	Target   object.Hash
	Symbolic string
	Peeled   object.Hash // for annotated tags, the id the tag chain ends at
	Storage  Storage
}

// IsSymbolic reports whether r points at another ref.
func (r Ref) IsSymbolic() bool { return r.Symbolic != "" }

// ReflogEntry is one recorded update of a ref.
type ReflogEntry struct {
	Old  object.Hash
	New  object.Hash
	Who  string
	When time.Time
}

// RefDatabase is the ref storage a Collector reads.
type RefDatabase interface {
	// Refs returns every ref including symbolic ones such as HEAD.
	Refs() ([]Ref, error)
	// Reflog returns the entries of one ref, newest first.
	Reflog(name string) ([]ReflogEntry, error)
	// PackRefs folds loose refs into the packed-refs file.
	PackRefs() error
}

// IndexResolver reports the objects the staging index references that
// differ from HEAD. A nil IndexResolver means a bare store.
type IndexResolver interface {
	IndexObjects() (map[object.Hash]struct{}, error)
}

// Snapshot is the ref state a repack packed, handed to the next Prune so
// it only walks what changed since.
type Snapshot struct {
	Refs []Ref
	Time time.Time
}

// sameRef compares symbolic refs by target name and direct refs by id.
func sameRef(a, b Ref) bool {
	if a.IsSymbolic() || b.IsSymbolic() {
		return a.Symbolic == b.Symbolic
	}
	return a.Target == b.Target
}

// changedRefs returns the refs that are new or moved relative to last.
func changedRefs(current []Ref, last *Snapshot) []Ref {
	if last == nil {
		return current
	}
	before := make(map[string]Ref, len(last.Refs))
	for _, r := range last.Refs {
		before[r.Name] = r
	}
	var out []Ref
	for _, r := range current {
		old, ok := before[r.Name]
		if !ok || !sameRef(old, r) {
			out = append(out, r)
		}
	}
	return out
}

func refTargets(refs []Ref) []object.Hash {
	seen := make(map[object.Hash]struct{}, len(refs))
	var out []object.Hash
	for _, r := range refs {
		for _, h := range []object.Hash{r.Target, r.Peeled} {
			if !object.IsValidHash(h) {
				continue
			}
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

func isZeroHash(h object.Hash) bool {
	return strings.Trim(string(h), "0") == ""
}
