package repo

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/gotgc/pkg/gc"
	"github.com/odvcencio/gotgc/pkg/object"
)

const (
	symrefPrefix     = "ref: "
	packedRefsFile   = "packed-refs"
	packedRefsHeader = "# pack-refs with: peeled sorted\n"
)

type packedRef struct {
	name   string
	target object.Hash
	peeled object.Hash
}

// packedRefs is the content of .got/packed-refs, sorted by name.
type packedRefs []packedRef

func (p packedRefs) find(name string) (packedRef, bool) {
	i := sort.Search(len(p), func(i int) bool { return p[i].name >= name })
	if i < len(p) && p[i].name == name {
		return p[i], true
	}
	return packedRef{}, false
}

func (r *Repo) packedRefsPath() string {
	return filepath.Join(r.GotDir, packedRefsFile)
}

// readPackedRefs parses packed-refs: "<hash> <name>" lines, each optionally
// followed by "^<peeled hash>". A missing file means no packed refs.
func (r *Repo) readPackedRefs() (packedRefs, error) {
	data, err := os.ReadFile(r.packedRefsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}

	var out packedRefs
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "^"):
			if len(out) == 0 {
				return nil, fmt.Errorf("read packed-refs: line %d: peeled value without ref", lineNo)
			}
			out[len(out)-1].peeled = object.Hash(line[1:])
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if !ok || !object.IsValidHash(object.Hash(hash)) || !strings.HasPrefix(name, "refs/") {
			return nil, fmt.Errorf("read packed-refs: line %d: malformed entry", lineNo)
		}
		out = append(out, packedRef{name: name, target: object.Hash(hash)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// writePackedRefs replaces packed-refs through its lock file. The caller
// holds the lock and passes it in.
func (r *Repo) writePackedRefs(lockFile *os.File, refs packedRefs) error {
	var buf bytes.Buffer
	buf.WriteString(packedRefsHeader)
	for _, pr := range refs {
		fmt.Fprintf(&buf, "%s %s\n", pr.target, pr.name)
		if pr.peeled != "" {
			fmt.Fprintf(&buf, "^%s\n", pr.peeled)
		}
	}
	if _, err := lockFile.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write packed-refs: %w", err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("write packed-refs: sync: %w", err)
	}
	if err := lockFile.Close(); err != nil {
		return fmt.Errorf("write packed-refs: close: %w", err)
	}
	if err := os.Rename(lockFile.Name(), r.packedRefsPath()); err != nil {
		return fmt.Errorf("write packed-refs: rename: %w", err)
	}
	return nil
}

// removePackedRef drops name from packed-refs and reports whether it was
// there.
func (r *Repo) removePackedRef(name string) (bool, error) {
	lockPath := r.packedRefsPath() + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return false, fmt.Errorf("packed-refs lock: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = lockFile.Close()
			_ = os.Remove(lockPath)
		}
	}()

	packed, err := r.readPackedRefs()
	if err != nil {
		return false, err
	}
	if _, ok := packed.find(name); !ok {
		return false, nil
	}
	kept := make(packedRefs, 0, len(packed)-1)
	for _, pr := range packed {
		if pr.name != name {
			kept = append(kept, pr)
		}
	}
	if err := r.writePackedRefs(lockFile, kept); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

type looseRef struct {
	name     string
	target   object.Hash
	symbolic string
}

// looseRefs reads every ref file under .got/refs, skipping lock files.
func (r *Repo) looseRefs(prefix string) ([]looseRef, error) {
	root := r.GotDir
	dir := filepath.Join(root, "refs")
	if strings.TrimSpace(prefix) != "" {
		dir = filepath.Join(dir, filepath.FromSlash(prefix))
	}

	var out []looseRef
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		content := strings.TrimSpace(string(data))
		ref := looseRef{name: filepath.ToSlash(rel)}
		if target, ok := strings.CutPrefix(content, symrefPrefix); ok {
			ref.symbolic = strings.TrimSpace(target)
		} else {
			ref.target = object.Hash(content)
		}
		out = append(out, ref)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return out, nil
}

// ListRefs lists references, loose and packed, loose taking precedence.
// Names are returned relative to refs root, e.g. "heads/main", "tags/v1".
// Symbolic refs are listed with their resolved hash.
func (r *Repo) ListRefs(prefix string) (map[string]object.Hash, error) {
	refs := make(map[string]object.Hash)

	packed, err := r.readPackedRefs()
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	full := "refs/"
	if p := strings.Trim(prefix, "/"); p != "" {
		full += p + "/"
	}
	for _, pr := range packed {
		if strings.HasPrefix(pr.name, full) {
			refs[strings.TrimPrefix(pr.name, "refs/")] = pr.target
		}
	}

	loose, err := r.looseRefs(prefix)
	if err != nil {
		return nil, err
	}
	for _, lr := range loose {
		h := lr.target
		if lr.symbolic != "" {
			if h, err = r.ResolveRef(lr.symbolic); err != nil {
				continue
			}
		}
		refs[strings.TrimPrefix(lr.name, "refs/")] = h
	}
	return refs, nil
}

// Refs returns HEAD and every ref under refs/, with peeled values for
// annotated tags, in name order.
func (r *Repo) Refs() ([]gc.Ref, error) {
	packed, err := r.readPackedRefs()
	if err != nil {
		return nil, err
	}
	loose, err := r.looseRefs("")
	if err != nil {
		return nil, err
	}

	byName := make(map[string]gc.Ref, len(packed)+len(loose)+1)
	for _, pr := range packed {
		byName[pr.name] = gc.Ref{Name: pr.name, Target: pr.target, Peeled: pr.peeled, Storage: gc.StoragePacked}
	}
	for _, lr := range loose {
		ref := gc.Ref{Name: lr.name, Target: lr.target, Symbolic: lr.symbolic, Storage: gc.StorageLoose}
		if ref.IsSymbolic() {
			ref.Target, _ = r.ResolveRef(ref.Symbolic)
		} else {
			ref.Peeled = r.peel(ref.Target)
		}
		byName[lr.name] = ref
	}

	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("refs: %w", err)
	}
	headRef := gc.Ref{Name: "HEAD", Storage: gc.StorageLoose}
	if strings.HasPrefix(head, "refs/") {
		headRef.Symbolic = head
		headRef.Target, _ = r.ResolveRef(head)
	} else {
		headRef.Target = object.Hash(head)
	}
	byName["HEAD"] = headRef

	out := make([]gc.Ref, 0, len(byName))
	for _, ref := range byName {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// peel returns what an annotated tag ultimately points at, or "" when h is
// not a tag or cannot be read.
func (r *Repo) peel(h object.Hash) object.Hash {
	if !object.IsValidHash(h) {
		return ""
	}
	objType, _, err := r.Store.Read(h)
	if err != nil || objType != object.TypeTag {
		return ""
	}
	peeled, _, err := r.Store.Peel(h)
	if err != nil {
		return ""
	}
	return peeled
}

// PackRefs folds every direct loose ref into packed-refs and removes the
// loose files. A ref that moves while it is being packed stays loose.
func (r *Repo) PackRefs() error {
	lockPath := r.packedRefsPath() + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return fmt.Errorf("pack refs: lock: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = lockFile.Close()
			_ = os.Remove(lockPath)
		}
	}()

	packed, err := r.readPackedRefs()
	if err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	loose, err := r.looseRefs("")
	if err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}

	merged := make(map[string]packedRef, len(packed)+len(loose))
	for _, pr := range packed {
		merged[pr.name] = pr
	}
	var toRemove []looseRef
	for _, lr := range loose {
		if lr.symbolic != "" || !object.IsValidHash(lr.target) {
			continue
		}
		merged[lr.name] = packedRef{name: lr.name, target: lr.target, peeled: r.peel(lr.target)}
		toRemove = append(toRemove, lr)
	}
	if len(toRemove) == 0 {
		return nil
	}

	next := make(packedRefs, 0, len(merged))
	for _, pr := range merged {
		next = append(next, pr)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].name < next[j].name })
	if err := r.writePackedRefs(lockFile, next); err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	committed = true

	for _, lr := range toRemove {
		if err := r.removeLooseRefIfUnchanged(lr); err != nil {
			return fmt.Errorf("pack refs: %w", err)
		}
	}
	r.pruneEmptyRefDirs()
	return nil
}

func (r *Repo) removeLooseRefIfUnchanged(lr looseRef) error {
	lk, err := r.lockRef(lr.name)
	if err != nil {
		return fmt.Errorf("%s: %w", lr.name, err)
	}
	defer lk.unlock()

	if lk.loose != lr.target {
		return nil
	}
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", lr.name, err)
	}
	return nil
}

// pruneEmptyRefDirs removes directories emptied by PackRefs below
// refs/<kind>/. refs/heads and refs/tags themselves stay.
func (r *Repo) pruneEmptyRefDirs() {
	root := filepath.Join(r.GotDir, "refs")
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && strings.Count(filepath.ToSlash(rel), "/") >= 1 {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so parents see their children gone.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(d)
		}
	}
}
