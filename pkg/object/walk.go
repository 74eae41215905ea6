package object

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	walkSeen uint8 = 1 << iota
	walkUninteresting
	walkQueued
	walkEmitted
)

type walkNode struct {
	hash   Hash
	flags  uint8
	commit *CommitObj
}

type commitDateHeap []*walkNode

func (h commitDateHeap) Len() int { return len(h) }

func (h commitDateHeap) Less(i, j int) bool {
	if h[i].commit.Timestamp == h[j].commit.Timestamp {
		return h[i].hash < h[j].hash
	}
	return h[i].commit.Timestamp > h[j].commit.Timestamp
}

func (h commitDateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *commitDateHeap) Push(x any) {
	*h = append(*h, x.(*walkNode))
}

func (h *commitDateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ObjectWalk lazily enumerates the objects reachable from a set of start
// points but not from a set of uninteresting points. Commits come out newest
// first, followed by the trees and blobs they reference. Missing objects are
// skipped; objects that exist but cannot be parsed end the walk with an
// error.
//
// The walk may report an object that is also reachable from an
// uninteresting point, never the other way round.
type ObjectWalk struct {
	ctx   context.Context
	store *Store

	nodes   map[Hash]*walkNode
	commits commitDateHeap
	// interesting counts queued commits not marked uninteresting; the commit
	// phase ends once it drops to zero.
	interesting int

	tags      []Hash
	pending   []Hash // trees and blobs still to visit
	uninTrees []Hash

	commitDone bool
	err        error
}

// NewObjectWalk prepares a walk. Nothing is read until the first Next call.
func (s *Store) NewObjectWalk(ctx context.Context, starts, uninteresting []Hash) *ObjectWalk {
	w := &ObjectWalk{
		ctx:   ctx,
		store: s,
		nodes: make(map[Hash]*walkNode),
	}
	w.err = w.init(starts, uninteresting)
	return w
}

func (w *ObjectWalk) init(starts, uninteresting []Hash) error {
	for _, h := range uninteresting {
		if err := w.markStart(h, true); err != nil {
			return err
		}
	}
	for _, h := range starts {
		if err := w.markStart(h, false); err != nil {
			return err
		}
	}
	heap.Init(&w.commits)
	return nil
}

func (w *ObjectWalk) node(h Hash) *walkNode {
	n, ok := w.nodes[h]
	if !ok {
		n = &walkNode{hash: h}
		w.nodes[h] = n
	}
	return n
}

func (w *ObjectWalk) markStart(h Hash, uninteresting bool) error {
	for depth := 0; depth < 16; depth++ {
		if !IsValidHash(h) {
			return nil
		}
		objType, data, err := w.read(h)
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		n := w.node(h)
		if uninteresting && objType != TypeCommit {
			n.flags |= walkUninteresting
		}
		switch objType {
		case TypeTag:
			if n.flags&(walkSeen|walkUninteresting) == 0 {
				n.flags |= walkSeen | walkEmitted
				w.tags = append(w.tags, h)
			}
			tag, err := UnmarshalTag(data)
			if err != nil {
				return fmt.Errorf("walk: tag %s: %w", h, err)
			}
			h = tag.TargetHash
			continue
		case TypeCommit:
			return w.queueCommit(h, data, uninteresting)
		case TypeTree:
			if uninteresting {
				w.uninTrees = append(w.uninTrees, h)
			} else {
				w.pending = append(w.pending, h)
			}
			return nil
		default:
			if !uninteresting {
				w.pending = append(w.pending, h)
			}
			return nil
		}
	}
	return fmt.Errorf("walk: tag chain too deep at %s", h)
}

func (w *ObjectWalk) queueCommit(h Hash, data []byte, uninteresting bool) error {
	n := w.node(h)
	if n.commit == nil {
		commit, err := UnmarshalCommit(data)
		if err != nil {
			return fmt.Errorf("walk: commit %s: %w", h, err)
		}
		n.commit = commit
	}
	if uninteresting {
		w.markCommitUninteresting(n)
	}
	if n.flags&walkSeen != 0 {
		return nil
	}
	n.flags |= walkSeen | walkQueued
	if n.flags&walkUninteresting == 0 {
		w.interesting++
	}
	heap.Push(&w.commits, n)
	return nil
}

func (w *ObjectWalk) markCommitUninteresting(n *walkNode) {
	if n.flags&walkUninteresting != 0 {
		return
	}
	if n.flags&walkQueued != 0 {
		w.interesting--
	}
	n.flags |= walkUninteresting
	if n.commit != nil {
		w.uninTrees = append(w.uninTrees, n.commit.TreeHash)
	}
}

// read returns nil data for objects absent from the store.
func (w *ObjectWalk) read(h Hash) (ObjectType, []byte, error) {
	objType, data, err := w.store.Read(h)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("walk: %w", err)
	}
	return objType, data, nil
}

// Next returns the next object of the walk, or io.EOF once it is exhausted.
func (w *ObjectWalk) Next() (Hash, error) {
	if w.err != nil {
		return "", w.err
	}
	if err := w.ctx.Err(); err != nil {
		return "", err
	}

	if len(w.tags) > 0 {
		h := w.tags[0]
		w.tags = w.tags[1:]
		return h, nil
	}

	if !w.commitDone {
		h, ok, err := w.nextCommit()
		if err != nil {
			w.err = err
			return "", err
		}
		if ok {
			return h, nil
		}
		w.commitDone = true
		if err := w.markUninterestingTrees(); err != nil {
			w.err = err
			return "", err
		}
	}

	h, ok, err := w.nextObject()
	if err != nil {
		w.err = err
		return "", err
	}
	if !ok {
		w.err = io.EOF
		return "", io.EOF
	}
	return h, nil
}

func (w *ObjectWalk) nextCommit() (Hash, bool, error) {
	for w.commits.Len() > 0 && w.interesting > 0 {
		n := heap.Pop(&w.commits).(*walkNode)
		n.flags &^= walkQueued
		uninteresting := n.flags&walkUninteresting != 0
		if !uninteresting {
			w.interesting--
		}

		for _, p := range n.commit.Parents {
			if pn, ok := w.nodes[p]; ok && pn.flags&walkSeen != 0 {
				if uninteresting {
					w.markCommitUninteresting(pn)
				}
				continue
			}
			_, data, err := w.read(p)
			if err != nil {
				return "", false, err
			}
			if data == nil {
				continue
			}
			if err := w.queueCommit(p, data, uninteresting); err != nil {
				return "", false, err
			}
		}

		if uninteresting {
			continue
		}
		n.flags |= walkEmitted
		w.pending = append(w.pending, n.commit.TreeHash)
		return n.hash, true, nil
	}
	return "", false, nil
}

func (w *ObjectWalk) markUninterestingTrees() error {
	stack := w.uninTrees
	w.uninTrees = nil
	for len(stack) > 0 {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := w.node(h)
		if n.flags&walkUninteresting != 0 && n.flags&walkSeen != 0 {
			continue
		}
		n.flags |= walkUninteresting | walkSeen

		objType, data, err := w.read(h)
		if err != nil {
			return err
		}
		if data == nil || objType != TypeTree {
			continue
		}
		tree, err := UnmarshalTree(data)
		if err != nil {
			return fmt.Errorf("walk: tree %s: %w", h, err)
		}
		for _, e := range tree.Entries {
			if e.IsDir {
				stack = append(stack, e.SubtreeHash)
				continue
			}
			w.node(e.BlobHash).flags |= walkUninteresting | walkSeen
		}
	}
	return nil
}

func (w *ObjectWalk) nextObject() (Hash, bool, error) {
	for len(w.pending) > 0 {
		h := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]

		n := w.node(h)
		if n.flags&(walkUninteresting|walkEmitted) != 0 {
			continue
		}
		n.flags |= walkSeen

		objType, data, err := w.read(h)
		if err != nil {
			return "", false, err
		}
		if data == nil {
			continue
		}
		if objType == TypeTree {
			tree, err := UnmarshalTree(data)
			if err != nil {
				return "", false, fmt.Errorf("walk: tree %s: %w", h, err)
			}
			for i := len(tree.Entries) - 1; i >= 0; i-- {
				e := tree.Entries[i]
				child := e.BlobHash
				if e.IsDir {
					child = e.SubtreeHash
				}
				w.pending = append(w.pending, child)
			}
		}
		n.flags |= walkEmitted
		return h, true, nil
	}
	return "", false, nil
}

// Collect drains the walk into a set.
func (w *ObjectWalk) Collect() (map[Hash]struct{}, error) {
	out := make(map[Hash]struct{})
	for {
		h, err := w.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out[h] = struct{}{}
	}
}
