package object

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ObjectSet is anything that can tell whether it holds an object.
// *PackIndex, *Pack and *PreparedPack implement it.
type ObjectSet interface {
	Contains(h Hash) bool
}

// PackRequest describes the content of a pack to build.
type PackRequest struct {
	// Want lists the tips whose closure goes into the pack.
	Want []Hash
	// Have lists tips whose closure is left out.
	Have []Hash
	// PreferredBases are objects the receiver is known to hold. Without
	// delta compression they only move matching objects to the front of
	// their type group.
	PreferredBases []Hash
	// Exclude drops every object one of these sets contains: installed
	// pack indexes, or packs prepared earlier in the same cycle.
	Exclude []ObjectSet
	// Bitmaps asks for a reachability bitmap over the wanted commits.
	Bitmaps bool
}

type packObject struct {
	hash    Hash
	objType ObjectType
	offset  uint64
	crc     uint32
}

// PreparedPack is the fixed object list of a pack about to be written. The
// pack must be written before its index and bitmap.
type PreparedPack struct {
	// Name is "pack-" followed by the SHA-256 of the sorted object ids, so
	// the same object set always yields the same name.
	Name string

	store    *Store
	objects  []packObject
	members  map[Hash]struct{}
	tips     []Hash
	bitmaps  bool
	checksum Hash
}

// PreparePack walks Want minus Have and fixes the object list of a new pack.
func (s *Store) PreparePack(ctx context.Context, req PackRequest) (*PreparedPack, error) {
	walk := s.NewObjectWalk(ctx, req.Want, req.Have)

	var commits, tags, trees, blobs []packObject
	for {
		h, err := walk.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("prepare pack: %w", err)
		}
		if excludedBy(req.Exclude, h) {
			continue
		}
		objType, _, err := s.Read(h)
		if err != nil {
			return nil, fmt.Errorf("prepare pack: %w", err)
		}
		obj := packObject{hash: h, objType: objType}
		switch objType {
		case TypeCommit:
			commits = append(commits, obj)
		case TypeTag:
			tags = append(tags, obj)
		case TypeTree:
			trees = append(trees, obj)
		default:
			blobs = append(blobs, obj)
		}
	}

	if len(req.PreferredBases) > 0 {
		preferred := make(map[Hash]struct{}, len(req.PreferredBases))
		for _, h := range req.PreferredBases {
			preferred[h] = struct{}{}
		}
		for _, group := range [][]packObject{commits, tags, trees, blobs} {
			sort.SliceStable(group, func(i, j int) bool {
				_, pi := preferred[group[i].hash]
				_, pj := preferred[group[j].hash]
				return pi && !pj
			})
		}
	}

	objects := make([]packObject, 0, len(commits)+len(tags)+len(trees)+len(blobs))
	objects = append(objects, commits...)
	objects = append(objects, tags...)
	objects = append(objects, trees...)
	objects = append(objects, blobs...)

	p := &PreparedPack{
		store:   s,
		objects: objects,
		members: make(map[Hash]struct{}, len(objects)),
		bitmaps: req.Bitmaps,
	}
	for _, obj := range objects {
		p.members[obj.hash] = struct{}{}
	}
	p.Name = "pack-" + string(packSetName(p.Objects()))

	if req.Bitmaps {
		seen := make(map[Hash]struct{})
		for _, h := range req.Want {
			peeled, objType, err := s.Peel(h)
			if err != nil || objType != TypeCommit {
				continue
			}
			if !p.Contains(peeled) {
				continue
			}
			if _, dup := seen[peeled]; dup {
				continue
			}
			seen[peeled] = struct{}{}
			p.tips = append(p.tips, peeled)
		}
		SortHashes(p.tips)
	}
	return p, nil
}

func excludedBy(exclude []ObjectSet, h Hash) bool {
	for _, set := range exclude {
		if set.Contains(h) {
			return true
		}
	}
	return false
}

func packSetName(ids []Hash) Hash {
	sorted := SortHashes(append([]Hash(nil), ids...))
	var b strings.Builder
	for _, h := range sorted {
		b.WriteString(string(h))
		b.WriteByte('\n')
	}
	return HashBytes([]byte(b.String()))
}

// ObjectCount returns the number of objects the pack will hold.
func (p *PreparedPack) ObjectCount() int {
	return len(p.objects)
}

// Contains reports whether the pack will hold h.
func (p *PreparedPack) Contains(h Hash) bool {
	_, ok := p.members[h]
	return ok
}

// Objects returns the object ids in pack order.
func (p *PreparedPack) Objects() []Hash {
	out := make([]Hash, len(p.objects))
	for i, obj := range p.objects {
		out[i] = obj.hash
	}
	return out
}

// WritePack streams the pack to w and returns its trailer checksum.
func (p *PreparedPack) WritePack(ctx context.Context, w io.Writer) (Hash, error) {
	pw, err := NewPackWriter(w, uint32(len(p.objects)))
	if err != nil {
		return "", err
	}
	for i := range p.objects {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		obj := &p.objects[i]
		objType, data, err := p.store.Read(obj.hash)
		if err != nil {
			return "", fmt.Errorf("write pack: %w", err)
		}
		packType, err := packTypeForObject(objType)
		if err != nil {
			return "", fmt.Errorf("write pack: %s: %w", obj.hash, err)
		}
		obj.offset = pw.CurrentOffset()
		crc, err := pw.WriteEntry(packType, data)
		if err != nil {
			return "", fmt.Errorf("write pack: %s: %w", obj.hash, err)
		}
		obj.crc = crc
	}
	sum, err := pw.Finish()
	if err != nil {
		return "", err
	}
	p.checksum = sum
	return sum, nil
}

// WriteIndex writes the idx v2 file of the pack written by WritePack.
func (p *PreparedPack) WriteIndex(w io.Writer) (Hash, error) {
	if p.checksum == "" {
		return "", fmt.Errorf("write index: pack %s not written", p.Name)
	}
	entries := make([]PackIndexEntry, len(p.objects))
	for i, obj := range p.objects {
		entries[i] = PackIndexEntry{Hash: obj.hash, Offset: obj.offset, CRC32: obj.crc}
	}
	return WritePackIndex(w, entries, p.checksum)
}

// HasBitmap reports whether WriteBitmap has anything to write.
func (p *PreparedPack) HasBitmap() bool {
	return p.bitmaps && len(p.tips) > 0
}

// WriteBitmap writes the reachability bitmap of the wanted commits.
func (p *PreparedPack) WriteBitmap(ctx context.Context, w io.Writer) error {
	if p.checksum == "" {
		return fmt.Errorf("write bitmap: pack %s not written", p.Name)
	}
	sorted := SortHashes(p.Objects())
	position := make(map[Hash]int, len(sorted))
	for i, h := range sorted {
		position[h] = i
	}

	bm := &PackBitmap{PackChecksum: p.checksum, ObjectCount: len(sorted)}
	for _, tip := range p.tips {
		reach, err := p.store.NewObjectWalk(ctx, []Hash{tip}, nil).Collect()
		if err != nil {
			return fmt.Errorf("write bitmap: %w", err)
		}
		bits := newBitset(len(sorted))
		for h := range reach {
			if pos, ok := position[h]; ok {
				bits.set(pos)
			}
		}
		bm.Entries = append(bm.Entries, BitmapEntry{Position: position[tip], Bits: bits})
	}
	return WritePackBitmap(w, bm)
}
