package object

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pack is an open handle on one installed pack. The index is loaded
// eagerly; the pack file is opened on the first object read and entries are
// read by offset.
type Pack struct {
	Name      string // base name, e.g. "pack-<hex>"
	Dir       string
	Index     *PackIndex
	ModTime   time.Time
	Size      int64
	Keep      bool
	HasBitmap bool

	mu   sync.Mutex
	file *os.File
}

// PackPath returns the path of the .pack file.
func (p *Pack) PackPath() string { return filepath.Join(p.Dir, p.Name+PackExt) }

// IndexPath returns the path of the .idx file.
func (p *Pack) IndexPath() string { return filepath.Join(p.Dir, p.Name+IndexExt) }

// BitmapPath returns the path of the .bitmap file, present or not.
func (p *Pack) BitmapPath() string { return filepath.Join(p.Dir, p.Name+BitmapExt) }

// KeepPath returns the path of the .keep sentinel, present or not.
func (p *Pack) KeepPath() string { return filepath.Join(p.Dir, p.Name+KeepExt) }

// Contains reports whether the pack holds h.
func (p *Pack) Contains(h Hash) bool {
	return p.Index.Contains(h)
}

// ReadObject returns the type and content of h from this pack.
func (p *Pack) ReadObject(h Hash) (ObjectType, []byte, error) {
	ie, ok := p.Index.Find(h)
	if !ok {
		return "", nil, fmt.Errorf("pack %s: object %s: %w", p.Name, h, os.ErrNotExist)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		f, err := os.Open(p.PackPath())
		if err != nil {
			return "", nil, fmt.Errorf("read pack %s: %w", p.Name, err)
		}
		p.file = f
	}
	packType, data, err := readPackEntryAt(p.file, ie.Offset)
	if err != nil {
		return "", nil, fmt.Errorf("pack %s: %s: %w", p.Name, h, err)
	}
	objType, ok := objectTypeForPack(packType)
	if !ok {
		return "", nil, fmt.Errorf("pack %s: unsupported packed object type %d", p.Name, packType)
	}
	if computed := HashObject(objType, data); computed != h {
		return "", nil, fmt.Errorf("pack %s: packed object hash mismatch: expected %s, computed %s", p.Name, h, computed)
	}
	return objType, data, nil
}

// release closes the pack file so it can be renamed or removed.
func (p *Pack) release() {
	p.mu.Lock()
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
	p.mu.Unlock()
}

// PackNameFromFile strips the directory and the pack-family extension from a
// file name, e.g. "pack-ab.idx" -> "pack-ab". ok is false for other files.
func PackNameFromFile(name string) (string, string, bool) {
	name = filepath.Base(name)
	for _, ext := range []string{PackExt, IndexExt, BitmapExt, KeepExt} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext), ext, true
		}
	}
	return "", "", false
}

// OpenPack opens the pack at packPath, loading and validating its index.
func (s *Store) OpenPack(packPath string) (*Pack, error) {
	base, ext, ok := PackNameFromFile(packPath)
	if !ok || ext != PackExt {
		return nil, fmt.Errorf("open pack %s: not a pack file", packPath)
	}
	dir := filepath.Dir(packPath)

	info, err := os.Stat(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", base, err)
	}
	idxData, err := os.ReadFile(filepath.Join(dir, base+IndexExt))
	if err != nil {
		return nil, fmt.Errorf("open pack %s: read index: %w", base, err)
	}
	idx, err := ReadPackIndex(idxData)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: parse index: %w", base, err)
	}
	trailer, err := readPackTrailer(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", base, err)
	}
	if trailer != idx.PackChecksum {
		return nil, fmt.Errorf("open pack %s: checksum mismatch between idx (%s) and pack (%s)", base, idx.PackChecksum, trailer)
	}

	return &Pack{
		Name:      base,
		Dir:       dir,
		Index:     idx,
		ModTime:   info.ModTime(),
		Size:      info.Size(),
		Keep:      fileExists(filepath.Join(dir, base+KeepExt)),
		HasBitmap: fileExists(filepath.Join(dir, base+BitmapExt)),
	}, nil
}

// Packs returns the installed packs, newest first. A .pack without its .idx
// is still being installed and is skipped, as is a pack whose .idx does not
// match it. Handles are cached across calls
// and reopened when the file changes.
func (s *Store) Packs() ([]*Pack, error) {
	packDir := s.PackDir()
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.ClosePacks()
			return nil, nil
		}
		return nil, fmt.Errorf("read pack dir: %w", err)
	}

	names := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base, ext, ok := PackNameFromFile(entry.Name())
		if !ok || ext != IndexExt || strings.HasPrefix(base, ".") {
			continue
		}
		names[base] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pack, 0, len(names))
	for _, entry := range entries {
		base, ext, ok := PackNameFromFile(entry.Name())
		if !ok || ext != PackExt {
			continue
		}
		if _, hasIdx := names[base]; !hasIdx {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if cached, ok := s.packs[base]; ok && cached.ModTime.Equal(info.ModTime()) && cached.Size == info.Size() {
			cached.Keep = fileExists(cached.KeepPath())
			cached.HasBitmap = fileExists(cached.BitmapPath())
			out = append(out, cached)
			continue
		}
		p, err := s.OpenPack(filepath.Join(packDir, entry.Name()))
		if err != nil {
			// Gone, or caught between the .pack and .idx renames of a
			// reinstall. Either way it is not usable right now.
			continue
		}
		if stale, ok := s.packs[base]; ok {
			stale.release()
		}
		s.packs[base] = p
		out = append(out, p)
	}

	live := make(map[string]struct{}, len(out))
	for _, p := range out {
		live[p.Name] = struct{}{}
	}
	for name, p := range s.packs {
		if _, ok := live[name]; !ok {
			p.release()
			delete(s.packs, name)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ClosePack releases the cached handle of the named pack so the file can be
// replaced or removed.
func (s *Store) ClosePack(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.packs[name]; ok {
		p.release()
		delete(s.packs, name)
	}
}

// ClosePacks releases every cached pack handle.
func (s *Store) ClosePacks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.packs {
		p.release()
		delete(s.packs, name)
	}
}

// HasPacked reports whether any installed pack holds h.
func (s *Store) HasPacked(h Hash) (bool, error) {
	packs, err := s.Packs()
	if err != nil {
		return false, err
	}
	for _, p := range packs {
		if p.Contains(h) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) readFromPacks(h Hash) (ObjectType, []byte, error) {
	packs, err := s.Packs()
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	for _, p := range packs {
		if !p.Contains(h) {
			continue
		}
		return p.ReadObject(h)
	}
	return "", nil, fmt.Errorf("object read %s: %w", h, os.ErrNotExist)
}

func readPackTrailer(packPath string) (Hash, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(-sha256.Size, io.SeekEnd); err != nil {
		return "", fmt.Errorf("seek pack trailer: %w", err)
	}
	var sum [sha256.Size]byte
	if _, err := io.ReadFull(f, sum[:]); err != nil {
		return "", fmt.Errorf("read pack trailer: %w", err)
	}
	return Hash(hex.EncodeToString(sum[:])), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
