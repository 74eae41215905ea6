package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// Store is a content-addressed object store with a 2-character fan-out
// directory layout for loose objects (objects/ab/cdef0123...) and git-style
// packs under objects/pack/.
type Store struct {
	root string

	mu    sync.Mutex
	packs map[string]*Pack // open pack handles by pack name
}

// NewStore creates a Store rooted at the given directory. The objects/
// subdirectory is created lazily on first write.
func NewStore(root string) *Store {
	return &Store{root: root, packs: make(map[string]*Pack)}
}

// ObjectsDir returns the directory holding loose fanout directories.
func (s *Store) ObjectsDir() string {
	return filepath.Join(s.root, "objects")
}

// PackDir returns the directory holding pack files.
func (s *Store) PackDir() string {
	return filepath.Join(s.root, "objects", "pack")
}

// objectPath returns the filesystem path for a given hash.
func (s *Store) objectPath(h Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// LoosePath returns the path a loose copy of h would live at.
func (s *Store) LoosePath(h Hash) string {
	return s.objectPath(h)
}

// HasLoose reports whether a loose copy of h exists.
func (s *Store) HasLoose(h Hash) bool {
	if !IsValidHash(h) {
		return false
	}
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// Has reports whether the store contains an object with the given hash,
// either loose or in any pack.
func (s *Store) Has(h Hash) bool {
	if s.HasLoose(h) {
		return true
	}
	ok, err := s.HasPacked(h)
	return err == nil && ok
}

// Write stores an object and returns its content hash. Objects already
// present loose or packed are not rewritten.
func (s *Store) Write(objType ObjectType, data []byte) (Hash, error) {
	h := HashObject(objType, data)
	if s.Has(h) {
		return h, nil
	}
	if err := s.writeLoose(h, objType, data); err != nil {
		return "", err
	}
	return h, nil
}

// WriteLoose stores an object as a loose file even when a pack already
// holds it. Used when a pack is about to disappear.
func (s *Store) WriteLoose(objType ObjectType, data []byte) (Hash, error) {
	h := HashObject(objType, data)
	if s.HasLoose(h) {
		return h, nil
	}
	if err := s.writeLoose(h, objType, data); err != nil {
		return "", err
	}
	return h, nil
}

// writeLoose writes "type len\0content" zlib-compressed. Writes are atomic:
// data is written to a temp file and then renamed into place.
func (s *Store) writeLoose(h Hash, objType ObjectType, data []byte) error {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(makeObjectEnvelope(objType, data)); err != nil {
		_ = zw.Close()
		return fmt.Errorf("object write compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("object write compress: %w", err)
	}

	dir := filepath.Join(s.root, "objects", string(h[:2]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("object write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write close: %w", err)
	}
	if err := os.Rename(tmpName, s.objectPath(h)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write rename: %w", err)
	}
	return nil
}

// Read retrieves an object by hash, returning its type and raw content.
// Loose objects take precedence over packed copies.
func (s *Store) Read(h Hash) (ObjectType, []byte, error) {
	if !IsValidHash(h) {
		return "", nil, fmt.Errorf("object read %q: invalid hash", h)
	}
	objType, data, err := s.readLoose(h)
	if err == nil {
		return objType, data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", nil, err
	}
	return s.readFromPacks(h)
}

func (s *Store) readLoose(h Hash) (ObjectType, []byte, error) {
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: zlib: %w", h, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		_ = zr.Close()
		return "", nil, fmt.Errorf("object read %s: decompress: %w", h, err)
	}
	if err := zr.Close(); err != nil {
		return "", nil, fmt.Errorf("object read %s: decompress: %w", h, err)
	}

	objType, content, err := parseObjectEnvelope(raw)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	return objType, content, nil
}

// LooseObjectsIn lists the loose objects of one fanout directory. A missing
// directory yields no objects. Files whose names are not object ids are
// ignored.
func (s *Store) LooseObjectsIn(prefix string) ([]LooseObject, error) {
	if !IsFanoutName(prefix) {
		return nil, fmt.Errorf("list loose objects: invalid fanout %q", prefix)
	}
	dir := filepath.Join(s.root, "objects", prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list loose objects %s: %w", prefix, err)
	}

	out := make([]LooseObject, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsLooseObjectName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, LooseObject{
			Hash:    Hash(prefix + entry.Name()),
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return out, nil
}

// RemoveLoose deletes one loose object file.
func (s *Store) RemoveLoose(h Hash) error {
	if !IsValidHash(h) {
		return fmt.Errorf("remove loose object %q: invalid hash", h)
	}
	if err := os.Remove(s.objectPath(h)); err != nil {
		return fmt.Errorf("remove loose object %s: %w", h, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

// WriteBlob serializes and stores a Blob.
func (s *Store) WriteBlob(b *Blob) (Hash, error) {
	return s.Write(TypeBlob, MarshalBlob(b))
}

// ReadBlob reads and deserializes a Blob.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	data, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteTag stores an annotated tag object.
func (s *Store) WriteTag(t *TagObj) (Hash, error) {
	return s.Write(TypeTag, MarshalTag(t))
}

// ReadTag reads and deserializes an annotated tag.
func (s *Store) ReadTag(h Hash) (*TagObj, error) {
	data, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return UnmarshalTag(data)
}

// WriteTree serializes and stores a TreeObj.
func (s *Store) WriteTree(tr *TreeObj) (Hash, error) {
	return s.Write(TypeTree, MarshalTree(tr))
}

// ReadTree reads and deserializes a TreeObj.
func (s *Store) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return UnmarshalTree(data)
}

// WriteCommit serializes and stores a CommitObj.
func (s *Store) WriteCommit(c *CommitObj) (Hash, error) {
	return s.Write(TypeCommit, MarshalCommit(c))
}

// ReadCommit reads and deserializes a CommitObj.
func (s *Store) ReadCommit(h Hash) (*CommitObj, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommit(data)
}

// Peel follows annotated tags until a non-tag object is reached.
func (s *Store) Peel(h Hash) (Hash, ObjectType, error) {
	for depth := 0; depth < 16; depth++ {
		objType, data, err := s.Read(h)
		if err != nil {
			return "", "", err
		}
		if objType != TypeTag {
			return h, objType, nil
		}
		tag, err := UnmarshalTag(data)
		if err != nil {
			return "", "", fmt.Errorf("peel %s: %w", h, err)
		}
		h = tag.TargetHash
	}
	return "", "", fmt.Errorf("peel %s: tag chain too deep", h)
}

func (s *Store) readTyped(h Hash, want ObjectType) ([]byte, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, want)
	}
	return data, nil
}

func makeObjectEnvelope(objType ObjectType, data []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", objType, len(data))
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	out = append(out, data...)
	return out
}

// parseObjectEnvelope splits "type len\0content" into type and content.
func parseObjectEnvelope(raw []byte) (ObjectType, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("invalid format (no NUL)")
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("invalid header %q", header)
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid length %q: %w", parts[1], err)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("length mismatch (header=%d, actual=%d)", length, len(content))
	}
	return ObjectType(parts[0]), content, nil
}
