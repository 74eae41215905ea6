package object

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// Bitmap file layout:
//   - "BITM", version (u32), pack checksum (32 bytes), entry count (u32)
//   - per entry: commit position in the idx (u32), bitset length (u32), bitset
//   - SHA-256 of everything above
var packBitmapMagic = [4]byte{'B', 'I', 'T', 'M'}

const packBitmapVersion = 1

type bitset []byte

func newBitset(n int) bitset {
	return make(bitset, (n+7)/8)
}

func (b bitset) set(i int) {
	b[i/8] |= 1 << (uint(i) % 8)
}

func (b bitset) has(i int) bool {
	if i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<(uint(i)%8)) != 0
}

// BitmapEntry is the reachability set of one commit, addressed by idx
// position.
type BitmapEntry struct {
	Position int
	Bits     bitset
}

// PackBitmap holds the reachability bitmaps of a pack's tip commits.
type PackBitmap struct {
	PackChecksum Hash
	ObjectCount  int
	Entries      []BitmapEntry
}

// Reachable returns the packed objects reachable from commit, or false when
// the bitmap has no entry for it.
func (bm *PackBitmap) Reachable(idx *PackIndex, commit Hash) ([]Hash, bool) {
	pos, ok := idx.Position(commit)
	if !ok {
		return nil, false
	}
	for _, e := range bm.Entries {
		if e.Position != pos {
			continue
		}
		hashes := idx.Hashes()
		var out []Hash
		for i, h := range hashes {
			if e.Bits.has(i) {
				out = append(out, h)
			}
		}
		return out, true
	}
	return nil, false
}

// WritePackBitmap serializes bm.
func WritePackBitmap(w io.Writer, bm *PackBitmap) error {
	checksum, err := hashHexToBytes(bm.PackChecksum)
	if err != nil {
		return fmt.Errorf("write bitmap: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(packBitmapMagic[:])
	writeU32(&buf, packBitmapVersion)
	buf.Write(checksum)
	writeU32(&buf, uint32(len(bm.Entries)))
	for _, e := range bm.Entries {
		writeU32(&buf, uint32(e.Position))
		writeU32(&buf, uint32(len(e.Bits)))
		buf.Write(e.Bits)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write bitmap: %w", err)
	}
	return nil
}

// ReadPackBitmap parses and validates a bitmap file.
func ReadPackBitmap(data []byte) (*PackBitmap, error) {
	if len(data) < 4+4+sha256.Size+4+sha256.Size {
		return nil, fmt.Errorf("bitmap too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], packBitmapMagic[:]) {
		return nil, fmt.Errorf("invalid bitmap magic %q", data[:4])
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(data)-sha256.Size:]) {
		return nil, fmt.Errorf("bitmap checksum mismatch")
	}
	if v := binary.BigEndian.Uint32(body[4:8]); v != packBitmapVersion {
		return nil, fmt.Errorf("unsupported bitmap version %d", v)
	}

	bm := &PackBitmap{PackChecksum: Hash(hex.EncodeToString(body[8 : 8+sha256.Size]))}
	cursor := 8 + sha256.Size
	count := binary.BigEndian.Uint32(body[cursor:])
	cursor += 4
	for i := uint32(0); i < count; i++ {
		if cursor+8 > len(body) {
			return nil, fmt.Errorf("bitmap entry %d truncated", i)
		}
		pos := binary.BigEndian.Uint32(body[cursor:])
		n := int(binary.BigEndian.Uint32(body[cursor+4:]))
		cursor += 8
		if cursor+n > len(body) {
			return nil, fmt.Errorf("bitmap entry %d truncated", i)
		}
		bits := make(bitset, n)
		copy(bits, body[cursor:cursor+n])
		cursor += n
		bm.Entries = append(bm.Entries, BitmapEntry{Position: int(pos), Bits: bits})
		if n*8 > bm.ObjectCount {
			bm.ObjectCount = n * 8
		}
	}
	if cursor != len(body) {
		return nil, fmt.Errorf("bitmap has trailing bytes: %d", len(body)-cursor)
	}
	return bm, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}
