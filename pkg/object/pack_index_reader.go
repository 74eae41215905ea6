package object

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// PackIndex is a parsed idx v2 file. Entries are kept in hash order, so an
// entry's slice position is also its bitmap position.
type PackIndex struct {
	fanout        [256]uint32
	entries       []PackIndexEntry
	PackChecksum  Hash
	IndexChecksum Hash
}

// Count returns the number of objects in the index.
func (idx *PackIndex) Count() int {
	return len(idx.entries)
}

// Contains reports whether the index lists h.
func (idx *PackIndex) Contains(h Hash) bool {
	_, ok := idx.Position(h)
	return ok
}

// Hashes returns all object ids in index order.
func (idx *PackIndex) Hashes() []Hash {
	out := make([]Hash, len(idx.entries))
	for i, e := range idx.entries {
		out[i] = e.Hash
	}
	return out
}

func (idx *PackIndex) Find(h Hash) (PackIndexEntry, bool) {
	pos, ok := idx.Position(h)
	if !ok {
		return PackIndexEntry{}, false
	}
	return idx.entries[pos], true
}

// Position returns where h sits in the index, searching only the fanout
// bucket of its first byte.
func (idx *PackIndex) Position(h Hash) (int, bool) {
	if idx == nil {
		return 0, false
	}
	raw, err := hashHexToBytes(h)
	if err != nil {
		return 0, false
	}
	var lo int
	if raw[0] > 0 {
		lo = int(idx.fanout[raw[0]-1])
	}
	bucket := idx.entries[lo:idx.fanout[raw[0]]]
	i := sort.Search(len(bucket), func(i int) bool { return bucket[i].Hash >= h })
	if i == len(bucket) || bucket[i].Hash != h {
		return 0, false
	}
	return lo + i, true
}

// ReadPackIndex parses an idx v2 file, checking its trailing checksum and
// that every table fits.
func ReadPackIndex(data []byte) (*PackIndex, error) {
	if len(data) < packIndexHeaderSize+packIndexFanoutSize+64 {
		return nil, fmt.Errorf("pack index too short: %d", len(data))
	}
	if [4]byte(data[:4]) != packIndexMagic {
		return nil, fmt.Errorf("invalid pack index magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != packIndexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d", v)
	}
	body, trailer := data[:len(data)-32], data[len(data)-32:]
	if sum := sha256.Sum256(body); !bytes.Equal(trailer, sum[:]) {
		return nil, fmt.Errorf("pack index checksum mismatch")
	}

	idx := &PackIndex{IndexChecksum: Hash(hex.EncodeToString(trailer))}
	rest := data[packIndexHeaderSize:]
	var prev uint32
	for i := range idx.fanout {
		v := binary.BigEndian.Uint32(rest[i*4:])
		if v < prev {
			return nil, fmt.Errorf("pack index fanout not monotonic at %d", i)
		}
		idx.fanout[i], prev = v, v
	}
	rest = rest[packIndexFanoutSize:]

	n := int(idx.fanout[255])
	if n*40+64 > len(rest) {
		return nil, fmt.Errorf("pack index truncated")
	}
	names, rest := rest[:n*32], rest[n*32:]
	crcs, rest := rest[:n*4], rest[n*4:]
	small, rest := rest[:n*4], rest[n*4:]
	// What remains is the large-offset table followed by both checksums.
	large := rest[:len(rest)-64]
	if len(large)%8 != 0 {
		return nil, fmt.Errorf("pack index trailing data: %d bytes", len(large)%8)
	}
	idx.PackChecksum = Hash(hex.EncodeToString(rest[len(rest)-64 : len(rest)-32]))

	idx.entries = make([]PackIndexEntry, n)
	for i := range n {
		off := uint64(binary.BigEndian.Uint32(small[i*4:]))
		if off&uint64(packIndexLargeOffsetBit) != 0 {
			ref := int(off &^ uint64(packIndexLargeOffsetBit))
			if (ref+1)*8 > len(large) {
				return nil, fmt.Errorf("pack index invalid large offset reference %d", ref)
			}
			off = binary.BigEndian.Uint64(large[ref*8:])
		}
		idx.entries[i] = PackIndexEntry{
			Hash:   Hash(hex.EncodeToString(names[i*32 : (i+1)*32])),
			CRC32:  binary.BigEndian.Uint32(crcs[i*4:]),
			Offset: off,
		}
	}
	return idx, nil
}
