package object

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

const (
	packIndexVersion        = 2
	packIndexHeaderSize     = 8
	packIndexFanoutSize     = 256 * 4
	packIndexLargeOffsetBit = uint32(1 << 31)
)

var packIndexMagic = [4]byte{0xff, 't', 'O', 'c'}

// PackIndexEntry is one row in a pack index file.
type PackIndexEntry struct {
	Hash   Hash
	Offset uint64
	CRC32  uint32
}

// indexRow is a PackIndexEntry with its id decoded once.
type indexRow struct {
	raw    [sha256.Size]byte
	offset uint64
	crc    uint32
}

// indexRows decodes and sorts entries. Every id and every offset must be
// unique, and no entry may point into the pack header.
func indexRows(entries []PackIndexEntry) ([]indexRow, error) {
	rows := make([]indexRow, len(entries))
	offsets := make(map[uint64]Hash, len(entries))
	for i, e := range entries {
		raw, err := hashHexToBytes(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Offset < packHeaderSize {
			return nil, fmt.Errorf("entry %d: %s: offset %d inside pack header", i, e.Hash, e.Offset)
		}
		if prev, dup := offsets[e.Offset]; dup {
			return nil, fmt.Errorf("entry %d: %s and %s share offset %d", i, prev, e.Hash, e.Offset)
		}
		offsets[e.Offset] = e.Hash
		copy(rows[i].raw[:], raw)
		rows[i].offset = e.Offset
		rows[i].crc = e.CRC32
	}

	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].raw[:], rows[j].raw[:]) < 0
	})
	for i := 1; i < len(rows); i++ {
		if rows[i].raw == rows[i-1].raw {
			return nil, fmt.Errorf("duplicate object %x in pack index", rows[i].raw)
		}
	}
	return rows, nil
}

func hashHexToBytes(h Hash) ([]byte, error) {
	if len(h) != 64 {
		return nil, fmt.Errorf("hash length must be 64 hex chars, got %d", len(h))
	}
	raw, err := hex.DecodeString(string(h))
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", h, err)
	}
	return raw, nil
}

// WritePackIndex streams the idx v2 file of a pack with the given entries
// and trailer checksum to w, and returns the index checksum. Duplicate ids
// are rejected: lookups binary-search the name table.
func WritePackIndex(w io.Writer, entries []PackIndexEntry, packChecksum Hash) (Hash, error) {
	rows, err := indexRows(entries)
	if err != nil {
		return "", fmt.Errorf("write pack index: %w", err)
	}
	packSum, err := hashHexToBytes(packChecksum)
	if err != nil {
		return "", fmt.Errorf("write pack index: pack checksum: %w", err)
	}

	sum := sha256.New()
	bw := bufio.NewWriter(io.MultiWriter(w, sum))
	var word [8]byte
	put32 := func(v uint32) {
		binary.BigEndian.PutUint32(word[:4], v)
		bw.Write(word[:4])
	}

	bw.Write(packIndexMagic[:])
	put32(packIndexVersion)

	var fanout [256]uint32
	for _, r := range rows {
		fanout[r.raw[0]]++
	}
	var total uint32
	for i := range fanout {
		total += fanout[i]
		put32(total)
	}

	for i := range rows {
		bw.Write(rows[i].raw[:])
	}
	for _, r := range rows {
		put32(r.crc)
	}
	var large []uint64
	for _, r := range rows {
		if r.offset < uint64(packIndexLargeOffsetBit) {
			put32(uint32(r.offset))
			continue
		}
		put32(packIndexLargeOffsetBit | uint32(len(large)))
		large = append(large, r.offset)
	}
	for _, off := range large {
		binary.BigEndian.PutUint64(word[:], off)
		bw.Write(word[:])
	}
	bw.Write(packSum)

	// The index checksum covers everything above, so flush before reading it.
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("write pack index: %w", err)
	}
	indexSum := sum.Sum(nil)
	if _, err := w.Write(indexSum); err != nil {
		return "", fmt.Errorf("write pack index: %w", err)
	}
	return Hash(hex.EncodeToString(indexSum)), nil
}
