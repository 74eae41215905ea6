package object

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

// PackEntry represents one object entry in a pack stream. For OFS_DELTA
// entries Data holds the delta instructions and BaseOffset the offset of the
// base entry.
type PackEntry struct {
	Type       PackObjectType
	Size       uint64
	Offset     uint64
	BaseOffset uint64
	Data       []byte
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum Hash
}

// ReadPack parses a full pack file byte slice, verifies trailer checksum, and
// returns decoded entries.
func ReadPack(data []byte) (*PackFile, error) {
	if len(data) < packHeaderSize+sha256.Size {
		return nil, fmt.Errorf("pack too short: %d", len(data))
	}

	payload := data[:len(data)-sha256.Size]
	trailer := data[len(data)-sha256.Size:]

	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("pack checksum mismatch")
	}

	header, err := UnmarshalPackHeader(payload[:packHeaderSize])
	if err != nil {
		return nil, err
	}

	offset := packHeaderSize
	entries := make([]PackEntry, 0, header.NumObjects)
	for i := uint32(0); i < header.NumObjects; i++ {
		start := offset
		objType, size, n, err := decodePackEntryHeader(payload[offset:])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		offset += n

		var baseOffset uint64
		if objType == PackOfsDelta {
			distance, m, err := decodeOfsDeltaDistance(payload[offset:])
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if distance == 0 || distance > uint64(start) {
				return nil, fmt.Errorf("entry %d: invalid ofs-delta distance %d", i, distance)
			}
			baseOffset = uint64(start) - distance
			offset += m
		}
		if offset >= len(payload) {
			return nil, fmt.Errorf("entry %d: missing compressed payload", i)
		}

		sub := bytes.NewReader(payload[offset:])
		zr, err := zlib.NewReader(sub)
		if err != nil {
			return nil, fmt.Errorf("entry %d: zlib reader: %w", i, err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("entry %d: decompress: %w", i, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("entry %d: close zlib stream: %w", i, err)
		}
		if uint64(len(raw)) != size {
			return nil, fmt.Errorf("entry %d: size mismatch header=%d decoded=%d", i, size, len(raw))
		}
		offset += len(payload[offset:]) - sub.Len()

		entries = append(entries, PackEntry{
			Type:       objType,
			Size:       size,
			Offset:     uint64(start),
			BaseOffset: baseOffset,
			Data:       raw,
		})
	}

	if offset != len(payload) {
		return nil, fmt.Errorf("pack has trailing undecoded bytes: %d", len(payload)-offset)
	}

	return &PackFile{
		Header:   *header,
		Entries:  entries,
		Checksum: Hash(hex.EncodeToString(trailer)),
	}, nil
}

// maxDeltaDepth bounds OFS_DELTA chains followed by readPackEntryAt.
const maxDeltaDepth = 64

// readPackEntryAt decodes the entry starting at offset in a pack file and
// resolves OFS_DELTA chains against earlier entries of the same file. Only
// the entries on the chain are read.
func readPackEntryAt(r io.ReaderAt, offset uint64) (PackObjectType, []byte, error) {
	return readPackEntryDepth(r, offset, maxDeltaDepth)
}

func readPackEntryDepth(r io.ReaderAt, offset uint64, depth int) (PackObjectType, []byte, error) {
	if offset < packHeaderSize {
		return 0, nil, fmt.Errorf("entry at %d: offset inside pack header", offset)
	}
	// Entry header plus ofs-delta distance never exceed 20 bytes.
	var hdr [24]byte
	n, err := r.ReadAt(hdr[:], int64(offset))
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
	}
	objType, size, used, err := decodePackEntryHeader(hdr[:n])
	if err != nil {
		return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
	}
	var baseOffset uint64
	if objType == PackOfsDelta {
		distance, m, err := decodeOfsDeltaDistance(hdr[used:n])
		if err != nil {
			return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
		}
		if distance == 0 || distance > offset {
			return 0, nil, fmt.Errorf("entry at %d: invalid ofs-delta distance %d", offset, distance)
		}
		baseOffset = offset - distance
		used += m
	}

	start := int64(offset) + int64(used)
	zr, err := zlib.NewReader(io.NewSectionReader(r, start, math.MaxInt64-start))
	if err != nil {
		return 0, nil, fmt.Errorf("entry at %d: zlib reader: %w", offset, err)
	}
	raw, err := io.ReadAll(io.LimitReader(zr, int64(size)+1))
	zr.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("entry at %d: decompress: %w", offset, err)
	}
	if uint64(len(raw)) != size {
		return 0, nil, fmt.Errorf("entry at %d: size mismatch header=%d decoded=%d", offset, size, len(raw))
	}
	if objType != PackOfsDelta {
		return objType, raw, nil
	}

	if depth == 0 {
		return 0, nil, fmt.Errorf("entry at %d: delta chain deeper than %d", offset, maxDeltaDepth)
	}
	baseType, base, err := readPackEntryDepth(r, baseOffset, depth-1)
	if err != nil {
		return 0, nil, err
	}
	out, err := applyDelta(base, raw)
	if err != nil {
		return 0, nil, fmt.Errorf("entry at %d: %w", offset, err)
	}
	return baseType, out, nil
}
