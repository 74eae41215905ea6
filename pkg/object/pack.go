package object

import (
	"encoding/binary"
	"fmt"
)

const (
	packHeaderSize       = 12
	supportedPackVersion = 2
)

// File extensions of the pack family.
const (
	PackExt   = ".pack"
	IndexExt  = ".idx"
	BitmapExt = ".bitmap"
	KeepExt   = ".keep"
)

var packMagic = [4]byte{'P', 'A', 'C', 'K'}

// PackObjectType is the 3-bit type field of a pack entry header.
type PackObjectType uint8

const (
	PackCommit   PackObjectType = 1
	PackTree     PackObjectType = 2
	PackBlob     PackObjectType = 3
	PackTag      PackObjectType = 4
	PackOfsDelta PackObjectType = 6
)

// packTypes maps the whole-object pack types to object types. Deltas have
// no entry.
var packTypes = map[PackObjectType]ObjectType{
	PackCommit: TypeCommit,
	PackTree:   TypeTree,
	PackBlob:   TypeBlob,
	PackTag:    TypeTag,
}

func packTypeForObject(objType ObjectType) (PackObjectType, error) {
	for pt, ot := range packTypes {
		if ot == objType {
			return pt, nil
		}
	}
	return 0, fmt.Errorf("object type %q cannot be packed", objType)
}

func objectTypeForPack(t PackObjectType) (ObjectType, bool) {
	ot, ok := packTypes[t]
	return ot, ok
}

// PackHeader is the 12-byte pack header: "PACK", version and object count,
// both big-endian.
type PackHeader struct {
	Version    uint32
	NumObjects uint32
}

// Marshal returns the encoded header.
func (h PackHeader) Marshal() []byte {
	buf := append(make([]byte, 0, packHeaderSize), packMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	return binary.BigEndian.AppendUint32(buf, h.NumObjects)
}

// UnmarshalPackHeader parses a version 2 pack header.
func UnmarshalPackHeader(data []byte) (*PackHeader, error) {
	if len(data) < packHeaderSize {
		return nil, fmt.Errorf("pack header too short: got %d bytes", len(data))
	}
	if [4]byte(data[:4]) != packMagic {
		return nil, fmt.Errorf("invalid pack magic %q", data[:4])
	}
	h := &PackHeader{
		Version:    binary.BigEndian.Uint32(data[4:]),
		NumObjects: binary.BigEndian.Uint32(data[8:]),
	}
	if h.Version != supportedPackVersion {
		return nil, fmt.Errorf("unsupported pack version %d", h.Version)
	}
	return h, nil
}

// encodePackEntryHeader encodes an entry's type and inflated size: the
// first byte carries a continuation bit, the type and the low 4 size bits,
// each following byte 7 more size bits.
func encodePackEntryHeader(objType PackObjectType, size uint64) []byte {
	out := []byte{byte(objType&0x7)<<4 | byte(size&0x0f)}
	for size >>= 4; size > 0; size >>= 7 {
		out[len(out)-1] |= 0x80
		out = append(out, byte(size&0x7f))
	}
	return out
}

// decodePackEntryHeader returns the type, inflated size and header length
// of the entry at the start of data.
func decodePackEntryHeader(data []byte) (PackObjectType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("entry header truncated")
	}
	objType := PackObjectType(data[0] >> 4 & 0x7)
	size := uint64(data[0] & 0x0f)
	n := 1
	for shift := uint(4); data[n-1]&0x80 != 0; shift += 7 {
		if n == len(data) {
			return 0, 0, 0, fmt.Errorf("entry header truncated")
		}
		if shift > 57 {
			return 0, 0, 0, fmt.Errorf("entry header size overflow")
		}
		size |= uint64(data[n]&0x7f) << shift
		n++
	}
	return objType, size, n, nil
}
