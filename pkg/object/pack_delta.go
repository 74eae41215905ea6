package object

import (
	"errors"
	"fmt"
)

var errDeltaTruncated = errors.New("delta truncated")

// deltaReader walks a delta instruction stream.
type deltaReader struct {
	buf []byte
	pos int
}

func (d *deltaReader) byte() (byte, error) {
	if d.pos == len(d.buf) {
		return 0, errDeltaTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// size reads a little-endian base-128 size from the delta preamble.
func (d *deltaReader) size() (uint64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		if shift > 63 {
			return 0, fmt.Errorf("delta size too large")
		}
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// copyArg gathers the n optional little-endian bytes of a copy instruction
// whose presence bits start at bit first of op.
func (d *deltaReader) copyArg(op byte, first, n uint) (uint64, error) {
	var v uint64
	for i := range n {
		if op&(1<<(first+i)) == 0 {
			continue
		}
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// decodeOfsDeltaDistance reads the base distance of an ofs-delta entry.
// Each continuation adds one before shifting, so encodings are unique.
func decodeOfsDeltaDistance(data []byte) (uint64, int, error) {
	var dist uint64
	for i, b := range data {
		if i > 0 {
			dist++
		}
		dist = dist<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return dist, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("ofs-delta distance truncated")
}

// applyDelta rebuilds an object from its base and a delta. Copy offsets
// use presence bits 0x01..0x08, copy sizes 0x10..0x40, and a zero size
// means 0x10000. Opcode 0 is reserved.
func applyDelta(base, delta []byte) ([]byte, error) {
	d := &deltaReader{buf: delta}
	baseSize, err := d.size()
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := d.size()
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for d.pos < len(d.buf) {
		op := d.buf[d.pos]
		d.pos++
		if op == 0 {
			return nil, fmt.Errorf("invalid delta opcode 0")
		}
		if op&0x80 == 0 {
			end := d.pos + int(op)
			if end > len(d.buf) {
				return nil, fmt.Errorf("delta insert: %w", errDeltaTruncated)
			}
			out = append(out, d.buf[d.pos:end]...)
			d.pos = end
			continue
		}

		off, err := d.copyArg(op, 0, 4)
		if err != nil {
			return nil, fmt.Errorf("delta copy offset: %w", err)
		}
		n, err := d.copyArg(op, 4, 3)
		if err != nil {
			return nil, fmt.Errorf("delta copy size: %w", err)
		}
		if n == 0 {
			n = 0x10000
		}
		if off+n > uint64(len(base)) {
			return nil, fmt.Errorf("delta copy out of bounds")
		}
		out = append(out, base[off:off+n]...)
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}
