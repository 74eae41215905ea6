package object

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

// packSink is the pack stream below the entries: it hashes every byte for
// the trailer and tracks the offset. While an entry is written its bytes
// also feed crc.
type packSink struct {
	out io.Writer
	sum hash.Hash
	crc hash.Hash32
	n   uint64
}

func (s *packSink) Write(p []byte) (int, error) {
	n, err := s.out.Write(p)
	s.sum.Write(p[:n])
	if s.crc != nil {
		s.crc.Write(p[:n])
	}
	s.n += uint64(n)
	return n, err
}

// PackWriter streams a pack: header, zlib-deflated entries, then the
// SHA-256 trailer over everything before it.
type PackWriter struct {
	sink     *packSink
	zw       *zlib.Writer
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter writes the header of a pack holding numObjects entries.
func NewPackWriter(out io.Writer, numObjects uint32) (*PackWriter, error) {
	sink := &packSink{out: out, sum: sha256.New()}
	hdr := PackHeader{Version: supportedPackVersion, NumObjects: numObjects}
	if _, err := sink.Write(hdr.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return &PackWriter{sink: sink, expected: numObjects}, nil
}

// CurrentOffset is the offset the next entry will start at.
func (p *PackWriter) CurrentOffset() uint64 {
	return p.sink.n
}

// WriteEntry appends a whole object and returns the CRC32 of its entry
// bytes, as the index records it.
func (p *PackWriter) WriteEntry(objType PackObjectType, data []byte) (uint32, error) {
	switch {
	case p.finished:
		return 0, fmt.Errorf("pack writer already finished")
	case p.written == p.expected:
		return 0, fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}

	p.sink.crc = crc32.NewIEEE()
	defer func() { p.sink.crc = nil }()

	if _, err := p.sink.Write(encodePackEntryHeader(objType, uint64(len(data)))); err != nil {
		return 0, fmt.Errorf("write pack entry header: %w", err)
	}
	if p.zw == nil {
		p.zw = zlib.NewWriter(p.sink)
	} else {
		p.zw.Reset(p.sink)
	}
	if _, err := p.zw.Write(data); err != nil {
		return 0, fmt.Errorf("write pack entry: %w", err)
	}
	if err := p.zw.Close(); err != nil {
		return 0, fmt.Errorf("write pack entry: %w", err)
	}
	p.written++
	return p.sink.crc.Sum32(), nil
}

// Finish checks the entry count and writes the trailer, returning it as hex.
func (p *PackWriter) Finish() (Hash, error) {
	if p.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return "", fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}
	sum := p.sink.sum.Sum(nil)
	if _, err := p.sink.out.Write(sum); err != nil {
		return "", fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	return Hash(hex.EncodeToString(sum)), nil
}
