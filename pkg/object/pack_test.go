package object

import (
	"bytes"
	"crypto/sha256"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func TestPackHeaderRoundTrip(t *testing.T) {
	h := PackHeader{
		Version:    supportedPackVersion,
		NumObjects: 42,
	}

	data := h.Marshal()
	if len(data) != packHeaderSize {
		t.Fatalf("header len = %d, want %d", len(data), packHeaderSize)
	}

	got, err := UnmarshalPackHeader(data)
	if err != nil {
		t.Fatalf("UnmarshalPackHeader: %v", err)
	}
	if got.Version != h.Version || got.NumObjects != h.NumObjects {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestPackHeaderRejectsInvalidMagic(t *testing.T) {
	if _, err := UnmarshalPackHeader([]byte("JUNK00000000")); err == nil {
		t.Fatal("expected error for invalid magic")
	}
}

func TestPackEntryHeaderEncoding(t *testing.T) {
	tests := []struct {
		name    string
		objType PackObjectType
		size    uint64
	}{
		{name: "blob-zero", objType: PackBlob, size: 0},
		{name: "commit-small", objType: PackCommit, size: 15},
		{name: "tree-two-bytes", objType: PackTree, size: 16},
		{name: "tag-mid", objType: PackTag, size: 2048},
		{name: "blob-large", objType: PackBlob, size: 1 << 30},
		{name: "ofs-delta", objType: PackOfsDelta, size: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encodePackEntryHeader(tt.objType, tt.size)
			gotType, gotSize, consumed, err := decodePackEntryHeader(data)
			if err != nil {
				t.Fatalf("decodePackEntryHeader: %v", err)
			}
			if gotType != tt.objType || gotSize != tt.size {
				t.Fatalf("decode = (%d,%d), want (%d,%d)", gotType, gotSize, tt.objType, tt.size)
			}
			if consumed != len(data) {
				t.Fatalf("consumed = %d, want %d", consumed, len(data))
			}
		})
	}
}

func TestDecodePackEntryHeaderTruncated(t *testing.T) {
	if _, _, _, err := decodePackEntryHeader(nil); err == nil {
		t.Fatal("expected error for empty header")
	}
	if _, _, _, err := decodePackEntryHeader([]byte{0x80 | byte(PackBlob)<<4}); err == nil {
		t.Fatal("expected error for truncated continuation")
	}
}

func TestPackWriterReaderRoundTrip(t *testing.T) {
	objects := []struct {
		objType PackObjectType
		data    []byte
	}{
		{PackBlob, []byte("hello world\n")},
		{PackTree, []byte("100644 " + strings.Repeat("ab", 32) + " a.txt\n")},
		{PackBlob, bytes.Repeat([]byte("x"), 4096)},
	}

	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, uint32(len(objects)))
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	offsets := make([]uint64, len(objects))
	for i, obj := range objects {
		offsets[i] = pw.CurrentOffset()
		if _, err := pw.WriteEntry(obj.objType, obj.data); err != nil {
			t.Fatalf("WriteEntry %d: %v", i, err)
		}
	}
	checksum, err := pw.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if pf.Checksum != checksum {
		t.Fatalf("Checksum = %s, want %s", pf.Checksum, checksum)
	}
	if len(pf.Entries) != len(objects) {
		t.Fatalf("len(Entries) = %d, want %d", len(pf.Entries), len(objects))
	}
	for i, e := range pf.Entries {
		if e.Type != objects[i].objType {
			t.Fatalf("entry %d type = %d, want %d", i, e.Type, objects[i].objType)
		}
		if e.Offset != offsets[i] {
			t.Fatalf("entry %d offset = %d, want %d", i, e.Offset, offsets[i])
		}
		if !bytes.Equal(e.Data, objects[i].data) {
			t.Fatalf("entry %d data mismatch", i)
		}
	}
}

// The CRC of each entry covers exactly the bytes between its offset and
// the next entry's.
func TestPackWriterEntryCRC(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), bytes.Repeat([]byte("second"), 300), {}}
	pw, err := NewPackWriter(&buf, uint32(len(payloads)))
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	var offsets []uint64
	var crcs []uint32
	for _, data := range payloads {
		offsets = append(offsets, pw.CurrentOffset())
		crc, err := pw.WriteEntry(PackBlob, data)
		if err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		crcs = append(crcs, crc)
	}
	offsets = append(offsets, pw.CurrentOffset())
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	pack := buf.Bytes()
	for i, want := range crcs {
		if got := crc32.ChecksumIEEE(pack[offsets[i]:offsets[i+1]]); got != want {
			t.Fatalf("entry %d crc = %08x, want %08x", i, got, want)
		}
	}
}

func TestPackWriterCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 2)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if _, err := pw.WriteEntry(PackBlob, []byte("one")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestPackWriterRejectsWriteAfterFinish(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 0)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := pw.WriteEntry(PackBlob, []byte("late")); err == nil {
		t.Fatal("expected error writing after Finish")
	}
}

func TestReadPackRejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	pw, _ := NewPackWriter(&buf, 1)
	if _, err := pw.WriteEntry(PackBlob, []byte("payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff
	if _, err := ReadPack(data); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestReadPackEntryAtResolvesOfsDelta(t *testing.T) {
	base := []byte("hello world\n")
	target := []byte("hello there world\n")
	// copy "hello ", insert "there ", copy "world\n"
	delta := []byte{byte(len(base)), byte(len(target))}
	delta = append(delta, 0x80|0x10, 6)
	delta = append(delta, 6)
	delta = append(delta, "there "...)
	delta = append(delta, 0x80|0x01|0x10, 6, 6)

	pack := buildOfsDeltaPack(t, base, delta)

	raw, err := ReadPack(pack)
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if raw.Entries[1].Type != PackOfsDelta {
		t.Fatalf("raw entry type = %d, want ofs-delta", raw.Entries[1].Type)
	}
	if raw.Entries[1].BaseOffset != raw.Entries[0].Offset {
		t.Fatalf("BaseOffset = %d, want %d", raw.Entries[1].BaseOffset, raw.Entries[0].Offset)
	}

	objType, got, err := readPackEntryAt(bytes.NewReader(pack), raw.Entries[1].Offset)
	if err != nil {
		t.Fatalf("readPackEntryAt: %v", err)
	}
	if objType != PackBlob {
		t.Fatalf("resolved type = %d, want blob", objType)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("resolved data = %q, want %q", got, target)
	}

	if _, _, err := readPackEntryAt(bytes.NewReader(pack), uint64(len(pack))); err == nil {
		t.Fatal("readPackEntryAt accepted an offset past the end")
	}
}

func TestApplyDeltaRejectsBaseSizeMismatch(t *testing.T) {
	delta := []byte{5, 1, 1, 'x'}
	if _, err := applyDelta([]byte("abc"), delta); err == nil {
		t.Fatal("expected base size mismatch error")
	}
}

func TestApplyDeltaRejectsCopyOutOfBounds(t *testing.T) {
	delta := []byte{3, 4, 0x80 | 0x10, 4}
	if _, err := applyDelta([]byte("abc"), delta); err == nil {
		t.Fatal("expected out-of-bounds copy error")
	}
}

func TestApplyDeltaCopyAndInsert(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789abcdef"), 0x1000+1) // 0x10010 bytes
	tests := []struct {
		name  string
		delta []byte
		want  []byte
	}{
		{
			name: "offset and size bytes",
			// copy 4 bytes at 0x0102, insert "!"
			delta: append(deltaSizes(len(base), 5), 0x80|0x01|0x02|0x10, 0x02, 0x01, 4, 1, '!'),
			want:  append(bytes.Clone(base[0x102:0x106]), '!'),
		},
		{
			name:  "zero size means 0x10000",
			delta: append(deltaSizes(len(base), 0x10000), 0x80|0x01, 0x10),
			want:  base[0x10 : 0x10+0x10000],
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyDelta(base, tt.delta)
			if err != nil {
				t.Fatalf("applyDelta: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("applyDelta = %d bytes, want %d", len(got), len(tt.want))
			}
		})
	}

	if _, err := applyDelta([]byte("abc"), []byte{3, 1, 0}); err == nil {
		t.Fatal("applyDelta accepted opcode 0")
	}
	if _, err := applyDelta([]byte("abc"), []byte{3, 2, 0x80 | 0x10, 1}); err == nil {
		t.Fatal("applyDelta accepted a short result")
	}
}

func deltaSizes(sizes ...int) []byte {
	var out []byte
	for _, n := range sizes {
		for n >= 0x80 {
			out = append(out, byte(n)|0x80)
			n >>= 7
		}
		out = append(out, byte(n))
	}
	return out
}

func TestOfsDeltaDistanceDecoding(t *testing.T) {
	for _, want := range []uint64{1, 127, 128, 255, 16384, 1 << 20} {
		enc := encodeOfsDistanceForTest(want)
		got, n, err := decodeOfsDeltaDistance(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", want, err)
		}
		if got != want || n != len(enc) {
			t.Fatalf("decode %d = (%d, %d), want (%d, %d)", want, got, n, want, len(enc))
		}
	}
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	return buf.Bytes()
}

func buildOfsDeltaPack(t *testing.T, base, delta []byte) []byte {
	t.Helper()
	var body bytes.Buffer
	body.Write(PackHeader{Version: supportedPackVersion, NumObjects: 2}.Marshal())

	baseOffset := body.Len()
	body.Write(encodePackEntryHeader(PackBlob, uint64(len(base))))
	body.Write(deflate(t, base))

	deltaOffset := body.Len()
	body.Write(encodePackEntryHeader(PackOfsDelta, uint64(len(delta))))
	body.Write(encodeOfsDistanceForTest(uint64(deltaOffset - baseOffset)))
	body.Write(deflate(t, delta))

	sum := sha256.Sum256(body.Bytes())
	body.Write(sum[:])
	return body.Bytes()
}

func encodeOfsDistanceForTest(d uint64) []byte {
	var buf [10]byte
	pos := len(buf) - 1
	buf[pos] = byte(d & 0x7f)
	for d >>= 7; d > 0; d >>= 7 {
		d--
		pos--
		buf[pos] = 0x80 | byte(d&0x7f)
	}
	return append([]byte(nil), buf[pos:]...)
}
