package header

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleHeader() *Header {
	h := &Header{
		FileSize:    0,
		RawFileSize: 2 * 1024 * 1024,
		InfoIndex: []InfoRecordIndex{
			{Length: 40, IV: [16]byte{1, 2, 3}},
		},
		BlockIndex: []ContentBlockIndex{
			{IV: [16]byte{4, 5}, StartPos: 100, RawStartPos: 0, DataSize: 1024 * 1024, BlockSize: 1024*1024 + 16},
			{IV: [16]byte{6, 7}, StartPos: 200, RawStartPos: 1024 * 1024, DataSize: 1024 * 1024, BlockSize: 1024*1024 + 16},
		},
	}
	h.UpdateHeadSize()
	h.FileSize = uint64(h.HeadSize) + 40 + uint64(h.BlockIndex[0].BlockSize) + uint64(h.BlockIndex[1].BlockSize)
	return h
}

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	h := sampleHeader()
	raw := h.ToBytes()

	if !bytes.Equal(raw[0:8], Magic[:]) {
		t.Fatalf("serialized header does not start with magic: %x", raw[0:8])
	}

	got, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got.FileSize != h.FileSize {
		t.Errorf("FileSize = %d, want %d", got.FileSize, h.FileSize)
	}
	if got.HeadSize != h.HeadSize {
		t.Errorf("HeadSize = %d, want %d", got.HeadSize, h.HeadSize)
	}
	if got.RawFileSize != h.RawFileSize {
		t.Errorf("RawFileSize = %d, want %d", got.RawFileSize, h.RawFileSize)
	}
	if len(got.InfoIndex) != len(h.InfoIndex) || len(got.BlockIndex) != len(h.BlockIndex) {
		t.Fatalf("index table lengths mismatch: info %d/%d block %d/%d",
			len(got.InfoIndex), len(h.InfoIndex), len(got.BlockIndex), len(h.BlockIndex))
	}
	if diff := cmp.Diff(h.BlockIndex, got.BlockIndex); diff != "" {
		t.Errorf("BlockIndex mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(h.InfoIndex, got.InfoIndex); diff != "" {
		t.Errorf("InfoIndex mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBytesRejectsWrongMagic(t *testing.T) {
	h := sampleHeader()
	raw := h.ToBytes()
	raw[0] = 'X'
	if _, err := FromBytes(raw); err != ErrNotEncrypted {
		t.Fatalf("FromBytes with bad magic: got %v, want ErrNotEncrypted", err)
	}
}

func TestFromBytesRejectsShortBuffer(t *testing.T) {
	if _, err := FromBytes(make([]byte, preludeLen-1)); err == nil {
		t.Fatal("expected error for buffer shorter than prelude")
	}
}

func TestFromBytesRejectsBadInfoIndexSize(t *testing.T) {
	h := sampleHeader()
	raw := h.ToBytes()
	// Corrupt the 5-byte info_index_size field (right after magic+file_size+head_size+raw_file_size).
	off := lenMagic + lenFileSize + lenHeadSize + lenRawFileSize
	raw[off] ^= 0xff
	if _, err := FromBytes(raw); err == nil {
		t.Fatal("expected error for mismatched info_index_size")
	}
}

func TestFromBytesRejectsBadBlockIndexRegion(t *testing.T) {
	h := sampleHeader()
	raw := h.ToBytes()
	binaryPutUint32(raw[lenMagic+lenFileSize:], h.HeadSize+1)
	if _, err := FromBytes(raw); err == nil {
		t.Fatal("expected error for head_size not aligning to a whole number of block entries")
	}
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestUint40RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 255, 256, 1 << 20, 1<<40 - 1}
	for _, v := range values {
		buf := make([]byte, 5)
		putUint40(buf, v)
		if got := getUint40(buf); got != v {
			t.Errorf("putUint40/getUint40(%d) round trip got %d", v, got)
		}
	}
}

func TestUint24RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 255, 256, 1<<24 - 1}
	for _, v := range values {
		buf := make([]byte, 3)
		putUint24(buf, v)
		if got := getUint24(buf); got != v {
			t.Errorf("putUint24/getUint24(%d) round trip got %d", v, got)
		}
	}
}

func TestIsEncryptedRestoresPosition(t *testing.T) {
	h := sampleHeader()
	raw := h.ToBytes()
	r := &seekReader{data: raw}

	ok, err := IsEncrypted(r)
	if err != nil {
		t.Fatalf("IsEncrypted: %v", err)
	}
	if !ok {
		t.Fatal("IsEncrypted = false, want true")
	}
	if r.pos != 0 {
		t.Fatalf("IsEncrypted left position at %d, want 0", r.pos)
	}
}

func TestIsEncryptedShortFile(t *testing.T) {
	r := &seekReader{data: []byte("hi")}
	ok, err := IsEncrypted(r)
	if err != nil {
		t.Fatalf("IsEncrypted: %v", err)
	}
	if ok {
		t.Fatal("IsEncrypted = true for a too-short file")
	}
}

// seekReader is a minimal in-memory io.ReadSeeker for tests that don't need
// a real file on disk.
type seekReader struct {
	data []byte
	pos  int
}

func (r *seekReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *seekReader) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case 0:
		base = 0
	case 1:
		base = r.pos
	case 2:
		base = len(r.data)
	}
	r.pos = base + int(offset)
	return int64(r.pos), nil
}
