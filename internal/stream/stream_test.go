package stream

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/inforecord"
	"github.com/zqbxx/evcrypt/internal/writer"
)

func makeContainer(t *testing.T, plaintext []byte, blockSize int64, records *inforecord.InfoRecord) (string, []byte) {
	t.Helper()
	key := cryptocore.RandBytes(cryptocore.KeyLen)
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.bin")
	outPath := filepath.Join(dir, "out.ev")
	if err := os.WriteFile(inPath, plaintext, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// A nil records writes a container with no info index entries at all.
	var bundles []*inforecord.InfoRecord
	if records != nil {
		bundles = append(bundles, records)
	}
	if err := writer.WriteEncryptedFile(key, inPath, outPath, bundles, blockSize, nil); err != nil {
		t.Fatalf("WriteEncryptedFile: %v", err)
	}
	return outPath, key
}

func TestOpenReadFullFile(t *testing.T) {
	plaintext := bytes.Repeat([]byte("abcdefgh"), 1000) // 8000 bytes
	path, key := makeContainer(t, plaintext, 1024, nil)

	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if st.Size() != int64(len(plaintext)) {
		t.Fatalf("Size() = %d, want %d", st.Size(), len(plaintext))
	}

	got, err := st.Read(len(plaintext))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Read mismatch: got %d bytes, want %d", len(got), len(plaintext))
	}

	// At EOF, Read must return empty data and no error (edge case 4).
	tail, err := st.Read(10)
	if err != nil {
		t.Fatalf("Read at EOF: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("Read at EOF returned %d bytes, want 0", len(tail))
	}
}

func TestReadZeroLengthIsNoop(t *testing.T) {
	plaintext := []byte("some content")
	path, key := makeContainer(t, plaintext, 1024, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	before := st.Tell()
	got, err := st.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read(0) returned %d bytes", len(got))
	}
	if st.Tell() != before {
		t.Fatalf("Read(0) moved the cursor from %d to %d", before, st.Tell())
	}
}

func TestSeekToExactBlockStart(t *testing.T) {
	blockSize := int64(1024)
	plaintext := bytes.Repeat([]byte{0xAA}, int(blockSize)*3)
	path, key := makeContainer(t, plaintext, blockSize, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	pos, err := st.Seek(blockSize * 2)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos != blockSize*2 {
		t.Fatalf("Seek returned %d, want %d", pos, blockSize*2)
	}
	if st.bufferPos != 0 {
		t.Fatalf("seeking to an exact block boundary left bufferPos = %d, want 0 (must land in the new block, not the previous one)", st.bufferPos)
	}
	if st.currentIndex != 2 {
		t.Fatalf("currentIndex = %d, want 2", st.currentIndex)
	}
}

func TestSeekWithinCachedBlockDoesNotRedecrypt(t *testing.T) {
	blockSize := int64(1024)
	plaintext := bytes.Repeat([]byte{0xBB}, int(blockSize)*3)
	path, key := makeContainer(t, plaintext, blockSize, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	before := st.DecryptCalls()
	if _, err := st.Seek(10); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := st.Seek(500); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if st.DecryptCalls() != before {
		t.Fatalf("DecryptCalls() = %d, want %d (re-seeking within the cached block should not re-decrypt)", st.DecryptCalls(), before)
	}
}

func TestMultiBlockReadReturnsExactlyRequestedLength(t *testing.T) {
	blockSize := int64(1024)
	plaintext := bytes.Repeat([]byte{0xCC}, int(blockSize)*3+100)
	path, key := makeContainer(t, plaintext, blockSize, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	want := int(blockSize)*2 + 50
	got, err := st.Read(want)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != want {
		t.Fatalf("Read returned %d bytes, want %d", len(got), want)
	}
	if !bytes.Equal(got, plaintext[:want]) {
		t.Fatal("multi-block read content mismatch")
	}
}

func TestReadPastEndReturnsOnlyAvailableBytes(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0xDD}, 100)
	path, key := makeContainer(t, plaintext, 1024, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	got, err := st.Read(1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(plaintext) {
		t.Fatalf("Read returned %d bytes, want %d", len(got), len(plaintext))
	}
}

func TestSeekClampsToSize(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0xEE}, 500)
	path, key := makeContainer(t, plaintext, 1024, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	pos, err := st.Seek(10_000)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos != int64(len(plaintext)) {
		t.Fatalf("Seek past EOF returned %d, want %d", pos, len(plaintext))
	}
	got, err := st.Read(10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read after seeking to EOF returned %d bytes, want 0", len(got))
	}
}

func TestSeekToExactEOFFromEarlierBlockDoesNotDecrypt(t *testing.T) {
	blockSize := int64(1024)
	plaintext := bytes.Repeat([]byte{0xFA}, int(blockSize)*3+100)
	path, key := makeContainer(t, plaintext, blockSize, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, err := st.Seek(10); err != nil { // block 0, well short of the last block
		t.Fatalf("Seek: %v", err)
	}
	before := st.DecryptCalls()

	pos, err := st.Seek(int64(len(plaintext)))
	if err != nil {
		t.Fatalf("Seek to EOF: %v", err)
	}
	if pos != int64(len(plaintext)) {
		t.Fatalf("Seek to EOF returned %d, want %d", pos, len(plaintext))
	}
	if st.DecryptCalls() != before {
		t.Fatalf("DecryptCalls() = %d, want %d (seeking to raw_file_size must not decrypt)", st.DecryptCalls(), before)
	}

	got, err := st.Read(10)
	if err != nil {
		t.Fatalf("Read at EOF: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read at EOF returned %d bytes, want 0", len(got))
	}
	if st.DecryptCalls() != before {
		t.Fatalf("DecryptCalls() after a Read at EOF = %d, want %d", st.DecryptCalls(), before)
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	plaintext := []byte("data")
	path, key := makeContainer(t, plaintext, 1024, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if _, err := st.Read(1); err != ErrClosed {
		t.Fatalf("Read after Close = %v, want ErrClosed", err)
	}
	if _, err := st.Seek(0); err != ErrClosed {
		t.Fatalf("Seek after Close = %v, want ErrClosed", err)
	}
}

func TestInfoRecordReaderRoundTrip(t *testing.T) {
	records := inforecord.New()
	if err := records.Add([]byte("title"), inforecord.FromBytes([]byte("Clip Title"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := records.Add([]byte("chapter"), inforecord.FromBytes([]byte("intro"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	path, key := makeContainer(t, []byte("video bytes"), 1024, records)

	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	reader := st.InfoRecordReader()
	if reader == nil {
		t.Fatal("InfoRecordReader() = nil, want a reader")
	}

	var names []string
	for {
		rec, err := reader.Next()
		if err != nil {
			break
		}
		recs, err := rec.Records()
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		for _, r := range recs {
			names = append(names, string(r.Name))
		}
	}
	if len(names) != 2 || names[0] != "title" || names[1] != "chapter" {
		t.Fatalf("unexpected info record names: %v", names)
	}
}

func TestInfoRecordReaderNilWhenNoRecords(t *testing.T) {
	path, key := makeContainer(t, []byte("data"), 1024, nil)
	st, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if r := st.InfoRecordReader(); r != nil {
		t.Fatal("InfoRecordReader() should be nil when the container has no info records")
	}
}
