// Package stream implements a random-access decrypting stream adapter:
// open/read/seek/tell/size/close over an encrypted container, backed by a
// one-block decrypted cache. It decrypts exactly the block that covers the
// current offset and serves reads from it until the caller crosses a block
// boundary, exposed as a plain Go type rather than a kernel filesystem node.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/header"
	"github.com/zqbxx/evcrypt/internal/inforecord"
	"github.com/zqbxx/evcrypt/internal/tlog"
)

// ErrClosed is returned by any operation attempted on a closed or
// degraded-closed Stream: a runtime error transitions the stream to a
// degraded closed state rather than returning wrong data.
var ErrClosed = errors.New("stream: closed")

// state is the stream's internal state machine.
type state int

const (
	stateClosed state = iota
	stateOpen
)

// Stream opens a container file and serves its virtual plaintext. It is
// not safe for concurrent use by multiple goroutines: it is single-threaded
// per instance with no internal locking, so callers that need concurrent
// access from a foreign callback boundary must serialise calls per handle
// themselves.
type Stream struct {
	path string
	key  []byte

	file   *os.File
	header *header.Header
	state  state

	currentIndex int    // index into header.BlockIndex of the cached block
	blockBuffer  []byte // decrypted plaintext of the cached block
	bufferPos    int    // read cursor within blockBuffer

	infoSectionStart int64
	decryptCalls     int // instrumented counter for seek-idempotence tests
}

// Open opens path read-only, parses its header, and — unless the container
// has zero content blocks — decrypts block 0 into the cache.
func Open(path string, key []byte) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", path, err)
	}

	ok, err := header.IsEncrypted(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stream: probe magic: %w", err)
	}
	if !ok {
		f.Close()
		return nil, header.ErrNotEncrypted
	}

	raw, err := header.ReadHeaderBlock(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stream: read header block: %w", err)
	}
	h, err := header.FromBytes(raw)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Stream{
		path:         path,
		key:          key,
		file:         f,
		header:       h,
		state:        stateOpen,
		currentIndex: -1,
	}

	infoLen := int64(0)
	for _, e := range h.InfoIndex {
		infoLen += int64(e.Length)
	}
	s.infoSectionStart = int64(h.HeadSize)
	if _, err := f.Seek(s.infoSectionStart+infoLen, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("stream: skip info section: %w", err)
	}

	if len(h.BlockIndex) > 0 {
		if err := s.loadBlock(0); err != nil {
			f.Close()
			s.state = stateClosed
			return nil, err
		}
	}
	return s, nil
}

// InfoRecordReader returns the sibling lazy iterator over this container's
// info records, or nil if it has none. The reader borrows the Stream's file
// handle and must not be used after the Stream is closed.
func (s *Stream) InfoRecordReader() *InfoRecordReader {
	if s.state != stateOpen || len(s.header.InfoIndex) == 0 {
		return nil
	}
	return &InfoRecordReader{
		key:     s.key,
		file:    s.file,
		start:   s.infoSectionStart,
		entries: s.header.InfoIndex,
	}
}

// Size returns raw_file_size, the plaintext length of the original source.
func (s *Stream) Size() int64 {
	return int64(s.header.RawFileSize)
}

// Tell returns the current absolute position in the virtual plaintext.
func (s *Stream) Tell() int64 {
	if s.currentIndex < 0 {
		return 0
	}
	return int64(s.header.BlockIndex[s.currentIndex].RawStartPos) + int64(s.bufferPos)
}

// Read returns up to length bytes of plaintext starting at the current
// virtual position, advancing the cursor by however many bytes it returns.
// It transparently crosses block boundaries and returns an empty slice at
// EOF; it never returns more than length bytes and never short-reads while
// data remain.
func (s *Stream) Read(length int) ([]byte, error) {
	if s.state != stateOpen {
		return nil, ErrClosed
	}
	if length <= 0 || len(s.header.BlockIndex) == 0 {
		return nil, nil
	}

	out := make([]byte, 0, length)
	for len(out) < length {
		block := s.header.BlockIndex[s.currentIndex]
		var avail []byte
		if s.bufferPos < len(s.blockBuffer) {
			avail = s.blockBuffer[s.bufferPos:]
		}
		if len(avail) == 0 {
			if s.currentIndex+1 >= len(s.header.BlockIndex) {
				break // EOF
			}
			if err := s.loadBlock(s.currentIndex + 1); err != nil {
				s.degrade()
				return nil, err
			}
			continue
		}
		want := length - len(out)
		if want > len(avail) {
			want = len(avail)
		}
		out = append(out, avail[:want]...)
		s.bufferPos += want
		_ = block
	}
	return out, nil
}

// Seek relocates the virtual cursor to the absolute plaintext offset pos,
// clamped to [0, Size()], and returns the resulting position. It decrypts
// the target block only if it differs from the one currently cached;
// seeking to exactly Size() lands at EOF without decrypting anything new.
func (s *Stream) Seek(pos int64) (int64, error) {
	if s.state != stateOpen {
		return 0, ErrClosed
	}
	if pos < 0 {
		pos = 0
	}
	size := int64(s.header.RawFileSize)
	if pos > size {
		pos = size
	}

	if len(s.header.BlockIndex) == 0 {
		return 0, nil
	}

	// Landing exactly at EOF needs no plaintext at all, so it never
	// decrypts: move the cursor onto the last block and past its last
	// byte using only header metadata.
	if pos == size {
		last := len(s.header.BlockIndex) - 1
		if s.currentIndex != last {
			s.currentIndex = last
			s.blockBuffer = nil
		}
		s.bufferPos = int(s.header.BlockIndex[last].DataSize)
		return pos, nil
	}

	target := blockFor(s.header.BlockIndex, pos)
	// An earlier seek to EOF may have made the last block current without
	// decrypting it, so a nil buffer also forces a load.
	if target != s.currentIndex || s.blockBuffer == nil {
		if err := s.loadBlock(target); err != nil {
			s.degrade()
			return 0, err
		}
	}
	s.bufferPos = int(pos - int64(s.header.BlockIndex[target].RawStartPos))
	return pos, nil
}

// blockFor returns the index of the unique block b such that
// b.RawStartPos <= pos < b.RawStartPos + b.DataSize. Callers must ensure
// pos < raw_file_size (EOF and beyond is handled by Seek before calling
// this). The half-open interval is used rather than a "pos < raw_start_pos"
// scan, which misidentifies the block at an exact boundary.
func blockFor(blocks []header.ContentBlockIndex, pos int64) int {
	for i, b := range blocks {
		start := int64(b.RawStartPos)
		end := start + int64(b.DataSize)
		if pos >= start && pos < end {
			return i
		}
	}
	return len(blocks) - 1
}

// Close releases the block buffer and closes the file handle. It is
// idempotent.
func (s *Stream) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.blockBuffer = nil
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// degrade transitions the stream to a degraded closed state after a
// runtime (crypto/IO) failure: further operations fail fast with
// ErrClosed instead of silently returning wrong data.
func (s *Stream) degrade() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.state = stateClosed
	s.blockBuffer = nil
}

func (s *Stream) loadBlock(idx int) error {
	block := s.header.BlockIndex[idx]
	if _, err := s.file.Seek(int64(block.StartPos), io.SeekStart); err != nil {
		return fmt.Errorf("stream: seek to block %d: %w", idx, err)
	}
	ciphertext := make([]byte, block.BlockSize)
	if _, err := io.ReadFull(s.file, ciphertext); err != nil {
		return fmt.Errorf("stream: read block %d: %w", idx, err)
	}
	s.decryptCalls++
	plaintext, err := cryptocore.Decrypt(s.key, block.IV[:], int(block.DataSize), ciphertext)
	if err != nil {
		return err
	}
	s.blockBuffer = plaintext
	s.bufferPos = 0
	s.currentIndex = idx
	tlog.Debug.Printf("stream: loaded block %d (raw_start=%d data_size=%d)", idx, block.RawStartPos, block.DataSize)
	return nil
}

// DecryptCalls returns the number of times a block has actually been
// decrypted since Open, for tests asserting the same-block seek path does
// not re-decrypt.
func (s *Stream) DecryptCalls() int { return s.decryptCalls }

// InfoRecordReader is the lazy, finite, non-restartable iterator over a
// container's info records.
type InfoRecordReader struct {
	key     []byte
	file    *os.File
	start   int64
	entries []header.InfoRecordIndex
	idx     int
	offset  int64
	started bool
}

// Next decodes and returns the next info record, or (nil, io.EOF) once the
// sequence is exhausted.
func (r *InfoRecordReader) Next() (*inforecord.InfoRecord, error) {
	if r.idx >= len(r.entries) {
		return nil, io.EOF
	}
	if !r.started {
		if _, err := r.file.Seek(r.start, io.SeekStart); err != nil {
			return nil, err
		}
		r.started = true
	}
	entry := r.entries[r.idx]
	ciphertext := make([]byte, entry.Length)
	if _, err := io.ReadFull(r.file, ciphertext); err != nil {
		return nil, fmt.Errorf("inforecord reader: read entry %d: %w", r.idx, err)
	}
	plaintext, err := cryptocore.Decrypt(r.key, entry.IV[:], -1, ciphertext)
	if err != nil {
		return nil, err
	}
	rec, err := inforecord.Parse(plaintext)
	if err != nil {
		return nil, err
	}
	r.idx++
	return rec, nil
}
