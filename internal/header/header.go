// Package header implements the in-memory representation and byte codec of
// the container header. It is the fixed-layout preamble that a reader must
// be able to materialise from a single contiguous read before it can make
// sense of anything else in the file.
package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zqbxx/evcrypt/internal/exitcodes"
)

// Magic is the 8-byte ASCII marker identifying a container file. The
// 7-byte "EV00001" variant seen in some older files is rejected.
var Magic = [8]byte{'E', 'V', '0', '0', '0', '0', '0', '1'}

// DefaultBlockSize is the default plaintext content block size (1 MiB).
const DefaultBlockSize = 1024 * 1024

const (
	lenMagic           = 8
	lenFileSize        = 5
	lenHeadSize        = 4
	lenRawFileSize     = 5
	lenInfoIndexSize   = 5
	lenInfoIndexCount  = 2
	infoRecordIndexLen = 20 // 4 (length) + 16 (iv)
	contentBlockIndexLen = 32 // 16 (iv) + 5 (start_pos) + 5 (raw_start_pos) + 3 (data_size) + 3 (block_size)

	preludeLen = lenMagic + lenFileSize + lenHeadSize + lenRawFileSize + lenInfoIndexSize + lenInfoIndexCount
)

// ErrNotEncrypted is returned when the magic marker does not match.
var ErrNotEncrypted = errors.New("not an encrypted container")

// ErrHeaderCorrupt is returned when the header fails structural validation.
var ErrHeaderCorrupt = errors.New("header corrupt")

func init() {
	exitcodes.Register(ErrNotEncrypted, exitcodes.NotEncrypted)
	exitcodes.Register(ErrHeaderCorrupt, exitcodes.HeaderCorrupt)
}

// ContentBlockIndex is one entry of the content block table.
type ContentBlockIndex struct {
	IV          [16]byte
	StartPos    uint64 // on-disk ciphertext offset; 5 bytes on the wire
	RawStartPos uint64 // plaintext offset in the original file; 5 bytes on the wire
	DataSize    uint32 // plaintext length of this block; 3 bytes on the wire
	BlockSize   uint32 // ciphertext length of this block; 3 bytes on the wire
}

func (c ContentBlockIndex) toBytes() []byte {
	buf := make([]byte, contentBlockIndexLen)
	copy(buf[0:16], c.IV[:])
	putUint40(buf[16:21], c.StartPos)
	putUint40(buf[21:26], c.RawStartPos)
	putUint24(buf[26:29], c.DataSize)
	putUint24(buf[29:32], c.BlockSize)
	return buf
}

func contentBlockIndexFromBytes(b []byte) ContentBlockIndex {
	var c ContentBlockIndex
	copy(c.IV[:], b[0:16])
	c.StartPos = getUint40(b[16:21])
	c.RawStartPos = getUint40(b[21:26])
	c.DataSize = uint32(getUint24(b[26:29]))
	c.BlockSize = uint32(getUint24(b[29:32]))
	return c
}

// InfoRecordIndex is one entry of the info record table.
type InfoRecordIndex struct {
	Length uint32 // ciphertext length of the record; 4 bytes on the wire
	IV     [16]byte
}

func (r InfoRecordIndex) toBytes() []byte {
	buf := make([]byte, infoRecordIndexLen)
	binary.BigEndian.PutUint32(buf[0:4], r.Length)
	copy(buf[4:20], r.IV[:])
	return buf
}

func infoRecordIndexFromBytes(b []byte) InfoRecordIndex {
	var r InfoRecordIndex
	r.Length = binary.BigEndian.Uint32(b[0:4])
	copy(r.IV[:], b[4:20])
	return r
}

// Header is the container file preamble.
type Header struct {
	FileSize        uint64
	HeadSize        uint32
	RawFileSize     uint64
	InfoIndex       []InfoRecordIndex
	BlockIndex      []ContentBlockIndex
}

// InfoIndexSize is the on-disk size of the info index table.
func (h *Header) InfoIndexSize() uint64 {
	return uint64(len(h.InfoIndex)) * infoRecordIndexLen
}

// UpdateHeadSize recomputes HeadSize from the current index tables.
// Callers must invoke this after changing InfoIndex or
// BlockIndex and before calling ToBytes (ToBytes also does this itself, so
// it is only needed if callers want HeadSize to read correctly beforehand,
// e.g. to compute the content section's start offset).
func (h *Header) UpdateHeadSize() {
	h.HeadSize = uint32(preludeLen) + uint32(h.InfoIndexSize()) + uint32(len(h.BlockIndex))*contentBlockIndexLen
}

// ToBytes serialises the header in its exact on-disk layout.
func (h *Header) ToBytes() []byte {
	h.UpdateHeadSize()

	var buf bytes.Buffer
	buf.Write(Magic[:])

	var tmp [8]byte
	putUint40(tmp[:5], h.FileSize)
	buf.Write(tmp[:5])

	binary.BigEndian.PutUint32(tmp[:4], h.HeadSize)
	buf.Write(tmp[:4])

	putUint40(tmp[:5], h.RawFileSize)
	buf.Write(tmp[:5])

	putUint40(tmp[:5], h.InfoIndexSize())
	buf.Write(tmp[:5])

	binary.BigEndian.PutUint16(tmp[:2], uint16(len(h.InfoIndex)))
	buf.Write(tmp[:2])

	for _, e := range h.InfoIndex {
		buf.Write(e.toBytes())
	}
	for _, e := range h.BlockIndex {
		buf.Write(e.toBytes())
	}
	return buf.Bytes()
}

// FromBytes parses a Header out of its serialised form (inverse of
// ToBytes), validating the header's structural invariants.
func FromBytes(data []byte) (*Header, error) {
	if len(data) < preludeLen {
		return nil, fmt.Errorf("%w: header shorter than prelude (%d < %d)", ErrHeaderCorrupt, len(data), preludeLen)
	}
	if !bytes.Equal(data[0:lenMagic], Magic[:]) {
		return nil, ErrNotEncrypted
	}
	off := lenMagic

	fileSize := getUint40(data[off : off+lenFileSize])
	off += lenFileSize

	headSize := binary.BigEndian.Uint32(data[off : off+lenHeadSize])
	off += lenHeadSize

	rawFileSize := getUint40(data[off : off+lenRawFileSize])
	off += lenRawFileSize

	infoIndexSize := getUint40(data[off : off+lenInfoIndexSize])
	off += lenInfoIndexSize

	infoIndexCount := binary.BigEndian.Uint16(data[off : off+lenInfoIndexCount])
	off += lenInfoIndexCount

	if infoIndexSize != uint64(infoIndexCount)*infoRecordIndexLen {
		return nil, fmt.Errorf("%w: info_index_size %d does not match count %d", ErrHeaderCorrupt, infoIndexSize, infoIndexCount)
	}

	blockIndexRegionSize := int64(headSize) - int64(preludeLen) - int64(infoIndexSize)
	if blockIndexRegionSize < 0 || blockIndexRegionSize%contentBlockIndexLen != 0 {
		return nil, fmt.Errorf("%w: head_size %d yields invalid block index region %d", ErrHeaderCorrupt, headSize, blockIndexRegionSize)
	}

	if uint64(len(data)) < uint64(off)+infoIndexSize+uint64(blockIndexRegionSize) {
		return nil, fmt.Errorf("%w: header buffer shorter than head_size", ErrHeaderCorrupt)
	}

	h := &Header{
		FileSize:    fileSize,
		HeadSize:    headSize,
		RawFileSize: rawFileSize,
	}

	for i := uint16(0); i < infoIndexCount; i++ {
		h.InfoIndex = append(h.InfoIndex, infoRecordIndexFromBytes(data[off:off+infoRecordIndexLen]))
		off += infoRecordIndexLen
	}

	blockCount := blockIndexRegionSize / contentBlockIndexLen
	for i := int64(0); i < blockCount; i++ {
		h.BlockIndex = append(h.BlockIndex, contentBlockIndexFromBytes(data[off:off+contentBlockIndexLen]))
		off += contentBlockIndexLen
	}

	return h, nil
}

// FromRawFile stats path and builds a Header with one empty ContentBlockIndex
// per block of blockSize bytes (the last block may be shorter). If the file
// is empty, the block index is empty too.
func FromRawFile(path string, blockSize int64) (*Header, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	h := &Header{RawFileSize: uint64(size)}
	blockCount := size / blockSize
	if size%blockSize != 0 {
		blockCount++
	}
	h.BlockIndex = make([]ContentBlockIndex, blockCount)
	h.UpdateHeadSize()
	return h, nil
}

// IsEncrypted peeks the first 8 bytes of r and reports whether they match
// Magic. If r is an io.Seeker, the read position is restored afterwards.
func IsEncrypted(r io.Reader) (bool, error) {
	var buf [lenMagic]byte
	n, err := io.ReadFull(r, buf[:])
	if seeker, ok := r.(io.Seeker); ok {
		if _, serr := seeker.Seek(-int64(n), io.SeekCurrent); serr != nil {
			return false, serr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(buf[:], Magic[:]), nil
}

// ReadHeaderBlock seeks r to the head_size field, reads it, seeks back to 0
// and returns exactly head_size bytes: the full serialised header, fetched
// in a single contiguous read.
func ReadHeaderBlock(r io.ReadSeeker) ([]byte, error) {
	if _, err := r.Seek(lenMagic+lenFileSize, io.SeekStart); err != nil {
		return nil, err
	}
	var hsBuf [lenHeadSize]byte
	if _, err := io.ReadFull(r, hsBuf[:]); err != nil {
		return nil, err
	}
	headSize := binary.BigEndian.Uint32(hsBuf[:])

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, headSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putUint40(b []byte, v uint64) {
	_ = b[4]
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

func getUint40(b []byte) uint64 {
	_ = b[4]
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

func putUint24(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
