// Package inforecord implements the in-memory representation and byte codec
// of the optional named-blob payload stored between the header and the
// content section.
package inforecord

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creachadair/mds/mapset"

	"github.com/zqbxx/evcrypt/internal/exitcodes"
)

const (
	// NameMaxLen is the maximum length of a record name, in bytes.
	NameMaxLen = 1024
	// DataMaxLen is the maximum length of a record payload (2^24-1, the
	// range of the 3-byte big-endian length field).
	DataMaxLen = 1<<24 - 1

	countLen     = 2
	dataLenField = 3
)

// ErrNameTooLong is returned by Add when name exceeds NameMaxLen bytes.
var ErrNameTooLong = errors.New("info record name too long")

// ErrDataTooLong is returned by Add when the payload exceeds DataMaxLen
// bytes.
var ErrDataTooLong = errors.New("info record payload too long")

func init() {
	exitcodes.Register(ErrNameTooLong, exitcodes.HeaderCorrupt)
	exitcodes.Register(ErrDataTooLong, exitcodes.HeaderCorrupt)
}

// ByteSource is a polymorphic payload: a value that can report its length
// and materialise its full contents, regardless of whether it is backed by
// an in-memory slice, a bytes.Reader, or an open file. The writer pulls
// payload bytes lazily through this interface rather than requiring every
// caller to load large blobs (e.g. thumbnails) up front.
type ByteSource interface {
	Len() (int64, error)
	ReadAll() ([]byte, error)
}

type bytesSource []byte

func (b bytesSource) Len() (int64, error)      { return int64(len(b)), nil }
func (b bytesSource) ReadAll() ([]byte, error) { return []byte(b), nil }

// FromBytes wraps an in-memory byte slice as a ByteSource.
func FromBytes(data []byte) ByteSource { return bytesSource(data) }

type fileSource struct{ f *os.File }

func (s fileSource) Len() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s fileSource) ReadAll() ([]byte, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(s.f)
}

// FromFile wraps an open file as a ByteSource. The writer does not close f;
// the caller owns its lifetime.
func FromFile(f *os.File) ByteSource { return fileSource{f: f} }

type readerSource struct{ r io.Reader }

func (s readerSource) Len() (int64, error) {
	return 0, errors.New("inforecord: length unknown for a plain io.Reader source")
}

func (s readerSource) ReadAll() ([]byte, error) { return io.ReadAll(s.r) }

// FromReader wraps an arbitrary io.Reader (e.g. a bytes.Buffer) as a
// ByteSource. Len is unsupported for a bare reader; use FromBytes or
// FromFile when the length must be known up front.
func FromReader(r io.Reader) ByteSource { return readerSource{r: r} }

// Record is the decoded form of one name/payload pair.
type Record struct {
	Name []byte
	Data []byte
}

// InfoRecord is the mapping from name to payload, in insertion order. It
// is a short-lived builder on the writer side and a short-lived decoded
// value on the reader side.
type InfoRecord struct {
	order  []string
	values map[string]ByteSource
	seen   mapset.Set[string]
}

// New returns an empty InfoRecord builder.
func New() *InfoRecord {
	return &InfoRecord{
		values: make(map[string]ByteSource),
		seen:   mapset.New[string](),
	}
}

// Add registers name -> data. name must not exceed NameMaxLen bytes; the
// length of data (whatever it resolves to) must not exceed DataMaxLen. Data
// length is not checked until ToBytes, since a ByteSource's length may
// require an I/O call (os.Stat) to determine.
func (r *InfoRecord) Add(name []byte, data ByteSource) error {
	if len(name) > NameMaxLen {
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(name), NameMaxLen)
	}
	key := string(name)
	if !r.seen.Has(key) {
		r.order = append(r.order, key)
		r.seen.Add(key)
	}
	r.values[key] = data
	return nil
}

// Remove deletes the record named name, if present.
func (r *InfoRecord) Remove(name []byte) {
	key := string(name)
	if !r.seen.Has(key) {
		return
	}
	r.seen.Remove(key)
	delete(r.values, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of records currently registered.
func (r *InfoRecord) Len() int { return len(r.order) }

// Records returns the decoded records in insertion order, materialising
// every ByteSource in full. Used by ToBytes and by tests; from_bytes-produced
// InfoRecords always have plain byte payloads already.
func (r *InfoRecord) Records() ([]Record, error) {
	out := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		data, err := r.values[key].ReadAll()
		if err != nil {
			return nil, err
		}
		if len(data) > DataMaxLen {
			return nil, fmt.Errorf("%w: %d > %d", ErrDataTooLong, len(data), DataMaxLen)
		}
		out = append(out, Record{Name: []byte(key), Data: data})
	}
	return out, nil
}

// ToBytes serialises the record set: count (2-byte BE) then, per entry, a
// left-NUL-padded 1024-byte name, a 3-byte BE payload length, and the
// payload bytes.
func (r *InfoRecord) ToBytes() ([]byte, error) {
	records, err := r.Records()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var tmp [countLen]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(records)))
	buf.Write(tmp[:])

	for _, rec := range records {
		buf.Write(pad(rec.Name, NameMaxLen))
		var lenBuf [dataLenField]byte
		putUint24(lenBuf[:], uint32(len(rec.Data)))
		buf.Write(lenBuf[:])
		buf.Write(rec.Data)
	}
	return buf.Bytes(), nil
}

// Parse decodes the inverse of ToBytes. Names are recovered by stripping
// leading NUL bytes from each fixed 1024-byte field: a name is the longest
// suffix of its field containing no NUL bytes, so encoded names must not
// themselves begin with NUL.
func Parse(data []byte) (*InfoRecord, error) {
	r := bytes.NewReader(data)
	var countBuf [countLen]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("inforecord: read count: %w", err)
	}
	count := binary.BigEndian.Uint16(countBuf[:])

	out := New()
	for i := uint16(0); i < count; i++ {
		nameBuf := make([]byte, NameMaxLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, fmt.Errorf("inforecord: read name %d: %w", i, err)
		}
		name := unpad(nameBuf)

		var lenBuf [dataLenField]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("inforecord: read data length %d: %w", i, err)
		}
		dataLen := getUint24(lenBuf[:])

		payload := make([]byte, dataLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("inforecord: read payload %d: %w", i, err)
		}
		if err := out.Add(name, FromBytes(payload)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pad(name []byte, length int) []byte {
	if len(name) >= length {
		return name[:length]
	}
	out := make([]byte, length)
	copy(out[length-len(name):], name)
	return out
}

func unpad(field []byte) []byte {
	i := 0
	for i < len(field) && field[i] == 0 {
		i++
	}
	return append([]byte(nil), field[i:]...)
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
