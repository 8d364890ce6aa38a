// Package writer implements the encrypted container writer: given a key,
// a pre-sized header, a set of info records and a plaintext input stream,
// it emits a well-formed container and rewrites the header once the true
// IVs, lengths and file size are known.
package writer

import (
	"fmt"
	"io"
	"os"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/taskgroup"

	"github.com/zqbxx/evcrypt/internal/cpudetection"
	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/header"
	"github.com/zqbxx/evcrypt/internal/inforecord"
	"github.com/zqbxx/evcrypt/internal/tlog"
)

// ProgressHook is invoked as (blockIndex, blockCount) after each content
// block is written. It has no error return; a panic inside it is not
// recovered and propagates out of WriteEncrypted, leaving a partial output.
type ProgressHook func(i, total int)

// parallelThreshold is the minimum number of blocks before block encryption
// is fanned out across a taskgroup instead of running in the calling
// goroutine. Small containers do not benefit from the synchronization
// overhead.
const parallelThreshold = 4

// maxWorkers bounds the taskgroup's concurrency so a pathologically large
// block count does not spawn unbounded goroutines.
const maxWorkers = 8

// WriteEncrypted writes a complete container to output. records is the
// sequence of info-record array elements: each element is serialised with
// its own ToBytes (so a multi-name bundle stays one blob under one nonce)
// and encrypted exactly once, producing exactly one info index entry per
// element regardless of how many names it holds. output must be
// seekable; on success the header has been rewritten in place with its
// final values and WriteEncrypted returns nil. On any I/O or crypto
// failure it returns the error immediately, leaving a partial file behind
// — callers are expected to unlink it (see WriteEncryptedFile, which does
// this for a plain path target).
func WriteEncrypted(key []byte, h *header.Header, records []*inforecord.InfoRecord, input io.ReadSeeker, output io.WriteSeeker, blockSize int64, progress ProgressHook) error {
	if blockSize <= 0 {
		blockSize = header.DefaultBlockSize
	}

	h.InfoIndex = make([]header.InfoRecordIndex, len(records))
	h.UpdateHeadSize()

	if _, err := output.Write(h.ToBytes()); err != nil {
		return fmt.Errorf("writer: write placeholder header: %w", err)
	}

	for i, rec := range records {
		plain, err := rec.ToBytes()
		if err != nil {
			return err
		}
		iv, ct, err := cryptocore.Encrypt(key, plain)
		if err != nil {
			return err
		}
		h.InfoIndex[i].Length = uint32(len(ct))
		copy(h.InfoIndex[i].IV[:], iv)
		if _, err := output.Write(ct); err != nil {
			return fmt.Errorf("writer: write info record %d: %w", i, err)
		}
	}

	if err := writeContentBlocks(key, h, input, output, blockSize, progress); err != nil {
		return err
	}

	fileSize, err := output.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	h.FileSize = uint64(fileSize)

	if _, err := output.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := output.Write(h.ToBytes()); err != nil {
		return fmt.Errorf("writer: rewrite final header: %w", err)
	}
	tlog.Info.Printf("writer: wrote container, file_size=%d raw_file_size=%d blocks=%d", h.FileSize, h.RawFileSize, len(h.BlockIndex))
	return nil
}

func writeContentBlocks(key []byte, h *header.Header, input io.ReadSeeker, output io.Writer, blockSize int64, progress ProgressHook) error {
	blockIndex := h.BlockIndex
	if len(blockIndex) == 0 {
		return nil
	}
	cursor, err := currentOffset(output)
	if err != nil {
		return err
	}
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if len(blockIndex) < parallelThreshold {
		return writeContentBlocksSequential(key, h, input, output, blockSize, cursor, progress)
	}
	return writeContentBlocksParallel(key, h, input, output, blockSize, cursor, progress)
}

// writeContentBlocksSequential reads, encrypts and writes one block at a
// time: the simple path for small containers.
func writeContentBlocksSequential(key []byte, h *header.Header, input io.ReadSeeker, output io.Writer, blockSize, cursor int64, progress ProgressHook) error {
	blockIndex := h.BlockIndex
	buf := make([]byte, blockSize)
	for i := range blockIndex {
		blockIndex[i].RawStartPos = uint64(mustTell(input))
		n, err := io.ReadFull(input, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("writer: read block %d: %w", i, err)
		}
		plaintext := buf[:n]

		iv, ct, err := cryptocore.Encrypt(key, plaintext)
		if err != nil {
			return err
		}
		blockIndex[i].DataSize = uint32(n)
		blockIndex[i].BlockSize = uint32(len(ct))
		blockIndex[i].StartPos = uint64(cursor)
		copy(blockIndex[i].IV[:], iv)
		cursor += int64(len(ct))

		if _, err := output.Write(ct); err != nil {
			return fmt.Errorf("writer: write block %d: %w", i, err)
		}
		if progress != nil {
			progress(i, len(blockIndex))
		}
	}
	return nil
}

// blockEncryptResult is the outcome of encrypting one content block,
// produced out of order by the taskgroup and reassembled by index before
// being written to output (output must see blocks in order — the
// container format has no "block N may appear anywhere" slack).
type blockEncryptResult struct {
	rawStartPos uint64
	iv          [16]byte
	plaintextN  int
	ciphertext  []byte
}

// writeContentBlocksParallel reads all plaintext blocks up front (bounded
// by the container's own block size, so memory use is O(blockCount *
// blockSize) — acceptable for the 1 MiB default and the block counts a
// local video file produces), then fans encryption out across a
// taskgroup-managed worker pool.
func writeContentBlocksParallel(key []byte, h *header.Header, input io.ReadSeeker, output io.Writer, blockSize, cursor int64, progress ProgressHook) error {
	blockIndex := h.BlockIndex
	plaintexts := make([][]byte, len(blockIndex))
	rawStarts := make([]uint64, len(blockIndex))
	for i := range blockIndex {
		rawStarts[i] = uint64(mustTell(input))
		buf := make([]byte, blockSize)
		n, err := io.ReadFull(input, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("writer: read block %d: %w", i, err)
		}
		plaintexts[i] = buf[:n]
	}

	workers := cpudetection.New().Workers(maxWorkers)
	results := make([]blockEncryptResult, len(blockIndex))
	g, start := taskgroup.New(nil).Limit(workers)
	for i := range blockIndex {
		i := i
		start(func() error {
			iv, ct, err := cryptocore.Encrypt(key, plaintexts[i])
			if err != nil {
				return fmt.Errorf("writer: encrypt block %d: %w", i, err)
			}
			r := blockEncryptResult{rawStartPos: rawStarts[i], plaintextN: len(plaintexts[i]), ciphertext: ct}
			copy(r.iv[:], iv)
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, r := range results {
		blockIndex[i].RawStartPos = r.rawStartPos
		blockIndex[i].DataSize = uint32(r.plaintextN)
		blockIndex[i].BlockSize = uint32(len(r.ciphertext))
		blockIndex[i].StartPos = uint64(cursor)
		blockIndex[i].IV = r.iv
		cursor += int64(len(r.ciphertext))

		if _, err := output.Write(r.ciphertext); err != nil {
			return fmt.Errorf("writer: write block %d: %w", i, err)
		}
		if progress != nil {
			progress(i, len(blockIndex))
		}
	}
	return nil
}

func currentOffset(w io.Writer) (int64, error) {
	if s, ok := w.(io.Seeker); ok {
		return s.Seek(0, io.SeekCurrent)
	}
	return 0, fmt.Errorf("writer: output does not support Seek")
}

func mustTell(r io.Seeker) int64 {
	n, _ := r.Seek(0, io.SeekCurrent)
	return n
}

// WriteEncryptedFile is the file-oriented convenience wrapper used by
// cmd/evcrypt: it opens inputPath for reading, builds the header via
// header.FromRawFile, and writes outputPath atomically via
// creachadair/atomicfile — the rename only becomes visible once the header
// has been rewritten with its final values, so no reader ever observes a
// half-written container. On failure the temp file is discarded, not
// renamed.
func WriteEncryptedFile(key []byte, inputPath, outputPath string, records []*inforecord.InfoRecord, blockSize int64, progress ProgressHook) error {
	h, err := header.FromRawFile(inputPath, blockSize)
	if err != nil {
		return err
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := atomicfile.New(outputPath, 0o600)
	if err != nil {
		return err
	}
	defer out.Cancel() // no-op if Close already committed

	if err := WriteEncrypted(key, h, records, in, out.File, blockSize, progress); err != nil {
		return err
	}
	return out.Close()
}
