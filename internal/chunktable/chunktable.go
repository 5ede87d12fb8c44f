// Package chunktable partitions files into fixed-size, contiguous chunks with
// per-chunk digests and persists the client's sidecar records.
package chunktable

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/FraMan97/modsync/internal/digest"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be greater than 0")
	ErrNotContiguous    = errors.New("chunk table is not contiguous")
	ErrSizeMismatch     = errors.New("chunk table does not cover the file size")
	ErrChunkDigest      = errors.New("chunk digest mismatch")
)

// Table is the result of one pass over a file: its chunks and whole-file digest.
type Table struct {
	Size   int64
	Digest string
	Chunks []models.ChunkDescriptor
}

// Split partitions the file at path into chunkSize chunks. The final chunk may
// be shorter; an empty file has no chunks.
func Split(path string, chunkSize int64) ([]models.ChunkDescriptor, error) {
	table, err := Build(path, chunkSize)
	if err != nil {
		return nil, err
	}
	return table.Chunks, nil
}

func Build(path string, chunkSize int64) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()
	table, err := SplitReader(file, chunkSize)
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", path)
	}
	return table, nil
}

// SplitReader hashes r once, producing both chunk digests and the full digest.
func SplitReader(r io.Reader, chunkSize int64) (*Table, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	full := sha256.New()
	buf := make([]byte, chunkSize)
	table := &Table{Chunks: []models.ChunkDescriptor{}}
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			full.Write(buf[:n])
			table.Chunks = append(table.Chunks, models.ChunkDescriptor{
				Index:  len(table.Chunks),
				Offset: table.Size,
				Length: int64(n),
				Digest: digest.Chunk(buf[:n]),
			})
			table.Size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	table.Digest = hex.EncodeToString(full.Sum(nil))
	return table, nil
}

// Validate checks the contiguity invariant: chunks start at 0, each one ends
// where the next begins, and the last one ends at size.
func Validate(chunks []models.ChunkDescriptor, size int64) error {
	return validate(chunks, size, false)
}

// ValidateRecord is Validate for local records, where a chunk still being
// patched carries an empty digest.
func ValidateRecord(chunks []models.ChunkDescriptor, size int64) error {
	return validate(chunks, size, true)
}

func validate(chunks []models.ChunkDescriptor, size int64, pending bool) error {
	var next int64
	for i, c := range chunks {
		if c.Index != i {
			return errors.Wrapf(ErrNotContiguous, "chunk %d carries index %d", i, c.Index)
		}
		if c.Offset != next {
			return errors.Wrapf(ErrNotContiguous, "chunk %d starts at %d, expected %d", i, c.Offset, next)
		}
		if c.Length <= 0 {
			return errors.Wrapf(ErrNotContiguous, "chunk %d has length %d", i, c.Length)
		}
		if !digest.Valid(c.Digest) && !(pending && c.Digest == "") {
			return errors.Errorf("chunk %d has malformed digest %q", i, c.Digest)
		}
		next = c.Offset + c.Length
	}
	if next != size {
		return errors.Wrapf(ErrSizeMismatch, "chunks end at %d, size is %d", next, size)
	}
	return nil
}

// Reassemble writes the file described by chunks to w, reading each chunk from
// src and checking its digest before it is written.
func Reassemble(w io.Writer, src io.ReaderAt, chunks []models.ChunkDescriptor) error {
	for _, c := range chunks {
		buf := make([]byte, c.Length)
		n, err := src.ReadAt(buf, c.Offset)
		if int64(n) != c.Length {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "read chunk %d", c.Index)
		}
		if digest.Chunk(buf) != c.Digest {
			return errors.Wrapf(ErrChunkDigest, "chunk %d", c.Index)
		}
		if _, err := w.Write(buf); err != nil {
			return errors.Wrapf(err, "write chunk %d", c.Index)
		}
	}
	return nil
}
