// Package chunkdiff decides which chunks of a local file differ from the
// remote manifest and writes replacement chunks in place.
package chunkdiff

import (
	"io"
	"os"

	"github.com/FraMan97/modsync/internal/digest"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

// Plan is the outcome of a diff. Full means the file must be fetched whole;
// otherwise Outdated lists chunk indexes in ascending order.
type Plan struct {
	Full     bool
	Outdated []int
}

func (p Plan) UpToDate() bool { return !p.Full && len(p.Outdated) == 0 }

// OutdatedChunks compares the file at path against remote. Without a local
// record the whole file is outdated. A record whose verified digest equals
// the remote digest short-circuits without reading the disk; otherwise every
// chunk range is re-hashed and a mismatch, short read or missing range marks
// it outdated.
func OutdatedChunks(path string, local *models.FileRecord, remote models.FileManifest) (Plan, error) {
	if local == nil {
		return Plan{Full: true}, nil
	}
	if local.Digest != "" && local.Digest == remote.Digest && local.Size == remote.Size {
		return Plan{}, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Plan{Full: true}, nil
	}
	if err != nil {
		return Plan{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	plan := Plan{Outdated: []int{}}
	for _, c := range remote.Chunks {
		got, err := digest.Range(f, c.Offset, c.Length)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			plan.Outdated = append(plan.Outdated, c.Index)
			continue
		}
		if err != nil {
			return Plan{}, errors.Wrapf(err, "read chunk %d of %s", c.Index, path)
		}
		if got != c.Digest {
			plan.Outdated = append(plan.Outdated, c.Index)
		}
	}
	return plan, nil
}

// ApplyChunk writes data at the chunk's offset and reads it back. It returns
// an integrity failure when data does not hash to the descriptor digest,
// before or after the write; only then may the caller commit the chunk.
func ApplyChunk(path string, c models.ChunkDescriptor, data []byte) error {
	if int64(len(data)) != c.Length {
		return failure.Newf(failure.Integrity, "apply chunk", "chunk %d has %d bytes, expected %d", c.Index, len(data), c.Length)
	}
	if got := digest.Chunk(data); got != c.Digest {
		return failure.Newf(failure.Integrity, "apply chunk", "chunk %d digest %s, expected %s", c.Index, got, c.Digest)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return failure.New(failure.Resource, "apply chunk", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, c.Offset); err != nil {
		return failure.New(failure.Resource, "apply chunk", err)
	}
	if err := f.Sync(); err != nil {
		return failure.New(failure.Resource, "apply chunk", err)
	}
	got, err := digest.Range(f, c.Offset, c.Length)
	if err != nil {
		return failure.New(failure.Integrity, "apply chunk", err)
	}
	if got != c.Digest {
		return failure.Newf(failure.Integrity, "apply chunk", "chunk %d reads back as %s", c.Index, got)
	}
	return nil
}
