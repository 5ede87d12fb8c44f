package models

import "time"

const (
	DefaultChunkSize = 1 << 20
	ManifestFormat   = 1
	HashAlgorithm    = "SHA256"
)

type ChunkDescriptor struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Digest string `json:"digest"`
}

type FileManifest struct {
	Path   string            `json:"path"`
	Size   int64             `json:"size"`
	Digest string            `json:"digest"`
	Chunks []ChunkDescriptor `json:"chunks"`
}

// PackageManifest is the server-authoritative description of one package.
// It is immutable once published.
type PackageManifest struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Digest        string         `json:"digest"`
	Size          int64          `json:"size"`
	ChunkSize     int64          `json:"chunk_size"`
	Format        int            `json:"format"`
	HashAlgorithm string         `json:"hash_algorithm"`
	Generated     time.Time      `json:"generated"`
	Files         []FileManifest `json:"files"`
}

type PackageSummary struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunk_size"`
	Files     int    `json:"files"`
}

func (m *PackageManifest) Summary() PackageSummary {
	return PackageSummary{
		Name:      m.Name,
		Version:   m.Version,
		Digest:    m.Digest,
		Size:      m.Size,
		ChunkSize: m.ChunkSize,
		Files:     len(m.Files),
	}
}

func (m *PackageManifest) File(path string) *FileManifest {
	for i := range m.Files {
		if m.Files[i].Path == path {
			return &m.Files[i]
		}
	}
	return nil
}

// FileRecord is the last verified local state of one file. An empty Digest
// means the file is being patched and must not be trusted as a whole.
type FileRecord struct {
	Path   string            `json:"path"`
	Size   int64             `json:"size"`
	Digest string            `json:"digest"`
	Chunks []ChunkDescriptor `json:"chunks"`
}

type LocalChunkRecord struct {
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	Digest     string       `json:"digest"`
	ChunkSize  int64        `json:"chunk_size"`
	Format     int          `json:"format"`
	Files      []FileRecord `json:"files"`
	LastSynced time.Time    `json:"last_synced"`
}

func (r *LocalChunkRecord) File(path string) *FileRecord {
	if r == nil {
		return nil
	}
	for i := range r.Files {
		if r.Files[i].Path == path {
			return &r.Files[i]
		}
	}
	return nil
}

// PutFile replaces the record of fr.Path, appending it when absent.
func (r *LocalChunkRecord) PutFile(fr FileRecord) {
	for i := range r.Files {
		if r.Files[i].Path == fr.Path {
			r.Files[i] = fr
			return
		}
	}
	r.Files = append(r.Files, fr)
}

func (r *LocalChunkRecord) RemoveFile(path string) {
	for i := range r.Files {
		if r.Files[i].Path == path {
			r.Files = append(r.Files[:i], r.Files[i+1:]...)
			return
		}
	}
}

// Current reports whether the record already describes the given manifest.
// It never touches the disk.
func (r *LocalChunkRecord) Current(m *PackageManifest) bool {
	if r == nil || m == nil {
		return false
	}
	return r.Version == m.Version && r.Digest == m.Digest && r.ChunkSize == m.ChunkSize && r.Format == m.Format
}

// Matches is Current against a listing entry, used before the full manifest
// is fetched.
func (r *LocalChunkRecord) Matches(s PackageSummary) bool {
	if r == nil {
		return false
	}
	return r.Version == s.Version && r.Digest == s.Digest && r.ChunkSize == s.ChunkSize && r.Format == ManifestFormat
}

func RecordFromManifest(f FileManifest) FileRecord {
	chunks := make([]ChunkDescriptor, len(f.Chunks))
	copy(chunks, f.Chunks)
	return FileRecord{Path: f.Path, Size: f.Size, Digest: f.Digest, Chunks: chunks}
}

type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type SyncRun struct {
	RunID       string          `json:"run_id"`
	Started     time.Time       `json:"started"`
	Finished    time.Time       `json:"finished"`
	Server      string          `json:"server"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Cancelled   int             `json:"cancelled"`
	RateLimited int             `json:"rate_limited"`
	Packages    []PackageResult `json:"packages"`
}

type PackageResult struct {
	Name          string `json:"name"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
	BytesFetched  int64  `json:"bytes_fetched"`
	FilesFetched  int    `json:"files_fetched"`
	ChunksPatched int    `json:"chunks_patched"`
}
