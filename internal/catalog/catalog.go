// Package catalog scans the package store and keeps one manifest per package
// in bolt. Files are re-hashed only when their size or modification time
// changed since the previous scan.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/database"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/store"
	"github.com/pkg/errors"
)

const (
	BucketManifests = "manifests"
	BucketFileIndex = "file_index"
	// BucketPublished holds the size and digest of every file of the
	// published manifests, keyed like the file index.
	BucketPublished = "published_files"

	// VersionFile, when present at a package root, holds the package version
	// and is not distributed.
	VersionFile = "VERSION"
)

var ErrFileChanged = errors.New("file changed while hashing")

type indexEntry struct {
	Size      int64                    `json:"size"`
	ModTime   int64                    `json:"mod_time"`
	ChunkSize int64                    `json:"chunk_size"`
	Digest    string                   `json:"digest"`
	Chunks    []models.ChunkDescriptor `json:"chunks"`
}

type publishedEntry struct {
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

type Stats struct {
	Packages int
	Hashed   int
	Reused   int
	Removed  int
	Failed   int
}

type Catalog struct {
	db        *database.DB
	store     store.Store
	chunkSize int64
	scan      sync.Mutex
}

func New(db *database.DB, st store.Store, chunkSize int64) (*Catalog, error) {
	if chunkSize <= 0 {
		return nil, chunktable.ErrInvalidChunkSize
	}
	for _, b := range []string{BucketManifests, BucketFileIndex, BucketPublished} {
		if err := db.EnsureBucket(b); err != nil {
			return nil, errors.Wrapf(err, "ensure bucket '%s'", b)
		}
	}
	return &Catalog{db: db, store: st, chunkSize: chunkSize}, nil
}

// PackageDigest hashes the sorted (path, digest) pairs of a package.
func PackageDigest(files []models.FileManifest) string {
	sorted := make([]models.FileManifest, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := sha256.New()
	for _, f := range sorted {
		io.WriteString(h, f.Path)
		h.Write([]byte{0})
		io.WriteString(h, f.Digest)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func indexKey(pkg, path string) string { return pkg + "\x00" + path }

func (c *Catalog) Summaries() ([]models.PackageSummary, error) {
	all, err := c.db.GetAllData(BucketManifests)
	if err != nil {
		return nil, err
	}
	out := make([]models.PackageSummary, 0, len(all))
	for name, raw := range all {
		var m models.PackageManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("[Catalog] - Corrupt manifest '%s': %v\n", name, err)
			continue
		}
		out = append(out, m.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) Manifest(name string) (*models.PackageManifest, error) {
	raw, err := c.db.GetData(BucketManifests, name)
	if errors.Is(err, database.ErrKeyNotFound) {
		return nil, errors.Wrapf(store.ErrNotFound, "package %s", name)
	}
	if err != nil {
		return nil, err
	}
	var m models.PackageManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "decode manifest %s", name)
	}
	return &m, nil
}

// PublishedFile returns the size and digest the published manifest of pkg
// declares for path, without decoding the manifest.
func (c *Catalog) PublishedFile(pkg, path string) (int64, string, error) {
	raw, err := c.db.GetData(BucketPublished, indexKey(pkg, path))
	if errors.Is(err, database.ErrKeyNotFound) {
		return 0, "", errors.Wrapf(store.ErrNotFound, "file %s/%s", pkg, path)
	}
	if err != nil {
		return 0, "", err
	}
	var e publishedEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return 0, "", errors.Wrapf(err, "decode published entry %s/%s", pkg, path)
	}
	return e.Size, e.Digest, nil
}

// Scan refreshes every package manifest and drops manifests of packages that
// disappeared from the store. A package that fails to scan keeps its previous
// manifest.
func (c *Catalog) Scan(ctx context.Context) (Stats, error) {
	c.scan.Lock()
	defer c.scan.Unlock()

	var stats Stats
	names, err := c.store.Packages(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "list packages")
	}
	present := make(map[string]bool, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		present[name] = true
		if _, err := c.scanPackage(ctx, name, &stats); err != nil {
			stats.Failed++
			log.Printf("[Catalog] - Error scanning package '%s': %v\n", name, err)
			continue
		}
		stats.Packages++
	}

	known, err := c.db.GetAllKeys(BucketManifests)
	if err != nil {
		return stats, err
	}
	for _, name := range known {
		if present[name] {
			continue
		}
		if err := c.db.DeleteKey(BucketManifests, name); err != nil {
			return stats, err
		}
		if err := c.prune(name, nil); err != nil {
			return stats, err
		}
		stats.Removed++
	}
	return stats, nil
}

// ScanPackage refreshes a single package.
func (c *Catalog) ScanPackage(ctx context.Context, name string) (*models.PackageManifest, error) {
	c.scan.Lock()
	defer c.scan.Unlock()
	var stats Stats
	return c.scanPackage(ctx, name, &stats)
}

func (c *Catalog) scanPackage(ctx context.Context, name string, stats *Stats) (m *models.PackageManifest, err error) {
	// Freshly hashed index entries are written in one transaction, also
	// when the scan fails halfway, so the work done is not repeated.
	hashed := make(map[string][]byte)
	defer func() {
		if len(hashed) == 0 {
			return
		}
		if perr := c.db.PutAll(BucketFileIndex, hashed); perr != nil && err == nil {
			m, err = nil, perr
		}
	}()

	objs, err := c.store.List(ctx, name)
	if err != nil {
		return nil, err
	}
	m = &models.PackageManifest{
		Name:          name,
		ChunkSize:     c.chunkSize,
		Format:        models.ManifestFormat,
		HashAlgorithm: models.HashAlgorithm,
		Files:         []models.FileManifest{},
	}
	keep := make(map[string]bool, len(objs))
	for _, obj := range objs {
		if obj.Path == VersionFile {
			v, err := c.readVersion(ctx, name, obj.Size)
			if err != nil {
				return nil, err
			}
			m.Version = v
			continue
		}
		fm, entry, err := c.fileManifest(ctx, name, obj)
		if err != nil {
			return nil, errors.Wrapf(err, "file %s", obj.Path)
		}
		if entry != nil {
			hashed[indexKey(name, obj.Path)] = entry
			stats.Hashed++
		} else {
			stats.Reused++
		}
		keep[obj.Path] = true
		m.Files = append(m.Files, fm)
		m.Size += fm.Size
	}
	m.Digest = PackageDigest(m.Files)
	if m.Version == "" {
		m.Version = m.Digest[:12]
	}

	if prev, err := c.Manifest(name); err == nil && prev.Digest == m.Digest && prev.Version == m.Version && prev.ChunkSize == m.ChunkSize {
		return prev, c.prune(name, keep)
	}
	m.Generated = time.Now().UTC()
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	published := make(map[string][]byte, len(m.Files))
	for _, f := range m.Files {
		entry, err := json.Marshal(publishedEntry{Size: f.Size, Digest: f.Digest})
		if err != nil {
			return nil, err
		}
		published[indexKey(name, f.Path)] = entry
	}
	if err := c.db.PutAll(BucketPublished, published); err != nil {
		return nil, err
	}
	if err := c.db.PutData(BucketManifests, name, raw); err != nil {
		return nil, err
	}
	log.Printf("[Catalog] - Published '%s' version %s (%d files, %d bytes)\n", name, m.Version, len(m.Files), m.Size)
	return m, c.prune(name, keep)
}

func (c *Catalog) readVersion(ctx context.Context, name string, size int64) (string, error) {
	rc, err := c.store.Open(ctx, name, VersionFile, 0, size)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, 256))
	if err != nil {
		return "", errors.Wrap(err, "read version")
	}
	return strings.TrimSpace(string(raw)), nil
}

// fileManifest describes obj, reusing its index entry when size and mtime
// still match. A non-nil entry means the file was hashed and the caller must
// store the entry.
func (c *Catalog) fileManifest(ctx context.Context, name string, obj store.Object) (models.FileManifest, []byte, error) {
	if raw, err := c.db.GetData(BucketFileIndex, indexKey(name, obj.Path)); err == nil {
		var e indexEntry
		if json.Unmarshal(raw, &e) == nil && e.Size == obj.Size && e.ModTime == obj.ModTime.UnixNano() && e.ChunkSize == c.chunkSize {
			return models.FileManifest{Path: obj.Path, Size: e.Size, Digest: e.Digest, Chunks: e.Chunks}, nil, nil
		}
	}

	rc, err := c.store.Open(ctx, name, obj.Path, 0, obj.Size)
	if err != nil {
		return models.FileManifest{}, nil, err
	}
	defer rc.Close()
	table, err := chunktable.SplitReader(rc, c.chunkSize)
	if err != nil {
		return models.FileManifest{}, nil, err
	}
	if table.Size != obj.Size {
		return models.FileManifest{}, nil, ErrFileChanged
	}
	raw, err := json.Marshal(indexEntry{
		Size:      obj.Size,
		ModTime:   obj.ModTime.UnixNano(),
		ChunkSize: c.chunkSize,
		Digest:    table.Digest,
		Chunks:    table.Chunks,
	})
	if err != nil {
		return models.FileManifest{}, nil, err
	}
	return models.FileManifest{Path: obj.Path, Size: table.Size, Digest: table.Digest, Chunks: table.Chunks}, raw, nil
}

// prune removes the index and published entries of pkg whose path is not in
// keep.
func (c *Catalog) prune(pkg string, keep map[string]bool) error {
	prefix := pkg + "\x00"
	for _, bucket := range []string{BucketFileIndex, BucketPublished} {
		keys, err := c.db.GetAllKeys(bucket)
		if err != nil {
			return err
		}
		for _, k := range keys {
			path, ok := strings.CutPrefix(k, prefix)
			if !ok || keep[path] {
				continue
			}
			if err := c.db.DeleteKey(bucket, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func getDelay(cron int) time.Duration {
	jitter := time.Duration(rand.Intn(cron)) * time.Second
	return jitter + time.Duration(cron)*time.Second
}

// Run rescans the store every cron seconds plus jitter until ctx is done.
func (c *Catalog) Run(ctx context.Context, cron int) {
	if cron <= 0 {
		return
	}
	ticker := time.NewTicker(getDelay(cron))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := c.Scan(ctx)
			if err != nil {
				log.Println("[Catalog] - Scan error: ", err)
				continue
			}
			log.Printf("[Catalog] - Scan done: %d packages, %d hashed, %d reused, %d removed, %d failed\n",
				stats.Packages, stats.Hashed, stats.Reused, stats.Removed, stats.Failed)
		case <-ctx.Done():
			log.Println("[Catalog] - Context cancelled, stopping ticker")
			return
		}
	}
}
