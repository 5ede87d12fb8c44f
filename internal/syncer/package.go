package syncer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/FraMan97/modsync/internal/chunkdiff"
	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/diskspace"
	"github.com/FraMan97/modsync/internal/downloader"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/progress"
	"github.com/pkg/errors"
)

// packageSync carries the state of one package while it is being synced.
type packageSync struct {
	s       *Syncer
	t       *progress.Transfer
	m       *models.PackageManifest
	dir     string
	sidecar string
	rec     *models.LocalChunkRecord
	result  *PackageResult
}

func (p *packageSync) commit() error {
	if err := chunktable.WriteSidecar(p.sidecar, p.rec); err != nil {
		return failure.New(failure.Resource, "record", err)
	}
	return nil
}

func (p *packageSync) cancelled(ctx context.Context) error {
	if p.t.Cancelled() || ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

func outcomeOf(err error) Outcome {
	switch failure.KindOf(err) {
	case failure.Cancelled:
		return OutcomeCancelled
	case failure.RateLimited:
		return OutcomeRateLimited
	}
	return OutcomeFailed
}

func (s *Syncer) syncPackage(ctx context.Context, t *progress.Transfer, summary models.PackageSummary) PackageResult {
	name := summary.Name
	res := PackageResult{Name: name, Version: summary.Version}
	unlock := s.locks.Lock(name)
	defer unlock()

	if t.Cancelled() || ctx.Err() != nil {
		res.Outcome, res.Err = OutcomeCancelled, errCancelled
		return res
	}

	rec, err := LoadRecord(s.root, name)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if rec.Matches(summary) {
		res.Outcome = OutcomeSkipped
		return res
	}

	m, err := s.remote.Manifest(ctx, name)
	if err != nil {
		res.Outcome, res.Err = outcomeOf(err), err
		return res
	}
	res.Version = m.Version
	if rec.Current(m) {
		res.Outcome = OutcomeSkipped
		return res
	}

	p := &packageSync{
		s:       s,
		t:       t,
		m:       m,
		dir:     PackageDir(s.root, name),
		sidecar: chunktable.SidecarPath(s.root, name),
		rec:     rec,
		result:  &res,
	}
	if err := p.run(ctx); err != nil {
		res.Outcome, res.Err = outcomeOf(err), err
		return res
	}
	res.Outcome = OutcomeComplete
	return res
}

func (p *packageSync) run(ctx context.Context) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return failure.New(failure.Resource, "create package dir", err)
	}
	previous := p.rec
	if p.rec == nil || p.rec.ChunkSize != p.m.ChunkSize {
		p.rec = &models.LocalChunkRecord{Name: p.m.Name}
	} else {
		clone := *p.rec
		clone.Files = append([]models.FileRecord(nil), p.rec.Files...)
		p.rec = &clone
	}
	// The record stops claiming any version until every file verified.
	p.rec.Version, p.rec.Digest = "", ""
	p.rec.ChunkSize, p.rec.Format = p.m.ChunkSize, models.ManifestFormat
	if err := p.commit(); err != nil {
		return err
	}

	p.t.SetTotal(p.m.Size)
	p.t.SetStatus(progress.StatusTransferring)
	for _, f := range p.m.Files {
		if err := p.cancelled(ctx); err != nil {
			return err
		}
		if err := p.syncFile(ctx, f); err != nil {
			return errors.Wrapf(err, "file %s", f.Path)
		}
	}

	if previous != nil {
		for _, old := range previous.Files {
			if p.m.File(old.Path) != nil {
				continue
			}
			if err := removeFile(p.dir, old.Path); err != nil {
				return failure.New(failure.Resource, "remove stale file", err)
			}
			p.rec.RemoveFile(old.Path)
			p.result.FilesRemoved++
		}
	}

	p.rec.Version, p.rec.Digest = p.m.Version, p.m.Digest
	p.rec.LastSynced = time.Now().UTC()
	return p.commit()
}

func (p *packageSync) syncFile(ctx context.Context, f models.FileManifest) error {
	dest := filepath.Join(p.dir, filepath.FromSlash(f.Path))
	local := p.rec.File(f.Path)

	plan, err := chunkdiff.OutdatedChunks(dest, local, f)
	if err != nil {
		return failure.New(failure.Resource, "diff", err)
	}
	switch {
	case plan.Full:
		return p.fetchWhole(ctx, f, dest)
	case plan.UpToDate() && local.Digest == f.Digest:
		p.t.Add(f.Size)
		return nil
	}
	return p.patch(ctx, f, dest, plan.Outdated)
}

func (p *packageSync) fetchWhole(ctx context.Context, f models.FileManifest, dest string) error {
	p.rec.RemoveFile(f.Path)
	if err := p.commit(); err != nil {
		return err
	}
	req := downloader.Request{
		URL:    p.s.remote.FileURL(p.m.Name, f.Path),
		Dest:   dest,
		Size:   f.Size,
		Digest: f.Digest,
	}
	child := p.t.Child(f.Path)
	res := p.s.dl.Download(ctx, req, child)
	p.result.BytesFetched += res.Bytes
	// Leftover bytes of an untracked file poison a resume; the downloader
	// removed them, so one clean attempt follows.
	if res.Outcome == downloader.Failed && res.Resumed && failure.Is(res.Err, failure.Integrity) {
		log.Printf("[Sync] - Resumed copy of '%s/%s' failed verification, fetching from scratch\n", p.m.Name, f.Path)
		res = p.s.dl.Download(ctx, req, child)
		p.result.BytesFetched += res.Bytes
	}
	if res.Outcome != downloader.Complete {
		return res.Err
	}
	p.result.FilesFetched++
	p.rec.PutFile(models.RecordFromManifest(f))
	return p.commit()
}

// patch replaces the outdated chunks of an existing file one at a time. Each
// chunk is fetched, written, read back and only then committed to the record.
func (p *packageSync) patch(ctx context.Context, f models.FileManifest, dest string, outdated []int) error {
	fr := models.RecordFromManifest(f)
	fr.Digest = ""
	var pendingBytes int64
	for _, idx := range outdated {
		fr.Chunks[idx].Digest = ""
		pendingBytes += fr.Chunks[idx].Length
	}
	p.rec.PutFile(fr)
	if err := p.commit(); err != nil {
		return err
	}
	p.t.Add(f.Size - pendingBytes)

	if info, err := os.Stat(dest); err == nil {
		switch {
		case info.Size() > f.Size:
			if err := os.Truncate(dest, f.Size); err != nil {
				return failure.New(failure.Resource, "truncate", err)
			}
		case info.Size() < f.Size:
			if err := diskspace.Ensure(p.dir, f.Size-info.Size()); err != nil {
				return err
			}
		}
	}

	url := p.s.remote.FileURL(p.m.Name, f.Path)
	child := p.t.Child(f.Path)
	for _, idx := range outdated {
		if err := p.cancelled(ctx); err != nil {
			return err
		}
		c := f.Chunks[idx]
		child.SetStatus(progress.StatusPatching)
		data, err := p.s.dl.FetchRange(ctx, url, c.Offset, c.Length, child)
		if err != nil {
			return err
		}
		p.result.BytesFetched += int64(len(data))
		if err := chunkdiff.ApplyChunk(dest, c, data); err != nil {
			return err
		}
		fr.Chunks[idx].Digest = c.Digest
		p.rec.PutFile(fr)
		if err := p.commit(); err != nil {
			return err
		}
		p.result.ChunksPatched++
	}

	child.SetStatus(progress.StatusVerifying)
	if err := downloader.VerifyFile(dest, f.Size, f.Digest); err != nil {
		os.Remove(dest)
		p.rec.RemoveFile(f.Path)
		if cerr := p.commit(); cerr != nil {
			return cerr
		}
		return err
	}
	fr.Digest = f.Digest
	p.rec.PutFile(fr)
	return p.commit()
}
