package syncer

import (
	"os"
	"path/filepath"

	"github.com/FraMan97/modsync/internal/chunkdiff"
	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

// FileDamage lists what is wrong with one tracked file.
type FileDamage struct {
	Path     string
	Missing  bool
	Resized  bool
	Outdated []int
}

type VerifyReport struct {
	Name    string
	Version string
	Files   int
	Damaged []FileDamage
}

func (r VerifyReport) OK() bool { return len(r.Damaged) == 0 }

// Verify re-hashes every chunk of an installed package against its local
// record. With repair set, damaged chunks are marked pending and the record
// gives up its version, so the next sync patches exactly those chunks.
func Verify(root, name string, repair bool) (VerifyReport, error) {
	rec, err := LoadRecord(root, name)
	if err != nil {
		return VerifyReport{}, err
	}
	if rec == nil {
		return VerifyReport{}, errors.Wrapf(chunktable.ErrNoRecord, "package %s", name)
	}
	report := VerifyReport{Name: name, Version: rec.Version, Files: len(rec.Files)}
	dir := PackageDir(root, name)
	for i := range rec.Files {
		fr := &rec.Files[i]
		path := filepath.Join(dir, filepath.FromSlash(fr.Path))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			report.Damaged = append(report.Damaged, FileDamage{Path: fr.Path, Missing: true})
			continue
		}
		want := models.FileManifest{Path: fr.Path, Size: fr.Size, Digest: fr.Digest, Chunks: fr.Chunks}
		// A record without digests cannot take the fast path, so every chunk is read.
		plan, err := chunkdiff.OutdatedChunks(path, &models.FileRecord{Path: fr.Path}, want)
		if err != nil {
			return report, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return report, errors.Wrapf(err, "stat %s", path)
		}
		resized := info.Size() != fr.Size
		if resized || len(plan.Outdated) > 0 {
			report.Damaged = append(report.Damaged, FileDamage{Path: fr.Path, Resized: resized, Outdated: plan.Outdated})
		}
	}
	if !repair || report.OK() {
		return report, nil
	}

	for _, d := range report.Damaged {
		if d.Missing {
			rec.RemoveFile(d.Path)
			continue
		}
		fr := rec.File(d.Path)
		fr.Digest = ""
		for _, idx := range d.Outdated {
			fr.Chunks[idx].Digest = ""
		}
	}
	rec.Version, rec.Digest = "", ""
	if err := chunktable.WriteSidecar(chunktable.SidecarPath(root, name), rec); err != nil {
		return report, err
	}
	return report, nil
}

// Installed lists the packages with a local record under root.
func Installed(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*"+chunktable.SidecarSuffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, base[:len(base)-len(chunktable.SidecarSuffix)])
	}
	return names, nil
}
