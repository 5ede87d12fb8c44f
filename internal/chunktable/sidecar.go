package chunktable

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

const SidecarSuffix = ".modsync.json"

var ErrNoRecord = errors.New("no local record")

// SidecarPath places the record next to the package directory, never inside it.
func SidecarPath(root, name string) string {
	return filepath.Join(root, name+SidecarSuffix)
}

func Serialize(record *models.LocalChunkRecord) ([]byte, error) {
	return json.MarshalIndent(record, "", "  ")
}

func Deserialize(data []byte) (*models.LocalChunkRecord, error) {
	var record models.LocalChunkRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	if record.Name == "" {
		return nil, errors.New("record has no package name")
	}
	if record.Format != models.ManifestFormat {
		return nil, errors.Errorf("unsupported record format %d", record.Format)
	}
	for _, f := range record.Files {
		if err := ValidateRecord(f.Chunks, f.Size); err != nil {
			return nil, errors.Wrapf(err, "record file %s", f.Path)
		}
	}
	return &record, nil
}

// WriteSidecar replaces the record atomically (temp file, fsync, rename).
func WriteSidecar(path string, record *models.LocalChunkRecord) error {
	data, err := Serialize(record)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create record")
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return errors.Wrap(err, "write record")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errors.Wrap(err, "sync record")
	}
	if err := file.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, path), "commit record")
}

// ReadSidecar loads a record; a missing file yields ErrNoRecord.
func ReadSidecar(path string) (*models.LocalChunkRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, errors.Wrap(err, "read record")
	}
	return Deserialize(data)
}
