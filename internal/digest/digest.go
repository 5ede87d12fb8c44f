// Package digest computes the SHA-256 content digests used for chunks and
// whole files. Digests are lowercase hex strings.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

const Size = sha256.Size

func Chunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func Reader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()
	sum, _, err := Reader(file)
	if err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return sum, nil
}

// Range hashes exactly length bytes at offset. A short read is reported as
// io.ErrUnexpectedEOF.
func Range(r io.ReaderAt, offset, length int64) (string, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, io.NewSectionReader(r, offset, length))
	if err != nil {
		return "", err
	}
	if n != length {
		return "", io.ErrUnexpectedEOF
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Valid reports whether s is a digest in the canonical lowercase hex form.
func Valid(s string) bool {
	if len(s) != hex.EncodedLen(Size) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
