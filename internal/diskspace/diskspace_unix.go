//go:build linux || darwin || freebsd || netbsd || openbsd

package diskspace

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Available returns the bytes available to unprivileged users.
func Available(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
