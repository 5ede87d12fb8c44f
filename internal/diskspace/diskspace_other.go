//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package diskspace

func Available(path string) (uint64, error) {
	return 0, errUnsupported
}
