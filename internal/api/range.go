package api

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsatisfiable = errors.New("range not satisfiable")

// ParseRange resolves a single-range "bytes=" header against size and returns
// the inclusive [start, end] span. An empty header selects the whole file and
// reports partial=false. Multiple ranges are not supported.
func ParseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, size - 1, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, ErrUnsatisfiable
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, false, ErrUnsatisfiable
	}
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, false, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false, ErrUnsatisfiable
	}
	end = size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, false, ErrUnsatisfiable
		}
		if e < end {
			end = e
		}
	}
	return start, end, true, nil
}
