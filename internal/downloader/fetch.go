package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/progress"
)

// FetchRange returns exactly length bytes of url starting at offset, retrying
// transient failures like Download. t may be nil.
func (d *Downloader) FetchRange(ctx context.Context, url string, offset, length int64, t *progress.Transfer) ([]byte, error) {
	if t == nil {
		t = progress.NewTransfer(url, nil, nil)
	}
	if length <= 0 {
		return []byte{}, nil
	}
	var data []byte
	_, err := d.retry(ctx, t, fmt.Sprintf("range %d+%d of %s", offset, length, url), func() error {
		b, err := d.fetchOnce(ctx, url, offset, length, t)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	return data, err
}

func (d *Downloader) fetchOnce(ctx context.Context, url string, offset, length int64, t *progress.Transfer) ([]byte, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := newStallGuard(d.opts.StallTimeout, cancel)
	defer guard.stop()

	req, err := d.newRequest(actx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, t, &guard.stalled, "range", err)
	}
	defer resp.Body.Close()
	if err := failure.FromResponse(resp, "range"); err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		want := fmt.Sprintf("bytes %d-%d/", offset, offset+length-1)
		if cr := resp.Header.Get("Content-Range"); len(cr) < len(want) || cr[:len(want)] != want {
			return nil, failure.Newf(failure.Protocol, "range", "unexpected Content-Range %q", cr)
		}
	case http.StatusOK:
		if offset != 0 || resp.ContentLength != length {
			return nil, failure.Newf(failure.Protocol, "range", "server does not support ranges")
		}
	default:
		return nil, failure.Newf(failure.Protocol, "range", "unexpected status %s", resp.Status)
	}

	buf := bytes.NewBuffer(make([]byte, 0, length))
	n, err := d.copy(ctx, &limitWriter{w: buf, n: length}, resp.Body, t, guard)
	if err != nil {
		return nil, err
	}
	if n != length {
		return nil, failure.Newf(failure.Transient, "range", "received %d of %d bytes", n, length)
	}
	return buf.Bytes(), nil
}

// limitWriter rejects writes past n bytes so a misbehaving server cannot grow
// the chunk buffer.
type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.n {
		return 0, errTooLong
	}
	l.n -= int64(len(p))
	return l.w.Write(p)
}
