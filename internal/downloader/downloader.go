// Package downloader fetches remote files into local paths with resume from
// the local size, full-file digest verification and bounded retry of
// transient failures. Cancellation is cooperative: the transfer's cancel flag
// is polled before every buffer write, so a cancelled file is left as a clean
// partial that a later call resumes.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FraMan97/modsync/internal/config"
	"github.com/FraMan97/modsync/internal/digest"
	"github.com/FraMan97/modsync/internal/diskspace"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/progress"
	"github.com/pkg/errors"
)

type Outcome int

const (
	Complete Outcome = iota
	Failed
	Cancelled
	// RateLimited means admission stayed denied past every allowed wait.
	RateLimited
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Cancelled:
		return "cancelled"
	case RateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

type Options struct {
	MaxAttempts int
	// RateLimitWaits bounds how often one request may wait out an admission
	// denial. These waits do not spend MaxAttempts.
	RateLimitWaits int
	RetryDelay     time.Duration
	ProbeTimeout   time.Duration
	StallTimeout   time.Duration
	BufferSize     int
}

func OptionsFromConfig(c *config.Client) Options {
	return Options{
		MaxAttempts:    c.MaxAttempts,
		RateLimitWaits: c.RateLimitWaits,
		RetryDelay:     c.RetryDelay,
		ProbeTimeout:   c.ProbeTimeout,
		StallTimeout:   c.StallTimeout,
		BufferSize:     c.BufferSize,
	}
}

// Request describes one file to fetch. Size is the expected size or -1 when
// unknown; an empty Digest skips verification.
type Request struct {
	URL    string
	Dest   string
	Size   int64
	Digest string
}

type Result struct {
	Outcome     Outcome
	Size        int64
	Bytes       int64
	Resumed     bool
	ResumedFrom int64
	Attempts    int
	Err         error
}

type Downloader struct {
	client *http.Client
	header http.Header
	opts   Options
}

// New returns a downloader sending header on every request. A nil client
// uses http.DefaultClient.
func New(client *http.Client, header http.Header, opts Options) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 32 * 1024
	}
	return &Downloader{client: client, header: header, opts: opts}
}

var (
	errCancelled = errors.New("transfer cancelled")
	errTooLong   = errors.New("response longer than requested range")
)

func cancelled(ctx context.Context, t *progress.Transfer) error {
	if t.Cancelled() {
		return failure.New(failure.Cancelled, "download", errCancelled)
	}
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Cancelled, "download", err)
	}
	return nil
}

// Download runs the transfer state machine for req. t may be nil.
func (d *Downloader) Download(ctx context.Context, req Request, t *progress.Transfer) Result {
	if t == nil {
		t = progress.NewTransfer(filepath.Base(req.Dest), nil, nil)
	}
	res := Result{Size: req.Size}
	attempts, err := d.retry(ctx, t, "download "+req.Dest, func() error {
		return d.once(ctx, req, t, &res)
	})
	res.Attempts = attempts
	res.Err = err
	switch {
	case err == nil:
		res.Outcome = Complete
		t.SetStatus(progress.StatusComplete)
		log.Printf("[Download] - Completed '%s' (%d bytes fetched, %d attempts)\n", req.Dest, res.Bytes, attempts)
	case failure.Is(err, failure.Cancelled):
		res.Outcome = Cancelled
		t.SetStatus(progress.StatusCancelled)
		log.Printf("[Download] - Cancelled '%s' after %d bytes\n", req.Dest, res.Bytes)
	case failure.Is(err, failure.RateLimited):
		res.Outcome = RateLimited
		t.SetStatus(progress.StatusRateLimited)
		log.Printf("[Download] - Deferred '%s', server still rate limiting: %v\n", req.Dest, err)
	default:
		res.Outcome = Failed
		t.SetStatus(progress.StatusFailed)
		log.Printf("[Download] - Failed '%s': %v\n", req.Dest, err)
	}
	return res
}

// retry runs fn until it succeeds or fails for good. Transient failures
// spend the attempt budget; admission denials wait out the server's
// Retry-After hint under their own budget and keep their kind when it runs
// out.
func (d *Downloader) retry(ctx context.Context, t *progress.Transfer, op string, fn func() error) (int, error) {
	attempt, waits := 0, 0
	for {
		if err := cancelled(ctx, t); err != nil {
			return attempt, err
		}
		attempt++
		err := fn()
		if err == nil {
			return attempt, nil
		}
		var delay time.Duration
		switch failure.KindOf(err) {
		case failure.RateLimited:
			attempt--
			if waits >= d.opts.RateLimitWaits {
				return attempt, errors.Wrapf(err, "still rate limited after %d waits", waits)
			}
			waits++
			delay = max(d.opts.RetryDelay, failure.RetryAfter(err))
			log.Printf("[Download] - Admission denied for %s, waiting %s (%d/%d)\n", op, delay, waits, d.opts.RateLimitWaits)
		case failure.Transient:
			if attempt >= d.opts.MaxAttempts {
				return attempt, errors.Wrapf(err, "giving up after %d attempts", attempt)
			}
			delay = d.opts.RetryDelay
			log.Printf("[Download] - Attempt %d/%d of %s failed, retrying in %s: %v\n", attempt, d.opts.MaxAttempts, op, delay, err)
		default:
			return attempt, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, failure.New(failure.Cancelled, op, ctx.Err())
		}
	}
}

func (d *Downloader) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, failure.New(failure.Protocol, "request", err)
	}
	for k, v := range d.header {
		req.Header[k] = v
	}
	return req, nil
}

// transportError classifies an error from the client or body read.
func transportError(ctx context.Context, t *progress.Transfer, stalled *atomic.Bool, op string, err error) error {
	if stalled != nil && stalled.Load() {
		return failure.Newf(failure.Transient, op, "no data for the stall timeout")
	}
	if c := cancelled(ctx, t); c != nil {
		return c
	}
	return failure.New(failure.Transient, op, err)
}

type probeResult struct {
	size   int64
	ranges bool
}

// probe asks for the remote size. A size of -1 means the server could not
// tell and the caller must fall back to a sequential transfer.
func (d *Downloader) probe(ctx context.Context, url string) (probeResult, error) {
	pctx := ctx
	if d.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, d.opts.ProbeTimeout)
		defer cancel()
	}
	req, err := d.newRequest(pctx, http.MethodHead, url)
	if err != nil {
		return probeResult{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return probeResult{}, failure.New(failure.Cancelled, "probe", ctx.Err())
		}
		return probeResult{}, failure.New(failure.Transient, "probe", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return probeResult{size: -1}, nil
	}
	if err := failure.FromResponse(resp, "probe"); err != nil {
		return probeResult{}, err
	}
	return probeResult{
		size:   resp.ContentLength,
		ranges: strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

func localSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, failure.New(failure.Resource, "stat", err)
	}
	return info.Size(), nil
}

// VerifyFile checks that path has the expected size and digest.
func VerifyFile(path string, size int64, want string) error {
	info, err := os.Stat(path)
	if err != nil {
		return failure.New(failure.Integrity, "verify", err)
	}
	if size >= 0 && info.Size() != size {
		return failure.Newf(failure.Integrity, "verify", "%s has %d bytes, expected %d", path, info.Size(), size)
	}
	if want == "" {
		return nil
	}
	got, err := digest.File(path)
	if err != nil {
		return failure.New(failure.Resource, "verify", err)
	}
	if got != want {
		return failure.Newf(failure.Integrity, "verify", "%s digest %s, expected %s", path, got, want)
	}
	return nil
}

func (d *Downloader) once(ctx context.Context, req Request, t *progress.Transfer, res *Result) error {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return failure.New(failure.Resource, "create dir", err)
	}

	t.SetStatus(progress.StatusSizing)
	p, err := d.probe(ctx, req.URL)
	if err != nil {
		return err
	}
	if p.size < 0 {
		log.Printf("[Download] - Remote size of '%s' unknown, transferring sequentially\n", req.URL)
		return d.sequential(ctx, req, t, res)
	}
	if req.Size >= 0 && p.size != req.Size {
		return failure.Newf(failure.Protocol, "probe", "remote has %d bytes, manifest declares %d", p.size, req.Size)
	}
	size := p.size
	res.Size = size
	t.SetTotal(size)

	local, err := localSize(req.Dest)
	if err != nil {
		return err
	}
	if local >= size {
		t.SetStatus(progress.StatusVerifying)
		err := VerifyFile(req.Dest, size, req.Digest)
		if err == nil {
			t.Add(size - t.Bytes())
			return nil
		}
		log.Printf("[Download] - Existing '%s' does not verify, restarting: %v\n", req.Dest, err)
		if err := os.Remove(req.Dest); err != nil && !os.IsNotExist(err) {
			return failure.New(failure.Resource, "discard", err)
		}
		local = 0
	}
	if local > 0 && !p.ranges {
		local = 0
	}
	t.Rewind()
	if local > 0 {
		t.SetStatus(progress.StatusResuming)
		res.Resumed = true
		res.ResumedFrom = local
		t.Add(local)
		log.Printf("[Download] - Resuming '%s' from byte %d/%d\n", req.Dest, local, size)
	} else {
		t.SetStatus(progress.StatusStarting)
		res.Resumed = false
		res.ResumedFrom = 0
	}
	if err := diskspace.Ensure(filepath.Dir(req.Dest), size-local); err != nil {
		return err
	}

	if err := d.transfer(ctx, req, local, size, t, res); err != nil {
		return err
	}

	t.SetStatus(progress.StatusVerifying)
	if err := VerifyFile(req.Dest, size, req.Digest); err != nil {
		if rmErr := os.Remove(req.Dest); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("[Download] - Error removing corrupt '%s': %v\n", req.Dest, rmErr)
		}
		t.Rewind()
		return err
	}
	return nil
}

// stallGuard cancels the attempt when no bytes arrive for the stall timeout.
type stallGuard struct {
	timer   *time.Timer
	timeout time.Duration
	stalled atomic.Bool
}

func newStallGuard(timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	g := &stallGuard{timeout: timeout}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, func() {
			g.stalled.Store(true)
			cancel()
		})
	}
	return g
}

func (g *stallGuard) touch() {
	if g.timer != nil {
		g.timer.Reset(g.timeout)
	}
}

func (g *stallGuard) stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

func (d *Downloader) transfer(ctx context.Context, req Request, offset, size int64, t *progress.Transfer, res *Result) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := newStallGuard(d.opts.StallTimeout, cancel)
	defer guard.stop()

	hreq, err := d.newRequest(actx, http.MethodGet, req.URL)
	if err != nil {
		return err
	}
	if offset > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client.Do(hreq)
	if err != nil {
		return transportError(ctx, t, &guard.stalled, "transfer", err)
	}
	defer resp.Body.Close()
	if err := failure.FromResponse(resp, "transfer"); err != nil {
		return err
	}

	switch {
	case offset > 0 && resp.StatusCode == http.StatusOK:
		log.Printf("[Download] - Server ignored range for '%s', rewriting from 0\n", req.Dest)
		offset = 0
		res.Resumed = false
		res.ResumedFrom = 0
		t.Rewind()
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		want := fmt.Sprintf("bytes %d-", offset)
		if !strings.HasPrefix(resp.Header.Get("Content-Range"), want) {
			return failure.Newf(failure.Protocol, "transfer", "unexpected Content-Range %q", resp.Header.Get("Content-Range"))
		}
	case resp.StatusCode != http.StatusOK:
		return failure.Newf(failure.Protocol, "transfer", "unexpected status %s", resp.Status)
	}

	f, err := os.OpenFile(req.Dest, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return failure.New(failure.Resource, "open destination", err)
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return failure.New(failure.Resource, "truncate", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return failure.New(failure.Resource, "seek", err)
	}

	t.SetStatus(progress.StatusTransferring)
	written, err := d.copy(ctx, f, resp.Body, t, guard)
	res.Bytes += written
	if err != nil {
		return err
	}
	if size >= 0 && offset+written != size {
		return failure.New(failure.Transient, "transfer", io.ErrUnexpectedEOF)
	}
	if err := f.Sync(); err != nil {
		return failure.New(failure.Resource, "sync", err)
	}
	return nil
}

// copy streams src into dst one buffer at a time, checking cancellation
// before each write.
func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader, t *progress.Transfer, guard *stallGuard) (int64, error) {
	buf := make([]byte, d.opts.BufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := cancelled(ctx, t); err != nil {
				return written, err
			}
			guard.touch()
			if _, err := dst.Write(buf[:n]); err != nil {
				if errors.Is(err, errTooLong) {
					return written, failure.New(failure.Protocol, "transfer", err)
				}
				return written, failure.New(failure.Resource, "write", err)
			}
			written += int64(n)
			t.Add(int64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, transportError(ctx, t, &guard.stalled, "transfer", rerr)
		}
	}
}

// sequential transfers the whole body from zero when the size is unknown.
func (d *Downloader) sequential(ctx context.Context, req Request, t *progress.Transfer, res *Result) error {
	t.Rewind()
	t.SetStatus(progress.StatusStarting)
	res.Resumed = false
	res.ResumedFrom = 0
	if err := d.transfer(ctx, req, 0, -1, t, res); err != nil {
		return err
	}
	t.SetStatus(progress.StatusVerifying)
	if err := VerifyFile(req.Dest, req.Size, req.Digest); err != nil {
		os.Remove(req.Dest)
		t.Rewind()
		return err
	}
	if info, err := os.Stat(req.Dest); err == nil {
		res.Size = info.Size()
	}
	return nil
}
