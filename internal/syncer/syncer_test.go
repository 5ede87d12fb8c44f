package syncer

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FraMan97/modsync/internal/api"
	"github.com/FraMan97/modsync/internal/catalog"
	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/config"
	"github.com/FraMan97/modsync/internal/database"
	"github.com/FraMan97/modsync/internal/downloader"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/history"
	"github.com/FraMan97/modsync/internal/ratelimit"
	"github.com/FraMan97/modsync/internal/remote"
	"github.com/FraMan97/modsync/internal/store"
)

const testChunk = 1024

func check(t *testing.T, msg string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

type harness struct {
	repo    string
	install string
	catalog *catalog.Catalog
	syncer  *Syncer
	ledger  *history.Ledger
	// fault, when set, may answer a file GET instead of the server.
	fault  atomic.Pointer[func(w http.ResponseWriter, r *http.Request) bool]
	ranged atomic.Int32
	denied atomic.Int32
	puts   int
}

type harnessOptions struct {
	workers   int
	chunkSize int64
	// admission, when set, puts a real gate in front of the server.
	admission *config.Admission
	rateWaits int
}

// statusRecorder counts admission denials written by the server.
type statusRecorder struct {
	http.ResponseWriter
	denied *atomic.Int32
}

func (r statusRecorder) WriteHeader(code int) {
	if code == http.StatusTooManyRequests {
		r.denied.Add(1)
	}
	r.ResponseWriter.WriteHeader(code)
}

func newHarness(t *testing.T, workers int) *harness {
	return newHarnessWith(t, harnessOptions{workers: workers, chunkSize: testChunk})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{repo: filepath.Join(t.TempDir(), "repo"), install: filepath.Join(t.TempDir(), "mods")}
	st, err := store.NewLocal(h.repo)
	check(t, "store", err)
	db, err := database.OpenDatabase(filepath.Join(t.TempDir(), "catalog.db"))
	check(t, "db", err)
	t.Cleanup(func() { db.Close() })
	h.catalog, err = catalog.New(db, st, opts.chunkSize)
	check(t, "catalog", err)

	var gate *ratelimit.Gate
	if opts.admission != nil {
		gate, err = ratelimit.New(*opts.admission)
		check(t, "gate", err)
	}
	handler := api.New(h.catalog, st, 4096, gate, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w = statusRecorder{ResponseWriter: w, denied: &h.denied}
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files/") {
			if r.Header.Get("Range") != "" {
				h.ranged.Add(1)
			}
			if f := h.fault.Load(); f != nil && (*f)(w, r) {
				return
			}
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.NewDefaultClient(t.TempDir())
	cfg.ServerURL = srv.URL
	cfg.MaxAttempts = 3
	cfg.RetryDelay = time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.StallTimeout = 2 * time.Second
	cfg.BufferSize = 512
	cfg.RateLimitWaits = opts.rateWaits
	rc, err := remote.New(cfg)
	check(t, "remote", err)
	dl := downloader.New(rc.HTTPClient(), rc.Header(), downloader.OptionsFromConfig(cfg))
	h.ledger, err = history.Open(filepath.Join(t.TempDir(), "history.db"))
	check(t, "history", err)
	t.Cleanup(func() { h.ledger.Close() })
	h.syncer = New(rc, dl, h.install, opts.workers).WithLedger(h.ledger, srv.URL)
	return h
}

func (h *harness) put(t *testing.T, pkg, path string, data []byte) {
	t.Helper()
	full := filepath.Join(h.repo, pkg, filepath.FromSlash(path))
	check(t, "mkdir", os.MkdirAll(filepath.Dir(full), 0o755))
	check(t, "write", os.WriteFile(full, data, 0o644))
	// Force a new mtime so the catalog never reuses a stale index entry.
	h.puts++
	future := time.Now().Add(time.Duration(h.puts) * time.Hour)
	check(t, "chtimes", os.Chtimes(full, future, future))
}

func (h *harness) scan(t *testing.T) {
	t.Helper()
	_, err := h.catalog.Scan(context.Background())
	check(t, "scan", err)
}

func (h *harness) setFault(f func(w http.ResponseWriter, r *http.Request) bool) {
	if f == nil {
		h.fault.Store(nil)
		return
	}
	h.fault.Store(&f)
}

func (h *harness) assertInstalled(t *testing.T, pkg, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(PackageDir(h.install, pkg), filepath.FromSlash(path)))
	check(t, "read installed", err)
	if !bytes.Equal(got, want) {
		t.Fatalf("%s/%s differs (%d vs %d bytes)", pkg, path, len(got), len(want))
	}
}

func counts(r *Result) [4]int {
	return [4]int{r.Successful, r.Failed, r.Skipped, r.Cancelled}
}

func TestSyncIsolatesPackageFailures(t *testing.T) {
	h := newHarness(t, 2)
	alpha, beta, gamma := randomBytes(3000, 1), randomBytes(2500, 2), randomBytes(700, 3)
	h.put(t, "alpha", "data/a.pak", alpha)
	h.put(t, "beta", "b.pak", beta)
	h.put(t, "gamma", "g.pak", gamma)
	h.scan(t)

	h.setFault(func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasPrefix(r.URL.Path, "/packages/beta/") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})

	ctx := context.Background()
	res, err := h.syncer.Sync(ctx, []string{"alpha", "beta", "gamma"})
	check(t, "sync", err)
	if got := counts(res); got != [4]int{2, 1, 0, 0} {
		t.Fatalf("first run counts %v", got)
	}
	if res.Packages[1].Name != "beta" || res.Packages[1].Outcome != OutcomeFailed || res.Packages[1].Err == nil {
		t.Fatalf("beta result %+v", res.Packages[1])
	}
	h.assertInstalled(t, "alpha", "data/a.pak", alpha)
	h.assertInstalled(t, "gamma", "g.pak", gamma)
	if rec, _ := LoadRecord(h.install, "beta"); rec != nil && rec.Version != "" {
		t.Fatalf("failed package must not claim a version: %+v", rec)
	}

	res, err = h.syncer.Sync(ctx, nil)
	check(t, "second sync", err)
	if got := counts(res); got != [4]int{0, 1, 2, 0} {
		t.Fatalf("second run counts %v", got)
	}

	h.setFault(nil)
	res, err = h.syncer.Sync(ctx, nil)
	check(t, "third sync", err)
	if got := counts(res); got != [4]int{1, 0, 2, 0} {
		t.Fatalf("third run counts %v", got)
	}
	h.assertInstalled(t, "beta", "b.pak", beta)

	res, err = h.syncer.Sync(ctx, nil)
	check(t, "fourth sync", err)
	if got := counts(res); got != [4]int{0, 0, 3, 0} {
		t.Fatalf("fourth run counts %v", got)
	}

	runs, err := h.ledger.List(0)
	check(t, "history", err)
	if len(runs) != 4 || runs[0].Skipped != 3 || runs[3].Failed != 1 {
		t.Fatalf("unexpected history %+v", runs)
	}
}

func TestSyncPatchesOnlyChangedChunks(t *testing.T) {
	h := newHarness(t, 1)
	data := randomBytes(4*testChunk+100, 4)
	h.put(t, "alpha", "mod.pak", data)
	h.scan(t)

	ctx := context.Background()
	res, err := h.syncer.Sync(ctx, nil)
	check(t, "sync", err)
	if res.Successful != 1 || res.Packages[0].FilesFetched != 1 {
		t.Fatalf("initial sync %+v", res.Packages[0])
	}

	changed := append([]byte(nil), data...)
	copy(changed[2*testChunk:], randomBytes(testChunk, 5))
	h.put(t, "alpha", "mod.pak", changed)
	h.scan(t)
	h.ranged.Store(0)

	res, err = h.syncer.Sync(ctx, nil)
	check(t, "patch sync", err)
	p := res.Packages[0]
	if p.Outcome != OutcomeComplete || p.ChunksPatched != 1 || p.FilesFetched != 0 || p.BytesFetched != testChunk {
		t.Fatalf("patch result %+v", p)
	}
	if n := h.ranged.Load(); n != 1 {
		t.Fatalf("expected one ranged request, got %d", n)
	}
	h.assertInstalled(t, "alpha", "mod.pak", changed)

	m, err := h.catalog.Manifest("alpha")
	check(t, "manifest", err)
	rec, err := LoadRecord(h.install, "alpha")
	check(t, "record", err)
	if !rec.Current(m) || rec.File("mod.pak").Digest != m.Files[0].Digest {
		t.Fatalf("record not committed: %+v", rec)
	}
}

func TestSyncShrinksAndRemovesFiles(t *testing.T) {
	h := newHarness(t, 1)
	keep, gone := randomBytes(3*testChunk, 6), randomBytes(500, 7)
	h.put(t, "alpha", "keep.pak", keep)
	h.put(t, "alpha", "old/gone.pak", gone)
	h.scan(t)

	ctx := context.Background()
	_, err := h.syncer.Sync(ctx, nil)
	check(t, "sync", err)

	check(t, "remove", os.Remove(filepath.Join(h.repo, "alpha", "old", "gone.pak")))
	shorter := keep[:testChunk+10]
	h.put(t, "alpha", "keep.pak", shorter)
	h.scan(t)

	res, err := h.syncer.Sync(ctx, nil)
	check(t, "second sync", err)
	p := res.Packages[0]
	// The surviving prefix still hashes correctly, so only a truncate is needed.
	if p.Outcome != OutcomeComplete || p.FilesRemoved != 1 || p.ChunksPatched != 0 || p.BytesFetched != 0 {
		t.Fatalf("result %+v", p)
	}
	h.assertInstalled(t, "alpha", "keep.pak", shorter)
	if _, err := os.Stat(filepath.Join(PackageDir(h.install, "alpha"), "old", "gone.pak")); !os.IsNotExist(err) {
		t.Fatalf("stale file survived: %v", err)
	}
	rec, _ := LoadRecord(h.install, "alpha")
	if rec == nil || len(rec.Files) != 1 || rec.File("old/gone.pak") != nil {
		t.Fatalf("record still tracks removed file: %+v", rec)
	}
}

func TestCancelStopsRunAndNextRunResumes(t *testing.T) {
	h := newHarness(t, 1)
	alpha, beta := randomBytes(2*testChunk, 8), randomBytes(testChunk, 9)
	h.put(t, "alpha", "a.pak", alpha)
	h.put(t, "beta", "b.pak", beta)
	h.scan(t)

	hit := make(chan struct{}, 1)
	release := make(chan struct{})
	h.setFault(func(w http.ResponseWriter, r *http.Request) bool {
		select {
		case hit <- struct{}{}:
		default:
		}
		<-release
		return false
	})

	ctx := context.Background()
	run, err := h.syncer.Start(ctx, []string{"alpha", "beta"})
	check(t, "start", err)
	<-hit
	run.Cancel()
	close(release)
	res, err := run.Wait()
	check(t, "wait", err)
	if got := counts(res); got != [4]int{0, 0, 0, 2} {
		t.Fatalf("cancelled run counts %v", got)
	}
	if !run.Progress().CancelRequested {
		t.Fatalf("progress must report the cancel request")
	}

	h.setFault(nil)
	res, err = h.syncer.Sync(ctx, nil)
	check(t, "resume", err)
	if got := counts(res); got != [4]int{2, 0, 0, 0} {
		t.Fatalf("resumed run counts %v", got)
	}
	h.assertInstalled(t, "alpha", "a.pak", alpha)
	h.assertInstalled(t, "beta", "b.pak", beta)
}

func TestUnlistedPackageFails(t *testing.T) {
	h := newHarness(t, 2)
	h.put(t, "alpha", "a.pak", randomBytes(10, 10))
	h.scan(t)

	res, err := h.syncer.Sync(context.Background(), []string{"alpha", "nope", "alpha"})
	check(t, "sync", err)
	if len(res.Packages) != 2 || counts(res) != [4]int{1, 1, 0, 0} {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLoadRecordIgnoresUnreadableSidecar(t *testing.T) {
	root := t.TempDir()
	check(t, "write", os.WriteFile(chunktable.SidecarPath(root, "alpha"), []byte("{not json"), 0o644))
	rec, err := LoadRecord(root, "alpha")
	if err != nil || rec != nil {
		t.Fatalf("got %+v, %v", rec, err)
	}
	rec, err = LoadRecord(root, "missing")
	if err != nil || rec != nil {
		t.Fatalf("got %+v, %v", rec, err)
	}
}

func TestVerifyRepairPatchesDamagedChunk(t *testing.T) {
	h := newHarness(t, 1)
	data := randomBytes(3*testChunk, 11)
	h.put(t, "alpha", "mod.pak", data)
	h.scan(t)
	ctx := context.Background()
	_, err := h.syncer.Sync(ctx, nil)
	check(t, "sync", err)

	report, err := Verify(h.install, "alpha", false)
	check(t, "verify", err)
	if !report.OK() || report.Files != 1 {
		t.Fatalf("clean install reported %+v", report)
	}

	local := filepath.Join(PackageDir(h.install, "alpha"), "mod.pak")
	f, err := os.OpenFile(local, os.O_WRONLY, 0)
	check(t, "open", err)
	_, err = f.WriteAt([]byte("garbage"), testChunk+3)
	check(t, "corrupt", err)
	check(t, "close", f.Close())

	report, err = Verify(h.install, "alpha", true)
	check(t, "verify", err)
	if report.OK() || len(report.Damaged[0].Outdated) != 1 || report.Damaged[0].Outdated[0] != 1 {
		t.Fatalf("damage not located: %+v", report)
	}

	res, err := h.syncer.Sync(ctx, nil)
	check(t, "repair sync", err)
	if p := res.Packages[0]; p.Outcome != OutcomeComplete || p.ChunksPatched != 1 {
		t.Fatalf("repair result %+v", p)
	}
	h.assertInstalled(t, "alpha", "mod.pak", data)

	names, err := Installed(h.install)
	check(t, "installed", err)
	if len(names) != 1 || names[0] != "alpha" {
		t.Fatalf("Installed = %v", names)
	}
}

func TestSyncWaitsOutAdmissionGate(t *testing.T) {
	const chunk = 16
	h := newHarnessWith(t, harnessOptions{
		workers:   1,
		chunkSize: chunk,
		admission: &config.Admission{Capacity: 10, RefillTokens: 10, RefillInterval: time.Second, MaxIdentities: 16},
		rateWaits: 20,
	})
	data := randomBytes(40*chunk, 12)
	h.put(t, "alpha", "f.pak", data)
	h.scan(t)
	ctx := context.Background()
	res, err := h.syncer.Sync(ctx, nil)
	check(t, "sync", err)
	if res.Successful != 1 {
		t.Fatalf("initial sync %+v", res.Packages[0])
	}

	changed := append([]byte(nil), data...)
	for i := 0; i < 30; i++ {
		changed[i*chunk] ^= 0xff
	}
	h.put(t, "alpha", "f.pak", changed)
	h.scan(t)
	h.denied.Store(0)

	res, err = h.syncer.Sync(ctx, nil)
	check(t, "patch sync", err)
	p := res.Packages[0]
	if p.Outcome != OutcomeComplete || p.ChunksPatched != 30 || res.RateLimited != 0 || res.Failed != 0 {
		t.Fatalf("patch result %+v (err %v)", p, p.Err)
	}
	if h.denied.Load() == 0 {
		t.Fatalf("the gate never denied a request, the run did not exercise admission")
	}
	h.assertInstalled(t, "alpha", "f.pak", changed)
}

func TestAdmissionExhaustionIsNotAFailure(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{
		workers:   1,
		chunkSize: testChunk,
		admission: &config.Admission{Capacity: 4, RefillTokens: 1, RefillInterval: time.Hour, MaxIdentities: 16},
	})
	h.put(t, "alpha", "a.pak", randomBytes(100, 13))
	h.put(t, "alpha", "b.pak", randomBytes(100, 14))
	h.scan(t)

	res, err := h.syncer.Sync(context.Background(), nil)
	check(t, "sync", err)
	p := res.Packages[0]
	if p.Outcome != OutcomeRateLimited || res.RateLimited != 1 || res.Failed != 0 {
		t.Fatalf("result %+v (err %v)", p, p.Err)
	}
	if !failure.Is(p.Err, failure.RateLimited) || failure.RetryAfter(p.Err) <= 0 {
		t.Fatalf("admission hint lost: %v", p.Err)
	}
	runs, err := h.ledger.List(1)
	check(t, "history", err)
	if runs[0].RateLimited != 1 || runs[0].Failed != 0 || runs[0].Packages[0].Outcome != string(OutcomeRateLimited) {
		t.Fatalf("history entry %+v", runs[0])
	}
	if rec, _ := LoadRecord(h.install, "alpha"); rec != nil && rec.Version != "" {
		t.Fatalf("deferred package must not claim a version: %+v", rec)
	}
}

func TestOverlappingRunsSerializePackage(t *testing.T) {
	h := newHarness(t, 2)
	data := randomBytes(3*testChunk, 15)
	h.put(t, "alpha", "mod.pak", data)
	h.scan(t)

	var inflight, peak, gets atomic.Int32
	hit := make(chan struct{}, 1)
	release := make(chan struct{})
	h.setFault(func(w http.ResponseWriter, r *http.Request) bool {
		gets.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case hit <- struct{}{}:
		default:
		}
		<-release
		return false
	})

	ctx := context.Background()
	first, err := h.syncer.Start(ctx, []string{"alpha"})
	check(t, "first start", err)
	<-hit
	second, err := h.syncer.Start(ctx, []string{"alpha"})
	check(t, "second start", err)
	// Give the second run every chance to touch the package while the first holds it.
	time.Sleep(100 * time.Millisecond)
	close(release)

	r1, err := first.Wait()
	check(t, "first wait", err)
	r2, err := second.Wait()
	check(t, "second wait", err)
	if r1.Packages[0].Outcome != OutcomeComplete || r2.Packages[0].Outcome != OutcomeSkipped {
		t.Fatalf("outcomes %s / %s", r1.Packages[0].Outcome, r2.Packages[0].Outcome)
	}
	if peak.Load() != 1 || gets.Load() != 1 {
		t.Fatalf("package written concurrently: peak %d gets %d", peak.Load(), gets.Load())
	}
	h.assertInstalled(t, "alpha", "mod.pak", data)
	m, err := h.catalog.Manifest("alpha")
	check(t, "manifest", err)
	rec, err := LoadRecord(h.install, "alpha")
	check(t, "record", err)
	if !rec.Current(m) || len(rec.Files) != 1 {
		t.Fatalf("record %+v", rec)
	}
}
