// Package syncer brings a set of local packages up to date with a repository
// server. Packages run on a bounded worker pool; one package's failure never
// stops the others.
package syncer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/downloader"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/history"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/progress"
	"github.com/FraMan97/modsync/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRateLimited means the server kept denying admission after every
	// allowed wait. Re-running later is expected to succeed.
	OutcomeRateLimited Outcome = "rate_limited"
)

func (o Outcome) status() progress.Status {
	switch o {
	case OutcomeComplete:
		return progress.StatusComplete
	case OutcomeSkipped:
		return progress.StatusSkipped
	case OutcomeCancelled:
		return progress.StatusCancelled
	case OutcomeRateLimited:
		return progress.StatusRateLimited
	default:
		return progress.StatusFailed
	}
}

// Remote is the repository as seen by the orchestrator.
type Remote interface {
	List(ctx context.Context) ([]models.PackageSummary, error)
	Manifest(ctx context.Context, name string) (*models.PackageManifest, error)
	FileURL(name, path string) string
}

type PackageResult struct {
	Name          string
	Version       string
	Outcome       Outcome
	Err           error
	BytesFetched  int64
	FilesFetched  int
	ChunksPatched int
	FilesRemoved  int
}

type Result struct {
	RunID      string
	Started    time.Time
	Finished   time.Time
	Successful int
	Failed     int
	Skipped    int
	Cancelled  int
	// RateLimited counts packages deferred by server admission control.
	RateLimited int
	Packages    []PackageResult
}

// SyncRun converts the result into its history form.
func (r *Result) SyncRun(server string) *models.SyncRun {
	run := &models.SyncRun{
		RunID:       r.RunID,
		Started:     r.Started,
		Finished:    r.Finished,
		Server:      server,
		Successful:  r.Successful,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Cancelled:   r.Cancelled,
		RateLimited: r.RateLimited,
	}
	for _, p := range r.Packages {
		pr := models.PackageResult{
			Name:          p.Name,
			Outcome:       string(p.Outcome),
			BytesFetched:  p.BytesFetched,
			FilesFetched:  p.FilesFetched,
			ChunksPatched: p.ChunksPatched,
		}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		run.Packages = append(run.Packages, pr)
	}
	return run
}

type Syncer struct {
	remote   Remote
	dl       *downloader.Downloader
	root     string
	workers  int
	server   string
	ledger   *history.Ledger
	observer progress.Observer
	locks    keyedMutex
}

func New(remote Remote, dl *downloader.Downloader, root string, workers int) *Syncer {
	if workers < 1 {
		workers = 1
	}
	return &Syncer{remote: remote, dl: dl, root: root, workers: workers}
}

// WithLedger appends every finished run to l under the given server label.
func (s *Syncer) WithLedger(l *history.Ledger, server string) *Syncer {
	s.ledger = l
	s.server = server
	return s
}

func (s *Syncer) WithObserver(o progress.Observer) *Syncer {
	s.observer = o
	return s
}

func (s *Syncer) Root() string { return s.root }

// Run is one asynchronous set-sync.
type Run struct {
	set    *progress.Set
	done   chan struct{}
	result *Result
	err    error
}

// Cancel asks every package of the run to stop at the next buffer boundary.
func (r *Run) Cancel() { r.set.Cancel() }

func (r *Run) Progress() progress.SetSnapshot { return r.set.Snapshot() }

func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Sync runs Start and waits for it.
func (s *Syncer) Sync(ctx context.Context, names []string) (*Result, error) {
	run, err := s.Start(ctx, names)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start resolves the requested packages against the server listing and syncs
// them in the background. An empty request means every listed package.
func (s *Syncer) Start(ctx context.Context, names []string) (*Run, error) {
	listing, err := s.remote.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list packages")
	}
	summaries := make(map[string]models.PackageSummary, len(listing))
	for _, p := range listing {
		summaries[p.Name] = p
	}
	if len(names) == 0 {
		for _, p := range listing {
			names = append(names, p.Name)
		}
	}
	names = dedupe(names)

	runID := uuid.NewString()
	run := &Run{
		set:  progress.NewSet(runID, len(names), s.observer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(run.done)
		run.result = s.execute(ctx, run.set, runID, names, summaries)
	}()
	return run, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (s *Syncer) execute(ctx context.Context, set *progress.Set, runID string, names []string, summaries map[string]models.PackageSummary) *Result {
	res := &Result{RunID: runID, Started: time.Now().UTC(), Packages: make([]PackageResult, len(names))}
	log.Printf("[Sync] - Run %s started for %d packages\n", runID, len(names))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, name := range names {
		i, name := i, name
		if set.Cancelled() || ctx.Err() != nil {
			t := set.Begin(name)
			res.Packages[i] = PackageResult{Name: name, Outcome: OutcomeCancelled, Err: errCancelled}
			set.Finish(t, progress.StatusCancelled)
			continue
		}
		g.Go(func() error {
			t := set.Begin(name)
			summary, listed := summaries[name]
			var pr PackageResult
			if !listed {
				pr = PackageResult{Name: name, Outcome: OutcomeFailed,
					Err: failure.Newf(failure.NotFound, "sync", "package %s is not listed by the server", name)}
			} else {
				pr = s.syncPackage(ctx, t, summary)
			}
			if pr.Err != nil {
				log.Printf("[Sync] - Package '%s' %s: %v\n", name, pr.Outcome, pr.Err)
			} else {
				log.Printf("[Sync] - Package '%s' %s\n", name, pr.Outcome)
			}
			res.Packages[i] = pr
			set.Finish(t, pr.Outcome.status())
			return nil
		})
	}
	g.Wait()

	for _, p := range res.Packages {
		switch p.Outcome {
		case OutcomeComplete:
			res.Successful++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeCancelled:
			res.Cancelled++
		case OutcomeRateLimited:
			res.RateLimited++
		default:
			res.Failed++
		}
	}
	res.Finished = time.Now().UTC()
	log.Printf("[Sync] - Run %s finished: %d successful, %d failed, %d skipped, %d cancelled, %d rate limited\n",
		runID, res.Successful, res.Failed, res.Skipped, res.Cancelled, res.RateLimited)

	if s.ledger != nil {
		if err := s.ledger.Append(res.SyncRun(s.server)); err != nil {
			log.Println("[Sync] - Error recording run history:", err)
		}
	}
	return res
}

var errCancelled = failure.New(failure.Cancelled, "sync", errors.New("run cancelled"))

// keyedMutex serializes work per package directory.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// LoadRecord reads the sidecar of a package; a missing sidecar yields nil.
// A sidecar that cannot be parsed is treated as missing so the package is
// re-verified from scratch.
func LoadRecord(root, name string) (*models.LocalChunkRecord, error) {
	rec, err := chunktable.ReadSidecar(chunktable.SidecarPath(root, name))
	if errors.Is(err, chunktable.ErrNoRecord) {
		return nil, nil
	}
	if err != nil {
		log.Printf("[Sync] - Ignoring unreadable record of '%s': %v\n", name, err)
		return nil, nil
	}
	if rec.Name != name {
		log.Printf("[Sync] - Ignoring record of '%s' naming '%s'\n", name, rec.Name)
		return nil, nil
	}
	return rec, nil
}

// PackageDir returns the install directory of a package.
func PackageDir(root, name string) string {
	return filepath.Join(root, name)
}

func removeFile(dir, rel string) error {
	if _, err := store.CleanPath(rel); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
