// Package history keeps a client-side ledger of set-sync runs in bolt.
package history

import (
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/FraMan97/modsync/internal/database"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

const BucketRuns = "sync_runs"

const keyLayout = "20060102T150405.000000000Z"

type Ledger struct {
	db *database.DB
}

func Open(path string) (*Ledger, error) {
	db, err := database.OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureBucket(BucketRuns); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ensure bucket '%s'", BucketRuns)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func runKey(run *models.SyncRun) string {
	return run.Started.UTC().Format(keyLayout) + "_" + run.RunID
}

func (l *Ledger) Append(run *models.SyncRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return l.db.PutData(BucketRuns, runKey(run), raw)
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) ([]models.SyncRun, error) {
	all, err := l.db.GetAllData(BucketRuns)
	if err != nil {
		return nil, err
	}
	runs := make([]models.SyncRun, 0, len(all))
	for key, raw := range all {
		var run models.SyncRun
		if err := json.Unmarshal(raw, &run); err != nil {
			log.Printf("[History] - Skipping corrupt run '%s': %v\n", key, err)
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Prune deletes runs started before cutoff and returns how many were removed.
func (l *Ledger) Prune(cutoff time.Time) (int, error) {
	keys, err := l.db.GetAllKeys(BucketRuns)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if len(key) < len(keyLayout) {
			continue
		}
		started, err := time.Parse(keyLayout, key[:len(keyLayout)])
		if err != nil || !started.Before(cutoff) {
			continue
		}
		if err := l.db.DeleteKey(BucketRuns, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
