// Package progress tracks transfer and set-sync progress with atomic counters
// and publishes immutable snapshots to observers. Derived metrics are computed
// from snapshots, never stored.
package progress

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusSizing       Status = "sizing"
	StatusStarting     Status = "starting"
	StatusResuming     Status = "resuming"
	StatusTransferring Status = "transferring"
	StatusPatching     Status = "patching"
	StatusVerifying    Status = "verifying"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusSkipped      Status = "skipped"
	// StatusRateLimited ends a transfer the server kept refusing admission.
	// Unlike StatusFailed it is worth retrying as is.
	StatusRateLimited Status = "rate_limited"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusSkipped, StatusRateLimited:
		return true
	}
	return false
}

// publishInterval bounds how often byte-count changes are published.
const publishInterval = 100 * time.Millisecond

// CancelFlag is a cooperative cancellation flag shared between an orchestrator
// and the transfers it starts. It is polled, never forced.
type CancelFlag struct {
	v atomic.Bool
}

func (c *CancelFlag) Cancel() { c.v.Store(true) }

func (c *CancelFlag) Cancelled() bool { return c != nil && c.v.Load() }

// Snapshot is an immutable view of a Transfer.
type Snapshot struct {
	ID        string
	Name      string
	Status    Status
	Bytes     int64
	Total     int64
	Started   time.Time
	Taken     time.Time
	Cancelled bool
}

func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.Total) * 100
}

// Throughput is the average rate in bytes per second since Started.
func (s Snapshot) Throughput() float64 {
	elapsed := s.Taken.Sub(s.Started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / elapsed
}

// ETA returns 0 when the rate or total is unknown.
func (s Snapshot) ETA() time.Duration {
	rate := s.Throughput()
	if rate <= 0 || s.Total <= 0 || s.Bytes >= s.Total {
		return 0
	}
	return time.Duration(float64(s.Total-s.Bytes) / rate * float64(time.Second))
}

// Transfer holds the counters of one file or chunk-patch operation.
type Transfer struct {
	id       string
	name     string
	bytes    atomic.Int64
	total    atomic.Int64
	status   atomic.Value
	started  time.Time
	cancel   *CancelFlag
	observer Observer
	parent   *Set
	up       *Transfer

	lastPublish atomic.Int64
}

// NewTransfer creates a standalone transfer. A nil cancel flag gets a private one.
func NewTransfer(name string, cancel *CancelFlag, observer Observer) *Transfer {
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	t := &Transfer{
		id:       uuid.NewString(),
		name:     name,
		started:  time.Now(),
		cancel:   cancel,
		observer: observer,
	}
	t.status.Store(StatusQueued)
	return t
}

// Child starts a sub-transfer sharing t's cancel flag and observer. Bytes
// added to the child are also counted on t.
func (t *Transfer) Child(name string) *Transfer {
	c := NewTransfer(name, t.cancel, t.observer)
	c.up = t
	return c
}

func (t *Transfer) ID() string { return t.id }

func (t *Transfer) Name() string { return t.name }

func (t *Transfer) Bytes() int64 { return t.bytes.Load() }

func (t *Transfer) Total() int64 { return t.total.Load() }

func (t *Transfer) Status() Status { return t.status.Load().(Status) }

func (t *Transfer) Cancel() { t.cancel.Cancel() }

func (t *Transfer) Cancelled() bool { return t.cancel.Cancelled() }

// SetTotal replaces the expected byte count.
func (t *Transfer) SetTotal(total int64) {
	old := t.total.Swap(total)
	if t.parent != nil {
		t.parent.totalBytes.Add(total - old)
	}
	t.publish(true)
}

// Add records n transferred bytes. Counters only ever grow.
func (t *Transfer) Add(n int64) {
	if n <= 0 {
		return
	}
	t.bytes.Add(n)
	if t.parent != nil {
		t.parent.bytes.Add(n)
	}
	if t.up != nil {
		t.up.Add(n)
	}
	t.publish(false)
}

// grow extends the expected total without touching the byte counter.
func (t *Transfer) grow(n int64) {
	t.total.Add(n)
	if t.parent != nil {
		t.parent.totalBytes.Add(n)
	}
	if t.up != nil {
		t.up.grow(n)
	}
}

// Rewind discards counted bytes when a transfer restarts from zero. Parent
// counters never go backwards; their totals grow by the discarded amount
// instead.
func (t *Transfer) Rewind() int64 {
	n := t.bytes.Swap(0)
	if n > 0 {
		if t.parent != nil {
			t.parent.totalBytes.Add(n)
		}
		if t.up != nil {
			t.up.grow(n)
		}
	}
	t.publish(true)
	return n
}

func (t *Transfer) SetStatus(s Status) {
	t.status.Store(s)
	t.publish(true)
}

func (t *Transfer) Snapshot() Snapshot {
	return Snapshot{
		ID:        t.id,
		Name:      t.name,
		Status:    t.Status(),
		Bytes:     t.bytes.Load(),
		Total:     t.total.Load(),
		Started:   t.started,
		Taken:     time.Now(),
		Cancelled: t.Cancelled(),
	}
}

func (t *Transfer) publish(force bool) {
	if t.observer == nil {
		return
	}
	if !force {
		now := time.Now().UnixNano()
		last := t.lastPublish.Load()
		if now-last < int64(publishInterval) || !t.lastPublish.CompareAndSwap(last, now) {
			return
		}
	}
	snap := t.Snapshot()
	t.observer.Publish(Event{Transfer: &snap})
}
