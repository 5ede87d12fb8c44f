package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event carries exactly one of a transfer or a set snapshot.
type Event struct {
	Transfer *Snapshot
	Set      *SetSnapshot
}

type Observer interface {
	Publish(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Publish(e Event) { f(e) }

// Channel is an Observer that forwards events to a buffered channel and drops
// them when the consumer falls behind, so transfers never block on rendering.
type Channel struct {
	ch     chan Event
	once   sync.Once
	closed atomic.Bool
}

func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{ch: make(chan Event, buffer)}
}

func (c *Channel) Publish(e Event) {
	if c.closed.Load() {
		return
	}
	defer func() { recover() }()
	select {
	case c.ch <- e:
	default:
	}
}

func (c *Channel) C() <-chan Event { return c.ch }

func (c *Channel) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.ch)
	})
}

// SetSnapshot is an immutable view of a Set.
type SetSnapshot struct {
	RunID           string
	Packages        int
	Completed       int
	Failed          int
	Skipped         int
	Cancelled       int
	RateLimited     int
	InFlight        int
	Bytes           int64
	TotalBytes      int64
	Current         string
	Started         time.Time
	Taken           time.Time
	CancelRequested bool
	// partial is the summed completion fraction of in-flight packages.
	partial float64
}

func (s SetSnapshot) Done() int {
	return s.Completed + s.Failed + s.Skipped + s.Cancelled + s.RateLimited
}

// Fraction is overall completion in [0,1]: finished packages count fully,
// in-flight packages by their byte progress.
func (s SetSnapshot) Fraction() float64 {
	if s.Packages <= 0 {
		return 1
	}
	f := (float64(s.Done()) + s.partial) / float64(s.Packages)
	if f > 1 {
		return 1
	}
	return f
}

func (s SetSnapshot) Throughput() float64 {
	elapsed := s.Taken.Sub(s.Started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / elapsed
}

// Remaining extrapolates elapsed time over the unfinished fraction.
func (s SetSnapshot) Remaining() time.Duration {
	f := s.Fraction()
	if f <= 0 || f >= 1 {
		return 0
	}
	elapsed := s.Taken.Sub(s.Started)
	return time.Duration(float64(elapsed) * (1 - f) / f)
}

// Set aggregates the packages of one sync run.
type Set struct {
	runID    string
	packages int
	started  time.Time
	cancel   *CancelFlag
	observer Observer

	completed  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	cancelled  atomic.Int64
	limited    atomic.Int64
	bytes      atomic.Int64
	totalBytes atomic.Int64
	current    atomic.Value

	mu     sync.Mutex
	active map[*Transfer]struct{}
}

func NewSet(runID string, packages int, observer Observer) *Set {
	s := &Set{
		runID:    runID,
		packages: packages,
		started:  time.Now(),
		cancel:   &CancelFlag{},
		observer: observer,
		active:   make(map[*Transfer]struct{}),
	}
	s.current.Store("")
	return s
}

func (s *Set) Cancel() {
	s.cancel.Cancel()
	s.publish()
}

func (s *Set) Cancelled() bool { return s.cancel.Cancelled() }

// CancelFlag is shared with every transfer the set starts.
func (s *Set) CancelFlag() *CancelFlag { return s.cancel }

// Begin starts tracking a package. The returned transfer shares the set's
// cancel flag and contributes its bytes to the set counters.
func (s *Set) Begin(name string) *Transfer {
	t := NewTransfer(name, s.cancel, s.observer)
	t.parent = s
	s.mu.Lock()
	s.active[t] = struct{}{}
	s.mu.Unlock()
	s.current.Store(name)
	s.publish()
	return t
}

// Finish records the terminal status of a package started with Begin.
func (s *Set) Finish(t *Transfer, status Status) {
	s.mu.Lock()
	delete(s.active, t)
	s.mu.Unlock()
	switch status {
	case StatusComplete:
		s.completed.Add(1)
	case StatusSkipped:
		s.skipped.Add(1)
	case StatusCancelled:
		s.cancelled.Add(1)
	case StatusRateLimited:
		s.limited.Add(1)
	default:
		s.failed.Add(1)
	}
	t.SetStatus(status)
	s.publish()
}

func (s *Set) Snapshot() SetSnapshot {
	s.mu.Lock()
	inflight := len(s.active)
	var partial float64
	for t := range s.active {
		if total := t.Total(); total > 0 {
			p := float64(t.Bytes()) / float64(total)
			if p > 1 {
				p = 1
			}
			partial += p
		}
	}
	s.mu.Unlock()
	return SetSnapshot{
		RunID:           s.runID,
		Packages:        s.packages,
		Completed:       int(s.completed.Load()),
		Failed:          int(s.failed.Load()),
		Skipped:         int(s.skipped.Load()),
		Cancelled:       int(s.cancelled.Load()),
		RateLimited:     int(s.limited.Load()),
		InFlight:        inflight,
		Bytes:           s.bytes.Load(),
		TotalBytes:      s.totalBytes.Load(),
		Current:         s.current.Load().(string),
		Started:         s.started,
		Taken:           time.Now(),
		CancelRequested: s.Cancelled(),
		partial:         partial,
	}
}

func (s *Set) publish() {
	if s.observer == nil {
		return
	}
	snap := s.Snapshot()
	s.observer.Publish(Event{Set: &snap})
}
