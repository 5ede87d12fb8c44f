package progress

import (
	"sync"
	"testing"
	"time"
)

func TestSnapshotDerivedMetrics(t *testing.T) {
	start := time.Unix(1000, 0)
	s := Snapshot{Bytes: 250, Total: 1000, Started: start, Taken: start.Add(5 * time.Second)}
	if p := s.Percent(); p != 25 {
		t.Fatalf("Percent = %v", p)
	}
	if r := s.Throughput(); r != 50 {
		t.Fatalf("Throughput = %v", r)
	}
	if eta := s.ETA(); eta != 15*time.Second {
		t.Fatalf("ETA = %v", eta)
	}
	if (Snapshot{}).ETA() != 0 || (Snapshot{}).Percent() != 0 {
		t.Fatalf("zero snapshot must report zero metrics")
	}
}

func TestTransferCountersConcurrent(t *testing.T) {
	var events int
	var mu sync.Mutex
	tr := NewTransfer("mod.bin", nil, ObserverFunc(func(Event) {
		mu.Lock()
		events++
		mu.Unlock()
	}))
	tr.SetTotal(8000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Add(1)
			}
		}()
	}
	wg.Wait()
	if tr.Bytes() != 8000 {
		t.Fatalf("Bytes = %d", tr.Bytes())
	}
	tr.SetStatus(StatusComplete)
	if snap := tr.Snapshot(); snap.Status != StatusComplete || snap.Percent() != 100 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	mu.Lock()
	defer mu.Unlock()
	if events < 2 {
		t.Fatalf("expected forced publishes, got %d", events)
	}
}

func TestSetAggregatesAndSharesCancel(t *testing.T) {
	set := NewSet("run-1", 4, nil)

	a := set.Begin("alpha")
	a.SetTotal(100)
	a.Add(100)
	set.Finish(a, StatusComplete)

	b := set.Begin("beta")
	b.SetTotal(100)
	b.Add(50)

	snap := set.Snapshot()
	if snap.Completed != 1 || snap.InFlight != 1 || snap.Bytes != 150 || snap.TotalBytes != 200 {
		t.Fatalf("unexpected set snapshot %+v", snap)
	}
	if f := snap.Fraction(); f != 1.5/4 {
		t.Fatalf("Fraction = %v", f)
	}

	set.Cancel()
	if !b.Cancelled() {
		t.Fatalf("transfer must observe the set cancel flag")
	}
	set.Finish(b, StatusCancelled)
	set.Finish(set.Begin("gamma"), StatusSkipped)

	snap = set.Snapshot()
	if snap.Cancelled != 1 || snap.Skipped != 1 || snap.InFlight != 0 || !snap.CancelRequested {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
}

func TestChannelDropsWhenFull(t *testing.T) {
	ch := NewChannel(1)
	ch.Publish(Event{Set: &SetSnapshot{RunID: "a"}})
	ch.Publish(Event{Set: &SetSnapshot{RunID: "b"}})
	ch.Close()
	ch.Publish(Event{Set: &SetSnapshot{RunID: "c"}})

	var got []string
	for e := range ch.C() {
		got = append(got, e.Set.RunID)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestChildTransfersFeedParent(t *testing.T) {
	set := NewSet("run-2", 1, nil)
	pkg := set.Begin("alpha")
	pkg.SetTotal(1000)

	file := pkg.Child("a.bin")
	file.SetTotal(600)
	file.Add(200)
	if pkg.Bytes() != 200 || set.Snapshot().Bytes != 200 {
		t.Fatalf("child bytes not propagated: pkg=%d", pkg.Bytes())
	}
	file.Rewind()
	if pkg.Bytes() != 200 || pkg.Total() != 1200 {
		t.Fatalf("rewind must grow the parent total: bytes=%d total=%d", pkg.Bytes(), pkg.Total())
	}
	set.Cancel()
	if !file.Cancelled() {
		t.Fatalf("child must share the cancel flag")
	}
}
