package reporter

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FraMan97/modsync/internal/progress"
	"github.com/pkg/errors"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestConsoleFollowsSet(t *testing.T) {
	var out lockedBuffer
	ch := progress.NewChannel(64)
	c := NewConsole(&out)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), ch.C())
		close(done)
	}()

	set := progress.NewSet("run", 2, ch)
	a := set.Begin("alpha")
	a.SetTotal(100)
	a.Add(100)
	set.Finish(a, progress.StatusComplete)
	set.Finish(set.Begin("beta"), progress.StatusSkipped)
	ch.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("reporter did not stop after the channel closed")
	}
	if last := c.Last(); last.Done() != 2 {
		t.Fatalf("last snapshot %+v", last)
	}
	if out.Len() == 0 {
		t.Fatalf("nothing rendered")
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("terminal gone") }

func TestRenderErrorsAreLoggedOnce(t *testing.T) {
	var logs lockedBuffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	c := NewConsole(brokenWriter{})
	c.report(nil)
	c.report(errors.New("first"))
	c.report(errors.New("second"))

	ch := progress.NewChannel(64)
	set := progress.NewSet("run", 1, ch)
	a := set.Begin("alpha")
	a.SetTotal(10)
	a.Add(10)
	set.Finish(a, progress.StatusComplete)
	ch.Close()
	c.Run(context.Background(), ch.C())

	logs.mu.Lock()
	out := logs.buf.String()
	logs.mu.Unlock()
	if n := strings.Count(out, "[Reporter] -"); n != 1 {
		t.Fatalf("expected one reporter line, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, "first") {
		t.Fatalf("first error not logged: %s", out)
	}
}

func TestDescribe(t *testing.T) {
	s := progress.SetSnapshot{Packages: 3, Completed: 1, Current: "beta", CancelRequested: true}
	got := Describe(s)
	if !strings.HasPrefix(got, "[1/3] beta (cancelling)") {
		t.Fatalf("Describe = %q", got)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, c := range cases {
		if got := HumanBytes(c.n); got != c.want {
			t.Fatalf("HumanBytes(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
