// Package reporter renders set-sync progress on a terminal.
package reporter

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/FraMan97/modsync/internal/progress"
	"github.com/schollz/progressbar/v3"
)

// Console draws one bar over the bytes of a whole run.
type Console struct {
	w     io.Writer
	bar   *progressbar.ProgressBar
	total int64
	last  progress.SetSnapshot
	// failed is set once a render error has been logged.
	failed bool
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) initBar() {
	if c.bar != nil {
		return
	}
	c.bar = progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Syncing..."),
		progressbar.OptionSetWriter(c.w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.w) }),
	)
}

// Run consumes events until the channel closes or ctx is done.
func (c *Console) Run(ctx context.Context, events <-chan progress.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				c.finish()
				return
			}
			if e.Set != nil {
				c.update(*e.Set)
			}
		}
	}
}

func (c *Console) update(s progress.SetSnapshot) {
	c.initBar()
	c.last = s
	if s.TotalBytes > 0 && s.TotalBytes != c.total {
		c.total = s.TotalBytes
		c.bar.ChangeMax64(s.TotalBytes)
	}
	c.bar.Describe(Describe(s))
	c.report(c.bar.Set64(s.Bytes))
}

// report logs the first render failure. The bar keeps going; a broken
// terminal must not fail the sync it is drawing.
func (c *Console) report(err error) {
	if err == nil || c.failed {
		return
	}
	c.failed = true
	log.Printf("[Reporter] - Error rendering progress, further errors suppressed: %v\n", err)
}

func (c *Console) finish() {
	if c.bar == nil {
		return
	}
	if c.total > 0 {
		c.report(c.bar.Set64(c.total))
	}
	c.report(c.bar.Finish())
}

// Last is the most recent snapshot rendered.
func (c *Console) Last() progress.SetSnapshot { return c.last }

// Describe is the one-line label of a set snapshot.
func Describe(s progress.SetSnapshot) string {
	label := fmt.Sprintf("[%d/%d] %s", s.Done(), s.Packages, s.Current)
	if s.CancelRequested {
		label += " (cancelling)"
	}
	if eta := s.Remaining(); eta > 0 {
		label += fmt.Sprintf(" eta %s", eta.Round(time.Second))
	}
	return label
}

// HumanBytes formats n with binary units.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
