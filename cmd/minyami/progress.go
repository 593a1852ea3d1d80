package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/Last-Order/Minyami-sub000/internal/download"
)

// progress renders download events. On a terminal the segment counter is
// redrawn in place, otherwise only every tenth segment is printed.
type progress struct {
	w       io.Writer
	tty     bool
	started time.Time
	now     func() time.Time
	inline  bool
}

func newProgress(w io.Writer) *progress {
	p := &progress{w: w, now: time.Now}
	if f, ok := w.(*os.File); ok {
		p.tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	p.started = p.now()
	return p
}

func (p *progress) handle(ev download.Event) {
	switch ev.Kind {
	case download.EventSegmentDone:
		line := p.counter(ev)
		if p.tty {
			fmt.Fprintf(p.w, "\r\033[K%s", line)
			p.inline = true
			return
		}
		if ev.Finished%10 == 0 || ev.Finished == ev.Total {
			fmt.Fprintln(p.w, line)
		}
	case download.EventSegmentRetry:
		p.println(fmt.Sprintf("retry %s (attempt %d): %v", ev.Segment, ev.Attempt, ev.Err))
	case download.EventSegmentDropped:
		p.println(fmt.Sprintf("dropped %s after %d attempts: %v", ev.Segment, ev.Attempt, ev.Err))
	case download.EventMerged:
		p.println("merged " + ev.Output)
	case download.EventFailed:
		p.println(fmt.Sprintf("failed: %v", ev.Err))
	case download.EventFinished:
		p.println(fmt.Sprintf("finished: %d segments, %s in %s -> %s",
			ev.Finished, humanize.Bytes(uint64(max(ev.Bytes, 0))),
			p.now().Sub(p.started).Round(time.Second), ev.Output))
	}
}

func (p *progress) counter(ev download.Event) string {
	elapsed := p.now().Sub(p.started).Seconds()
	rate := ""
	if elapsed > 0 {
		rate = fmt.Sprintf(" %s/s", humanize.Bytes(uint64(float64(max(ev.Bytes, 0))/elapsed)))
	}
	if ev.Total < 0 {
		return fmt.Sprintf("recorded %d segments, %s%s", ev.Finished, humanize.Bytes(uint64(max(ev.Bytes, 0))), rate)
	}
	pct := 0.0
	if ev.Total > 0 {
		pct = float64(ev.Finished) * 100 / float64(ev.Total)
	}
	return fmt.Sprintf("%d/%d (%.1f%%) %s%s", ev.Finished, ev.Total, pct, humanize.Bytes(uint64(max(ev.Bytes, 0))), rate)
}

func (p *progress) println(s string) {
	if p.inline {
		fmt.Fprintln(p.w)
		p.inline = false
	}
	fmt.Fprintln(p.w, s)
}

// runWithProgress renders events to stderr while run executes.
func runWithProgress(events chan download.Event, run func() error) error {
	p := newProgress(os.Stderr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			p.handle(ev)
		}
		if p.inline {
			fmt.Fprintln(p.w)
		}
	}()
	err := run()
	close(events)
	<-done
	return err
}
