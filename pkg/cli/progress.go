package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Progress prints one self-overwriting "label: n/total (p%)" line for a
// batch of known size. It is safe for concurrent Step calls.
type Progress struct {
	w     io.Writer
	label string

	mu      sync.Mutex
	total   int
	done    int
	started time.Time
}

// NewProgress returns a Progress writing to w, or to os.Stderr when w is
// nil.
func NewProgress(w io.Writer, label string) *Progress {
	if w == nil {
		w = os.Stderr
	}
	return &Progress{w: w, label: label}
}

// Start resets the counter for total items. Nothing is printed for an
// empty batch.
func (p *Progress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total, p.done, p.started = total, 0, time.Now()
	p.line()
}

// Step counts one finished item.
func (p *Progress) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done < p.total {
		p.done++
	}
	p.line()
}

// Finish ends the line with the elapsed time, or with err when the batch
// stopped early.
func (p *Progress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.w, "\n%s: error: %v\n", p.label, err)
		return
	}
	p.line()
	fmt.Fprintf(p.w, " done in %s\n", time.Since(p.started).Round(time.Millisecond))
}

func (p *Progress) line() {
	if p.total <= 0 {
		return
	}
	fmt.Fprintf(p.w, "\r%s: %d/%d (%d%%)", p.label, p.done, p.total, p.done*100/p.total)
}
