package filetransfer

import (
	"fmt"
	"io"
	"sync"
)

// ProgressEvent reports how much of one file has been sent
type ProgressEvent struct {
	File    string
	Percent int
}

// ProgressFunc receives progress events. It must not block for long and its
// behavior never affects the transfer outcome.
type ProgressFunc func(ProgressEvent)

// fileProgress turns byte counts for one file into percentage events,
// emitting only when the floor percentage grows
type fileProgress struct {
	file  string
	total int64
	sent  int64
	last  int
	emit  ProgressFunc
}

func newFileProgress(file string, total int64, emit ProgressFunc) *fileProgress {
	return &fileProgress{file: file, total: total, last: -1, emit: emit}
}

// add records n more bytes sent
func (p *fileProgress) add(n int64) {
	p.sent += n
	p.report()
}

func (p *fileProgress) report() {
	if p.emit == nil {
		return
	}
	pct := 100
	if p.total > 0 {
		pct = int(p.sent * 100 / p.total)
	}
	if pct > p.last {
		p.last = pct
		p.emit(ProgressEvent{File: p.file, Percent: pct})
	}
}

// ProgressPrinter renders progress as one carriage-return-updated line per file
type ProgressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	current string
}

// NewProgressPrinter creates a printer writing to w
func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{w: w}
}

// Report prints ev, ending the previous file's line when the file changes
func (p *ProgressPrinter) Report(ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != "" && ev.File != p.current {
		fmt.Fprintln(p.w)
	}
	p.current = ev.File
	fmt.Fprintf(p.w, "\r%s: %d%% complete", ev.File, ev.Percent)
}

// Finish ends the last progress line
func (p *ProgressPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != "" {
		fmt.Fprintln(p.w)
		p.current = ""
	}
}
