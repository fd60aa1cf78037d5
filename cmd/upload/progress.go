package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/damacus/iron-tree/internal/uploads"
)

// progress draws one bar per running task from the queue's event stream.
type progress struct {
	out io.Writer

	mu     sync.Mutex
	bars   map[uuid.UUID]*progressbar.ProgressBar
	failed map[uuid.UUID]bool
}

func newProgress(out io.Writer) *progress {
	return &progress{
		out:    out,
		bars:   make(map[uuid.UUID]*progressbar.ProgressBar),
		failed: make(map[uuid.UUID]bool),
	}
}

func (p *progress) barLocked(ev uploads.Snapshot) *progressbar.ProgressBar {
	if bar, ok := p.bars[ev.ID]; ok {
		return bar
	}
	total := int64(ev.TotalBytes)
	if total == 0 {
		total = -1
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(ev.DestinationKey),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
	p.bars[ev.ID] = bar
	return bar
}

func (p *progress) update(ev uploads.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Status {
	case uploads.StatusUploading:
		_ = p.barLocked(ev).Set64(int64(ev.UploadedBytes))
	case uploads.StatusCompleted:
		bar := p.barLocked(ev)
		_ = bar.Set64(int64(ev.TotalBytes))
		_ = bar.Finish()
		delete(p.bars, ev.ID)
	case uploads.StatusFailed:
		p.failLocked(ev)
	}
}

// fail reports a failed task once, whether or not its event was seen.
func (p *progress) fail(ev uploads.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failLocked(ev)
}

func (p *progress) failLocked(ev uploads.Snapshot) {
	if p.failed[ev.ID] {
		return
	}
	p.failed[ev.ID] = true
	if bar, ok := p.bars[ev.ID]; ok {
		_ = bar.Exit()
		delete(p.bars, ev.ID)
		fmt.Fprint(p.out, "\n")
	}
	fmt.Fprintf(p.out, "failed %s: %s\n", ev.DestinationKey, ev.Error)
}
