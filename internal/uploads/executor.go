package uploads

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Response is the decoded body of a successful upload.
type Response struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ProgressFunc receives the cumulative number of bytes sent so far.
type ProgressFunc func(uploaded uint64)

// Executor transfers one task's file. It may call progress any number of
// times and then returns exactly once; the returned error is classified with
// Classify.
type Executor interface {
	Execute(ctx context.Context, task Snapshot, file File, progress ProgressFunc) (Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Snapshot, file File, progress ProgressFunc) (Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Snapshot, file File, progress ProgressFunc) (Response, error) {
	return f(ctx, task, file, progress)
}

// Progress is one sampled progress event.
type Progress struct {
	Uploaded uint64
	Total    uint64
	Percent  float64
	Speed    float64
}

// ProgressSampler turns cumulative byte counts into progress events. Speed is
// a point sample between two consecutive events, not an average.
type ProgressSampler struct {
	total  uint64
	last   uint64
	lastAt time.Time
	now    func() time.Time
}

// NewProgressSampler starts sampling at now().
func NewProgressSampler(total uint64, now func() time.Time) *ProgressSampler {
	if now == nil {
		now = time.Now
	}
	return &ProgressSampler{total: total, lastAt: now(), now: now}
}

// Observe records a new cumulative byte count.
func (s *ProgressSampler) Observe(uploaded uint64) Progress {
	at := s.now()
	var speed float64
	if elapsed := at.Sub(s.lastAt).Seconds(); elapsed > 0 && uploaded >= s.last {
		speed = float64(uploaded-s.last) / elapsed
	}
	if uploaded >= s.last {
		s.last = uploaded
	}
	s.lastAt = at

	var percent float64
	if s.total > 0 {
		percent = float64(uploaded) / float64(s.total) * 100
		if percent > 100 {
			percent = 100
		}
	}
	return Progress{Uploaded: uploaded, Total: s.total, Percent: percent, Speed: speed}
}

// ProgressReader counts bytes read through it and reports the running total.
type ProgressReader struct {
	reader   io.Reader
	progress ProgressFunc
	mu       sync.Mutex
	read     uint64
}

// NewProgressReader wraps r. A nil progress func is allowed.
func NewProgressReader(r io.Reader, progress ProgressFunc) *ProgressReader {
	return &ProgressReader{reader: r, progress: progress}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.mu.Lock()
		pr.read += uint64(n)
		total := pr.read
		pr.mu.Unlock()
		if pr.progress != nil {
			pr.progress(total)
		}
	}
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() uint64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.read
}
