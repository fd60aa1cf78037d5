package uploads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 64

// Stats counts the tasks currently visible in the queue.
type Stats struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Failed    int `json:"failed"`
}

// Queue holds upload tasks in submission order and runs them one at a time.
//
// Every mutation ends by re-checking the scheduling rule: if nothing is in
// flight and a pending task exists, the earliest pending task is started.
// Completed tasks leave the collection; failed tasks stay until dismissed
// or retried.
type Queue struct {
	mu         sync.Mutex
	tasks      []*Task
	inFlight   bool
	closed     bool
	onComplete func(CompletedUpload)
	idle       []chan struct{}

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	executor Executor
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for task transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides time.Now for timestamps and speed sampling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates an empty queue that transfers through executor.
func NewQueue(executor Executor, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		subscribers: make(map[chan Snapshot]struct{}),
		executor:    executor,
		ctx:         ctx,
		cancel:      cancel,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnComplete registers the completion observer. There is a single slot: a
// new registration silently replaces the previous one, and nil clears it.
func (q *Queue) OnComplete(fn func(CompletedUpload)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = fn
}

// Enqueue appends tasks as pending in the given order and returns their IDs.
// It never waits for running work. A batch holding an ID that is already in
// the queue, or twice in the batch, is rejected as a whole.
func (q *Queue) Enqueue(tasks ...*Task) ([]uuid.UUID, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if err := q.checkUniqueLocked(tasks); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(tasks))
	events := make([]Snapshot, 0, len(tasks)+1)
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.Status = StatusPending
		t.ProgressPercent, t.SpeedBytesPerSec, t.UploadedBytes = 0, 0, 0
		t.Error = ""
		if t.CreatedAt.IsZero() {
			t.CreatedAt = q.now()
		}
		q.tasks = append(q.tasks, t)
		ids = append(ids, t.ID)
		events = append(events, t.Snapshot())
		q.log.Debug().Str("task", t.ID.String()).Str("key", t.DestinationKey).Msg("upload queued")
	}
	if started := q.tryStartNextLocked(); started != nil {
		events = append(events, *started)
	}
	q.mu.Unlock()

	q.publish(events...)
	return ids, nil
}

func (q *Queue) checkUniqueLocked(tasks []*Task) error {
	seen := make(map[uuid.UUID]bool, len(q.tasks)+len(tasks))
	for _, t := range q.tasks {
		seen[t.ID] = true
	}
	for _, t := range tasks {
		if t == nil || t.ID == uuid.Nil {
			continue
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// tryStartNextLocked starts the earliest pending task when idle. Must be
// called with q.mu held.
func (q *Queue) tryStartNextLocked() *Snapshot {
	if q.inFlight || q.closed {
		q.notifyIdleLocked()
		return nil
	}
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusUploading
		t.StartedAt = q.now()
		q.inFlight = true

		snap := t.Snapshot()
		q.wg.Add(1)
		go q.run(t.ID, snap, t.File)

		q.log.Info().Str("task", t.ID.String()).Str("key", t.DestinationKey).
			Uint64("bytes", t.TotalBytes).Msg("upload started")
		return &snap
	}
	q.notifyIdleLocked()
	return nil
}

func (q *Queue) run(id uuid.UUID, snap Snapshot, file File) {
	defer q.wg.Done()

	var (
		resp Response
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = TransportError(fmt.Errorf("executor panic: %v", r))
			}
		}()
		sampler := NewProgressSampler(snap.TotalBytes, q.now)
		resp, err = q.executor.Execute(q.ctx, snap, file, func(uploaded uint64) {
			q.reportProgress(id, sampler.Observe(uploaded))
		})
	}()

	if err != nil {
		q.fail(id, err)
		return
	}
	q.complete(id, resp)
}

// reportProgress replaces the mutable progress fields of one uploading task.
// Byte counts that go backwards are dropped.
func (q *Queue) reportProgress(id uuid.UUID, p Progress) {
	q.mu.Lock()
	t := q.findLocked(id)
	if t == nil || t.Status != StatusUploading || p.Uploaded < t.UploadedBytes {
		q.mu.Unlock()
		return
	}
	t.UploadedBytes = p.Uploaded
	t.ProgressPercent = p.Percent
	t.SpeedBytesPerSec = p.Speed
	snap := t.Snapshot()
	q.mu.Unlock()

	q.publish(snap)
}

func (q *Queue) complete(id uuid.UUID, resp Response) {
	q.mu.Lock()
	t := q.findLocked(id)
	if t == nil {
		q.inFlight = false
		started := q.tryStartNextLocked()
		q.mu.Unlock()
		q.publishStarted(started)
		return
	}
	t.Status = StatusCompleted
	t.ProgressPercent = 100
	t.UploadedBytes = t.TotalBytes
	t.SpeedBytesPerSec = 0
	t.FinishedAt = q.now()
	record := CompletedUpload{
		TaskID:         t.ID,
		DestinationKey: t.DestinationKey,
		FileName:       t.Snapshot().FileName,
		Size:           t.TotalBytes,
		StorageClass:   t.StorageClass,
	}
	snap := t.Snapshot()
	callback := q.onComplete
	q.mu.Unlock()

	q.log.Info().Str("task", id.String()).Str("key", record.DestinationKey).
		Str("message", resp.Message).Msg("upload completed")
	q.publish(snap)

	// The observer runs before the task leaves the collection, while the
	// task is already no longer active.
	if callback != nil {
		callback(record)
	}

	q.mu.Lock()
	q.removeLocked(id)
	q.inFlight = false
	started := q.tryStartNextLocked()
	q.mu.Unlock()

	release(t.File, q.log)
	q.publishStarted(started)
}

func (q *Queue) fail(id uuid.UUID, err error) {
	q.mu.Lock()
	t := q.findLocked(id)
	var snap Snapshot
	if t != nil {
		t.Status = StatusFailed
		t.Error = failureMessage(err)
		t.SpeedBytesPerSec = 0
		t.FinishedAt = q.now()
		snap = t.Snapshot()
	}
	q.inFlight = false
	started := q.tryStartNextLocked()
	q.mu.Unlock()

	if t != nil {
		q.log.Warn().Err(err).Str("task", id.String()).Str("key", snap.DestinationKey).
			Str("outcome", Classify(err).String()).Msg("upload failed")
		q.publish(snap)
	}
	q.publishStarted(started)
}

// Retry re-submits a failed task as a new task at the end of the queue. The
// failed entry is replaced; the new task gets a new ID.
func (q *Queue) Retry(id uuid.UUID) (uuid.UUID, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uuid.Nil, ErrQueueClosed
	}
	t := q.findLocked(id)
	if t == nil {
		q.mu.Unlock()
		return uuid.Nil, ErrTaskNotFound
	}
	if t.Status != StatusFailed {
		q.mu.Unlock()
		return uuid.Nil, ErrTaskNotFailed
	}
	q.removeLocked(id)
	next := NewTask(t.File, t.DestinationKey, t.StorageClass)
	next.CreatedAt = q.now()
	q.tasks = append(q.tasks, next)
	events := []Snapshot{next.Snapshot()}
	if started := q.tryStartNextLocked(); started != nil {
		events = append(events, *started)
	}
	q.mu.Unlock()

	q.log.Info().Str("task", id.String()).Str("retry", next.ID.String()).Msg("upload re-submitted")
	q.publish(events...)
	return next.ID, nil
}

// Dismiss removes a failed task from the collection.
func (q *Queue) Dismiss(id uuid.UUID) error {
	q.mu.Lock()
	t := q.findLocked(id)
	if t == nil {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusFailed {
		q.mu.Unlock()
		return ErrTaskNotFailed
	}
	q.removeLocked(id)
	q.notifyIdleLocked()
	q.mu.Unlock()

	release(t.File, q.log)
	return nil
}

// Tasks returns snapshots of every visible task in submission order.
func (q *Queue) Tasks() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// Active returns snapshots of pending and uploading tasks.
func (q *Queue) Active() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Snapshot
	for _, t := range q.tasks {
		if t.Status.IsActive() {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// Task returns a snapshot of one task.
func (q *Queue) Task(id uuid.UUID) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.findLocked(id)
	if t == nil {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Stats counts the visible tasks by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusUploading:
			s.Uploading++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Subscribe returns a stream of task snapshots, one per state or progress
// change, and a function that ends the subscription. Events are dropped for
// subscribers that fall behind.
func (q *Queue) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	q.subMu.Lock()
	q.subscribers[ch] = struct{}{}
	q.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			if _, ok := q.subscribers[ch]; ok {
				delete(q.subscribers, ch)
				close(ch)
			}
			q.subMu.Unlock()
		})
	}
}

// WaitIdle blocks until no task is pending or uploading.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if q.isIdleLocked() {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idle = append(q.idle, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops scheduling, cancels the running transfer and waits for it to
// return. Remaining spooled files are released.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	remaining := q.tasks
	q.tasks = nil
	for _, ch := range q.idle {
		close(ch)
	}
	q.idle = nil
	q.mu.Unlock()

	for _, t := range remaining {
		release(t.File, q.log)
	}

	q.subMu.Lock()
	for ch := range q.subscribers {
		close(ch)
		delete(q.subscribers, ch)
	}
	q.subMu.Unlock()
}

func (q *Queue) findLocked(id uuid.UUID) *Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (q *Queue) removeLocked(id uuid.UUID) {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i:i], q.tasks[i+1:]...)
			return
		}
	}
}

func (q *Queue) isIdleLocked() bool {
	if q.inFlight {
		return false
	}
	for _, t := range q.tasks {
		if t.Status.IsActive() {
			return false
		}
	}
	return true
}

func (q *Queue) notifyIdleLocked() {
	if len(q.idle) == 0 || !q.isIdleLocked() {
		return
	}
	for _, ch := range q.idle {
		close(ch)
	}
	q.idle = nil
}

func (q *Queue) publishStarted(started *Snapshot) {
	if started != nil {
		q.publish(*started)
	}
}

func (q *Queue) publish(events ...Snapshot) {
	if len(events) == 0 {
		return
	}
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for ch := range q.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func release(f File, log zerolog.Logger) {
	r, ok := f.(Releaser)
	if !ok {
		return
	}
	if err := r.Release(); err != nil {
		log.Warn().Err(err).Str("file", f.Name()).Msg("release upload file")
	}
}
