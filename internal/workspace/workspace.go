// Package workspace holds the per-session view state: the session's upload
// queue and the uploads that finished but are not yet in the listing.
package workspace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/uploads"
)

// Workspace is the completion observer of one queue. It keeps completed
// uploads until a listing refresh contains their key.
type Workspace struct {
	mu        sync.Mutex
	completed []uploads.CompletedUpload

	queue   *uploads.Queue
	builder *tree.Builder
	log     zerolog.Logger
	now     func() time.Time
}

// New wraps queue and registers the workspace as its completion observer,
// replacing any observer registered before.
func New(queue *uploads.Queue, builder *tree.Builder, log zerolog.Logger) *Workspace {
	w := &Workspace{
		queue:   queue,
		builder: builder,
		log:     log,
		now:     time.Now,
	}
	queue.OnComplete(w.record)
	return w
}

func (w *Workspace) record(rec uploads.CompletedUpload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.completed {
		if existing.DestinationKey == rec.DestinationKey {
			w.completed = append(w.completed[:i:i], w.completed[i+1:]...)
			break
		}
	}
	w.completed = append(w.completed, rec)
	w.log.Debug().Str("key", rec.DestinationKey).Int("pending_reconcile", len(w.completed)).Msg("upload recorded")
}

// Queue returns the session's upload queue.
func (w *Workspace) Queue() *uploads.Queue {
	return w.queue
}

// Completed returns the unreconciled completed uploads, oldest first.
func (w *Workspace) Completed() []uploads.CompletedUpload {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uploads.CompletedUpload, len(w.completed))
	copy(out, w.completed)
	return out
}

// Reconcile drops completed uploads whose key appears in records.
func (w *Workspace) Reconcile(records []models.ObjectRecord) {
	listed := make(map[string]struct{}, len(records))
	for _, r := range records {
		listed[r.Key] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.completed[:0:0]
	for _, rec := range w.completed {
		if _, ok := listed[rec.DestinationKey]; ok {
			w.log.Debug().Str("key", rec.DestinationKey).Msg("upload reconciled")
			continue
		}
		kept = append(kept, rec)
	}
	w.completed = kept
}

// View reconciles against a fresh listing and returns the tree to render
// for prefix, with queued and just-finished uploads overlaid.
func (w *Workspace) View(records []models.ObjectRecord, prefix string) *tree.Node {
	w.Reconcile(records)
	base := w.builder.Build(records, prefix)
	return tree.Overlay(base, w.queue.Active(), w.Completed(), prefix, w.now())
}

// Close stops the queue.
func (w *Workspace) Close() {
	w.queue.Close()
}
