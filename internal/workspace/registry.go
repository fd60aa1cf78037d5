package workspace

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/uploads"
)

// Registry maps login sessions to their workspaces.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Workspace

	builder *tree.Builder
	log     zerolog.Logger
}

// NewRegistry creates an empty registry whose workspaces sort with builder.
func NewRegistry(builder *tree.Builder, log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Workspace),
		builder:  builder,
		log:      log,
	}
}

// Get returns the workspace for session, creating it with the executor
// returned by newExecutor when the session has none yet.
func (r *Registry) Get(session string, newExecutor func() (uploads.Executor, error)) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.sessions[session]; ok {
		return w, nil
	}
	exec, err := newExecutor()
	if err != nil {
		return nil, err
	}
	log := r.log.With().Str("session", session).Logger()
	w := New(uploads.NewQueue(exec, uploads.WithLogger(log)), r.builder, log)
	r.sessions[session] = w
	log.Debug().Msg("workspace created")
	return w, nil
}

// Lookup returns the session's workspace without creating one.
func (r *Registry) Lookup(session string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.sessions[session]
	return w, ok
}

// Remove closes and forgets the session's workspace.
func (r *Registry) Remove(session string) {
	r.mu.Lock()
	w, ok := r.sessions[session]
	delete(r.sessions, session)
	r.mu.Unlock()

	if ok {
		w.Close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every workspace.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Workspace)
	r.mu.Unlock()

	for _, w := range sessions {
		w.Close()
	}
}
